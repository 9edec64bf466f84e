package importer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRunning is returned when an import is started while one is in progress.
var ErrAlreadyRunning = errors.New("an import is already in progress")

// ErrNoActiveImport is returned when cancel is called with no import running.
var ErrNoActiveImport = errors.New("no import is currently running")

// ActiveImport holds live information about the running import.
type ActiveImport struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	TriggeredBy string    `json:"triggered_by"`
	Force       bool      `json:"force"`
	Progress    *Progress `json:"-"`

	done chan struct{}
}

// Wait blocks until the import finishes.
func (a *ActiveImport) Wait() { <-a.done }

// Manager enforces a single-active-import invariant and exposes start/cancel.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	importer *Importer

	active   *ActiveImport
	cancelFn context.CancelFunc
	last     *Summary
	lastErr  error
}

// NewManager creates a Manager.
func NewManager(im *Importer) *Manager {
	return &Manager{importer: im}
}

func (m *Manager) begin(parentCtx context.Context, triggeredBy string, force bool) (*ActiveImport, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, nil, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(parentCtx)
	m.active = &ActiveImport{
		ID:          uuid.NewString(),
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
		Force:       force,
		Progress:    &Progress{},
		done:        make(chan struct{}),
	}
	m.cancelFn = cancel
	return m.active, ctx, nil
}

func (m *Manager) finish(a *ActiveImport, sum Summary, err error) {
	m.mu.Lock()
	m.cancelFn()
	m.active = nil
	m.cancelFn = nil
	m.last = &sum
	m.lastErr = err
	m.mu.Unlock()
	close(a.done)
}

// Start launches an asynchronous import. Returns an ActiveImport snapshot
// or ErrAlreadyRunning if an import is already in progress.
func (m *Manager) Start(parentCtx context.Context, triggeredBy string, force bool) (*ActiveImport, error) {
	a, ctx, err := m.begin(parentCtx, triggeredBy, force)
	if err != nil {
		return nil, err
	}
	slog.Info("import started", "id", a.ID, "triggered_by", triggeredBy, "force", force)

	go func() {
		sum, err := m.importer.Run(ctx, force, a.Progress)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("import run error", "id", a.ID, "error", err)
		}
		m.finish(a, sum, err)
	}()

	snap := *a
	return &snap, nil
}

// Run performs an import synchronously under the same single-active rule.
func (m *Manager) Run(ctx context.Context, triggeredBy string, force bool) (Summary, error) {
	a, runCtx, err := m.begin(ctx, triggeredBy, force)
	if err != nil {
		return Summary{}, err
	}
	sum, err := m.importer.Run(runCtx, force, a.Progress)
	m.finish(a, sum, err)
	return sum, err
}

// Cancel stops the currently running import. Returns ErrNoActiveImport if idle.
func (m *Manager) Cancel() (*ActiveImport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveImport
	}
	snap := *m.active
	m.cancelFn()
	return &snap, nil
}

// Active returns a snapshot of the running import, or nil when idle.
func (m *Manager) Active() *ActiveImport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snap := *m.active
	return &snap
}

// Last returns the summary and error of the most recently finished import.
func (m *Manager) Last() (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastErr
}
