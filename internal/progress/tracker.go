// Package progress tracks an operator's scan position and results within a
// single jumper sequence.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/store"
)

// ErrNotLoaded is returned by persistence operations before Load.
var ErrNotLoaded = errors.New("no jumper sequence loaded")

// Store is the persistence the tracker needs.
type Store interface {
	GetProgress(ctx context.Context, id circuit.SequenceID) (store.Progress, error)
	PutProgress(ctx context.Context, p store.Progress) error
	DeleteProgress(ctx context.Context, id circuit.SequenceID) error
	DeleteAllProgress(ctx context.Context) error
}

// Stats summarises a sequence. Only matches count toward Percentage;
// non-matches and skips count as scanned.
type Stats struct {
	Match      int     `json:"match"`
	NonMatch   int     `json:"non_match"`
	Skipped    int     `json:"skipped"`
	Scanned    int     `json:"scanned"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Complete reports whether every position is a match.
func (s Stats) Complete() bool {
	return s.Total > 0 && s.Match == s.Total
}

// Tracker is the scan state machine for one (circuit, jumper sequence).
// It is not safe for concurrent use; callers serialise access per circuit.
type Tracker struct {
	store   Store
	seq     circuit.SequenceID
	loaded  bool
	total   int
	current int
	results map[int]Result
}

// NewTracker returns an empty tracker backed by st.
func NewTracker(st Store) *Tracker {
	return &Tracker{store: st, results: make(map[int]Result)}
}

// Load resets the in-memory state and then loads the persisted state of seq.
// The stored index is clamped into [0, total-1]. A corrupt result map is
// logged and replaced by an empty one; only storage failures are returned.
func (t *Tracker) Load(ctx context.Context, seq circuit.SequenceID, total int) error {
	t.seq = seq
	t.total = max(total, 0)
	t.current = 0
	t.results = make(map[int]Result)
	t.loaded = true

	p, err := t.store.GetProgress(ctx, seq)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("no scan state, starting fresh", "sequence", seq.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}

	t.current = t.clamp(p.CurrentIndex)
	results, dropped := DecodeResults(p.Results)
	if dropped > 0 {
		slog.Error("scan state partially corrupt", "sequence", seq.String(), "dropped", dropped)
	}
	t.results = results
	return nil
}

func (t *Tracker) clamp(i int) int {
	if t.total == 0 || i < 0 {
		return 0
	}
	if i > t.total-1 {
		return t.total - 1
	}
	return i
}

// Sequence returns the loaded sequence id.
func (t *Tracker) Sequence() circuit.SequenceID { return t.seq }

// Total returns the sequence length the tracker was loaded with.
func (t *Tracker) Total() int { return t.total }

// Current returns the pointer position.
func (t *Tracker) Current() int { return t.current }

// Record stores r at the current position. The result is stored as given;
// serial validation belongs to the caller.
func (t *Tracker) Record(r Result) {
	t.results[t.current] = r
}

// RecordAt stores r at position idx. It returns false when idx is out of range.
func (t *Tracker) RecordAt(idx int, r Result) bool {
	if idx < 0 || idx >= t.total {
		return false
	}
	t.results[idx] = r
	return true
}

// Status returns the result at the current position, if any.
func (t *Tracker) Status() (Result, bool) {
	r, ok := t.results[t.current]
	return r, ok
}

// Results returns a copy of the position → result map.
func (t *Tracker) Results() map[int]Result {
	return maps.Clone(t.results)
}

// Advance moves to the next position. It returns false at the last one.
func (t *Tracker) Advance() bool {
	if t.current >= t.total-1 {
		return false
	}
	t.current++
	return true
}

// Retreat moves to the previous position. It returns false at the first one.
func (t *Tracker) Retreat() bool {
	if t.current <= 0 {
		return false
	}
	t.current--
	return true
}

// Seek moves the pointer to idx. It returns false when idx is out of range.
func (t *Tracker) Seek(idx int) bool {
	if idx < 0 || idx >= t.total {
		return false
	}
	t.current = idx
	return true
}

// Stats counts results at positions inside the sequence.
func (t *Tracker) Stats() Stats {
	s := Stats{Total: t.total}
	for idx, r := range t.results {
		if idx < 0 || idx >= t.total {
			continue
		}
		switch r.Kind {
		case KindMatch:
			s.Match++
		case KindNonMatch:
			s.NonMatch++
		case KindSkip:
			s.Skipped++
		}
	}
	s.Scanned = s.Match + s.NonMatch + s.Skipped
	if s.Total > 0 {
		s.Percentage = float64(s.Match) / float64(s.Total) * 100
	}
	return s
}

// Persist upserts the current index and result map.
func (t *Tracker) Persist(ctx context.Context) error {
	if !t.loaded {
		return ErrNotLoaded
	}
	raw, err := EncodeResults(t.results)
	if err != nil {
		return err
	}
	if err := t.store.PutProgress(ctx, store.Progress{
		Sequence:     t.seq,
		CurrentIndex: t.current,
		Results:      raw,
	}); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}

// ResetOne deletes the persisted state of the loaded sequence and clears
// the in-memory state.
func (t *Tracker) ResetOne(ctx context.Context) error {
	if !t.loaded {
		return ErrNotLoaded
	}
	if err := t.store.DeleteProgress(ctx, t.seq); err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	t.current = 0
	t.results = make(map[int]Result)
	return nil
}

// ResetAll deletes the persisted state of every sequence of every circuit.
func (t *Tracker) ResetAll(ctx context.Context) error {
	if err := t.store.DeleteAllProgress(ctx); err != nil {
		return fmt.Errorf("reset all progress: %w", err)
	}
	t.current = 0
	t.results = make(map[int]Result)
	return nil
}
