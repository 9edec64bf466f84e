package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names used by the server.
const (
	JobSync  = "sync"
	JobPurge = "purge"
)

// JobInfo describes one scheduled job.
type JobInfo struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

type job struct {
	id   cron.EntryID
	expr string
}

// Scheduler wraps robfig/cron and tracks named jobs and their next run.
type Scheduler struct {
	mu   sync.RWMutex
	c    *cron.Cron
	jobs map[string]job
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	return &Scheduler{
		c:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs: make(map[string]job),
	}
}

// SetJob replaces the named job with the given expression and callback.
// An empty expression removes the job. If the scheduler is already running,
// the change takes effect immediately.
func (s *Scheduler) SetJob(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.jobs[name]; ok {
		s.c.Remove(old.id)
		delete(s.jobs, name)
	}
	if expr == "" {
		slog.Info("scheduler: job removed", "job", name)
		return nil
	}

	id, err := s.c.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	s.jobs[name] = job{id: id, expr: expr}
	slog.Info("scheduler: job set", "job", name, "cron", expr)
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the named job's next scheduled time, or nil if the job
// is not set or the scheduler is not running.
func (s *Scheduler) NextRunAt(name string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok {
		return nil
	}
	entry := s.c.Entry(j.id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// Jobs lists the configured jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]JobInfo, 0, len(names))
	for _, name := range names {
		s.mu.RLock()
		expr := s.jobs[name].expr
		s.mu.RUnlock()
		out = append(out, JobInfo{Name: name, Cron: expr, NextRunAt: s.NextRunAt(name)})
	}
	return out
}
