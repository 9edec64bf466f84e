package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/progress"
)

// ErrOutOfRange is returned when a position lies outside the sequence.
var ErrOutOfRange = errors.New("position out of range")

// ErrNoMatch is returned by Search when no entry contains the query.
var ErrNoMatch = errors.New("no entry matches the query")

// State is the scan state of a sequence after an action.
type State struct {
	Sequence string           `json:"sequence"`
	Current  int              `json:"current"`
	Total    int              `json:"total"`
	Moved    bool             `json:"moved"`
	Stats    progress.Stats   `json:"stats"`
	Entry    *Entry           `json:"entry,omitempty"`
	Result   *progress.Result `json:"result,omitempty"`
}

// session is handed to scan actions while the circuit lock is held.
type session struct {
	tracker *progress.Tracker
	entries []Entry
	moved   bool
}

// withProgress locks the circuit, loads the sequence and its tracker, runs
// fn and, when persist is set and fn succeeded, writes the tracker back.
func (s *Service) withProgress(ctx context.Context, seq circuit.SequenceID, persist bool, fn func(*session) error) (State, error) {
	unlock, err := s.locks.Lock(ctx, seq.Circuit)
	if err != nil {
		return State{}, err
	}
	defer unlock()

	entries, err := s.entries(ctx, seq)
	if err != nil {
		return State{}, err
	}
	sess := &session{tracker: progress.NewTracker(s.store), entries: entries}
	if err := sess.tracker.Load(ctx, seq, len(entries)); err != nil {
		return State{}, err
	}

	if fn != nil {
		if err := fn(sess); err != nil {
			return State{}, err
		}
	}
	if persist {
		if err := sess.tracker.Persist(ctx); err != nil {
			return State{}, err
		}
	}
	return sess.state(), nil
}

func (sess *session) state() State {
	tr := sess.tracker
	st := State{
		Sequence: tr.Sequence().String(),
		Current:  tr.Current(),
		Total:    tr.Total(),
		Moved:    sess.moved,
		Stats:    tr.Stats(),
	}
	if cur := tr.Current(); cur >= 0 && cur < len(sess.entries) {
		e := sess.entries[cur]
		if res, ok := tr.Status(); ok {
			e.Result = &res
			st.Result = &res
		}
		st.Entry = &e
	}
	return st
}

// Progress returns the current state without changing it.
func (s *Service) Progress(ctx context.Context, seq circuit.SequenceID) (State, error) {
	return s.withProgress(ctx, seq, false, nil)
}

// Record stores res at the current position and, if advance is set, moves
// to the next one.
func (s *Service) Record(ctx context.Context, seq circuit.SequenceID, res progress.Result, advance bool) (State, error) {
	return s.withProgress(ctx, seq, true, func(sess *session) error {
		if sess.tracker.Total() == 0 {
			return ErrOutOfRange
		}
		sess.tracker.Record(res)
		if advance {
			sess.moved = sess.tracker.Advance()
		}
		return nil
	})
}

// Verification is the outcome of checking a scanned serial.
type Verification struct {
	State
	Expected string          `json:"expected"`
	Scanned  string          `json:"scanned"`
	Outcome  progress.Result `json:"outcome"`
}

// Verify compares scanned against the serial expected at the current
// position, records the outcome there and moves to the next position.
func (s *Service) Verify(ctx context.Context, seq circuit.SequenceID, scanned string) (Verification, error) {
	var v Verification
	st, err := s.withProgress(ctx, seq, true, func(sess *session) error {
		cur := sess.tracker.Current()
		if cur < 0 || cur >= len(sess.entries) {
			return ErrOutOfRange
		}
		v.Expected = sess.entries[cur].Endpoint.Serial
		v.Scanned = scanned
		v.Outcome = progress.CheckSerial(scanned, v.Expected)
		sess.tracker.Record(v.Outcome)
		sess.moved = sess.tracker.Advance()
		if v.Outcome.Kind != progress.KindMatch {
			slog.Info("serial mismatch", "sequence", seq.String(), "position", cur,
				"expected", v.Expected, "scanned", scanned)
		}
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	v.State = st
	return v, nil
}

// Advance moves to the next position.
func (s *Service) Advance(ctx context.Context, seq circuit.SequenceID) (State, error) {
	return s.withProgress(ctx, seq, true, func(sess *session) error {
		sess.moved = sess.tracker.Advance()
		return nil
	})
}

// Retreat moves to the previous position.
func (s *Service) Retreat(ctx context.Context, seq circuit.SequenceID) (State, error) {
	return s.withProgress(ctx, seq, true, func(sess *session) error {
		sess.moved = sess.tracker.Retreat()
		return nil
	})
}

// Seek moves to position idx.
func (s *Service) Seek(ctx context.Context, seq circuit.SequenceID, idx int) (State, error) {
	return s.withProgress(ctx, seq, true, func(sess *session) error {
		if !sess.tracker.Seek(idx) {
			return fmt.Errorf("seek to %d of %d: %w", idx, sess.tracker.Total(), ErrOutOfRange)
		}
		sess.moved = true
		return nil
	})
}

// Search moves to the first position whose endpoint location, container,
// cassette or port label contains query, ignoring case.
func (s *Service) Search(ctx context.Context, seq circuit.SequenceID, query string) (State, error) {
	return s.withProgress(ctx, seq, true, func(sess *session) error {
		for i, e := range sess.entries {
			if e.Endpoint.Matches(query) {
				sess.tracker.Seek(i)
				sess.moved = true
				return nil
			}
		}
		return fmt.Errorf("search %q in %s: %w", query, seq, ErrNoMatch)
	})
}

// ResetOne deletes the scan progress of one sequence.
func (s *Service) ResetOne(ctx context.Context, seq circuit.SequenceID) (State, error) {
	return s.withProgress(ctx, seq, false, func(sess *session) error {
		if err := sess.tracker.ResetOne(ctx); err != nil {
			return err
		}
		slog.Info("scan progress reset", "sequence", seq.String())
		return nil
	})
}
