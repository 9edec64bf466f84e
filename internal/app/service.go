// Package app is the entry point external collaborators use: the HTTP API,
// the CLI and report generators. It ties the store, the per-circuit locks
// and the scan trackers together so every scan action on a circuit is
// serialised with rebuilds of that circuit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/guard"
	"github.com/eargollo/cfss/internal/progress"
	"github.com/eargollo/cfss/internal/store"
)

// ErrNotFound is returned for unknown circuits, sequences and rows.
var ErrNotFound = store.ErrNotFound

// Service implements the read and scan operations.
type Service struct {
	store *store.Store
	locks *guard.Registry
}

// New creates a Service. locks must be the registry the importer uses.
func New(st *store.Store, locks *guard.Registry) *Service {
	return &Service{store: st, locks: locks}
}

// Store exposes the underlying store.
func (s *Service) Store() *store.Store { return s.store }

// Entry is one position of a jumper sequence with its resolved endpoint.
type Entry struct {
	Position int                  `json:"position"`
	RowID    int64                `json:"row_id"`
	Length   int                  `json:"length"`
	Endpoint circuit.EndpointView `json:"endpoint"`
	Result   *progress.Result     `json:"result,omitempty"`
}

// CircuitSummary is a circuit with its jumper sequences. Busy is set while
// the circuit is locked by a rebuild or scan action.
type CircuitSummary struct {
	store.Circuit
	Sequences []string `json:"sequences"`
	Busy      bool     `json:"busy"`
}

// ListCircuits returns the circuit identifiers in order.
func (s *Service) ListCircuits(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListCircuits(ctx)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// CircuitDetails returns metadata for every circuit.
func (s *Service) CircuitDetails(ctx context.Context) ([]store.Circuit, error) {
	return s.store.ListCircuitDetails(ctx)
}

// Circuit returns one circuit with its sequence identifiers.
func (s *Service) Circuit(ctx context.Context, id string) (CircuitSummary, error) {
	c, err := s.store.GetCircuit(ctx, id)
	if err != nil {
		return CircuitSummary{}, err
	}
	seqs, err := s.ListJumperSequences(ctx, id)
	if err != nil {
		return CircuitSummary{}, err
	}
	sum := CircuitSummary{Circuit: c, Sequences: make([]string, len(seqs)), Busy: s.locks.Busy(id)}
	for i, q := range seqs {
		sum.Sequences[i] = q.String()
	}
	return sum, nil
}

// ListJumperSequences returns the circuit's sequences ordered by jumper.
func (s *Service) ListJumperSequences(ctx context.Context, circuitID string) ([]circuit.SequenceID, error) {
	if _, err := s.store.GetCircuit(ctx, circuitID); err != nil {
		return nil, err
	}
	seqs, err := s.store.ListSequences(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if seqs == nil {
		seqs = []circuit.SequenceID{}
	}
	return seqs, nil
}

// GetRow returns one stored row.
func (s *Service) GetRow(ctx context.Context, circuitID string, rowID int64) (circuit.Record, error) {
	return s.store.GetRow(ctx, circuitID, rowID)
}

// GetOrderedSequence returns the row references of a sequence in order.
func (s *Service) GetOrderedSequence(ctx context.Context, seq circuit.SequenceID) ([]int64, error) {
	ids, err := s.store.Sequence(ctx, seq)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("sequence %s: %w", seq, ErrNotFound)
	}
	return ids, nil
}

// Entries returns a sequence's positions with resolved endpoints and the
// persisted result of each.
func (s *Service) Entries(ctx context.Context, seq circuit.SequenceID) ([]Entry, error) {
	unlock, err := s.locks.Lock(ctx, seq.Circuit)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := s.entries(ctx, seq)
	if err != nil {
		return nil, err
	}
	tr := progress.NewTracker(s.store)
	if err := tr.Load(ctx, seq, len(entries)); err != nil {
		return nil, err
	}
	attachResults(entries, tr)
	return entries, nil
}

// entries loads and resolves a sequence. Callers hold the circuit lock.
func (s *Service) entries(ctx context.Context, seq circuit.SequenceID) ([]Entry, error) {
	records, err := s.store.SequenceRecords(ctx, seq)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("sequence %s: %w", seq, ErrNotFound)
	}
	special := circuit.IsSpecialCase(seq.Circuit)
	out := make([]Entry, len(records))
	for i := range records {
		out[i] = Entry{
			Position: i,
			RowID:    records[i].RowID,
			Length:   records[i].Length,
			Endpoint: circuit.Resolve(&records[i], seq.Jumper, special),
		}
	}
	return out, nil
}

func attachResults(entries []Entry, tr *progress.Tracker) {
	for pos, res := range tr.Results() {
		if pos >= 0 && pos < len(entries) {
			r := res
			entries[pos].Result = &r
		}
	}
}

// DeleteResult describes a circuit deletion.
type DeleteResult struct {
	Circuit       string `json:"circuit"`
	SourceRemoved string `json:"source_removed,omitempty"`
}

// DeleteCircuit removes a circuit with its sequences and progress. When
// removeSource is set the circuit's source file is deleted too, so the next
// import does not bring it back.
func (s *Service) DeleteCircuit(ctx context.Context, id string, removeSource bool) (DeleteResult, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	defer unlock()

	c, err := s.store.GetCircuit(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	err = s.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteCircuit(ctx, id); err != nil {
			return err
		}
		if c.SourcePath == "" {
			return nil
		}
		return tx.DeleteSourceHash(ctx, c.SourcePath)
	})
	if err != nil {
		return DeleteResult{}, err
	}

	res := DeleteResult{Circuit: id}
	if removeSource && c.SourcePath != "" {
		switch err := os.Remove(c.SourcePath); {
		case err == nil:
			res.SourceRemoved = c.SourcePath
		case errors.Is(err, os.ErrNotExist):
		default:
			slog.Warn("circuit deleted but source file could not be removed", "circuit", id, "path", c.SourcePath, "error", err)
		}
	}
	slog.Info("circuit deleted", "circuit", id, "source_removed", res.SourceRemoved)
	return res, nil
}

// ResetAll deletes the scan progress of every circuit. Every circuit lock
// is taken, in order, for the duration.
func (s *Service) ResetAll(ctx context.Context) error {
	ids, err := s.store.ListCircuits(ctx)
	if err != nil {
		return err
	}
	sort.Strings(ids)
	for _, id := range ids {
		unlock, err := s.locks.Lock(ctx, id)
		if err != nil {
			return err
		}
		defer unlock()
	}

	if err := progress.NewTracker(s.store).ResetAll(ctx); err != nil {
		return err
	}
	slog.Info("all scan progress reset", "circuits", len(ids))
	return nil
}

// MigrationEvents returns recent migration events, newest first. An empty
// circuitID lists every circuit.
func (s *Service) MigrationEvents(ctx context.Context, circuitID string, limit int) ([]store.MigrationEvent, error) {
	events, err := s.store.ListMigrationEvents(ctx, circuitID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.MigrationEvent{}
	}
	return events, nil
}
