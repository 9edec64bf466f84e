// Package migrate rebuilds a circuit from new source rows and carries scan
// progress across the rebuild by physical location rather than position.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/progress"
	"github.com/eargollo/cfss/internal/store"
)

// Source identifies the file a circuit generation was built from.
type Source struct {
	Circuit string
	Path    string
	Hash    string
}

// Report summarises one rebuild.
type Report struct {
	Circuit        string `json:"circuit"`
	NewCircuit     bool   `json:"new_circuit"`
	Rows           int    `json:"rows"`
	Jumpers        int    `json:"jumpers"`
	TotalOld       int    `json:"total_old"`
	Migrated       int    `json:"migrated"`
	Collisions     int    `json:"collisions"`
	CorruptEntries int    `json:"corrupt_entries"`
	DroppedJumpers []int  `json:"dropped_jumpers,omitempty"`
	BackupPath     string `json:"backup_path,omitempty"`
	EventID        string `json:"event_id,omitempty"`
}

// Engine performs rebuilds. Callers must hold the circuit's lock; the engine
// itself does not serialise concurrent rebuilds of the same circuit.
type Engine struct {
	store   *store.Store
	backups *backup.Manager
	now     func() time.Time
}

// New creates an Engine. backups may be nil to skip snapshot artifacts.
func New(st *store.Store, backups *backup.Manager) *Engine {
	return &Engine{store: st, backups: backups, now: time.Now}
}

// keyMap holds, per jumper number, the result last recorded at each location.
type keyMap map[int]map[string]progress.Result

// Rebuild replaces the circuit's rows and jumper sequences with records and
// re-attaches prior scan results whose location still exists. Everything
// happens in one transaction: on error the previous generation, including
// its progress, is left untouched.
func (e *Engine) Rebuild(ctx context.Context, src Source, records []circuit.Record) (Report, error) {
	rep := Report{Circuit: src.Circuit, Rows: len(records)}
	special := circuit.IsSpecialCase(src.Circuit)

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.GetCircuit(ctx, src.Circuit)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rep.NewCircuit = true
		case err != nil:
			return err
		}

		oldProgress, err := tx.ListProgress(ctx, src.Circuit)
		if err != nil {
			return err
		}

		var old keyMap
		if len(oldProgress) > 0 {
			old, err = e.collect(ctx, tx, src.Circuit, special, oldProgress, &rep)
			if err != nil {
				return err
			}
			rep.EventID = uuid.NewString()
			rep.BackupPath = e.writeBackup(rep.EventID, src.Circuit, oldProgress)
		}

		if err := tx.DeleteCircuitProgress(ctx, src.Circuit); err != nil {
			return err
		}

		meta := store.Circuit{
			ID:          src.Circuit,
			SourcePath:  src.Path,
			ContentHash: src.Hash,
			ImportedAt:  e.now(),
		}
		if err := tx.ReplaceCircuit(ctx, meta, records); err != nil {
			return err
		}
		seqs := circuit.Decompose(src.Circuit, records)
		if err := tx.ReplaceSequences(ctx, src.Circuit, seqs); err != nil {
			return err
		}
		rep.Jumpers = len(seqs)

		if len(old) > 0 {
			if err := e.restore(ctx, tx, src.Circuit, special, records, seqs, old, &rep); err != nil {
				return err
			}
		}

		if rep.EventID != "" {
			if err := tx.InsertMigrationEvent(ctx, store.MigrationEvent{
				ID:             rep.EventID,
				Circuit:        src.Circuit,
				CreatedAt:      e.now(),
				Migrated:       rep.Migrated,
				TotalOld:       rep.TotalOld,
				Collisions:     rep.Collisions,
				DroppedJumpers: rep.DroppedJumpers,
				BackupPath:     rep.BackupPath,
			}); err != nil {
				return err
			}
		}

		if src.Path != "" && src.Hash != "" {
			return tx.PutSourceHash(ctx, src.Path, src.Hash)
		}
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("rebuild %q: %w", src.Circuit, err)
	}

	switch {
	case rep.NewCircuit:
		slog.Info("new circuit imported", "circuit", src.Circuit, "rows", rep.Rows, "jumpers", rep.Jumpers)
	case rep.TotalOld > 0:
		slog.Info("circuit rebuilt, scan progress migrated", "circuit", src.Circuit,
			"rows", rep.Rows, "jumpers", rep.Jumpers,
			"migrated", rep.Migrated, "total_old", rep.TotalOld)
	default:
		slog.Info("circuit rebuilt", "circuit", src.Circuit, "rows", rep.Rows, "jumpers", rep.Jumpers)
	}
	return rep, nil
}

// collect resolves every populated position of the old generation to its
// location key. Positions are visited in ascending order so that, when two
// old rows share a key, the later position wins deterministically.
func (e *Engine) collect(ctx context.Context, tx *store.Tx, circuitID string, special bool, olds []store.Progress, rep *Report) (keyMap, error) {
	rows, err := tx.Rows(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*circuit.Record, len(rows))
	for i := range rows {
		byID[rows[i].RowID] = &rows[i]
	}

	out := make(keyMap)
	for _, p := range olds {
		k := p.Sequence.Jumper
		results, dropped := progress.DecodeResults(p.Results)
		rep.CorruptEntries += dropped
		if len(results) == 0 {
			continue
		}
		refs, err := tx.Sequence(ctx, p.Sequence)
		if err != nil {
			return nil, err
		}

		positions := make([]int, 0, len(results))
		for idx := range results {
			positions = append(positions, idx)
		}
		sort.Ints(positions)

		keys := make(map[string]progress.Result, len(results))
		for _, idx := range positions {
			rep.TotalOld++
			if idx >= len(refs) {
				continue
			}
			row, ok := byID[refs[idx]]
			if !ok {
				continue
			}
			key := circuit.Resolve(row, k, special).LocationKey()
			if _, dup := keys[key]; dup {
				rep.Collisions++
				slog.Warn("ambiguous location key, keeping later position",
					"sequence", p.Sequence.String(), "key", key, "position", idx)
			}
			keys[key] = results[idx]
		}
		if len(keys) > 0 {
			out[k] = keys
		}
	}
	return out, nil
}

// restore writes migrated progress for every new sequence with a match and
// records jumper numbers whose old progress had nowhere to go.
func (e *Engine) restore(ctx context.Context, tx *store.Tx, circuitID string, special bool, records []circuit.Record, seqs []circuit.Sequence, old keyMap, rep *Report) error {
	byID := make(map[int64]*circuit.Record, len(records))
	for i := range records {
		byID[records[i].RowID] = &records[i]
	}

	present := make(map[int]bool, len(seqs))
	for _, s := range seqs {
		present[s.Jumper] = true
		keys, ok := old[s.Jumper]
		if !ok {
			continue
		}

		migrated := make(map[int]progress.Result)
		for pos, rowID := range s.RowIDs {
			row, ok := byID[rowID]
			if !ok {
				continue
			}
			if res, ok := keys[circuit.Resolve(row, s.Jumper, special).LocationKey()]; ok {
				migrated[pos] = res
			}
		}
		if len(migrated) == 0 {
			continue
		}

		raw, err := progress.EncodeResults(migrated)
		if err != nil {
			return err
		}
		if err := tx.PutProgress(ctx, store.Progress{
			Sequence:     circuit.SequenceID{Circuit: circuitID, Jumper: s.Jumper},
			CurrentIndex: 0,
			Results:      raw,
			UpdatedAt:    e.now(),
		}); err != nil {
			return err
		}
		rep.Migrated += len(migrated)
	}

	for k := range old {
		if !present[k] {
			rep.DroppedJumpers = append(rep.DroppedJumpers, k)
		}
	}
	sort.Ints(rep.DroppedJumpers)
	for _, k := range rep.DroppedJumpers {
		slog.Warn("jumper no longer exists, its scan progress was dropped",
			"sequence", circuit.SequenceID{Circuit: circuitID, Jumper: k}.String())
	}
	return nil
}

// writeBackup snapshots the old progress rows. A failed snapshot is logged
// and does not stop the rebuild.
func (e *Engine) writeBackup(eventID, circuitID string, olds []store.Progress) string {
	if e.backups == nil {
		return ""
	}
	path, err := e.backups.Write(backup.NewSnapshot(eventID, circuitID, olds))
	if err != nil {
		slog.Error("backup scan progress failed", "circuit", circuitID, "error", err)
		return ""
	}
	return path
}
