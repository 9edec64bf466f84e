package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eargollo/cfss/internal/circuit"
)

// ── Scan progress ────────────────────────────────────────────────────────────

// GetProgress returns the persisted state of one sequence, or ErrNotFound.
func (o ops) GetProgress(ctx context.Context, id circuit.SequenceID) (Progress, error) {
	p := Progress{Sequence: id}
	var updatedAt int64
	err := o.q.QueryRowContext(ctx, `
		SELECT current_index, results, updated_at
		FROM scan_progress WHERE circuit_id = ? AND jumper = ?`,
		id.Circuit, id.Jumper,
	).Scan(&p.CurrentIndex, &p.Results, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Progress{}, fmt.Errorf("progress %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Progress{}, fmt.Errorf("get progress %s: %w", id, err)
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}

// ListProgress returns every progress record of a circuit, by jumper.
func (o ops) ListProgress(ctx context.Context, circuitID string) ([]Progress, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT jumper, current_index, results, updated_at
		FROM scan_progress WHERE circuit_id = ? ORDER BY jumper`, circuitID)
	if err != nil {
		return nil, fmt.Errorf("list progress %q: %w", circuitID, err)
	}
	defer rows.Close()

	var out []Progress
	for rows.Next() {
		p := Progress{Sequence: circuit.SequenceID{Circuit: circuitID}}
		var updatedAt int64
		if err := rows.Scan(&p.Sequence.Jumper, &p.CurrentIndex, &p.Results, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan progress %q: %w", circuitID, err)
		}
		p.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutProgress upserts the state of one sequence.
func (o ops) PutProgress(ctx context.Context, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO scan_progress (circuit_id, jumper, current_index, results, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(circuit_id, jumper) DO UPDATE SET
			current_index = excluded.current_index,
			results = excluded.results,
			updated_at = excluded.updated_at`,
		p.Sequence.Circuit, p.Sequence.Jumper, p.CurrentIndex, p.Results, p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("put progress %s: %w", p.Sequence, err)
	}
	return nil
}

// DeleteProgress removes the state of one sequence. Deleting a missing
// record is not an error.
func (o ops) DeleteProgress(ctx context.Context, id circuit.SequenceID) error {
	if _, err := o.q.ExecContext(ctx,
		`DELETE FROM scan_progress WHERE circuit_id = ? AND jumper = ?`, id.Circuit, id.Jumper); err != nil {
		return fmt.Errorf("delete progress %s: %w", id, err)
	}
	return nil
}

// DeleteCircuitProgress removes the state of every sequence of a circuit.
func (o ops) DeleteCircuitProgress(ctx context.Context, circuitID string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM scan_progress WHERE circuit_id = ?`, circuitID); err != nil {
		return fmt.Errorf("delete progress %q: %w", circuitID, err)
	}
	return nil
}

// DeleteAllProgress removes all scan state.
func (o ops) DeleteAllProgress(ctx context.Context) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM scan_progress`); err != nil {
		return fmt.Errorf("delete all progress: %w", err)
	}
	return nil
}

// ── Source hashes ────────────────────────────────────────────────────────────

// SourceHash returns the content hash recorded at the last import of path.
func (o ops) SourceHash(ctx context.Context, path string) (string, error) {
	var h string
	err := o.q.QueryRowContext(ctx, `SELECT content_hash FROM source_hashes WHERE path = ?`, path).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("source hash %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get source hash %q: %w", path, err)
	}
	return h, nil
}

// PutSourceHash records the content hash imported for path.
func (o ops) PutSourceHash(ctx context.Context, path, hash string) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO source_hashes (path, content_hash, imported_at)
		VALUES (?, ?, ?)`, path, hash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put source hash %q: %w", path, err)
	}
	return nil
}

// DeleteSourceHash forgets path so the next import reprocesses it.
func (o ops) DeleteSourceHash(ctx context.Context, path string) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM source_hashes WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete source hash %q: %w", path, err)
	}
	return nil
}

// ── Migration events ─────────────────────────────────────────────────────────

// InsertMigrationEvent appends a migration event.
func (o ops) InsertMigrationEvent(ctx context.Context, e MigrationEvent) error {
	dropped := make([]string, len(e.DroppedJumpers))
	for i, k := range e.DroppedJumpers {
		dropped[i] = strconv.Itoa(k)
	}
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO migration_events
			(id, circuit_id, created_at, migrated, total_old, collisions, dropped_jumpers, backup_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Circuit, e.CreatedAt.Unix(), e.Migrated, e.TotalOld, e.Collisions,
		strings.Join(dropped, ","), e.BackupPath)
	if err != nil {
		return fmt.Errorf("insert migration event for %q: %w", e.Circuit, err)
	}
	return nil
}

// ListMigrationEvents returns migration events newest first. An empty
// circuitID lists all circuits.
func (o ops) ListMigrationEvents(ctx context.Context, circuitID string, limit int) ([]MigrationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, circuit_id, created_at, migrated, total_old, collisions, dropped_jumpers, backup_path
		FROM migration_events`
	args := []any{}
	if circuitID != "" {
		query += ` WHERE circuit_id = ?`
		args = append(args, circuitID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list migration events: %w", err)
	}
	defer rows.Close()

	var out []MigrationEvent
	for rows.Next() {
		var e MigrationEvent
		var createdAt int64
		var dropped string
		if err := rows.Scan(&e.ID, &e.Circuit, &createdAt, &e.Migrated, &e.TotalOld,
			&e.Collisions, &dropped, &e.BackupPath); err != nil {
			return nil, fmt.Errorf("scan migration event: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		for _, s := range strings.Split(dropped, ",") {
			if k, err := strconv.Atoi(s); err == nil {
				e.DroppedJumpers = append(e.DroppedJumpers, k)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
