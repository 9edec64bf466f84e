// Package store persists circuits, their jumper sequences and scan progress
// in a fixed SQLite schema keyed by circuit identifier.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eargollo/cfss/internal/circuit"
)

// ErrNotFound is returned when a circuit, row or progress record is absent.
var ErrNotFound = errors.New("not found")

// Circuit is the per-circuit metadata row.
type Circuit struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	ContentHash string    `json:"content_hash"`
	RowCount    int       `json:"row_count"`
	MaxJumper   int       `json:"max_jumper"`
	ImportedAt  time.Time `json:"imported_at"`
}

// Progress is the persisted scan state of one jumper sequence. Results holds
// the serialised position → result map exactly as written.
type Progress struct {
	Sequence     circuit.SequenceID
	CurrentIndex int
	Results      string
	UpdatedAt    time.Time
}

// MigrationEvent records one progress migration across a rebuild.
type MigrationEvent struct {
	ID             string    `json:"id"`
	Circuit        string    `json:"circuit"`
	CreatedAt      time.Time `json:"created_at"`
	Migrated       int       `json:"migrated"`
	TotalOld       int       `json:"total_old"`
	Collisions     int       `json:"collisions"`
	DroppedJumpers []int     `json:"dropped_jumpers,omitempty"`
	BackupPath     string    `json:"backup_path,omitempty"`
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// ops holds every typed operation; Store runs them on the pool, Tx inside a
// transaction.
type ops struct {
	q querier
}

// Store is the typed entry point to the database.
type Store struct {
	ops
	db *sql.DB
}

// Tx is a scoped transaction handed to WithTx callbacks.
type Tx struct {
	ops
}

// New wraps an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{ops: ops{q: db}, db: db}
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction. The transaction commits only when fn
// returns nil; any error (or panic) leaves the database untouched.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ops: ops{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ── Circuits ─────────────────────────────────────────────────────────────────

// ListCircuits returns all circuit identifiers in ascending order.
func (o ops) ListCircuits(ctx context.Context) ([]string, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT id FROM circuits ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list circuits: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan circuit id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCircuit returns a circuit's metadata.
func (o ops) GetCircuit(ctx context.Context, id string) (Circuit, error) {
	var c Circuit
	var importedAt int64
	err := o.q.QueryRowContext(ctx, `
		SELECT id, source_path, content_hash, row_count, max_jumper, imported_at
		FROM circuits WHERE id = ?`, id,
	).Scan(&c.ID, &c.SourcePath, &c.ContentHash, &c.RowCount, &c.MaxJumper, &importedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Circuit{}, fmt.Errorf("circuit %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Circuit{}, fmt.Errorf("get circuit %q: %w", id, err)
	}
	c.ImportedAt = time.Unix(importedAt, 0)
	return c, nil
}

// ListCircuitDetails returns metadata for every circuit, ordered by id.
func (o ops) ListCircuitDetails(ctx context.Context) ([]Circuit, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT id, source_path, content_hash, row_count, max_jumper, imported_at
		FROM circuits ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list circuits: %w", err)
	}
	defer rows.Close()

	var out []Circuit
	for rows.Next() {
		var c Circuit
		var importedAt int64
		if err := rows.Scan(&c.ID, &c.SourcePath, &c.ContentHash, &c.RowCount, &c.MaxJumper, &importedAt); err != nil {
			return nil, fmt.Errorf("scan circuit: %w", err)
		}
		c.ImportedAt = time.Unix(importedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceCircuit drops every row and jumper entry of c.ID and inserts
// records in their place, assigning row ids 1..n in slice order. The
// assigned ids are written back into records.
func (o ops) ReplaceCircuit(ctx context.Context, c Circuit, records []circuit.Record) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM jumper_entries WHERE circuit_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear jumper entries %q: %w", c.ID, err)
	}
	if _, err := o.q.ExecContext(ctx, `DELETE FROM circuit_rows WHERE circuit_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear rows %q: %w", c.ID, err)
	}
	if _, err := o.q.ExecContext(ctx, `
		INSERT INTO circuits (id, source_path, content_hash, row_count, max_jumper, imported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_path = excluded.source_path,
			content_hash = excluded.content_hash,
			row_count = excluded.row_count,
			max_jumper = excluded.max_jumper,
			imported_at = excluded.imported_at`,
		c.ID, c.SourcePath, c.ContentHash, len(records), circuit.MaxJumpers(records), c.ImportedAt.Unix(),
	); err != nil {
		return fmt.Errorf("upsert circuit %q: %w", c.ID, err)
	}

	stmt, err := o.q.PrepareContext(ctx, rowInsertSQL())
	if err != nil {
		return fmt.Errorf("prepare row insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		r.RowID = int64(i + 1)
		args := make([]any, 0, len(circuit.Columns)+1)
		args = append(args, c.ID, r.RowID, r.Length)
		for _, f := range r.TextFields() {
			args = append(args, *f)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d of %q: %w", r.RowID, c.ID, err)
		}
	}
	return nil
}

// DeleteCircuit removes a circuit with its rows, sequences and progress.
func (o ops) DeleteCircuit(ctx context.Context, id string) error {
	stmts := []string{
		`DELETE FROM scan_progress WHERE circuit_id = ?`,
		`DELETE FROM jumper_entries WHERE circuit_id = ?`,
		`DELETE FROM circuit_rows WHERE circuit_id = ?`,
		`DELETE FROM circuits WHERE id = ?`,
	}
	for _, s := range stmts {
		if _, err := o.q.ExecContext(ctx, s, id); err != nil {
			return fmt.Errorf("delete circuit %q: %w", id, err)
		}
	}
	return nil
}

// ── Rows ─────────────────────────────────────────────────────────────────────

func rowInsertSQL() string {
	cols := append([]string{"circuit_id", "row_id"}, circuit.Columns...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf(`INSERT INTO circuit_rows (%s) VALUES (%s)`, strings.Join(cols, ", "), marks)
}

func rowSelectSQL(where string) string {
	cols := append([]string{"row_id"}, circuit.Columns...)
	return fmt.Sprintf(`SELECT %s FROM circuit_rows WHERE %s`, strings.Join(cols, ", "), where)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (circuit.Record, error) {
	var r circuit.Record
	dest := []any{&r.RowID, &r.Length}
	for _, f := range r.TextFields() {
		dest = append(dest, f)
	}
	err := s.Scan(dest...)
	return r, err
}

// GetRow returns one circuit row.
func (o ops) GetRow(ctx context.Context, circuitID string, rowID int64) (circuit.Record, error) {
	row := o.q.QueryRowContext(ctx, rowSelectSQL("circuit_id = ? AND row_id = ?"), circuitID, rowID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return circuit.Record{}, fmt.Errorf("row %d of %q: %w", rowID, circuitID, ErrNotFound)
	}
	if err != nil {
		return circuit.Record{}, fmt.Errorf("get row %d of %q: %w", rowID, circuitID, err)
	}
	return r, nil
}

// Rows returns every row of a circuit in row id order.
func (o ops) Rows(ctx context.Context, circuitID string) ([]circuit.Record, error) {
	rows, err := o.q.QueryContext(ctx, rowSelectSQL("circuit_id = ? ORDER BY row_id"), circuitID)
	if err != nil {
		return nil, fmt.Errorf("query rows of %q: %w", circuitID, err)
	}
	defer rows.Close()

	var out []circuit.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row of %q: %w", circuitID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Jumper sequences ─────────────────────────────────────────────────────────

// ReplaceSequences rewrites all jumper entries of a circuit.
func (o ops) ReplaceSequences(ctx context.Context, circuitID string, seqs []circuit.Sequence) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM jumper_entries WHERE circuit_id = ?`, circuitID); err != nil {
		return fmt.Errorf("clear jumper entries %q: %w", circuitID, err)
	}
	stmt, err := o.q.PrepareContext(ctx, `
		INSERT INTO jumper_entries (circuit_id, jumper, position, row_id)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare jumper entry insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range seqs {
		for pos, rowID := range s.RowIDs {
			if _, err := stmt.ExecContext(ctx, circuitID, s.Jumper, pos, rowID); err != nil {
				return fmt.Errorf("insert %s position %d: %w",
					circuit.SequenceID{Circuit: circuitID, Jumper: s.Jumper}, pos, err)
			}
		}
	}
	return nil
}

// ListSequences returns the jumper sequences of a circuit in jumper order.
func (o ops) ListSequences(ctx context.Context, circuitID string) ([]circuit.SequenceID, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT DISTINCT jumper FROM jumper_entries
		WHERE circuit_id = ? ORDER BY jumper`, circuitID)
	if err != nil {
		return nil, fmt.Errorf("list sequences of %q: %w", circuitID, err)
	}
	defer rows.Close()

	var ids []circuit.SequenceID
	for rows.Next() {
		var k int
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan jumper: %w", err)
		}
		ids = append(ids, circuit.SequenceID{Circuit: circuitID, Jumper: k})
	}
	return ids, rows.Err()
}

// Sequence returns the ordered row references of one jumper sequence.
// A sequence that does not exist yields an empty slice.
func (o ops) Sequence(ctx context.Context, id circuit.SequenceID) ([]int64, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT row_id FROM jumper_entries
		WHERE circuit_id = ? AND jumper = ?
		ORDER BY position`, id.Circuit, id.Jumper)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", id, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var rowID int64
		if err := rows.Scan(&rowID); err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", id, err)
		}
		ids = append(ids, rowID)
	}
	return ids, rows.Err()
}

// SequenceRecords returns the rows of a jumper sequence in sequence order.
func (o ops) SequenceRecords(ctx context.Context, id circuit.SequenceID) ([]circuit.Record, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT r.row_id, r.`+strings.Join(circuit.Columns, ", r.")+`
		FROM jumper_entries e
		JOIN circuit_rows r ON r.circuit_id = e.circuit_id AND r.row_id = e.row_id
		WHERE e.circuit_id = ? AND e.jumper = ?
		ORDER BY e.position`, id.Circuit, id.Jumper)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", id, err)
	}
	defer rows.Close()

	var out []circuit.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s record: %w", id, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
