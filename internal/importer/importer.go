// Package importer turns circuit source files into stored circuits. Files
// whose content hash is unchanged since the last import are skipped; any
// other file triggers a full rebuild with progress migration.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/guard"
	"github.com/eargollo/cfss/internal/migrate"
	"github.com/eargollo/cfss/internal/store"
)

// Options configures where sources are found.
type Options struct {
	DataDir      string
	BundledDir   string
	PruneMissing bool
}

// FileResult is the outcome for one source file.
type FileResult struct {
	Path    string          `json:"path"`
	Circuit string          `json:"circuit"`
	Skipped bool            `json:"skipped"`
	Parse   ParseStats      `json:"parse"`
	Report  *migrate.Report `json:"report,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Summary is the outcome of a whole import run.
type Summary struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Seeded     int          `json:"seeded"`
	Files      []FileResult `json:"files"`
	Pruned     []string     `json:"pruned,omitempty"`
}

// Importer runs imports against a store.
type Importer struct {
	store  *store.Store
	engine *migrate.Engine
	locks  *guard.Registry
	opts   Options
}

// New creates an Importer.
func New(st *store.Store, engine *migrate.Engine, locks *guard.Registry, opts Options) *Importer {
	return &Importer{store: st, engine: engine, locks: locks, opts: opts}
}

// Run seeds the data directory if needed, imports every source file in it
// and optionally prunes circuits whose file has gone. A file that fails is
// recorded in the summary and the run continues; the returned error joins
// every per-file failure.
func (im *Importer) Run(ctx context.Context, force bool, p *Progress) (Summary, error) {
	if p == nil {
		p = &Progress{}
	}
	sum := Summary{StartedAt: time.Now()}

	if err := os.MkdirAll(im.opts.DataDir, 0o755); err != nil {
		return sum, fmt.Errorf("create data dir: %w", err)
	}
	seeded, err := Seed(im.opts.DataDir, im.opts.BundledDir)
	if err != nil {
		slog.Error("seed from bundled sources failed", "error", err)
	}
	sum.Seeded = seeded

	files, err := Discover(im.opts.DataDir)
	if err != nil {
		return sum, err
	}
	p.FilesDiscovered.Store(int64(len(files)))
	if len(files) == 0 {
		slog.Info("no source files found", "data_dir", im.opts.DataDir)
	}

	var errs []error
	seen := make(map[string]bool, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		seen[circuit.IDFromPath(path)] = true

		res, err := im.ImportFile(ctx, path, force)
		sum.Files = append(sum.Files, res)
		switch {
		case err != nil:
			p.FilesFailed.Add(1)
			errs = append(errs, err)
			slog.Error("import failed", "path", path, "error", err)
		case res.Skipped:
			p.FilesSkipped.Add(1)
		default:
			p.FilesImported.Add(1)
			p.RowsImported.Add(int64(res.Parse.Rows))
			p.ResultsMigrated.Add(int64(res.Report.Migrated))
		}
	}

	if im.opts.PruneMissing {
		pruned, err := im.prune(ctx, seen)
		sum.Pruned = pruned
		p.CircuitsPruned.Add(int64(len(pruned)))
		if err != nil {
			errs = append(errs, err)
		}
	}

	sum.FinishedAt = time.Now()
	slog.Info("import finished",
		"files", len(files),
		"imported", p.FilesImported.Load(),
		"skipped", p.FilesSkipped.Load(),
		"failed", p.FilesFailed.Load(),
		"pruned", len(sum.Pruned),
		"duration", sum.FinishedAt.Sub(sum.StartedAt))
	return sum, errors.Join(errs...)
}

// ImportFile imports a single source file. Unless force is set, an
// unchanged file whose circuit already exists is skipped. The circuit's
// lock is held for the whole rebuild.
func (im *Importer) ImportFile(ctx context.Context, path string, force bool) (FileResult, error) {
	id := circuit.IDFromPath(path)
	res := FileResult{Path: path, Circuit: id}

	hash, err := HashFile(path)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	if !force {
		unchanged, err := im.unchanged(ctx, id, path, hash)
		if err != nil {
			res.Error = err.Error()
			return res, err
		}
		if unchanged {
			slog.Debug("skipping unchanged source", "path", path, "circuit", id)
			res.Skipped = true
			return res, nil
		}
	}

	records, stats, err := ParseFile(path)
	res.Parse = stats
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	if stats.BadLengths > 0 {
		slog.Warn("rows with unparsable length imported as inert", "path", path, "count", stats.BadLengths)
	}

	unlock, err := im.locks.Lock(ctx, id)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	defer unlock()

	rep, err := im.engine.Rebuild(ctx, migrate.Source{Circuit: id, Path: path, Hash: hash}, records)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Report = &rep
	return res, nil
}

func (im *Importer) unchanged(ctx context.Context, id, path, hash string) (bool, error) {
	prev, err := im.store.SourceHash(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prev != hash {
		return false, nil
	}
	if _, err := im.store.GetCircuit(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// prune deletes circuits whose identifier no longer maps to a source file.
func (im *Importer) prune(ctx context.Context, present map[string]bool) ([]string, error) {
	circuits, err := im.store.ListCircuitDetails(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, c := range circuits {
		if present[c.ID] {
			continue
		}
		if err := im.deleteCircuit(ctx, c); err != nil {
			return pruned, err
		}
		slog.Info("pruned circuit without source file", "circuit", c.ID, "source", c.SourcePath)
		pruned = append(pruned, c.ID)
	}
	return pruned, nil
}

func (im *Importer) deleteCircuit(ctx context.Context, c store.Circuit) error {
	unlock, err := im.locks.Lock(ctx, c.ID)
	if err != nil {
		return err
	}
	defer unlock()
	return im.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteCircuit(ctx, c.ID); err != nil {
			return err
		}
		if c.SourcePath == "" {
			return nil
		}
		return tx.DeleteSourceHash(ctx, c.SourcePath)
	})
}
