package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/circuit"
	internaldb "github.com/eargollo/cfss/internal/db"
	"github.com/eargollo/cfss/internal/guard"
	"github.com/eargollo/cfss/internal/migrate"
	"github.com/eargollo/cfss/internal/store"
)

const header = "Length,A Location,Port 1 Location,Port 1 Jumper Serial,Port 2 Location,Z Location\n"

func writeFile(tb testing.TB, path, content string) {
	tb.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %q: %v", path, err)
	}
}

type env struct {
	dir      string
	store    *store.Store
	locks    *guard.Registry
	importer *Importer
}

func newEnv(tb testing.TB, prune bool) env {
	tb.Helper()
	root := tb.TempDir()
	db, err := internaldb.OpenMigrated(filepath.Join(root, "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })

	st := store.New(db)
	locks := guard.New()
	engine := migrate.New(st, backup.New(filepath.Join(root, "backups"), 0))
	dir := filepath.Join(root, "data")
	return env{
		dir:      dir,
		store:    st,
		locks:    locks,
		importer: New(st, engine, locks, Options{DataDir: dir, PruneMissing: prune}),
	}
}

func TestImportFileSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.dir, "CS-EB.csv")
	writeFile(t, path, header+"2,DC1,NS1.01,S1,N/A,N/A\n2,DC1,NS1.02,S2,N/A,N/A\n")

	res, err := e.importer.ImportFile(ctx, path, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Circuit != "cs_eb" || res.Skipped || res.Report == nil || !res.Report.NewCircuit {
		t.Fatalf("first import: %+v", res)
	}

	res, err = e.importer.ImportFile(ctx, path, false)
	if err != nil || !res.Skipped {
		t.Errorf("unchanged import: %+v, %v", res, err)
	}

	res, err = e.importer.ImportFile(ctx, path, true)
	if err != nil || res.Skipped {
		t.Errorf("forced import: %+v, %v", res, err)
	}

	ids, err := e.store.Sequence(ctx, circuit.SequenceID{Circuit: "cs_eb", Jumper: 1})
	if err != nil || len(ids) != 2 {
		t.Errorf("sequence: %v, %v", ids, err)
	}
}

func TestImportFileReimportsChangedContent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.dir, "cs_eb.csv")
	writeFile(t, path, header+"2,DC1,NS1.01,S1,N/A,N/A\n")
	if _, err := e.importer.ImportFile(ctx, path, false); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, header+"2,DC1,NS1.01,S1,N/A,N/A\n2,DC1,NS1.03,S3,N/A,N/A\n")
	res, err := e.importer.ImportFile(ctx, path, false)
	if err != nil || res.Skipped {
		t.Fatalf("changed import: %+v, %v", res, err)
	}
	c, err := e.store.GetCircuit(ctx, "cs_eb")
	if err != nil || c.RowCount != 2 {
		t.Errorf("circuit: %+v, %v", c, err)
	}
}

func TestImportFileWaitsForCircuitLock(t *testing.T) {
	e := newEnv(t, false)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.dir, "cs_eb.csv")
	writeFile(t, path, header+"2,DC1,NS1.01,S1,N/A,N/A\n")

	unlock, err := e.locks.Lock(context.Background(), "cs_eb")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := e.importer.ImportFile(ctx, path, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded while circuit is held", err)
	}
	if _, err := e.store.GetCircuit(context.Background(), "cs_eb"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("circuit written while locked: %v", err)
	}
}

func TestRunImportsAndPrunes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(e.dir, "cs_eb.csv"), header+"2,DC1,NS1.01,S1,N/A,N/A\n")
	writeFile(t, filepath.Join(e.dir, "cs_wb.csv"), header+"4,DC2,NS2.01,S2,NS2.02,N/A\n")

	var p Progress
	sum, err := e.importer.Run(ctx, false, &p)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Snapshot(); got.FilesDiscovered != 2 || got.FilesImported != 2 || got.RowsImported != 2 {
		t.Errorf("progress: %+v", got)
	}
	if len(sum.Files) != 2 {
		t.Errorf("summary files: %+v", sum.Files)
	}

	if err := os.Remove(filepath.Join(e.dir, "cs_wb.csv")); err != nil {
		t.Fatal(err)
	}
	sum, err = e.importer.Run(ctx, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Pruned) != 1 || sum.Pruned[0] != "cs_wb" {
		t.Errorf("pruned: %v", sum.Pruned)
	}
	ids, err := e.store.ListCircuits(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "cs_eb" {
		t.Errorf("circuits after prune: %v, %v", ids, err)
	}
}

func TestRunSeedsFromBundled(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	bundled := t.TempDir()
	writeFile(t, filepath.Join(bundled, "cs-eb.csv"), header+"2,DC1,NS1.01,S1,N/A,N/A\n")
	e.importer.opts.BundledDir = bundled

	sum, err := e.importer.Run(ctx, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Seeded != 1 || len(sum.Files) != 1 || sum.Files[0].Circuit != "cs_eb" {
		t.Errorf("summary: %+v", sum)
	}
	if sum.Files[0].Path != filepath.Join(e.dir, "cs-eb.csv") {
		t.Errorf("imported from %q, want the data dir copy", sum.Files[0].Path)
	}
}
