package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/circuit"
	internaldb "github.com/eargollo/cfss/internal/db"
	"github.com/eargollo/cfss/internal/progress"
	"github.com/eargollo/cfss/internal/store"
)

type fixture struct {
	store   *store.Store
	backups *backup.Manager
	engine  *Engine
}

func newFixture(tb testing.TB) fixture {
	tb.Helper()
	dir := tb.TempDir()
	db, err := internaldb.OpenMigrated(filepath.Join(dir, "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	st := store.New(db)
	b := backup.New(filepath.Join(dir, "backups"), 30)
	return fixture{store: st, backups: b, engine: New(st, b)}
}

// row builds a row without Z data, so jumper 1 resolves to Port-1 at loc.
func row(length int, loc, serial string) circuit.Record {
	var r circuit.Record
	for _, f := range r.TextFields() {
		*f = circuit.NotAvailable
	}
	r.Length = length
	r.Ports[0].Location = loc
	r.Ports[0].Serial = serial
	r.Ports[1].Location = loc + "-p2"
	r.Ports[1].Serial = serial + "-p2"
	return r
}

func putResults(tb testing.TB, st *store.Store, seq circuit.SequenceID, results map[int]progress.Result) {
	tb.Helper()
	raw, err := progress.EncodeResults(results)
	if err != nil {
		tb.Fatal(err)
	}
	if err := st.PutProgress(context.Background(), store.Progress{Sequence: seq, CurrentIndex: 2, Results: raw}); err != nil {
		tb.Fatal(err)
	}
}

// resultsByLocation reads a sequence's persisted progress keyed by the
// Port-1 location of the row at each position.
func resultsByLocation(tb testing.TB, st *store.Store, seq circuit.SequenceID) (map[string]progress.Result, store.Progress) {
	tb.Helper()
	ctx := context.Background()
	p, err := st.GetProgress(ctx, seq)
	if err != nil {
		tb.Fatalf("GetProgress %s: %v", seq, err)
	}
	records, err := st.SequenceRecords(ctx, seq)
	if err != nil {
		tb.Fatal(err)
	}
	results, dropped := progress.DecodeResults(p.Results)
	if dropped != 0 {
		tb.Fatalf("stored progress has %d bad entries", dropped)
	}
	out := make(map[string]progress.Result, len(results))
	for idx, res := range results {
		out[records[idx].Ports[0].Location] = res
	}
	return out, p
}

func TestRebuildMigratesByLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := Source{Circuit: "cs_eb", Path: "/data/cs-eb.csv", Hash: "h1"}

	rep, err := f.engine.Rebuild(ctx, src, []circuit.Record{
		row(2, "NS1.02", "s0"),
		row(2, "NS1.05", "s1"),
		row(2, "NS1.10", "s2"),
	})
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	if !rep.NewCircuit || rep.Jumpers != 1 || rep.EventID != "" {
		t.Errorf("first report: %+v", rep)
	}

	seq := circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}
	putResults(t, f.store, seq, map[int]progress.Result{
		0: progress.Match,
		2: progress.Skip("Missing"),
	})

	src.Hash = "h2"
	rep, err = f.engine.Rebuild(ctx, src, []circuit.Record{
		row(2, "NS1.10", "s2"),
		row(2, "NS1.02", "s0"),
		row(2, "NS1.20", "s3"),
	})
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if rep.NewCircuit || rep.Migrated != 2 || rep.TotalOld != 2 || rep.Collisions != 0 {
		t.Errorf("second report: %+v", rep)
	}
	if rep.BackupPath == "" || rep.EventID == "" {
		t.Errorf("missing backup or event: %+v", rep)
	}

	got, p := resultsByLocation(t, f.store, seq)
	want := map[string]progress.Result{
		"NS1.02": progress.Match,
		"NS1.10": progress.Skip("Missing"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("migrated results (-want +got):\n%s", diff)
	}
	if p.CurrentIndex != 0 {
		t.Errorf("current index: got %d, want 0", p.CurrentIndex)
	}

	snap, err := f.backups.Read(rep.BackupPath)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if snap.ID != rep.EventID || len(snap.Progress) != 1 || snap.Progress[0].CurrentIndex != 2 {
		t.Errorf("backup snapshot: %+v", snap)
	}

	events, err := f.store.ListMigrationEvents(ctx, "cs_eb", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Migrated != 2 || events[0].TotalOld != 2 {
		t.Errorf("events: %+v", events)
	}

	hash, err := f.store.SourceHash(ctx, "/data/cs-eb.csv")
	if err != nil || hash != "h2" {
		t.Errorf("source hash: got %q, %v", hash, err)
	}
}

func TestRebuildDropsVanishedJumper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := Source{Circuit: "cs_eb"}

	if _, err := f.engine.Rebuild(ctx, src, []circuit.Record{row(4, "NS1.01", "s1")}); err != nil {
		t.Fatal(err)
	}
	seq1 := circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}
	seq2 := circuit.SequenceID{Circuit: "cs_eb", Jumper: 2}
	putResults(t, f.store, seq1, map[int]progress.Result{0: progress.Match})
	putResults(t, f.store, seq2, map[int]progress.Result{0: progress.NonMatch})

	rep, err := f.engine.Rebuild(ctx, src, []circuit.Record{row(2, "NS1.01", "s1")})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2}, rep.DroppedJumpers); diff != "" {
		t.Errorf("dropped jumpers (-want +got):\n%s", diff)
	}
	if rep.Migrated != 1 || rep.TotalOld != 2 {
		t.Errorf("report: %+v", rep)
	}
	if _, err := f.store.GetProgress(ctx, seq2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("jumper 2 progress: got %v, want ErrNotFound", err)
	}
}

func TestRebuildLeavesOtherCircuitsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []string{"cs_eb", "cs_wb"} {
		if _, err := f.engine.Rebuild(ctx, Source{Circuit: id}, []circuit.Record{row(2, "NS1.01", "s1")}); err != nil {
			t.Fatal(err)
		}
		putResults(t, f.store, circuit.SequenceID{Circuit: id, Jumper: 1}, map[int]progress.Result{0: progress.Match})
	}

	if _, err := f.engine.Rebuild(ctx, Source{Circuit: "cs_eb"}, []circuit.Record{row(2, "NS9.99", "s9")}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.store.GetProgress(ctx, circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cs_eb progress should be gone with no matching location, got %v", err)
	}
	p, err := f.store.GetProgress(ctx, circuit.SequenceID{Circuit: "cs_wb", Jumper: 1})
	if err != nil {
		t.Fatalf("cs_wb progress: %v", err)
	}
	if p.CurrentIndex != 2 || p.Results != `{"0":true}` {
		t.Errorf("cs_wb progress changed: %+v", p)
	}
}

func TestRebuildCollisionKeepsLaterPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := Source{Circuit: "cs_eb"}

	// Same port, different serials: both rows survive dedup and share a key.
	if _, err := f.engine.Rebuild(ctx, src, []circuit.Record{
		row(2, "NS1.01", "first"),
		row(2, "NS1.01", "second"),
	}); err != nil {
		t.Fatal(err)
	}
	seq := circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}
	putResults(t, f.store, seq, map[int]progress.Result{0: progress.Match, 1: progress.NonMatch})

	rep, err := f.engine.Rebuild(ctx, src, []circuit.Record{row(2, "NS1.01", "second")})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Collisions != 1 || rep.Migrated != 1 {
		t.Errorf("report: %+v", rep)
	}
	got, _ := resultsByLocation(t, f.store, seq)
	if got["NS1.01"] != progress.NonMatch {
		t.Errorf("got %+v, want NonMatch from the later position", got["NS1.01"])
	}
}

func TestRebuildCorruptProgressIsDroppedNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := Source{Circuit: "cs_eb"}

	if _, err := f.engine.Rebuild(ctx, src, []circuit.Record{row(2, "NS1.01", "s1")}); err != nil {
		t.Fatal(err)
	}
	seq := circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}
	if err := f.store.PutProgress(ctx, store.Progress{Sequence: seq, Results: "{not json"}); err != nil {
		t.Fatal(err)
	}

	rep, err := f.engine.Rebuild(ctx, src, []circuit.Record{row(2, "NS1.01", "s1")})
	if err != nil {
		t.Fatalf("rebuild with corrupt progress: %v", err)
	}
	if rep.CorruptEntries != 1 || rep.Migrated != 0 {
		t.Errorf("report: %+v", rep)
	}
	// The corrupt payload still lands in the backup for diagnosis.
	snap, err := f.backups.Read(rep.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(snap.Progress[0].Results) != `"{not json"` {
		t.Errorf("backup payload: %s", snap.Progress[0].Results)
	}
}

func TestRebuildFailureKeepsPreviousGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := Source{Circuit: "cs_eb", Path: "/data/cs_eb.csv", Hash: "h1"}
	seq := circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}

	if _, err := f.engine.Rebuild(ctx, src, []circuit.Record{
		row(2, "NS1.02", "s2"),
		row(2, "NS1.01", "s1"),
	}); err != nil {
		t.Fatal(err)
	}
	putResults(t, f.store, seq, map[int]progress.Result{1: progress.Match})

	if _, err := f.store.DB().ExecContext(ctx, `
		CREATE TRIGGER fail_sequences BEFORE INSERT ON jumper_entries
		BEGIN SELECT RAISE(ABORT, 'boom'); END`); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.Rebuild(ctx, Source{Circuit: "cs_eb", Path: src.Path, Hash: "h2"}, []circuit.Record{
		row(2, "NS9.01", "s9"),
	})
	if err == nil {
		t.Fatal("rebuild succeeded despite failing sequence insert")
	}

	rows, err := f.store.Rows(ctx, "cs_eb")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("rows: got %d, want 2", len(rows))
	}
	refs, err := f.store.Sequence(ctx, seq)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{2, 1}, refs); diff != "" {
		t.Errorf("sequence (-want +got):\n%s", diff)
	}
	p, err := f.store.GetProgress(ctx, seq)
	if err != nil {
		t.Fatal(err)
	}
	results, _ := progress.DecodeResults(p.Results)
	if diff := cmp.Diff(map[int]progress.Result{1: progress.Match}, results); diff != "" {
		t.Errorf("progress (-want +got):\n%s", diff)
	}
	hash, err := f.store.SourceHash(ctx, src.Path)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "h1" {
		t.Errorf("source hash: got %q, want h1", hash)
	}
}
