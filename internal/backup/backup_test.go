package backup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/eargollo/cfss/internal/circuit"
	"github.com/eargollo/cfss/internal/store"
)

func TestWriteAndRead(t *testing.T) {
	m := New(t.TempDir(), 30)
	snap := NewSnapshot("0123456789abcdef", "cs_eb", []store.Progress{
		{Sequence: circuit.SequenceID{Circuit: "cs_eb", Jumper: 1}, CurrentIndex: 2, Results: `{"0":true,"1":"Missing"}`},
		{Sequence: circuit.SequenceID{Circuit: "cs_eb", Jumper: 2}, Results: `{broken`},
	})

	path, err := m.Write(snap)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Circuit != "cs_eb" || len(got.Progress) != 2 {
		t.Fatalf("snapshot: got %+v", got)
	}
	if string(got.Progress[0].Results) != `{"0":true,"1":"Missing"}` {
		t.Errorf("results: got %s", got.Progress[0].Results)
	}
	if string(got.Progress[1].Results) != `"{broken"` {
		t.Errorf("corrupt payload: got %s", got.Progress[1].Results)
	}

	// A second snapshot of the same circuit is a separate artifact.
	snap2 := NewSnapshot("fedcba9876543210", "cs_eb", nil)
	if _, err := m.Write(snap2); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	list, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("artifacts: got %d, want 2", len(list))
	}
}

func TestListMissingDir(t *testing.T) {
	m := New(t.TempDir()+"/absent", 30)
	list, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("got %d artifacts", len(list))
	}
}

func TestPurgeBefore(t *testing.T) {
	m := New(t.TempDir(), 1)
	oldPath, err := m.Write(NewSnapshot("old00000", "a", nil))
	if err != nil {
		t.Fatal(err)
	}
	newPath, err := m.Write(NewSnapshot("new00000", "b", nil))
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := m.AutoPurge(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old snapshot still present")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("new snapshot removed: %v", err)
	}
}

func TestAutoPurgeDisabled(t *testing.T) {
	m := New(t.TempDir(), 0)
	if n, err := m.AutoPurge(context.Background()); err != nil || n != 0 {
		t.Errorf("got %d, %v", n, err)
	}
}
