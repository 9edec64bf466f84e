package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerSingleActiveImport(t *testing.T) {
	e := newEnv(t, false)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(e.dir, "cs_eb.csv"), header+"2,DC1,NS1.01,S1,N/A,N/A\n")

	// Holding the circuit parks the running import inside ImportFile.
	unlock, err := e.locks.Lock(context.Background(), "cs_eb")
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(e.importer)
	if _, err := m.Cancel(); !errors.Is(err, ErrNoActiveImport) {
		t.Errorf("Cancel while idle: got %v", err)
	}

	a, err := m.Start(context.Background(), "manual", false)
	if err != nil {
		t.Fatal(err)
	}
	if m.Active() == nil || m.Active().ID != a.ID {
		t.Fatal("Active does not report the running import")
	}
	if _, err := m.Start(context.Background(), "manual", false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: got %v, want ErrAlreadyRunning", err)
	}
	if _, err := m.Run(context.Background(), "cli", false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Run while active: got %v, want ErrAlreadyRunning", err)
	}

	unlock()
	done := make(chan struct{})
	go func() { a.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("import did not finish")
	}

	if m.Active() != nil {
		t.Error("Active still set after finish")
	}
	sum, err := m.Last()
	if err != nil || sum == nil || len(sum.Files) != 1 || sum.Files[0].Skipped {
		t.Errorf("Last: %+v, %v", sum, err)
	}
}

func TestManagerCancel(t *testing.T) {
	e := newEnv(t, false)
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(e.dir, "cs_eb.csv"), header+"2,DC1,NS1.01,S1,N/A,N/A\n")
	unlock, _ := e.locks.Lock(context.Background(), "cs_eb")
	defer unlock()

	m := NewManager(e.importer)
	a, err := m.Start(context.Background(), "manual", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cancel(); err != nil {
		t.Fatal(err)
	}
	a.Wait()
	if _, err := m.Last(); err == nil {
		t.Error("cancelled import reported no error")
	}
}
