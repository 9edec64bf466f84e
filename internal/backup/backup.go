// Package backup writes append-only snapshots of scan progress taken before
// a circuit rebuild. Snapshots are diagnostic artifacts; nothing reads them
// back during normal operation.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/eargollo/cfss/internal/store"
)

const filePrefix = "scan_progress_backup_"

// Entry is one progress record inside a snapshot.
type Entry struct {
	Jumper       int             `json:"jumper"`
	CurrentIndex int             `json:"current_index"`
	Results      json.RawMessage `json:"results"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Snapshot is the content of one backup artifact.
type Snapshot struct {
	ID        string    `json:"id"`
	Circuit   string    `json:"circuit"`
	CreatedAt time.Time `json:"created_at"`
	Progress  []Entry   `json:"progress"`
}

// NewSnapshot captures records as they were read from the store.
func NewSnapshot(id, circuitID string, records []store.Progress) Snapshot {
	s := Snapshot{ID: id, Circuit: circuitID, CreatedAt: time.Now().UTC()}
	for _, p := range records {
		raw := json.RawMessage(p.Results)
		if !json.Valid(raw) {
			// Corrupt payloads are kept verbatim as a JSON string.
			raw, _ = json.Marshal(p.Results)
		}
		s.Progress = append(s.Progress, Entry{
			Jumper:       p.Sequence.Jumper,
			CurrentIndex: p.CurrentIndex,
			Results:      raw,
			UpdatedAt:    p.UpdatedAt.UTC(),
		})
	}
	return s
}

// Artifact describes a snapshot file on disk.
type Artifact struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Manager owns the backup directory.
type Manager struct {
	dir           string
	retentionDays int
}

// New creates a Manager. retentionDays <= 0 keeps snapshots forever.
func New(dir string, retentionDays int) *Manager {
	return &Manager{dir: dir, retentionDays: retentionDays}
}

// Write stores s as a new artifact and returns its path. Files are written
// to a temp name and renamed so a crash never leaves a truncated snapshot.
// Existing artifacts are never overwritten.
func (m *Manager) Write(s Snapshot) (string, error) {
	path := m.buildPath(s)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("snapshot %q already exists", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}

	slog.Info("scan progress backed up", "circuit", s.Circuit, "entries", len(s.Progress), "path", path)
	return path, nil
}

// Read loads a snapshot artifact.
func (m *Manager) Read(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %q: %w", path, err)
	}
	return s, nil
}

// List returns all artifacts, newest first.
func (m *Manager) List() ([]Artifact, error) {
	var out []Artifact
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == m.dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !isArtifact(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, Artifact{Path: path, Name: d.Name(), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// AutoPurge removes artifacts older than the retention window. Intended to
// be called by the scheduler.
func (m *Manager) AutoPurge(ctx context.Context) (int, error) {
	if m.retentionDays <= 0 {
		return 0, nil
	}
	return m.PurgeBefore(ctx, time.Now().Add(-time.Duration(m.retentionDays)*24*time.Hour))
}

// PurgeBefore removes artifacts last modified before cutoff.
func (m *Manager) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	artifacts, err := m.List()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, a := range artifacts {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		if !a.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("backup purge: remove failed", "path", a.Path, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		slog.Info("backup purge complete", "removed", purged)
	}
	return purged, nil
}

// buildPath returns dir/YYYY-MM-DD/scan_progress_backup_<circuit>_<ts>_<id>.json.
func (m *Manager) buildPath(s Snapshot) string {
	ts := s.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s%s_%s_%s.json", filePrefix, s.Circuit, ts.Format("20060102_150405"), id)
	return filepath.Join(m.dir, ts.Format("2006-01-02"), name)
}

func isArtifact(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".json")
}
