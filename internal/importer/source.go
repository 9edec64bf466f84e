package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HashFile returns the hex SHA-256 of the file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsSource reports whether name looks like a circuit source file.
func IsSource(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".csv")
}

// Discover lists the source files directly inside dir, sorted by path.
// A missing directory yields no files.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read data dir %q: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsSource(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Seed copies the bundled source files into dataDir when dataDir has none
// of its own. It returns the number of files copied.
func Seed(dataDir, bundledDir string) (int, error) {
	if bundledDir == "" || filepath.Clean(bundledDir) == filepath.Clean(dataDir) {
		return 0, nil
	}
	existing, err := Discover(dataDir)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	bundled, err := Discover(bundledDir)
	if err != nil {
		return 0, err
	}
	if len(bundled) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return 0, fmt.Errorf("create data dir: %w", err)
	}

	copied := 0
	for _, src := range bundled {
		if err := copyFile(src, filepath.Join(dataDir, filepath.Base(src))); err != nil {
			return copied, err
		}
		copied++
	}
	slog.Info("seeded data dir from bundled sources", "count", copied, "from", bundledDir, "to", dataDir)
	return copied, nil
}

// copyFile copies content and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
