package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestWriter(t *testing.T) (*rotatingWriter, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	writer, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	writer.maxSize = 32
	writer.maxAge = 100 * 365 * 24 * time.Hour
	clock := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	writer.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return writer, path
}

func TestRotatingWriterRotatesBySize(t *testing.T) {
	writer, path := newTestWriter(t)
	defer writer.Close()

	line := strings.Repeat("a", 20) + "\n"
	for i := 0; i < 3; i++ {
		if _, err := writer.Write([]byte(line)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) == 0 {
		t.Fatal("expected at least one rotated backup")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active log: %v", err)
	}
	if info.Size() > 32 {
		t.Errorf("active log should stay under the size cap, got %d bytes", info.Size())
	}
}

func TestRotatingWriterPrunesOldBackups(t *testing.T) {
	writer, path := newTestWriter(t)
	defer writer.Close()

	line := strings.Repeat("b", 30) + "\n"
	for i := 0; i < 6; i++ {
		if _, err := writer.Write([]byte(line)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(backups) > 2 {
		t.Errorf("expected at most 2 backups, got %d: %v", len(backups), backups)
	}
}
