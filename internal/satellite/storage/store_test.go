package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vmdist/satellite/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return NewStore(t.TempDir(), log)
}

func TestRelativePath_InsideStore(t *testing.T) {
	s := newTestStore(t)

	rel, err := s.RelativePath(filepath.Join(s.Base(), "a", "b.img"))
	if err != nil {
		t.Fatalf("RelativePath: %v", err)
	}
	if rel != filepath.Join("a", "b.img") {
		t.Errorf("rel = %q", rel)
	}
}

func TestRelativePath_EscapingStoreRejected(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.RelativePath(filepath.Join(s.Base(), "..", "evil.img")); err == nil {
		t.Fatalf("expected error for path escaping the store")
	}
}

func TestAbsolutePath_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	abs, err := s.AbsolutePath("x/y.img")
	if err != nil {
		t.Fatalf("AbsolutePath: %v", err)
	}
	if !strings.HasPrefix(abs, s.Base()) {
		t.Errorf("abs %q not under base %q", abs, s.Base())
	}

	if _, err := s.AbsolutePath("../outside.img"); err == nil {
		t.Errorf("expected traversal to be rejected")
	}
	if _, err := s.AbsolutePath(""); err == nil {
		t.Errorf("expected empty path to be rejected")
	}
}

func TestMounted_FlagFile(t *testing.T) {
	s := newTestStore(t)

	if !s.Mounted() {
		t.Fatalf("fresh temp dir should count as mounted")
	}

	if err := os.WriteFile(filepath.Join(s.Base(), ".notmounted"), nil, 0o644); err != nil {
		t.Fatalf("write flag: %v", err)
	}
	if s.Mounted() {
		t.Fatalf("flag file should mark store as unmounted")
	}
}

func TestWaitMounted_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Base(), ".notmounted"), nil, 0o644); err != nil {
		t.Fatalf("write flag: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.WaitMounted(ctx); err == nil {
		t.Fatalf("expected context error while store stays unmounted")
	}
}

func TestDeleteAsync_RemovesFiles(t *testing.T) {
	s := newTestStore(t)
	p := filepath.Join(s.Base(), "gone.img")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.DeleteAsync(p)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file was not deleted")
}
