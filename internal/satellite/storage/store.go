// Package storage wraps access to the image store filesystem: path
// containment, mount detection, waiting for an unmounted store to come back,
// and background file deletion.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/vmdist/satellite/internal/logging"
)

// IncompleteUploadSuffix marks temp files of unfinished incoming transfers.
const IncompleteUploadSuffix = ".upload.partial"

// notMountedFlag is placed in the store root by the mount scripts while the
// real store is not mounted, so we never mistake the mountpoint directory
// for the store itself.
const notMountedFlag = ".notmounted"

const (
	mountPollInterval = 10 * time.Second
	stillWaitingEvery = 10 * time.Minute
)

// Store is rooted at a base directory holding all image files.
type Store struct {
	base string
	log  logging.Logger
}

func NewStore(base string, log logging.Logger) *Store {
	return &Store{base: base, log: logging.Component(log, "storage")}
}

// Base returns the store's root directory.
func (s *Store) Base() string {
	return s.base
}

// RelativePath returns path relative to the store root, or an error if path
// escapes the root. Used as a sanity check before persisting file names.
func (s *Store) RelativePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	base, err := filepath.Abs(s.base)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", s.base, err)
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside the store %s", path, base)
	}
	return rel, nil
}

// AbsolutePath composes the absolute path of a relative image file path,
// rejecting anything that would escape the store root.
func (s *Store) AbsolutePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty image path")
	}
	abs := filepath.Join(s.base, relPath)
	if _, err := s.RelativePath(abs); err != nil {
		return "", err
	}
	return abs, nil
}

// TempUploadPath generates a fresh temp file path for an incoming transfer.
func (s *Store) TempUploadPath(token string) string {
	return filepath.Join(s.base, fmt.Sprintf("%s%s", token, IncompleteUploadSuffix))
}

// Mounted reports whether the store is usable. The flag file check catches
// the "mountpoint exists but store not mounted" case.
func (s *Store) Mounted() bool {
	if _, err := os.Stat(filepath.Join(s.base, notMountedFlag)); err == nil {
		return false
	}
	info, err := os.Stat(s.base)
	if err == nil && info.IsDir() {
		return true
	}
	return os.MkdirAll(s.base, 0o770) == nil
}

// WaitMounted blocks until the store is mounted or ctx is cancelled. An
// unmounted store is an operator-correctable outage, so we poll instead of
// failing fast, logging periodically so the wait is visible.
func (s *Store) WaitMounted(ctx context.Context) error {
	if s.Mounted() {
		return nil
	}
	s.log.Warn(ctx, "image store gone, waiting for it to reappear")
	lastComplaint := time.Now()

	backoff := retry.NewConstant(mountPollInterval)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if s.Mounted() {
			return nil
		}
		if time.Since(lastComplaint) > stillWaitingEvery {
			lastComplaint = time.Now()
			s.log.Warn(ctx, "still waiting for image store")
		}
		return retry.RetryableError(fmt.Errorf("store not mounted"))
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "image store back online")
	return nil
}

// DeleteAsync removes the given files on a background goroutine, so a caller
// holding a lock is never blocked on filesystem I/O. Best effort.
func (s *Store) DeleteAsync(paths ...string) {
	if len(paths) == 0 {
		return
	}
	go func() {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.log.Warn(context.Background(), "could not delete file", "path", p, "error", err)
			}
		}
	}()
}

// DeleteVersionFiles removes a version's image file and its sidecar files.
func (s *Store) DeleteVersionFiles(ctx context.Context, relPath string) {
	abs, err := s.AbsolutePath(relPath)
	if err != nil {
		s.log.Warn(ctx, "not deleting files with invalid path", "path", relPath, "error", err)
		return
	}
	s.DeleteAsync(abs, abs+".meta", abs+".crc", abs+".map")
}
