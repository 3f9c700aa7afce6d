package maintenance

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/blocks"
	"github.com/vmdist/satellite/internal/satellite/repositories/images"
	"github.com/vmdist/satellite/internal/satellite/repositories/lectures"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeImages struct {
	images.Repository
	expired []*models.ImageVersion
	broken  []*models.ImageVersion
	doomed  []*models.ImageVersion

	resets       int
	staged       []string
	orphansDrops int
	deleted      []string
}

func (f *fakeImages) ResetShouldDelete(ctx context.Context) ([]string, error) {
	f.resets++
	return nil, nil
}

func (f *fakeImages) GetExpiringVersions(ctx context.Context, deadline int64) ([]*models.ImageVersion, error) {
	return f.expired, nil
}

func (f *fakeImages) GetVersionsWithMissingData(ctx context.Context) ([]*models.ImageVersion, error) {
	return f.broken, nil
}

func (f *fakeImages) SetDeleteState(ctx context.Context, state models.DeleteState, versionIDs ...string) error {
	if state == models.DeleteStateShouldDelete {
		f.staged = append(f.staged, versionIDs...)
	}
	return nil
}

func (f *fakeImages) DeleteOrphanBases(ctx context.Context, now int64) (int64, error) {
	f.orphansDrops++
	return 1, nil
}

func (f *fakeImages) GetVersionsWithState(ctx context.Context, state models.DeleteState) ([]*models.ImageVersion, error) {
	return f.doomed, nil
}

func (f *fakeImages) DeleteVersion(ctx context.Context, versionID string) error {
	f.deleted = append(f.deleted, versionID)
	return nil
}

type fakeLectures struct {
	lectures.Repository
	unlinked []string
}

func (f *fakeLectures) UnlinkVersion(ctx context.Context, versionID string) error {
	f.unlinked = append(f.unlinked, versionID)
	return nil
}

type fakeRepos struct {
	img *fakeImages
	lec *fakeLectures
}

func (f *fakeRepos) RunMigrations(context.Context, *sql.DB) error { return nil }
func (f *fakeRepos) Images(dbx.DBTX) images.Repository            { return f.img }
func (f *fakeRepos) Blocks(dbx.DBTX) blocks.Repository            { return nil }
func (f *fakeRepos) Lectures(dbx.DBTX) lectures.Repository        { return f.lec }

var _ repomanager.RepositoryManager = (*fakeRepos)(nil)

type fakeValidity struct {
	invalidated []string
}

func (f *fakeValidity) SetValidity(ctx context.Context, versionID string, valid bool) error {
	if !valid {
		f.invalidated = append(f.invalidated, versionID)
	}
	return nil
}

type fakeGuard struct{ active map[string]bool }

func (f *fakeGuard) IsActiveTransfer(baseID, versionID string) bool {
	return f.active[versionID]
}

func TestSoftSweep(t *testing.T) {
	now := time.Now()
	longExpired := &models.ImageVersion{
		VersionID:  "old",
		IsValid:    true,
		ExpireTime: now.Add(-48 * time.Hour).Unix(),
	}
	justExpired := &models.ImageVersion{
		VersionID:  "fresh",
		IsValid:    true,
		ExpireTime: now.Add(-time.Hour).Unix(),
	}
	broken := &models.ImageVersion{
		VersionID:  "broken",
		IsValid:    false,
		ExpireTime: now.Add(-72 * time.Hour).Unix(),
	}
	repos := &fakeRepos{
		img: &fakeImages{expired: []*models.ImageVersion{longExpired, justExpired}, broken: []*models.ImageVersion{broken}},
		lec: &fakeLectures{},
	}
	validity := &fakeValidity{}
	s := NewSweeper(nil, repos, storage.NewStore(t.TempDir(), testLogger()), validity, nil, testLogger())

	if err := s.SoftSweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if repos.img.resets != 1 {
		t.Fatalf("ResetShouldDelete calls = %d, want 1", repos.img.resets)
	}
	// Both valid expired versions are invalidated; the already-invalid one
	// is not touched again.
	if len(validity.invalidated) != 2 {
		t.Fatalf("invalidated = %v, want the two valid versions", validity.invalidated)
	}
	staged := map[string]bool{}
	for _, id := range repos.img.staged {
		staged[id] = true
	}
	if !staged["old"] || !staged["broken"] {
		t.Fatalf("staged = %v, want old and broken", repos.img.staged)
	}
	if staged["fresh"] {
		t.Fatalf("version expired under a day staged for deletion")
	}
	if repos.img.orphansDrops != 1 {
		t.Fatalf("orphan base cleanup not run")
	}
}

func TestHardDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	base := t.TempDir()
	img := filepath.Join(base, "b1", "gone.img")
	if err := os.MkdirAll(filepath.Dir(img), 0o770); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(img, []byte("bytes"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	repos := &fakeRepos{
		img: &fakeImages{doomed: []*models.ImageVersion{
			{VersionID: "gone", BaseID: "b1", FilePath: filepath.Join("b1", "gone.img")},
			{VersionID: "busy", BaseID: "b1", FilePath: filepath.Join("b1", "busy.img")},
		}},
		lec: &fakeLectures{},
	}
	guard := &fakeGuard{active: map[string]bool{"busy": true}}
	s := NewSweeper(db, repos, storage.NewStore(base, testLogger()), &fakeValidity{}, guard, testLogger())

	mock.ExpectBegin()
	mock.ExpectCommit()
	if err := s.HardDelete(context.Background()); err != nil {
		t.Fatalf("hard delete: %v", err)
	}

	if len(repos.img.deleted) != 1 || repos.img.deleted[0] != "gone" {
		t.Fatalf("deleted = %v, want only the unguarded version", repos.img.deleted)
	}
	if len(repos.lec.unlinked) != 1 || repos.lec.unlinked[0] != "gone" {
		t.Fatalf("unlinked = %v", repos.lec.unlinked)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(img); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("image file still present after hard delete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
