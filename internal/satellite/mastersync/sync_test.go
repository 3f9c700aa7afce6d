package mastersync

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/limits"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/blocks"
	"github.com/vmdist/satellite/internal/satellite/repositories/images"
	"github.com/vmdist/satellite/internal/satellite/repositories/lectures"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
	"github.com/vmdist/satellite/internal/satellite/transfer"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func hashOf(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeImages struct {
	images.Repository
	versions map[string]*models.ImageVersion
	descs    map[string][]byte
}

func (f *fakeImages) GetVersion(ctx context.Context, versionID string) (*models.ImageVersion, error) {
	v, ok := f.versions[versionID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeImages) GetMachineDescription(ctx context.Context, versionID string) ([]byte, error) {
	return f.descs[versionID], nil
}

type fakeBlocks struct {
	blocks.Repository
	hashes  map[string][][]byte
	missing map[string][]bool
}

func (f *fakeBlocks) GetHashes(ctx context.Context, versionID string) ([][]byte, error) {
	return f.hashes[versionID], nil
}

func (f *fakeBlocks) GetMissingStatus(ctx context.Context, versionID string) ([]bool, error) {
	return f.missing[versionID], nil
}

type fakeRepos struct {
	img *fakeImages
	blk *fakeBlocks
}

func (f *fakeRepos) RunMigrations(context.Context, *sql.DB) error { return nil }
func (f *fakeRepos) Images(dbx.DBTX) images.Repository            { return f.img }
func (f *fakeRepos) Blocks(dbx.DBTX) blocks.Repository            { return f.blk }
func (f *fakeRepos) Lectures(dbx.DBTX) lectures.Repository        { return nil }

var _ repomanager.RepositoryManager = (*fakeRepos)(nil)

type fakeClient struct {
	mu           sync.Mutex
	submits      int
	downloads    int
	statusQuery  int
	statusResult error
}

func (f *fakeClient) Endpoint() Endpoint {
	return Endpoint{Host: "master.example", PlainPort: 9092, TLSPort: 9093}
}

func (f *fakeClient) SubmitImage(ctx context.Context, sessionToken string, v *models.ImageVersion,
	machineDescription []byte, hashes [][]byte) (*TransferInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return &TransferInfo{Token: "remote-up-" + v.VersionID}, nil
}

func (f *fakeClient) DownloadImage(ctx context.Context, sessionToken, versionID string) (*TransferInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	return &TransferInfo{Token: "remote-dl-" + versionID}, nil
}

func (f *fakeClient) QueryUploadStatus(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusQuery++
	return f.statusResult
}

type fakeRunner struct {
	mu        sync.Mutex
	uploads   int
	downloads int
}

func (f *fakeRunner) RunUpload(ctx context.Context, conn net.Conn, t *transfer.OutgoingTransfer, remoteToken string) error {
	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()
	return conn.Close()
}

func (f *fakeRunner) RunDownload(ctx context.Context, conn net.Conn, t *transfer.IncomingTransfer, remoteToken string) error {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	return conn.Close()
}

func (f *fakeRunner) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

type fakeRecorder struct {
	mu       sync.Mutex
	recorded []*models.ImageVersion
	validity []struct {
		versionID string
		valid     bool
	}
}

func (f *fakeRecorder) RecordNewVersion(ctx context.Context, v *models.ImageVersion, hashes [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, v)
	return nil
}

func (f *fakeRecorder) SetValidity(ctx context.Context, versionID string, valid bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validity = append(f.validity, struct {
		versionID string
		valid     bool
	}{versionID, valid})
	return nil
}

type fixture struct {
	syncer *Syncer
	client *fakeClient
	runner *fakeRunner
	repos  *fakeRepos
	rec    *fakeRecorder
	base   string
	dials  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		client: &fakeClient{},
		runner: &fakeRunner{},
		repos: &fakeRepos{
			img: &fakeImages{versions: map[string]*models.ImageVersion{}, descs: map[string][]byte{}},
			blk: &fakeBlocks{hashes: map[string][][]byte{}, missing: map[string][]bool{}},
		},
		rec:  &fakeRecorder{},
		base: base,
	}
	f.syncer = New(Config{
		Client: f.client,
		Runner: f.runner,
		Repos:  f.repos,
		Store:  storage.NewStore(base, testLogger()),
		Cons:   f.rec,
		Pool:   transfer.NewHashPool(2),
		Limits: limits.Limits{
			MaxConnectionsPerTransfer: 2,
			MaxMasterUploads:          2,
			MaxMasterDownloads:        2,
			HashQueueLen:              2,
		},
		Log: testLogger(),
	})
	f.syncer.dial = func(ctx context.Context) (net.Conn, error) {
		f.dials++
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	return f
}

func (f *fixture) addLocalVersion(t *testing.T, versionID string, data []byte) *models.ImageVersion {
	t.Helper()
	rel := filepath.Join("b1", versionID+".img")
	abs := filepath.Join(f.base, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o770); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, data, 0o640); err != nil {
		t.Fatalf("write image: %v", err)
	}
	v := &models.ImageVersion{
		VersionID: versionID,
		BaseID:    "b1",
		FilePath:  rel,
		FileSize:  int64(len(data)),
		IsValid:   true,
	}
	f.repos.img.versions[versionID] = v
	f.repos.img.descs[versionID] = []byte("vmx")
	f.repos.blk.hashes[versionID] = [][]byte{hashOf(data)}
	return v
}

func TestRequestImageUpload(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("image bytes"))

	up, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	if up.RemoteToken() != "remote-up-v1" {
		t.Fatalf("remote token = %q", up.RemoteToken())
	}

	// A second request for the same version reuses the running transfer.
	again, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if again != up {
		t.Fatalf("duplicate request created a second transfer")
	}
	if f.client.submits != 1 {
		t.Fatalf("submits = %d, want 1", f.client.submits)
	}
}

func TestUploadPreflightSizeMismatch(t *testing.T) {
	f := newFixture(t)
	v := f.addLocalVersion(t, "v1", []byte("image bytes"))
	v.FileSize = 9999

	_, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if !errors.Is(err, common.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}
	if len(f.rec.validity) != 1 || f.rec.validity[0].valid {
		t.Fatalf("want one invalidation, got %v", f.rec.validity)
	}
}

func TestUploadRequiresMachineDescription(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("image bytes"))
	f.repos.img.descs["v1"] = nil

	_, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if !errors.Is(err, common.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}
}

func TestUploadSlotLimit(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("one"))
	f.addLocalVersion(t, "v2", []byte("two"))
	f.addLocalVersion(t, "v3", []byte("three"))
	for _, id := range []string{"v1", "v2"} {
		if _, err := f.syncer.RequestImageUpload(context.Background(), "sess", id); err != nil {
			t.Fatalf("request %s: %v", id, err)
		}
	}
	if _, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v3"); !errors.Is(err, common.ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestRequestImageDownloadNewVersion(t *testing.T) {
	f := newFixture(t)
	data := []byte("published image")
	publish := &PublishData{
		Version: models.ImageVersion{
			VersionID: "v9",
			BaseID:    "b1",
			FileSize:  int64(len(data)),
		},
		Hashes:             [][]byte{hashOf(data)},
		MachineDescription: []byte("vmx"),
	}

	dl, err := f.syncer.RequestImageDownload(context.Background(), "sess", publish)
	if err != nil {
		t.Fatalf("request download: %v", err)
	}
	if dl.Repair() {
		t.Fatalf("fresh download flagged as repair")
	}
	if dl.RemoteToken() != "remote-dl-v9" {
		t.Fatalf("remote token = %q", dl.RemoteToken())
	}

	again, err := f.syncer.RequestImageDownload(context.Background(), "sess", publish)
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if again != dl {
		t.Fatalf("duplicate request created a second transfer")
	}

	// Completing the transfer lands the file and records the version.
	if err := dl.WriteChunk(context.Background(), 0, data); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	waitFor(t, "version recorded", func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.recorded) == 1
	})
	if f.rec.recorded[0].VersionID != "v9" {
		t.Fatalf("recorded version %q", f.rec.recorded[0].VersionID)
	}
	if _, err := os.Stat(filepath.Join(f.base, "b1", "v9.img")); err != nil {
		t.Fatalf("final file missing: %v", err)
	}
}

func TestRequestImageDownloadRepairsExisting(t *testing.T) {
	f := newFixture(t)
	data := []byte("damaged local copy")
	v := f.addLocalVersion(t, "v1", data)
	f.repos.blk.missing["v1"] = []bool{true}

	publish := &PublishData{
		Version:            *v,
		Hashes:             [][]byte{hashOf(data)},
		MachineDescription: []byte("vmx"),
	}
	dl, err := f.syncer.RequestImageDownload(context.Background(), "sess", publish)
	if err != nil {
		t.Fatalf("request download: %v", err)
	}
	if !dl.Repair() {
		t.Fatalf("existing version not repaired in place")
	}
	if want := filepath.Join(f.base, v.FilePath); dl.TmpPath() != want {
		t.Fatalf("repair target = %q, want %q", dl.TmpPath(), want)
	}

	if err := dl.WriteChunk(context.Background(), 0, data); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	waitFor(t, "version revalidated", func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return len(f.rec.validity) == 1
	})
	if got := f.rec.validity[0]; got.versionID != "v1" || !got.valid {
		t.Fatalf("validity call = %+v", got)
	}
}

func TestHeartbeatReconnects(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("image bytes"))
	up, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}

	f.syncer.beat(context.Background())
	waitFor(t, "runner invoked", func() bool { return f.runner.uploadCount() == 1 })
	if f.dials != 1 {
		t.Fatalf("dials = %d, want 1", f.dials)
	}
	if up.fails.Load() != 0 {
		t.Fatalf("fails = %d after successful connect", up.fails.Load())
	}
}

func TestHeartbeatCountsConnectFailures(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("image bytes"))
	up, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	f.syncer.dial = func(ctx context.Context) (net.Conn, error) {
		f.dials++
		return nil, errors.New("connection refused")
	}

	f.syncer.beat(context.Background())
	f.syncer.beat(context.Background())
	if got := up.fails.Load(); got != 2 {
		t.Fatalf("fails = %d, want 2", got)
	}
}

func TestHeartbeatAsksMasterAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("image bytes"))
	up, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1")
	if err != nil {
		t.Fatalf("request upload: %v", err)
	}
	up.fails.Store(statusCheckAfter + 1)
	f.client.statusResult = common.ErrInvalidToken

	f.syncer.beat(context.Background())
	if f.client.statusQuery != 1 {
		t.Fatalf("status queries = %d, want 1", f.client.statusQuery)
	}
	if f.dials != 0 {
		t.Fatalf("dialed a transfer the master forgot")
	}
	if up.fails.Load() != failCeiling {
		t.Fatalf("fails = %d, want ceiling %d", up.fails.Load(), failCeiling)
	}

	// The next beat sweeps the abandoned transfer away.
	f.syncer.beat(context.Background())
	uploads, _ := f.syncer.Counts()
	if uploads != 0 {
		t.Fatalf("abandoned upload still registered")
	}
}

func TestHeartbeatBackpressure(t *testing.T) {
	f := newFixture(t)
	f.addLocalVersion(t, "v1", []byte("image bytes"))
	if _, err := f.syncer.RequestImageUpload(context.Background(), "sess", "v1"); err != nil {
		t.Fatalf("request upload: %v", err)
	}
	// Exhaust the worker pool so the heartbeat has no free slots.
	for len(f.syncer.slots) > 0 {
		<-f.syncer.slots
	}

	for i := 0; i < maxSkips; i++ {
		f.syncer.beat(context.Background())
	}
	if f.dials != 0 {
		t.Fatalf("dialed while pool exhausted")
	}
	if f.syncer.skips != maxSkips {
		t.Fatalf("skips = %d, want %d", f.syncer.skips, maxSkips)
	}

	// Past the skip budget a beat runs anyway, but dispatch still needs a
	// free slot, so nothing is dialed; the skip counter resets.
	f.syncer.beat(context.Background())
	if f.syncer.skips != 0 {
		t.Fatalf("skips = %d after forced beat, want 0", f.syncer.skips)
	}
}
