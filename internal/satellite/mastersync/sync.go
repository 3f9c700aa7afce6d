// Package mastersync drives long-running image replication to and from the
// master node. Transfers survive connection loss: a periodic heartbeat
// reconnects idle ones, with a failure budget so a dead or forgetful master
// does not keep transfers alive forever.
package mastersync

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/limits"
	"github.com/vmdist/satellite/internal/satellite/metrics"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
	"github.com/vmdist/satellite/internal/satellite/transfer"
)

const (
	heartbeatInterval = 56 * time.Second

	// Consecutive connect failures before a transfer is abandoned.
	failCeiling = 50
	// Above this many failures the master is asked about the token before
	// another reconnect is attempted.
	statusCheckAfter = 5

	// The heartbeat skips dispatch while the worker pool is nearly full,
	// but not indefinitely.
	minFreeSlots = 2
	maxSkips     = 10

	defaultIdleTimeout = 30 * time.Minute
	defaultDialTimeout = 10 * time.Second
)

// Recorder is the consistency handoff for finished downloads.
type Recorder interface {
	RecordNewVersion(ctx context.Context, v *models.ImageVersion, hashes [][]byte) error
	SetValidity(ctx context.Context, versionID string, valid bool) error
}

// ConnectionRunner pumps chunks over an established data connection. The
// wire protocol lives in the RPC layer; this package only dials and hands
// the connection over.
type ConnectionRunner interface {
	RunUpload(ctx context.Context, conn net.Conn, t *transfer.OutgoingTransfer, remoteToken string) error
	RunDownload(ctx context.Context, conn net.Conn, t *transfer.IncomingTransfer, remoteToken string) error
}

// Upload is a master-bound upload: the local file is the source.
type Upload struct {
	*transfer.OutgoingTransfer
	remoteToken string
	fails       atomic.Int32
}

// RemoteToken returns the token the master issued for this transfer.
func (u *Upload) RemoteToken() string { return u.remoteToken }

// Download is a master-originated download: the local file is the target.
type Download struct {
	*transfer.IncomingTransfer
	remoteToken string
	fails       atomic.Int32
}

func (d *Download) RemoteToken() string { return d.remoteToken }

// Config bundles the syncer's collaborators.
type Config struct {
	Client MasterClient
	Runner ConnectionRunner
	DB     *sql.DB
	Repos  repomanager.RepositoryManager
	Store  *storage.Store
	Cons   Recorder
	Pool   *transfer.HashPool
	Status transfer.StatusSink
	Limits limits.Limits

	Metrics *metrics.Metrics // may be nil
	Log     logging.Logger

	IdleTimeout time.Duration
	DialTimeout time.Duration
	TLSConfig   *tls.Config
}

// Syncer owns all master-bound transfers, keyed by version id so a repeated
// replication request for the same version returns the transfer already
// running instead of starting a duplicate.
type Syncer struct {
	cfg Config

	mu        sync.Mutex
	uploads   map[string]*Upload
	downloads map[string]*Download
	skips     int

	// slots holds one token per free worker. len(slots) is the free count
	// the heartbeat's backpressure check needs.
	slots chan struct{}

	dial func(ctx context.Context) (net.Conn, error)
	now  func() time.Time
}

func New(cfg Config) *Syncer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	cfg.Log = logging.Component(cfg.Log, "mastersync")
	workers := cfg.Limits.MaxMasterUploads + cfg.Limits.MaxMasterDownloads
	s := &Syncer{
		cfg:       cfg,
		uploads:   map[string]*Upload{},
		downloads: map[string]*Download{},
		slots:     make(chan struct{}, workers),
		now:       time.Now,
	}
	for i := 0; i < workers; i++ {
		s.slots <- struct{}{}
	}
	s.dial = s.dialMaster
	return s
}

// dialMaster tries the plain endpoint first, then TLS.
func (s *Syncer) dialMaster(ctx context.Context) (net.Conn, error) {
	ep := s.cfg.Client.Endpoint()
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, plainErr := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.PlainPort)))
	if plainErr == nil {
		return conn, nil
	}
	td := tls.Dialer{NetDialer: &d, Config: s.cfg.TLSConfig}
	conn, tlsErr := td.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.TLSPort)))
	if tlsErr != nil {
		return nil, fmt.Errorf("master unreachable: plain: %v, tls: %w", plainErr, tlsErr)
	}
	return conn, nil
}

// RequestImageUpload starts replicating a local version to the master, or
// returns the upload already running for it.
func (s *Syncer) RequestImageUpload(ctx context.Context, sessionToken, versionID string) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(ctx)
	if existing, ok := s.uploads[versionID]; ok {
		return existing, nil
	}
	if len(s.uploads) >= s.cfg.Limits.MaxMasterUploads {
		return nil, fmt.Errorf("%w: %d master uploads active", common.ErrBusy, len(s.uploads))
	}

	v, err := s.cfg.Repos.Images(s.cfg.DB).GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	abs, err := s.cfg.Store.AbsolutePath(v.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	fi, err := os.Stat(abs)
	if err != nil || fi.Size() != v.FileSize {
		// The file no longer matches what we recorded; replicating it
		// would push garbage. Invalidate instead.
		if verr := s.cfg.Cons.SetValidity(ctx, versionID, false); verr != nil {
			s.cfg.Log.Error(ctx, "invalidating version with bad file", "version", versionID, "error", verr)
		}
		return nil, fmt.Errorf("%w: source file missing or wrong size", common.ErrTransferRejected)
	}
	machineDescription, err := s.cfg.Repos.Images(s.cfg.DB).GetMachineDescription(ctx, versionID)
	if err != nil || len(machineDescription) == 0 {
		return nil, fmt.Errorf("%w: version has no machine description", common.ErrTransferRejected)
	}
	hashes, err := s.cfg.Repos.Blocks(s.cfg.DB).GetHashes(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}

	info, err := s.cfg.Client.SubmitImage(ctx, sessionToken, v, machineDescription, hashes)
	if err != nil {
		return nil, fmt.Errorf("submitting image to master: %w", err)
	}

	out, err := transfer.NewOutgoing(uuid.NewString(), versionID, abs, v.FileSize, hashes,
		s.cfg.Limits.MaxConnectionsPerTransfer, s.cfg.IdleTimeout, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	up := &Upload{OutgoingTransfer: out, remoteToken: info.Token}
	s.uploads[versionID] = up
	s.cfg.Log.Info(ctx, "master upload registered", "version", versionID, "token", out.Token())
	return up, nil
}

// RequestImageDownload starts fetching a version the master published, or
// returns the download already running for it. A version that already exists
// locally is repaired in place instead of fetched into a fresh temp file.
func (s *Syncer) RequestImageDownload(ctx context.Context, sessionToken string, publish *PublishData) (*Download, error) {
	versionID := publish.Version.VersionID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(ctx)
	if existing, ok := s.downloads[versionID]; ok {
		return existing, nil
	}
	if len(s.downloads) >= s.cfg.Limits.MaxMasterDownloads {
		return nil, fmt.Errorf("%w: %d master downloads active", common.ErrBusy, len(s.downloads))
	}

	info, err := s.cfg.Client.DownloadImage(ctx, sessionToken, versionID)
	if err != nil {
		return nil, fmt.Errorf("requesting download from master: %w", err)
	}

	token := uuid.NewString()
	cfg := transfer.IncomingConfig{
		Token:              token,
		VersionID:          versionID,
		BaseID:             publish.Version.BaseID,
		FileSize:           publish.Version.FileSize,
		Hashes:             publish.Hashes,
		MachineDescription: publish.MachineDescription,
		MaxConnections:     s.cfg.Limits.MaxConnectionsPerTransfer,
		IdleTimeout:        s.cfg.IdleTimeout,
		SscMode:            transfer.SscOff,
		Pool:               s.cfg.Pool,
		Status:             s.cfg.Status,
		Log:                s.cfg.Log,
	}

	if local, err := s.cfg.Repos.Images(s.cfg.DB).GetVersion(ctx, versionID); err == nil {
		// Known version: repair the existing file where it lies.
		abs, perr := s.cfg.Store.AbsolutePath(local.FilePath)
		if perr != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrInternal, perr)
		}
		missing, merr := s.cfg.Repos.Blocks(s.cfg.DB).GetMissingStatus(ctx, versionID)
		if merr != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrInternal, merr)
		}
		cfg.TmpPath = abs
		cfg.Repair = true
		cfg.ResumeMissing = missing
	} else {
		cfg.TmpPath = s.cfg.Store.TempUploadPath(token)
	}

	in, err := transfer.NewIncoming(cfg, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	in.SetFinishHandler(s.finishDownload)
	dl := &Download{IncomingTransfer: in, remoteToken: info.Token}
	s.downloads[versionID] = dl
	s.cfg.Log.Info(ctx, "master download registered",
		"version", versionID, "token", token, "repair", cfg.Repair)
	return dl, nil
}

// finishDownload lands a completed download: repairs confirm the existing
// version, fresh fetches move into the store and get recorded.
func (s *Syncer) finishDownload(t *transfer.IncomingTransfer) {
	ctx := context.Background()
	if t.Repair() {
		if err := s.cfg.Cons.SetValidity(ctx, t.VersionID(), true); err != nil {
			s.cfg.Log.Error(ctx, "revalidating repaired version", "version", t.VersionID(), "error", err)
		}
		s.cfg.Log.Info(ctx, "master download repaired version", "version", t.VersionID())
		return
	}

	relPath := filepath.Join(t.BaseID(), t.VersionID()+".img")
	abs, err := s.cfg.Store.AbsolutePath(relPath)
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(abs), 0o770); err == nil {
			err = os.Rename(t.TmpPath(), abs)
		}
	}
	if err != nil {
		s.cfg.Log.Error(ctx, "moving finished download into store", "token", t.Token(), "error", err)
		s.cfg.Store.DeleteAsync(t.TmpPath())
		return
	}
	v := &models.ImageVersion{
		VersionID:          t.VersionID(),
		BaseID:             t.BaseID(),
		FilePath:           relPath,
		FileSize:           t.Size(),
		CreateTime:         s.now().Unix(),
		MachineDescription: t.MachineDescription(),
	}
	if err := s.cfg.Cons.RecordNewVersion(ctx, v, t.Chunks().Hashes()); err != nil {
		s.cfg.Log.Error(ctx, "recording downloaded version", "version", t.VersionID(), "error", err)
		s.cfg.Store.DeleteAsync(abs)
		return
	}
	s.cfg.Log.Info(ctx, "master download finished", "version", t.VersionID())
}

// Counts returns the number of registered master uploads and downloads.
func (s *Syncer) Counts() (uploads, downloads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads), len(s.downloads)
}

// Run executes the heartbeat until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat is one heartbeat: evict dead transfers, reconnect idle ones.
func (s *Syncer) beat(ctx context.Context) {
	if free := len(s.slots); free < minFreeSlots {
		s.mu.Lock()
		s.skips++
		skips := s.skips
		s.mu.Unlock()
		if skips <= maxSkips {
			s.cfg.Log.Debug(ctx, "heartbeat skipped, worker pool nearly full",
				"free", free, "skips", skips)
			return
		}
	}
	s.mu.Lock()
	s.skips = 0
	s.sweepLocked(ctx)
	uploads := make([]*Upload, 0, len(s.uploads))
	for _, u := range s.uploads {
		uploads = append(uploads, u)
	}
	downloads := make([]*Download, 0, len(s.downloads))
	for _, d := range s.downloads {
		downloads = append(downloads, d)
	}
	s.mu.Unlock()

	for _, u := range uploads {
		if u.ActiveConnections() > 0 {
			continue
		}
		s.reconnect(ctx, u.Token(), u.remoteToken, &u.fails, true, func(conn net.Conn) error {
			return s.cfg.Runner.RunUpload(ctx, conn, u.OutgoingTransfer, u.remoteToken)
		}, u.Base)
	}
	for _, d := range downloads {
		if d.ActiveConnections() > 0 {
			continue
		}
		s.reconnect(ctx, d.Token(), d.remoteToken, &d.fails, false, func(conn net.Conn) error {
			return s.cfg.Runner.RunDownload(ctx, conn, d.IncomingTransfer, d.remoteToken)
		}, d.Base)
	}
}

// sweepLocked drops transfers that are done, idle, or out of retries.
func (s *Syncer) sweepLocked(ctx context.Context) {
	now := s.now()
	for id, u := range s.uploads {
		if s.evict(ctx, id, u.Base, &u.fails, now) {
			delete(s.uploads, id)
		}
	}
	for id, d := range s.downloads {
		if s.evict(ctx, id, d.Base, &d.fails, now) {
			delete(s.downloads, id)
		}
	}
}

func (s *Syncer) evict(ctx context.Context, versionID string, b *transfer.Base, fails *atomic.Int32, now time.Time) bool {
	if fails.Load() >= failCeiling {
		b.Cancel()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.MasterAbandoned.Inc()
		}
		s.cfg.Log.Warn(ctx, "abandoning master transfer after repeated connect failures",
			"version", versionID)
		return true
	}
	if st, _ := b.State(); st.Terminal() || b.Complete() {
		return true
	}
	if b.IdleTimedOut(now) {
		b.Cancel()
		s.cfg.Log.Warn(ctx, "master transfer idle timed out", "version", versionID)
		return true
	}
	return false
}

// reconnect opens a fresh data connection for a transfer with none, within
// the worker pool and failure budget.
func (s *Syncer) reconnect(ctx context.Context, token, remoteToken string, fails *atomic.Int32,
	isUpload bool, run func(net.Conn) error, b *transfer.Base) {
	if fails.Load() >= failCeiling {
		return
	}
	if isUpload && fails.Load() > statusCheckAfter {
		// Ask before dialing again: a master that forgot the token will
		// never accept the connection, so stop retrying it.
		if err := s.cfg.Client.QueryUploadStatus(ctx, remoteToken); errors.Is(err, common.ErrInvalidToken) {
			fails.Store(failCeiling)
			s.cfg.Log.Warn(ctx, "master no longer knows upload token", "token", token)
			return
		}
	}
	select {
	case <-s.slots:
	default:
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MasterReconnects.Inc()
	}
	conn, err := s.dial(ctx)
	if err != nil {
		s.slots <- struct{}{}
		n := fails.Add(1)
		s.cfg.Log.Warn(ctx, "connecting to master failed", "token", token, "fails", n, "error", err)
		return
	}
	if err := b.AddConnection(conn, s.now()); err != nil {
		s.slots <- struct{}{}
		_ = conn.Close()
		return
	}
	fails.Store(0)
	go func() {
		defer func() { s.slots <- struct{}{} }()
		defer b.RemoveConnection(conn)
		if err := run(conn); err != nil {
			s.cfg.Log.Warn(ctx, "master data connection ended", "token", token, "error", err)
		}
	}()
}
