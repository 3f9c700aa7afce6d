// Package fileserv owns client-facing transfers: admission control against
// the derived slot limits, the token-to-transfer registries, and the handoff
// of finished uploads to the consistency manager.
package fileserv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/limits"
	"github.com/vmdist/satellite/internal/satellite/metrics"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
	"github.com/vmdist/satellite/internal/satellite/transfer"
)

// DefaultIdleTimeout evicts transfers that saw no chunk activity; generous
// because clients legitimately stall while preparing large images.
const DefaultIdleTimeout = 10 * time.Minute

// VersionRecorder persists a finished upload as a new image version.
// Satisfied by the consistency manager.
type VersionRecorder interface {
	RecordNewVersion(ctx context.Context, v *models.ImageVersion, hashes [][]byte) error
}

// Config carries the server's collaborators and tuning.
type Config struct {
	DB      dbx.DBTX
	Repos   repomanager.RepositoryManager
	Store   *storage.Store
	Cons    VersionRecorder
	Pool    *transfer.HashPool
	Sources transfer.ChunkSourceFinder
	Status  transfer.StatusSink
	Limits  limits.Limits
	Metrics *metrics.Metrics // nil disables metrics
	Log     logging.Logger

	IdleTimeout   time.Duration
	SscMode       transfer.SscMode
	SscEnableBps  int64
	SscDisableBps int64
}

// FileServer is the transfer registry and slot manager for client uploads
// and downloads.
type FileServer struct {
	cfg Config

	uploads   *registry[*transfer.IncomingTransfer]
	downloads *registry[*transfer.OutgoingTransfer]

	now func() time.Time
}

func New(cfg Config) *FileServer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &FileServer{
		cfg:       cfg,
		uploads:   newRegistry[*transfer.IncomingTransfer](),
		downloads: newRegistry[*transfer.OutgoingTransfer](),
		now:       time.Now,
	}
}

// Status is the transfer state snapshot returned to status queries.
type Status struct {
	Token         string
	State         transfer.State
	FileSize      int64
	CompleteBytes int64
	ChunkCount    int
	MissingChunks int
}

// RequestUpload admits a new client upload for an existing image base and
// returns the registered transfer. The caller has already decided the user
// is allowed to do this.
func (s *FileServer) RequestUpload(ctx context.Context, ownerID, baseID string,
	fileSize int64, hashes [][]byte, machineDescription []byte) (*transfer.IncomingTransfer, error) {
	if !s.cfg.Store.Mounted() {
		return nil, fmt.Errorf("%w: image store not available", common.ErrInternal)
	}
	if _, err := s.cfg.Repos.Images(s.cfg.DB).GetBase(ctx, baseID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}

	now := s.now()
	s.uploads.Sweep(now)
	if n := s.uploads.CountActive(now, nil); n >= s.cfg.Limits.MaxUploads {
		s.rejected("upload")
		return nil, fmt.Errorf("%w: %d uploads active, server limit is %d",
			common.ErrBusy, n, s.cfg.Limits.MaxUploads)
	}
	mine := s.uploads.CountActive(now, func(t *transfer.IncomingTransfer) bool {
		return t.OwnerID() == ownerID
	})
	if mine >= s.cfg.Limits.MaxUploadsPerUser {
		s.rejected("upload")
		return nil, fmt.Errorf("%w: you already have %d uploads active, per-user limit is %d",
			common.ErrBusy, mine, s.cfg.Limits.MaxUploadsPerUser)
	}

	token := uuid.NewString()
	t, err := transfer.NewIncoming(transfer.IncomingConfig{
		Token:              token,
		VersionID:          uuid.NewString(),
		BaseID:             baseID,
		OwnerID:            ownerID,
		TmpPath:            s.cfg.Store.TempUploadPath(token),
		FileSize:           fileSize,
		Hashes:             hashes,
		MachineDescription: machineDescription,
		MaxConnections:     s.cfg.Limits.MaxConnectionsPerTransfer,
		IdleTimeout:        s.cfg.IdleTimeout,
		SscMode:            s.cfg.SscMode,
		SscEnableBps:       s.cfg.SscEnableBps,
		SscDisableBps:      s.cfg.SscDisableBps,
		Pool:               s.cfg.Pool,
		Sources:            s.cfg.Sources,
		Status:             s.cfg.Status,
		Log:                s.cfg.Log,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	t.SetFinishHandler(s.finishUpload)
	s.uploads.Add(t)
	s.cfg.Log.Info(ctx, "upload admitted", "token", token, "base", baseID, "owner", ownerID, "size", fileSize)
	return t, nil
}

// finishUpload moves the verified temp file into the store and records the
// new version. Runs on a hash pool callback goroutine.
func (s *FileServer) finishUpload(t *transfer.IncomingTransfer) {
	ctx := context.Background()
	relPath := filepath.Join(t.BaseID(), t.VersionID()+".img")
	abs, err := s.cfg.Store.AbsolutePath(relPath)
	if err == nil {
		if err = os.MkdirAll(filepath.Dir(abs), 0o770); err == nil {
			err = os.Rename(t.TmpPath(), abs)
		}
	}
	if err != nil {
		s.cfg.Log.Error(ctx, "moving finished upload into store", "token", t.Token(), "error", err)
		s.cfg.Store.DeleteAsync(t.TmpPath())
		return
	}

	v := &models.ImageVersion{
		VersionID:          t.VersionID(),
		BaseID:             t.BaseID(),
		FilePath:           relPath,
		FileSize:           t.Size(),
		UploaderID:         t.OwnerID(),
		CreateTime:         s.now().Unix(),
		MachineDescription: t.MachineDescription(),
	}
	if err := s.cfg.Cons.RecordNewVersion(ctx, v, t.Chunks().Hashes()); err != nil {
		s.cfg.Log.Error(ctx, "recording uploaded version", "version", t.VersionID(), "error", err)
		s.cfg.Store.DeleteAsync(abs)
		return
	}
	s.finished("upload", transfer.StateFinished)
	s.cfg.Log.Info(ctx, "upload finished", "token", t.Token(), "version", t.VersionID())
}

// RequestDownload admits a new client download of a stored version and
// returns the transfer together with the version's block hash list.
func (s *FileServer) RequestDownload(ctx context.Context, versionID string) (*transfer.OutgoingTransfer, []byte, error) {
	if !s.cfg.Store.Mounted() {
		return nil, nil, fmt.Errorf("%w: image store not available", common.ErrInternal)
	}
	images := s.cfg.Repos.Images(s.cfg.DB)
	v, err := images.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil, common.ErrNotFound
		}
		return nil, nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	if !v.IsValid {
		return nil, nil, fmt.Errorf("%w: version %s is not valid", common.ErrTransferRejected, versionID)
	}

	now := s.now()
	s.downloads.Sweep(now)
	if n := s.downloads.CountActive(now, nil); n >= s.cfg.Limits.MaxDownloads {
		s.rejected("download")
		return nil, nil, fmt.Errorf("%w: %d downloads active, server limit is %d",
			common.ErrBusy, n, s.cfg.Limits.MaxDownloads)
	}

	hashes, err := s.cfg.Repos.Blocks(s.cfg.DB).GetHashes(ctx, versionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	abs, err := s.cfg.Store.AbsolutePath(v.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	machineDescription, err := images.GetMachineDescription(ctx, versionID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}

	t, err := transfer.NewOutgoing(uuid.NewString(), versionID, abs, v.FileSize, hashes,
		s.cfg.Limits.MaxConnectionsPerTransfer, s.cfg.IdleTimeout, now)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrInternal, err)
	}
	s.downloads.Add(t)
	s.cfg.Log.Info(ctx, "download admitted", "token", t.Token(), "version", versionID)
	return t, machineDescription, nil
}

// Cancel aborts the transfer with the given token, in either direction.
// Unknown tokens are reported as not found so the peer just cancels.
func (s *FileServer) Cancel(ctx context.Context, token string) error {
	if t, ok := s.uploads.Get(token); ok {
		t.Cancel()
		s.uploads.Remove(token)
		s.finished("upload", transfer.StateCancelled)
		return nil
	}
	if t, ok := s.downloads.Get(token); ok {
		t.Cancel()
		s.downloads.Remove(token)
		s.finished("download", transfer.StateCancelled)
		return nil
	}
	return common.ErrNotFound
}

// QueryStatus reports the current state of a transfer.
func (s *FileServer) QueryStatus(ctx context.Context, token string) (Status, error) {
	if t, ok := s.uploads.Get(token); ok {
		st, _ := t.State()
		missing := 0
		for _, m := range t.Chunks().MissingList() {
			if m {
				missing++
			}
		}
		return Status{
			Token:         token,
			State:         st,
			FileSize:      t.Size(),
			CompleteBytes: t.Chunks().CompleteBytes(),
			ChunkCount:    t.Chunks().Count(),
			MissingChunks: missing,
		}, nil
	}
	if t, ok := s.downloads.Get(token); ok {
		st, _ := t.State()
		return Status{Token: token, State: st, FileSize: t.Size()}, nil
	}
	return Status{}, common.ErrNotFound
}

// SetTransferOptions applies a client option request to an upload and
// returns the effective options.
func (s *FileServer) SetTransferOptions(ctx context.Context, token string, opts *transfer.Options) (transfer.Options, error) {
	t, ok := s.uploads.Get(token)
	if !ok {
		return transfer.Options{}, common.ErrNotFound
	}
	return t.SetOptions(opts), nil
}

// UploadByToken returns the registered upload for connection attachment.
func (s *FileServer) UploadByToken(token string) (*transfer.IncomingTransfer, bool) {
	return s.uploads.Get(token)
}

// DownloadByToken returns the registered download for connection attachment.
func (s *FileServer) DownloadByToken(token string) (*transfer.OutgoingTransfer, bool) {
	return s.downloads.Get(token)
}

// IsActiveTransfer reports whether any registered upload touches the given
// base or version. Deletion sweeps use it to keep their hands off
// in-progress work.
func (s *FileServer) IsActiveTransfer(baseID, versionID string) bool {
	active := false
	s.uploads.Each(func(t *transfer.IncomingTransfer) {
		if st, _ := t.State(); st != transfer.StateActive {
			return
		}
		if (baseID != "" && t.BaseID() == baseID) || (versionID != "" && t.VersionID() == versionID) {
			active = true
		}
	})
	return active
}

// ActiveCounts returns the current slot usage, for status reporting.
func (s *FileServer) ActiveCounts() (uploads, downloads int) {
	now := s.now()
	u := s.uploads.CountActive(now, nil)
	d := s.downloads.CountActive(now, nil)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TransfersActive.WithLabelValues("upload").Set(float64(u))
		s.cfg.Metrics.TransfersActive.WithLabelValues("download").Set(float64(d))
	}
	return u, d
}

func (s *FileServer) rejected(direction string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TransfersRejected.WithLabelValues(direction).Inc()
	}
}

func (s *FileServer) finished(direction string, st transfer.State) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TransfersFinished.WithLabelValues(direction, st.String()).Inc()
	}
}
