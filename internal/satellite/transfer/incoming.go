package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/logging"
)

// ChunkSourceFinder locates a local copy of chunk data by content hash.
// Implemented by the dedup index; a nil finder disables server-side copy.
type ChunkSourceFinder interface {
	FindSource(ctx context.Context, hash []byte) (path string, offset int64, size int, ok bool, err error)
}

// StatusSink receives per-chunk missing-flag changes for persistence. Repair
// transfers use it so an interrupted upload can resume later.
type StatusSink interface {
	SetMissing(versionID string, startOffset int64, size int, missing bool) error
}

// Options are the client-tunable transfer settings.
type Options struct {
	ServerSideCopy bool
}

// IncomingConfig bundles the construction parameters of an upload.
type IncomingConfig struct {
	Token              string
	VersionID          string
	BaseID             string
	OwnerID            string // empty for repair transfers
	TmpPath            string
	FileSize           int64
	Hashes             [][]byte
	MachineDescription []byte
	Repair             bool
	ResumeMissing      []bool // repair: persisted missing flags

	MaxConnections int
	IdleTimeout    time.Duration

	SscMode       SscMode
	SscEnableBps  int64
	SscDisableBps int64

	Pool    *HashPool
	Sources ChunkSourceFinder
	Status  StatusSink
	Log     logging.Logger
}

// IncomingTransfer receives one image file chunk by chunk, verifying each
// chunk's digest before counting it.
type IncomingTransfer struct {
	*Base

	versionID          string
	baseID             string
	ownerID            string
	tmpPath            string
	machineDescription []byte
	repair             bool

	chunks  *ChunkList
	pool    *HashPool
	sources ChunkSourceFinder
	status  StatusSink
	log     logging.Logger

	fileMu sync.Mutex
	file   *os.File

	sscMode       SscMode
	sscEnabled    atomic.Bool
	sscEnableBps  int64
	sscDisableBps int64
	speed         speedWindow

	// onFinish runs once after all chunks verified and the transfer moved
	// to FINISHED. Registered by the owning registry before data flows.
	onFinish func(t *IncomingTransfer)
}

func NewIncoming(cfg IncomingConfig, now time.Time) (*IncomingTransfer, error) {
	f, err := os.OpenFile(cfg.TmpPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening upload target: %w", err)
	}

	if cfg.SscEnableBps <= 0 {
		cfg.SscEnableBps = DefaultSscEnableBps
	}
	if cfg.SscDisableBps <= 0 {
		cfg.SscDisableBps = DefaultSscDisableBps
	}

	t := &IncomingTransfer{
		Base:               NewBase(cfg.Token, cfg.FileSize, cfg.MaxConnections, cfg.IdleTimeout, now),
		versionID:          cfg.VersionID,
		baseID:             cfg.BaseID,
		ownerID:            cfg.OwnerID,
		tmpPath:            cfg.TmpPath,
		machineDescription: cfg.MachineDescription,
		repair:             cfg.Repair,
		chunks:             NewChunkList(cfg.FileSize, cfg.Hashes),
		pool:               cfg.Pool,
		sources:            cfg.Sources,
		status:             cfg.Status,
		log:                cfg.Log,
		file:               f,
		sscMode:            cfg.SscMode,
		sscEnableBps:       cfg.SscEnableBps,
		sscDisableBps:      cfg.SscDisableBps,
	}
	t.sscEnabled.Store(cfg.SscMode == SscOn)

	if cfg.Repair && len(cfg.ResumeMissing) > 0 {
		if fi, err := f.Stat(); err == nil {
			t.chunks.ResumeFromStatusList(cfg.ResumeMissing, fi.Size())
		}
	}

	t.SetCleanup(t.cleanup)
	return t, nil
}

func (t *IncomingTransfer) VersionID() string          { return t.versionID }
func (t *IncomingTransfer) BaseID() string             { return t.baseID }
func (t *IncomingTransfer) OwnerID() string            { return t.ownerID }
func (t *IncomingTransfer) Repair() bool               { return t.repair }
func (t *IncomingTransfer) TmpPath() string            { return t.tmpPath }
func (t *IncomingTransfer) MachineDescription() []byte { return t.machineDescription }
func (t *IncomingTransfer) Chunks() *ChunkList         { return t.chunks }

// SetFinishHandler registers the completion hook. Must be called before
// chunk data arrives.
func (t *IncomingTransfer) SetFinishHandler(fn func(t *IncomingTransfer)) {
	t.onFinish = fn
}

// NextChunk hands out the next chunk a connection should request.
func (t *IncomingTransfer) NextChunk() (Chunk, bool) {
	return t.chunks.NextMissing()
}

// ReturnChunk gives back an unfinished chunk, e.g. when a connection died.
func (t *IncomingTransfer) ReturnChunk(index int) {
	t.chunks.MarkMissing(index)
}

// WriteChunk stores chunk bytes received over the network and queues digest
// verification. Verification runs on the shared hash pool; completion and
// failure handling happen in its callback.
func (t *IncomingTransfer) WriteChunk(ctx context.Context, index int, data []byte) error {
	return t.writeChunk(ctx, index, data, true)
}

func (t *IncomingTransfer) writeChunk(ctx context.Context, index int, data []byte, network bool) error {
	if s, _ := t.State(); s != StateActive {
		return fmt.Errorf("%w: transfer is %s", common.ErrTransferRejected, s)
	}
	chunk, ok := t.chunks.Get(index)
	if !ok {
		return fmt.Errorf("%w: no chunk %d", common.ErrTransferRejected, index)
	}
	if len(data) != chunk.Size {
		return fmt.Errorf("%w: chunk %d is %d bytes, got %d", common.ErrTransferRejected, index, chunk.Size, len(data))
	}

	t.fileMu.Lock()
	_, err := t.file.WriteAt(data, chunk.StartOffset)
	t.fileMu.Unlock()
	if err != nil {
		t.Fail(StateErrored, fmt.Errorf("writing chunk %d: %w", index, err))
		return fmt.Errorf("%w: write failed", common.ErrInternal)
	}

	now := time.Now()
	t.Touch(now)
	return t.pool.Submit(ctx, data, chunk.ExpectedHash, func(digest []byte, match bool) {
		t.chunkHashed(chunk, len(data), match, network)
	})
}

func (t *IncomingTransfer) chunkHashed(chunk Chunk, n int, match bool, network bool) {
	ctx := context.Background()
	if !match {
		fails, retryable := t.chunks.MarkFailed(chunk.Index)
		t.log.Warn(ctx, "chunk hash mismatch", "token", t.Token(), "chunk", chunk.Index, "fails", fails)
		t.persistStatus(chunk, true)
		if !retryable {
			t.Fail(StateCancelled, fmt.Errorf("%w: chunk %d failed hash check %d times",
				common.ErrCorruptUpload, chunk.Index, fails))
		}
		return
	}

	t.chunks.MarkCompleted(chunk.Index)
	t.persistStatus(chunk, false)
	if network {
		t.measure(n)
	}
	t.finishIfComplete()
}

// persistStatus pushes the chunk's missing flag through the status sink so a
// repair transfer survives restarts. Best effort; queue pressure only loses
// resume granularity, not data.
func (t *IncomingTransfer) persistStatus(chunk Chunk, missing bool) {
	if t.status == nil {
		return
	}
	if err := t.status.SetMissing(t.versionID, chunk.StartOffset, chunk.Size, missing); err != nil {
		t.log.Debug(context.Background(), "chunk status not persisted", "token", t.Token(),
			"chunk", chunk.Index, "error", err)
	}
}

func (t *IncomingTransfer) measure(n int) {
	if t.sscMode != SscAuto {
		return
	}
	bps, ok := t.speed.add(n, time.Now())
	if !ok {
		return
	}
	if bps < t.sscEnableBps && !t.sscEnabled.Load() {
		t.sscEnabled.Store(true)
		t.log.Info(context.Background(), "slow network, enabling server-side copy",
			"token", t.Token(), "bps", bps)
	} else if bps > t.sscDisableBps && t.sscEnabled.Load() {
		t.sscEnabled.Store(false)
		t.log.Info(context.Background(), "fast network, disabling server-side copy",
			"token", t.Token(), "bps", bps)
	}
}

// TryLocalCopy attempts to satisfy one missing chunk from identical bytes
// already on the store. Returns true if a chunk was copied and queued for
// verification.
func (t *IncomingTransfer) TryLocalCopy(ctx context.Context) (bool, error) {
	if !t.sscEnabled.Load() || t.sources == nil {
		return false, nil
	}
	chunk, ok := t.chunks.NextMissing()
	if !ok {
		return false, nil
	}
	if chunk.ExpectedHash == nil {
		t.chunks.MarkMissing(chunk.Index)
		return false, nil
	}
	path, offset, size, found, err := t.sources.FindSource(ctx, chunk.ExpectedHash)
	if err != nil || !found || size != chunk.Size {
		t.chunks.MarkMissing(chunk.Index)
		return false, err
	}

	data, err := readRange(path, offset, size)
	if err != nil {
		t.log.Warn(ctx, "server-side copy source unreadable", "token", t.Token(),
			"source", path, "error", err)
		t.chunks.MarkMissing(chunk.Index)
		return false, nil
	}
	// The copied bytes go through the same verification as network data, so
	// a stale source cannot poison the upload.
	if err := t.writeChunk(ctx, chunk.Index, data, false); err != nil {
		return false, err
	}
	return true, nil
}

// SetOptions applies a client option request and returns the effective
// options. Requests are only honored in user-controlled mode.
func (t *IncomingTransfer) SetOptions(opts *Options) Options {
	if opts != nil && t.sscMode == SscUser {
		t.sscEnabled.Store(opts.ServerSideCopy)
	}
	return Options{ServerSideCopy: t.sscEnabled.Load()}
}

func (t *IncomingTransfer) finishIfComplete() {
	if !t.chunks.IsComplete() {
		return
	}
	if !t.Finish(time.Now()) {
		return
	}
	t.fileMu.Lock()
	_ = t.file.Sync()
	t.fileMu.Unlock()
	if t.onFinish != nil {
		t.onFinish(t)
	}
}

func (t *IncomingTransfer) cleanup() {
	t.fileMu.Lock()
	_ = t.file.Close()
	t.fileMu.Unlock()
	if s, _ := t.State(); s != StateFinished && !t.repair {
		_ = os.Remove(t.tmpPath)
	}
}

func readRange(path string, offset int64, size int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, offset)
	if n < size {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
