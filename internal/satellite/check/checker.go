// Package check verifies that image versions on disk still match their
// recorded metadata. Jobs run one at a time off a bounded queue; a job walks
// cheap checks (expiry, path, file presence, size) before the expensive hash
// verification, and reconciles the recorded validity flag when the two
// disagree.
package check

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/metrics"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
	"github.com/vmdist/satellite/internal/satellite/transfer"
)

const (
	queueCap = 1000

	// Terminal results stay queryable this long before a re-request starts
	// a fresh job.
	doneTTL = time.Hour
)

// ValiditySetter reconciles the recorded validity flag of a version after a
// check reached a conclusion.
type ValiditySetter interface {
	SetValidity(ctx context.Context, versionID string, valid bool) error
}

// Job is the queryable state of one check request.
type Job struct {
	VersionID    string
	VerifyHashes bool
	Persist      bool

	mu     sync.Mutex
	result Result
	doneAt time.Time
}

// Result returns the job's current result.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Checker runs integrity checks on stored image versions.
type Checker struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	store    *storage.Store
	pool     *transfer.HashPool
	validity ValiditySetter
	status   transfer.StatusSink // may be nil
	met      *metrics.Metrics    // may be nil
	log      logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	jobs  map[string]*Job
	queue chan *Job
}

// NewChecker builds a checker. Run must be called for queued jobs to execute.
func NewChecker(db *sql.DB, repos repomanager.RepositoryManager, store *storage.Store,
	pool *transfer.HashPool, validity ValiditySetter, status transfer.StatusSink,
	met *metrics.Metrics, log logging.Logger) *Checker {
	return &Checker{
		db:       db,
		repos:    repos,
		store:    store,
		pool:     pool,
		validity: validity,
		status:   status,
		met:      met,
		log:      logging.Component(log, "check"),
		now:      time.Now,
		jobs:     make(map[string]*Job),
		queue:    make(chan *Job, queueCap),
	}
}

// Submit queues a check for the given version. A version already queued or
// running returns ErrAlreadyInProgress; a terminal job is restarted. A full
// queue returns ErrQueueFull.
func (c *Checker) Submit(ctx context.Context, versionID string, verifyHashes, persist bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireDoneLocked()
	if existing, ok := c.jobs[versionID]; ok {
		if !existing.Result().Terminal() {
			return common.ErrAlreadyInProgress
		}
	}
	job := &Job{
		VersionID:    versionID,
		VerifyHashes: verifyHashes,
		Persist:      persist,
		result:       ResultQueued,
	}
	select {
	case c.queue <- job:
	default:
		return common.ErrQueueFull
	}
	c.jobs[versionID] = job
	c.log.Info(ctx, "check queued", "version", versionID, "hashes", verifyHashes)
	return nil
}

// Status returns the current result for a version, or ErrNotFound if no
// recent job exists.
func (c *Checker) Status(versionID string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireDoneLocked()
	job, ok := c.jobs[versionID]
	if !ok {
		return 0, common.ErrNotFound
	}
	return job.Result(), nil
}

// All returns a snapshot of every tracked job.
func (c *Checker) All() []*Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireDoneLocked()
	out := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	return out
}

// expireDoneLocked drops terminal jobs past their retention window.
func (c *Checker) expireDoneLocked() {
	cutoff := c.now().Add(-doneTTL)
	for id, j := range c.jobs {
		j.mu.Lock()
		gone := j.result.Terminal() && j.doneAt.Before(cutoff)
		j.mu.Unlock()
		if gone {
			delete(c.jobs, id)
		}
	}
}

// Run processes queued jobs until the context is cancelled. Jobs run
// strictly one at a time.
func (c *Checker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.queue:
			c.runJob(ctx, job)
		}
	}
}

// update advances a job's result. Updates to a lower stage are dropped so a
// late callback cannot overwrite a conclusion.
func (c *Checker) update(ctx context.Context, job *Job, r Result) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if r.Stage() < job.result.Stage() {
		c.log.Warn(ctx, "dropping stale check update",
			"version", job.VersionID, "have", job.result.String(), "got", r.String())
		return
	}
	job.result = r
	if r.Terminal() {
		job.doneAt = c.now()
		if c.met != nil {
			c.met.ChecksCompleted.WithLabelValues(r.String()).Inc()
		}
	}
}

func (c *Checker) runJob(ctx context.Context, job *Job) {
	c.update(ctx, job, ResultWaitingForStore)
	if err := c.store.WaitMounted(ctx); err != nil {
		c.update(ctx, job, ResultInternalError)
		return
	}
	c.update(ctx, job, ResultWorking)

	outcome := c.examine(ctx, job)
	c.update(ctx, job, outcome)
	c.log.Info(ctx, "check finished", "version", job.VersionID, "outcome", outcome.String())

	observed, conclusive := observedValidity(outcome)
	if !conclusive || !job.Persist {
		return
	}
	if err := c.validity.SetValidity(ctx, job.VersionID, observed); err != nil {
		c.log.Error(ctx, "updating validity after check", "version", job.VersionID, "err", err)
	}
}

// observedValidity maps a terminal outcome to the validity the check
// observed. Outcomes that say nothing about file contents (expired, unknown
// version, internal errors) are not conclusive.
func observedValidity(r Result) (valid, conclusive bool) {
	switch r {
	case ResultDone:
		return true, true
	case ResultMissingPath, ResultInvalidPath, ResultFileNotFound,
		ResultAccessError, ResultSizeMismatch, ResultCorrupt:
		return false, true
	}
	return false, false
}

// examine runs the actual checks, cheapest first.
func (c *Checker) examine(ctx context.Context, job *Job) Result {
	v, err := c.repos.Images(c.db).GetVersion(ctx, job.VersionID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return ResultUnknownVersion
		}
		c.log.Error(ctx, "loading version for check", "version", job.VersionID, "err", err)
		return ResultInternalError
	}
	if v.ExpireTime <= c.now().Unix() {
		return ResultExpired
	}
	if v.FilePath == "" {
		return ResultMissingPath
	}
	abs, err := c.store.AbsolutePath(v.FilePath)
	if err != nil {
		return ResultInvalidPath
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ResultFileNotFound
		}
		return ResultAccessError
	}
	if fi.Size() != v.FileSize {
		c.log.Warn(ctx, "file size mismatch",
			"version", job.VersionID, "want", v.FileSize, "have", fi.Size())
		return ResultSizeMismatch
	}
	if !job.VerifyHashes {
		return ResultDone
	}
	return c.verifyHashes(ctx, v, abs)
}

// verifyHashes re-hashes every recorded block of the file. Versions with no
// recorded hashes pass trivially. Blocks whose hash was never recorded (nil
// gaps) are skipped.
func (c *Checker) verifyHashes(ctx context.Context, v *models.ImageVersion, abs string) Result {
	hashes, err := c.repos.Blocks(c.db).GetHashes(ctx, v.VersionID)
	if err != nil {
		c.log.Error(ctx, "loading block hashes for check", "version", v.VersionID, "err", err)
		return ResultInternalError
	}
	if len(hashes) == 0 {
		return ResultDone
	}

	f, err := os.Open(abs)
	if err != nil {
		return ResultAccessError
	}
	defer f.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		corrupt []models.Block
		readErr error
	)
	for i, expected := range hashes {
		if expected == nil {
			continue
		}
		offset := int64(i) * transfer.ChunkSize
		size := transfer.ChunkSize
		if remain := v.FileSize - offset; remain < int64(size) {
			size = int(remain)
		}
		if size <= 0 {
			break
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(f, offset, int64(size)), buf); err != nil {
			readErr = err
			break
		}
		block := models.Block{
			VersionID:   v.VersionID,
			StartOffset: offset,
			Size:        size,
			Hash:        expected,
		}
		wg.Add(1)
		if err := c.pool.Submit(ctx, buf, expected, func(digest []byte, match bool) {
			defer wg.Done()
			if !match {
				mu.Lock()
				corrupt = append(corrupt, block)
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			readErr = err
			break
		}
	}
	wg.Wait()
	if readErr != nil {
		c.log.Error(ctx, "reading image for check", "version", v.VersionID, "err", readErr)
		return ResultAccessError
	}
	if len(corrupt) == 0 {
		return ResultDone
	}
	for _, b := range corrupt {
		c.log.Warn(ctx, "corrupt block",
			"version", v.VersionID, "offset", b.StartOffset, "size", b.Size)
		if c.status != nil {
			if err := c.status.SetMissing(b.VersionID, b.StartOffset, b.Size, true); err != nil {
				c.log.Warn(ctx, "marking corrupt block missing", "version", v.VersionID, "err", err)
			}
		}
	}
	return ResultCorrupt
}
