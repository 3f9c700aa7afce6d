package blocks

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/logging"
)

const flushQueueLen = 100

type statusUpdate struct {
	versionID   string
	startOffset int64
	size        int
	missing     bool
}

// AsyncUpdater batches block missing-flag writes in a background goroutine
// so uploads never block on the database between chunks.
type AsyncUpdater struct {
	db    *sql.DB
	repo  Repository
	log   logging.Logger
	queue chan statusUpdate
	done  chan struct{}

	// mu orders SetMissing against Close: hash-pool callbacks can still be
	// in flight while the app shuts down.
	mu     sync.Mutex
	closed bool
}

func NewAsyncUpdater(db *sql.DB, repo Repository, log logging.Logger) *AsyncUpdater {
	u := &AsyncUpdater{
		db:    db,
		repo:  repo,
		log:   log,
		queue: make(chan statusUpdate, flushQueueLen),
		done:  make(chan struct{}),
	}
	go u.run()
	return u
}

// SetMissing queues a missing-flag update. Returns common.ErrQueueFull when
// the writer cannot keep up; callers may fall back to a synchronous write.
// After Close it returns common.ErrClosed instead of panicking.
func (u *AsyncUpdater) SetMissing(versionID string, startOffset int64, size int, missing bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return common.ErrClosed
	}
	select {
	case u.queue <- statusUpdate{versionID, startOffset, size, missing}:
		return nil
	default:
		return common.ErrQueueFull
	}
}

// Close stops the writer after draining what is already queued. Idempotent.
func (u *AsyncUpdater) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	close(u.queue)
	u.mu.Unlock()
	<-u.done
}

func (u *AsyncUpdater) run() {
	defer close(u.done)
	for upd, ok := <-u.queue; ok; upd, ok = <-u.queue {
		batch := []statusUpdate{upd}
		// Yield briefly so bursts from parallel hashers coalesce.
		time.Sleep(100 * time.Millisecond)
	drain:
		for {
			select {
			case next, open := <-u.queue:
				if !open {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		u.flush(batch)
	}
}

func (u *AsyncUpdater) flush(batch []statusUpdate) {
	ctx := context.Background()
	err := dbx.WithTx(ctx, u.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := rebind(u.repo, tx)
		for _, upd := range batch {
			if err := repo.SetMissing(ctx, upd.versionID, upd.startOffset, upd.size, upd.missing); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		u.log.Error(ctx, "flushing block status updates", "count", len(batch), "error", err)
	}
}

// rebind returns the repository bound to the transaction when it is a
// PostgresRepository, otherwise the repository itself (tests pass fakes).
func rebind(repo Repository, tx dbx.DBTX) Repository {
	if _, ok := repo.(*PostgresRepository); ok {
		return NewPostgresRepository(tx)
	}
	return repo
}
