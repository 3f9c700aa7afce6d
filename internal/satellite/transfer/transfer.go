package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/vmdist/satellite/internal/common"
)

type State int

const (
	StateActive State = iota
	StateFinished
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	case StateErrored:
		return "ERRORED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) Terminal() bool {
	return s != StateActive
}

// Connection is one network connection attached to a transfer. The wire
// protocol lives outside this package; the transfer only tracks attachment
// so it can cap concurrency and close everything on cancel.
type Connection interface {
	Close() error
}

// Base carries the direction-independent transfer state machine: token,
// connection accounting, idle tracking, and terminal-state handling.
type Base struct {
	token   string
	size    int64
	created time.Time

	idleTimeout time.Duration
	grace       time.Duration

	mu           sync.Mutex
	state        State
	finalErr     error
	conns        map[Connection]struct{}
	maxConns     int
	lastActivity time.Time

	// cleanup runs once, off the caller's goroutine, when the transfer
	// reaches a terminal state.
	cleanup func()
}

// finishGrace is how long a finished transfer still counts towards the
// connection limit, covering the window where the peer finalizes on its side.
const finishGrace = 10 * time.Second

func NewBase(token string, size int64, maxConns int, idleTimeout time.Duration, now time.Time) *Base {
	return &Base{
		token:        token,
		size:         size,
		created:      now,
		idleTimeout:  idleTimeout,
		grace:        finishGrace,
		state:        StateActive,
		conns:        make(map[Connection]struct{}),
		maxConns:     maxConns,
		lastActivity: now,
	}
}

func (b *Base) Token() string      { return b.token }
func (b *Base) Size() int64        { return b.size }
func (b *Base) Created() time.Time { return b.created }

func (b *Base) State() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.finalErr
}

// SetCleanup registers the resource release hook, run once on any terminal
// transition. Must be called before the transfer is shared.
func (b *Base) SetCleanup(fn func()) {
	b.cleanup = fn
}

// Touch records chunk activity, pushing out the idle deadline.
func (b *Base) Touch(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.lastActivity) {
		b.lastActivity = now
	}
}

// Complete reports whether the transfer has finished successfully.
func (b *Base) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateFinished
}

// IdleTimedOut reports whether the transfer has seen no activity for the
// idle timeout and holds no connections. Terminal transfers are never idle,
// they are simply done.
func (b *Base) IdleTimedOut(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return false
	}
	return len(b.conns) == 0 && now.Sub(b.lastActivity) > b.idleTimeout
}

// CountsTowardsLimit reports whether this transfer occupies a slot: it does
// while active, and for a short grace period after finishing.
func (b *Base) CountsTowardsLimit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateActive:
		return true
	case StateFinished:
		return now.Sub(b.lastActivity) < b.grace
	}
	return false
}

// ActiveConnections returns the number of currently attached connections.
func (b *Base) ActiveConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// AddConnection attaches a connection, rejecting when the transfer is
// terminal or already runs its maximum concurrent connections.
func (b *Base) AddConnection(c Connection, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return fmt.Errorf("%w: transfer is %s", common.ErrTransferRejected, b.state)
	}
	if len(b.conns) >= b.maxConns {
		return fmt.Errorf("%w: transfer already has %d connections", common.ErrTransferRejected, len(b.conns))
	}
	b.conns[c] = struct{}{}
	if now.After(b.lastActivity) {
		b.lastActivity = now
	}
	return nil
}

// RemoveConnection detaches a connection, e.g. when its goroutine exits.
func (b *Base) RemoveConnection(c Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}

// Finish moves the transfer to FINISHED. No-op on terminal transfers.
func (b *Base) Finish(now time.Time) bool {
	return b.terminate(StateFinished, nil, now)
}

// Cancel moves the transfer to CANCELLED. Idempotent; cleanup runs once.
func (b *Base) Cancel() bool {
	return b.terminate(StateCancelled, nil, time.Now())
}

// Fail moves the transfer to ERRORED (or CANCELLED for corruption aborts,
// matching Cancel semantics) recording the cause.
func (b *Base) Fail(state State, cause error) bool {
	return b.terminate(state, cause, time.Now())
}

func (b *Base) terminate(state State, cause error, now time.Time) bool {
	b.mu.Lock()
	if b.state != StateActive {
		b.mu.Unlock()
		return false
	}
	b.state = state
	b.finalErr = cause
	b.lastActivity = now
	conns := make([]Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[Connection]struct{})
	cleanup := b.cleanup
	b.mu.Unlock()

	// Close connections and release resources off the caller's goroutine,
	// so a caller holding a registry lock never blocks on I/O.
	go func() {
		for _, c := range conns {
			_ = c.Close()
		}
		if cleanup != nil {
			cleanup()
		}
	}()
	return true
}
