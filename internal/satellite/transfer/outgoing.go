package transfer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vmdist/satellite/internal/common"
)

// OutgoingTransfer serves an existing image file chunk by chunk. No hashing
// happens on the way out; the client verifies against the hash list it was
// handed at request time.
type OutgoingTransfer struct {
	*Base

	versionID string
	path      string
	hashes    [][]byte

	fileMu sync.Mutex
	file   *os.File
}

func NewOutgoing(token, versionID, path string, fileSize int64, hashes [][]byte,
	maxConns int, idleTimeout time.Duration, now time.Time) (*OutgoingTransfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening download source: %w", err)
	}
	t := &OutgoingTransfer{
		Base:      NewBase(token, fileSize, maxConns, idleTimeout, now),
		versionID: versionID,
		path:      path,
		hashes:    hashes,
		file:      f,
	}
	t.SetCleanup(func() {
		t.fileMu.Lock()
		defer t.fileMu.Unlock()
		_ = t.file.Close()
	})
	return t, nil
}

func (t *OutgoingTransfer) VersionID() string { return t.versionID }

// Hashes returns the block hash list handed to the downloading client.
func (t *OutgoingTransfer) Hashes() [][]byte { return t.hashes }

// ReadChunk reads one chunk range from the source file.
func (t *OutgoingTransfer) ReadChunk(index int) ([]byte, error) {
	if s, _ := t.State(); s != StateActive {
		return nil, fmt.Errorf("%w: transfer is %s", common.ErrTransferRejected, s)
	}
	start := int64(index) * ChunkSize
	if start < 0 || start >= t.Size() {
		return nil, fmt.Errorf("%w: no chunk %d", common.ErrTransferRejected, index)
	}
	size := ChunkSize
	if start+int64(size) > t.Size() {
		size = int(t.Size() - start)
	}

	t.fileMu.Lock()
	buf := make([]byte, size)
	_, err := t.file.ReadAt(buf, start)
	t.fileMu.Unlock()
	if err != nil {
		t.Fail(StateErrored, fmt.Errorf("reading chunk %d: %w", index, err))
		return nil, fmt.Errorf("%w: read failed", common.ErrInternal)
	}
	t.Touch(time.Now())
	return buf, nil
}
