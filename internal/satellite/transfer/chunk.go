package transfer

import (
	"fmt"
	"sync"
)

// ChunkSize is the fixed chunk granularity. Only the final chunk of a file
// may be shorter.
const ChunkSize = 16 * 1024 * 1024

// maxChunkFails is the per-chunk hash failure budget. A chunk failing more
// often means the source keeps producing different bytes, which retrying
// cannot fix.
const maxChunkFails = 3

type ChunkStatus int

const (
	StatusMissing ChunkStatus = iota
	StatusReceived
	StatusComplete
	StatusInvalid
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusMissing:
		return "MISSING"
	case StatusReceived:
		return "RECEIVED"
	case StatusComplete:
		return "COMPLETE"
	case StatusInvalid:
		return "INVALID"
	}
	return fmt.Sprintf("ChunkStatus(%d)", int(s))
}

// Chunk is one fixed-size byte range of the file being transferred.
type Chunk struct {
	Index        int
	StartOffset  int64
	Size         int
	ExpectedHash []byte // nil when unknown
	Status       ChunkStatus
	FailCount    int
}

func (c *Chunk) EndOffset() int64 {
	return c.StartOffset + int64(c.Size)
}

// ChunkList tracks per-chunk completion for one transfer. All methods are
// safe for concurrent use.
type ChunkList struct {
	mu     sync.Mutex
	chunks []Chunk
}

// NewChunkList lays out the chunks of a file of the given size. hashes may be
// shorter than the chunk count or contain nil entries for unknown hashes.
func NewChunkList(fileSize int64, hashes [][]byte) *ChunkList {
	n := int((fileSize + ChunkSize - 1) / ChunkSize)
	chunks := make([]Chunk, n)
	for i := range chunks {
		start := int64(i) * ChunkSize
		size := ChunkSize
		if start+int64(size) > fileSize {
			size = int(fileSize - start)
		}
		chunks[i] = Chunk{Index: i, StartOffset: start, Size: size}
		if i < len(hashes) {
			chunks[i].ExpectedHash = hashes[i]
		}
	}
	return &ChunkList{chunks: chunks}
}

func (l *ChunkList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

// Get returns a copy of the chunk at index.
func (l *ChunkList) Get(index int) (Chunk, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.chunks) {
		return Chunk{}, false
	}
	return l.chunks[index], true
}

// NextMissing hands out the next chunk that still needs data, marking it
// received so concurrent connections do not fetch the same range twice.
// Invalid chunks are handed out again until their failure budget runs out.
func (l *ChunkList) NextMissing() (Chunk, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.chunks {
		c := &l.chunks[i]
		if c.Status == StatusMissing || c.Status == StatusInvalid {
			c.Status = StatusReceived
			return *c, true
		}
	}
	return Chunk{}, false
}

// MarkCompleted records a verified chunk.
func (l *ChunkList) MarkCompleted(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= 0 && index < len(l.chunks) {
		l.chunks[index].Status = StatusComplete
	}
}

// MarkFailed records a hash mismatch and returns the updated fail count and
// whether the chunk still has retry budget. The chunk stays invalid but is
// eligible for another attempt via NextMissing while budget remains.
func (l *ChunkList) MarkFailed(index int) (fails int, retryable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.chunks) {
		return 0, false
	}
	c := &l.chunks[index]
	c.Status = StatusInvalid
	c.FailCount++
	return c.FailCount, c.FailCount <= maxChunkFails
}

// MarkMissing returns a handed-out chunk to the pool, used when a connection
// dies before delivering its data.
func (l *ChunkList) MarkMissing(index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= 0 && index < len(l.chunks) && l.chunks[index].Status == StatusReceived {
		l.chunks[index].Status = StatusMissing
	}
}

// ResumeFromStatusList restores chunk state from a persisted missing list, as
// used by repair transfers. Entries past the list are treated as missing, and
// a chunk is only considered complete if the partial file already covers it.
func (l *ChunkList) ResumeFromStatusList(missing []bool, currentFileSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.chunks {
		c := &l.chunks[i]
		if i < len(missing) && !missing[i] && c.EndOffset() <= currentFileSize {
			c.Status = StatusComplete
		} else {
			c.Status = StatusMissing
		}
	}
}

// IsComplete reports whether every chunk is verified.
func (l *ChunkList) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.chunks {
		if l.chunks[i].Status != StatusComplete {
			return false
		}
	}
	return true
}

// CompleteBytes sums the sizes of all verified chunks.
func (l *ChunkList) CompleteBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for i := range l.chunks {
		if l.chunks[i].Status == StatusComplete {
			sum += int64(l.chunks[i].Size)
		}
	}
	return sum
}

// MissingList returns the per-chunk missing flags in offset order, suitable
// for persisting to the block table.
func (l *ChunkList) MissingList() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := make([]bool, len(l.chunks))
	for i := range l.chunks {
		list[i] = l.chunks[i].Status != StatusComplete
	}
	return list
}

// Hashes returns the expected hash list in offset order, nil entries where
// unknown.
func (l *ChunkList) Hashes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	hashes := make([][]byte, len(l.chunks))
	for i := range l.chunks {
		hashes[i] = l.chunks[i].ExpectedHash
	}
	return hashes
}
