package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmdist/satellite/internal/common"
)

func TestOutgoing_ServesChunks(t *testing.T) {
	c0 := chunkData('a', ChunkSize)
	c1 := chunkData('b', 1024)
	path := filepath.Join(t.TempDir(), "v1.img")
	if err := os.WriteFile(path, append(append([]byte{}, c0...), c1...), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	tr, err := NewOutgoing("tok", "v1", path, int64(len(c0)+len(c1)),
		[][]byte{hashOf(c0), hashOf(c1)}, 4, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("NewOutgoing error: %v", err)
	}

	got0, err := tr.ReadChunk(0)
	if err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if !bytes.Equal(got0, c0) {
		t.Fatal("chunk 0 data mismatch")
	}
	got1, err := tr.ReadChunk(1)
	if err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if !bytes.Equal(got1, c1) {
		t.Fatal("chunk 1 data mismatch")
	}

	if _, err := tr.ReadChunk(2); !errors.Is(err, common.ErrTransferRejected) {
		t.Fatalf("out-of-range chunk: %v", err)
	}
}

func TestOutgoing_TerminalRejectsReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.img")
	if err := os.WriteFile(path, chunkData('a', 1024), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	tr, err := NewOutgoing("tok", "v1", path, 1024, nil, 4, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("NewOutgoing error: %v", err)
	}
	tr.Cancel()
	waitFor(t, "cancel", func() bool {
		s, _ := tr.State()
		return s == StateCancelled
	})
	if _, err := tr.ReadChunk(0); !errors.Is(err, common.ErrTransferRejected) {
		t.Fatalf("terminal transfer served a chunk: %v", err)
	}
}
