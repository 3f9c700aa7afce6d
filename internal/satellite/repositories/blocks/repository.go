package blocks

import (
	"context"

	"github.com/vmdist/satellite/internal/satellite/models"
)

// Location is one physical occurrence of a block inside the store.
type Location struct {
	FilePath    string // relative to the store root
	StartOffset int64
	Size        int
}

// Repository is the persistence surface for per-version block metadata.
// The block table doubles as the content-addressed index used for
// server-side copy.
type Repository interface {
	// InsertBlocks writes block rows with insert-if-absent semantics, so
	// duplicate or out-of-order notifications do not error.
	InsertBlocks(ctx context.Context, versionID string, blocks []models.Block) error

	// SetMissing updates a single block's missing flag.
	SetMissing(ctx context.Context, versionID string, startOffset int64, size int, missing bool) error

	// GetHashes returns the ordered block hashes of a version. Offset gaps
	// are represented as explicit nil entries so consumers can reconstruct
	// absolute offsets from list position. Trailing gaps are not padded.
	GetHashes(ctx context.Context, versionID string) ([][]byte, error)

	// GetMissingStatus returns the ordered per-block missing flags, with
	// gaps reported as missing (true).
	GetMissingStatus(ctx context.Context, versionID string) ([]bool, error)

	// FindLocations returns all physical occurrences of a block hash,
	// at most one per owning version.
	FindLocations(ctx context.Context, hash []byte) ([]Location, error)
}
