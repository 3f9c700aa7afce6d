// Package dedup provides the content-addressed chunk index used for
// server-side copy: looking up where bytes with a given digest already live
// on the store.
package dedup

import (
	"context"
	"fmt"

	"github.com/vmdist/satellite/internal/satellite/repositories/blocks"
	"github.com/vmdist/satellite/internal/satellite/storage"
)

// Location is one physical occurrence of chunk data, with an absolute path.
type Location struct {
	Path   string
	Offset int64
	Size   int
}

// ChunkSource groups all known locations of one chunk hash. Callers needing
// a source may pick any location; no ordering is guaranteed.
type ChunkSource struct {
	Hash      []byte
	Locations []Location
}

// Index resolves chunk hashes against the persisted block metadata. It is
// not an independent structure; rebuilding it is just re-reading the block
// table.
type Index struct {
	blocks blocks.Repository
	store  *storage.Store
}

func NewIndex(blockRepo blocks.Repository, store *storage.Store) *Index {
	return &Index{blocks: blockRepo, store: store}
}

// FindSources resolves each known hash to its physical locations. Nil hashes
// (unknown chunks) and hashes with no stored copy are skipped.
func (i *Index) FindSources(ctx context.Context, hashes [][]byte) ([]ChunkSource, error) {
	var result []ChunkSource
	for _, h := range hashes {
		if h == nil {
			continue
		}
		locs, err := i.locations(ctx, h)
		if err != nil {
			return nil, err
		}
		if len(locs) == 0 {
			continue
		}
		result = append(result, ChunkSource{Hash: h, Locations: locs})
	}
	return result, nil
}

// FindSource returns one location for the hash, satisfying the transfer
// package's source finder interface.
func (i *Index) FindSource(ctx context.Context, hash []byte) (string, int64, int, bool, error) {
	locs, err := i.locations(ctx, hash)
	if err != nil || len(locs) == 0 {
		return "", 0, 0, false, err
	}
	return locs[0].Path, locs[0].Offset, locs[0].Size, true, nil
}

func (i *Index) locations(ctx context.Context, hash []byte) ([]Location, error) {
	rows, err := i.blocks.FindLocations(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up chunk sources: %w", err)
	}
	var locs []Location
	for _, r := range rows {
		abs, err := i.store.AbsolutePath(r.FilePath)
		if err != nil {
			// A version with a path outside the store is broken metadata,
			// not a usable source.
			continue
		}
		locs = append(locs, Location{Path: abs, Offset: r.StartOffset, Size: r.Size})
	}
	return locs, nil
}
