package blocks

import (
	"context"
	"fmt"

	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/satellite/models"
)

// chunkSize must match transfer.ChunkSize. The block table stores offsets,
// so gap reconstruction here needs the same granularity.
const chunkSize = 16 * 1024 * 1024

// PostgresRepository implements block metadata storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) InsertBlocks(ctx context.Context, versionID string, blocks []models.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	query := `
		INSERT INTO imageblock (imageversionid, startbyte, blocksize, blocksha1, ismissing)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (imageversionid, startbyte) DO NOTHING
	`
	for _, b := range blocks {
		_, err := r.db.ExecContext(ctx, query, versionID, b.StartOffset, b.Size, b.Hash, b.Missing)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) SetMissing(ctx context.Context, versionID string, startOffset int64, size int, missing bool) error {
	query := `
		UPDATE imageblock SET ismissing = $1
		WHERE imageversionid = $2 AND startbyte = $3 AND blocksize = $4
	`
	if _, err := r.db.ExecContext(ctx, query, missing, versionID, startOffset, size); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetHashes(ctx context.Context, versionID string) ([][]byte, error) {
	query := `SELECT startbyte, blocksha1 FROM imageblock
		WHERE imageversionid = $1 ORDER BY startbyte ASC`
	rows, err := r.db.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var list [][]byte
	var expectedOffset int64
	for rows.Next() {
		var offset int64
		var hash []byte
		if err := rows.Scan(&offset, &hash); err != nil {
			return nil, err
		}
		if offset < expectedOffset {
			continue
		}
		for offset > expectedOffset {
			list = append(list, nil)
			expectedOffset += chunkSize
		}
		list = append(list, hash)
		expectedOffset += chunkSize
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func (r *PostgresRepository) GetMissingStatus(ctx context.Context, versionID string) ([]bool, error) {
	query := `SELECT startbyte, ismissing FROM imageblock
		WHERE imageversionid = $1 ORDER BY startbyte ASC`
	rows, err := r.db.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var list []bool
	var expectedOffset int64
	for rows.Next() {
		var offset int64
		var missing bool
		if err := rows.Scan(&offset, &missing); err != nil {
			return nil, err
		}
		if offset < expectedOffset {
			continue
		}
		for offset > expectedOffset {
			list = append(list, true)
			expectedOffset += chunkSize
		}
		list = append(list, missing)
		expectedOffset += chunkSize
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// FindLocations joins complete blocks against their owning versions, keeping
// one occurrence per version. Any returned location is equally good; callers
// may pick the first.
func (r *PostgresRepository) FindLocations(ctx context.Context, hash []byte) ([]Location, error) {
	query := `
		SELECT DISTINCT ON (b.imageversionid) v.filepath, b.startbyte, b.blocksize
		FROM imageblock b
		INNER JOIN imageversion v USING (imageversionid)
		WHERE b.blocksha1 = $1 AND b.ismissing = FALSE
		ORDER BY b.imageversionid
	`
	rows, err := r.db.QueryContext(ctx, query, hash)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(&loc.FilePath, &loc.StartOffset, &loc.Size); err != nil {
			return nil, err
		}
		result = append(result, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
