package lectures

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/satellite/models"
)

// PostgresRepository implements lecture storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, l *models.Lecture) error {
	query := `
		INSERT INTO lecture (lectureid, displayname, imageversionid, autoupdate, enabled)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, l.LectureID, l.DisplayName, l.ImageVersionID, l.AutoUpdate, l.Enabled)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, lectureID string) (*models.Lecture, error) {
	query := `SELECT lectureid, displayname, COALESCE(imageversionid, ''), autoupdate, enabled
		FROM lecture WHERE lectureid = $1`
	var l models.Lecture
	err := r.db.QueryRowContext(ctx, query, lectureID).
		Scan(&l.LectureID, &l.DisplayName, &l.ImageVersionID, &l.AutoUpdate, &l.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &l, nil
}

func (r *PostgresRepository) GetUsingVersion(ctx context.Context, versionID string) ([]models.Lecture, error) {
	query := `SELECT lectureid, displayname, COALESCE(imageversionid, ''), autoupdate, enabled
		FROM lecture WHERE imageversionid = $1`
	rows, err := r.db.QueryContext(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.Lecture
	for rows.Next() {
		var l models.Lecture
		if err := rows.Scan(&l.LectureID, &l.DisplayName, &l.ImageVersionID, &l.AutoUpdate, &l.Enabled); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) AutoUpdateUsedImage(ctx context.Context, baseID, newVersionID string) ([]string, error) {
	// Keyed by base, not by the previous latest: a lecture lagging on an
	// even older version of the same base catches up too.
	query := `
		UPDATE lecture SET imageversionid = $1
		WHERE autoupdate = TRUE
		  AND imageversionid <> $1
		  AND imageversionid IN (
		      SELECT imageversionid FROM imageversion WHERE imagebaseid = $2
		  )
		RETURNING lectureid
	`
	return r.collectIDs(ctx, query, newVersionID, baseID)
}

func (r *PostgresRepository) ForceSwitchUsedImage(ctx context.Context, oldVersionID, newVersionID string) ([]string, error) {
	query := `
		UPDATE lecture SET imageversionid = $1
		WHERE imageversionid = $2
		RETURNING lectureid
	`
	return r.collectIDs(ctx, query, newVersionID, oldVersionID)
}

func (r *PostgresRepository) DisableUsing(ctx context.Context, versionID string) ([]string, error) {
	query := `
		UPDATE lecture SET enabled = FALSE
		WHERE imageversionid = $1 AND enabled = TRUE
		RETURNING lectureid
	`
	return r.collectIDs(ctx, query, versionID)
}

func (r *PostgresRepository) UnlinkVersion(ctx context.Context, versionID string) error {
	query := `UPDATE lecture SET imageversionid = NULL WHERE imageversionid = $1`
	if _, err := r.db.ExecContext(ctx, query, versionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
