package images

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/satellite/models"
)

// PostgresRepository implements image metadata storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const versionColumns = `imageversionid, imagebaseid, filepath, filesize, uploaderid,
		createtime, expiretime, isvalid, deletestate`

func scanVersion(row interface{ Scan(...any) error }) (*models.ImageVersion, error) {
	var v models.ImageVersion
	err := row.Scan(&v.VersionID, &v.BaseID, &v.FilePath, &v.FileSize, &v.UploaderID,
		&v.CreateTime, &v.ExpireTime, &v.IsValid, &v.DeleteState)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *PostgresRepository) selectVersions(ctx context.Context, where string, args ...any) ([]*models.ImageVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM imageversion ` + where
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.ImageVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) UpsertBase(ctx context.Context, base *models.ImageBase) error {
	query := `
		INSERT INTO imagebase (imagebaseid, latestversionid, displayname, ownerid, sharemode, createtime, updatetime)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (imagebaseid)
		DO UPDATE SET
			displayname = EXCLUDED.displayname,
			sharemode = EXCLUDED.sharemode,
			updatetime = EXCLUDED.updatetime
	`
	_, err := r.db.ExecContext(ctx, query, base.BaseID, base.LatestVersionID, base.DisplayName,
		base.OwnerID, base.ShareMode, base.CreateTime, base.UpdateTime)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetBase(ctx context.Context, baseID string) (*models.ImageBase, error) {
	query := `SELECT imagebaseid, COALESCE(latestversionid, ''), displayname, ownerid, sharemode, createtime, updatetime
		FROM imagebase WHERE imagebaseid = $1`

	var b models.ImageBase
	err := r.db.QueryRowContext(ctx, query, baseID).Scan(&b.BaseID, &b.LatestVersionID,
		&b.DisplayName, &b.OwnerID, &b.ShareMode, &b.CreateTime, &b.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &b, nil
}

func (r *PostgresRepository) TouchBase(ctx context.Context, baseID, updaterID string, now int64) error {
	query := `UPDATE imagebase SET updatetime = $1 WHERE imagebaseid = $2`
	if _, err := r.db.ExecContext(ctx, query, now, baseID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	_ = updaterID // uploader tracking lives with the version row
	return nil
}

// DeleteOrphanBases removes bases with zero versions that are either old, or
// recent but never really edited (created and abandoned within ten minutes).
func (r *PostgresRepository) DeleteOrphanBases(ctx context.Context, now int64) (int64, error) {
	query := `
		DELETE FROM imagebase b
		WHERE NOT EXISTS (SELECT 1 FROM imageversion v WHERE v.imagebaseid = b.imagebaseid)
		AND (b.updatetime < $1 OR (b.updatetime < $2 AND (b.updatetime - b.createtime) < 600))
	`
	res, err := r.db.ExecContext(ctx, query, now-86400*14, now-3600*2)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) CreateVersion(ctx context.Context, v *models.ImageVersion) error {
	query := `
		INSERT INTO imageversion (imageversionid, imagebaseid, filepath, filesize, uploaderid,
			createtime, expiretime, isvalid, deletestate, machinedescription)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query, v.VersionID, v.BaseID, v.FilePath, v.FileSize,
		v.UploaderID, v.CreateTime, v.ExpireTime, v.IsValid, v.DeleteState, v.MachineDescription)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetVersion(ctx context.Context, versionID string) (*models.ImageVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM imageversion WHERE imageversionid = $1`
	v, err := scanVersion(r.db.QueryRowContext(ctx, query, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) GetVersionsOfBase(ctx context.Context, baseID string) ([]*models.ImageVersion, error) {
	return r.selectVersions(ctx, `WHERE imagebaseid = $1`, baseID)
}

func (r *PostgresRepository) GetMachineDescription(ctx context.Context, versionID string) ([]byte, error) {
	query := `SELECT machinedescription FROM imageversion WHERE imageversionid = $1`
	var blob []byte
	err := r.db.QueryRowContext(ctx, query, versionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return blob, nil
}

func (r *PostgresRepository) SetValid(ctx context.Context, valid bool, versionIDs ...string) ([]string, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}
	query := `UPDATE imageversion SET isvalid = $1 WHERE imageversionid = $2 AND isvalid <> $1`
	var changed []string
	for _, id := range versionIDs {
		res, err := r.db.ExecContext(ctx, query, valid, id)
		if err != nil {
			return changed, fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return changed, fmt.Errorf("rows affected error: %w", err)
		}
		if n != 0 {
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (r *PostgresRepository) SetLatestVersion(ctx context.Context, baseID, versionID string) (bool, error) {
	// Compare-then-set so callers learn whether the pointer really moved.
	var current sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT latestversionid FROM imagebase WHERE imagebaseid = $1`, baseID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, common.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	if current.String == versionID {
		return false, nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE imagebase SET latestversionid = NULLIF($1, '') WHERE imagebaseid = $2`,
		versionID, baseID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) ShortenExpiryOfOthers(ctx context.Context, baseID, keepVersionID string, deadline int64) error {
	query := `
		UPDATE imageversion SET expiretime = LEAST(expiretime, $1)
		WHERE imagebaseid = $2 AND imageversionid <> $3 AND isvalid = TRUE
	`
	if _, err := r.db.ExecContext(ctx, query, deadline, baseID, keepVersionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ExtendExpiry(ctx context.Context, versionID string, maxValiditySeconds int64) error {
	query := `
		UPDATE imageversion SET expiretime = GREATEST(expiretime, createtime + $1)
		WHERE imageversionid = $2
	`
	if _, err := r.db.ExecContext(ctx, query, maxValiditySeconds, versionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetExpire(ctx context.Context, versionID string, expireTime int64) error {
	query := `UPDATE imageversion SET expiretime = $1 WHERE imageversionid = $2`
	if _, err := r.db.ExecContext(ctx, query, expireTime, versionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetExpiringVersions(ctx context.Context, deadline int64) ([]*models.ImageVersion, error) {
	return r.selectVersions(ctx, `WHERE expiretime < $1`, deadline)
}

func (r *PostgresRepository) GetVersionsWithMissingData(ctx context.Context) ([]*models.ImageVersion, error) {
	return r.selectVersions(ctx, `WHERE filepath = ''`)
}

func (r *PostgresRepository) GetVersionsWithState(ctx context.Context, state models.DeleteState) ([]*models.ImageVersion, error) {
	return r.selectVersions(ctx, `WHERE deletestate = $1`, state)
}

func (r *PostgresRepository) SetDeleteState(ctx context.Context, state models.DeleteState, versionIDs ...string) error {
	if len(versionIDs) == 0 {
		return nil
	}
	// Promoting to SHOULD_DELETE must not demote WANT_DELETE entries.
	ignoredOldState := "invalid"
	if state == models.DeleteStateShouldDelete {
		ignoredOldState = string(models.DeleteStateWantDelete)
	}
	query := `UPDATE imageversion SET deletestate = $1 WHERE imageversionid = $2 AND deletestate <> $3`
	for _, id := range versionIDs {
		if _, err := r.db.ExecContext(ctx, query, state, id, ignoredOldState); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) ResetShouldDelete(ctx context.Context) ([]string, error) {
	query := `
		UPDATE imageversion SET deletestate = $1 WHERE deletestate = $2
		RETURNING imageversionid
	`
	rows, err := r.db.QueryContext(ctx, query, models.DeleteStateKeep, models.DeleteStateShouldDelete)
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

func (r *PostgresRepository) DeleteVersion(ctx context.Context, versionID string) error {
	unlink := `UPDATE imagebase SET latestversionid = NULL WHERE latestversionid = $1`
	if _, err := r.db.ExecContext(ctx, unlink, versionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	del := `DELETE FROM imageversion WHERE imageversionid = $1`
	if _, err := r.db.ExecContext(ctx, del, versionID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
