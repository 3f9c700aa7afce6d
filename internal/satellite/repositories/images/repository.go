package images

import (
	"context"

	"github.com/vmdist/satellite/internal/satellite/models"
)

// Repository is the persistence surface for image bases and versions.
type Repository interface {
	UpsertBase(ctx context.Context, base *models.ImageBase) error
	GetBase(ctx context.Context, baseID string) (*models.ImageBase, error)
	TouchBase(ctx context.Context, baseID, updaterID string, now int64) error
	DeleteOrphanBases(ctx context.Context, now int64) (int64, error)

	CreateVersion(ctx context.Context, v *models.ImageVersion) error
	GetVersion(ctx context.Context, versionID string) (*models.ImageVersion, error)
	GetVersionsOfBase(ctx context.Context, baseID string) ([]*models.ImageVersion, error)
	GetMachineDescription(ctx context.Context, versionID string) ([]byte, error)

	// SetValid flips the validity flag and returns the ids whose flag
	// actually changed, so callers can cascade only real transitions.
	SetValid(ctx context.Context, valid bool, versionIDs ...string) ([]string, error)

	// SetLatestVersion updates the base's latest pointer ("" clears it) and
	// reports whether the pointer actually changed.
	SetLatestVersion(ctx context.Context, baseID, versionID string) (bool, error)

	// ShortenExpiryOfOthers caps the expiry of all valid versions of the
	// base except keepVersionID at deadline, never lengthening an expiry
	// that is already sooner.
	ShortenExpiryOfOthers(ctx context.Context, baseID, keepVersionID string, deadline int64) error

	// ExtendExpiry raises versionID's expiry to createtime+maxValidity if
	// the current expiry is sooner.
	ExtendExpiry(ctx context.Context, versionID string, maxValiditySeconds int64) error
	SetExpire(ctx context.Context, versionID string, expireTime int64) error

	GetExpiringVersions(ctx context.Context, deadline int64) ([]*models.ImageVersion, error)
	GetVersionsWithMissingData(ctx context.Context) ([]*models.ImageVersion, error)
	GetVersionsWithState(ctx context.Context, state models.DeleteState) ([]*models.ImageVersion, error)

	// SetDeleteState advances the delete-state of the given versions. The
	// KEEP → SHOULD_DELETE → WANT_DELETE order is enforced: WANT_DELETE is
	// never demoted back to SHOULD_DELETE.
	SetDeleteState(ctx context.Context, state models.DeleteState, versionIDs ...string) error

	// ResetShouldDelete returns all SHOULD_DELETE versions to KEEP and
	// reports which ids were reset.
	ResetShouldDelete(ctx context.Context) ([]string, error)

	// DeleteVersion removes the version row, clearing any latest pointer
	// referencing it first.
	DeleteVersion(ctx context.Context, versionID string) error
}
