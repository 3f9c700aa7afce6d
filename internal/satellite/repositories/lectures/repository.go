package lectures

import (
	"context"

	"github.com/vmdist/satellite/internal/satellite/models"
)

// Repository is the persistence surface for lectures, the consumers that
// pin an image version for their machines.
type Repository interface {
	Create(ctx context.Context, l *models.Lecture) error
	Get(ctx context.Context, lectureID string) (*models.Lecture, error)

	// GetUsingVersion returns all lectures currently pinned to a version.
	GetUsingVersion(ctx context.Context, versionID string) ([]models.Lecture, error)

	// AutoUpdateUsedImage moves every auto-update lecture of the base to
	// newVersionID, wherever it was pointing before, and returns the ids of
	// the lectures that moved.
	AutoUpdateUsedImage(ctx context.Context, baseID, newVersionID string) ([]string, error)

	// ForceSwitchUsedImage moves every lecture pinned to oldVersionID,
	// auto-update or not, and returns the ids of the lectures that moved.
	ForceSwitchUsedImage(ctx context.Context, oldVersionID, newVersionID string) ([]string, error)

	// DisableUsing disables every lecture pinned to the version and returns
	// the ids of the lectures that were still enabled.
	DisableUsing(ctx context.Context, versionID string) ([]string, error)

	// UnlinkVersion clears the version pointer of every lecture pinned to
	// it. Used before a version row is deleted for good.
	UnlinkVersion(ctx context.Context, versionID string) error
}
