// Package maintenance sweeps aged image versions. The soft sweep invalidates
// expired or structurally broken versions and stages long-expired ones for
// deletion; the hard delete pass actually removes versions an operator
// confirmed by advancing them to WANT_DELETE.
package maintenance

import (
	"context"
	"database/sql"
	"time"

	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
)

const (
	// Invalid versions stay SHOULD_DELETE-eligible for a day past expiry
	// before the sweep actually stages them.
	deleteGrace = 24 * time.Hour

	// The sweep runs once a day around this hour, checked on a coarse tick.
	sweepHour     = 3
	checkInterval = 5 * time.Minute
)

// ValiditySetter invalidates versions the sweep found broken, with the full
// latest-pointer and dependent cascade.
type ValiditySetter interface {
	SetValidity(ctx context.Context, versionID string, valid bool) error
}

// TransferGuard keeps the hard delete away from versions with data in flight.
type TransferGuard interface {
	IsActiveTransfer(baseID, versionID string) bool
}

type Sweeper struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	store    *storage.Store
	validity ValiditySetter
	guard    TransferGuard
	log      logging.Logger
	now      func() time.Time
}

func NewSweeper(db *sql.DB, repos repomanager.RepositoryManager, store *storage.Store,
	validity ValiditySetter, guard TransferGuard, log logging.Logger) *Sweeper {
	return &Sweeper{
		db:       db,
		repos:    repos,
		store:    store,
		validity: validity,
		guard:    guard,
		log:      logging.Component(log, "maintenance"),
		now:      time.Now,
	}
}

// SoftSweep invalidates expired and metadata-broken versions, stages
// long-expired ones for deletion, and drops orphaned bases. Versions staged
// earlier but not confirmed are unstaged first, so SHOULD_DELETE always
// reflects the latest sweep.
func (s *Sweeper) SoftSweep(ctx context.Context) error {
	now := s.now()
	images := s.repos.Images(s.db)

	reset, err := images.ResetShouldDelete(ctx)
	if err != nil {
		return err
	}
	if len(reset) > 0 {
		s.log.Info(ctx, "unstaged versions from previous sweep", "count", len(reset))
	}

	expired, err := images.GetExpiringVersions(ctx, now.Unix())
	if err != nil {
		return err
	}
	broken, err := images.GetVersionsWithMissingData(ctx)
	if err != nil {
		return err
	}

	invalidate := map[string]*models.ImageVersion{}
	for _, v := range append(expired, broken...) {
		invalidate[v.VersionID] = v
	}
	var stage []string
	for _, v := range invalidate {
		if v.IsValid {
			if err := s.validity.SetValidity(ctx, v.VersionID, false); err != nil {
				s.log.Error(ctx, "invalidating swept version", "version", v.VersionID, "error", err)
				continue
			}
		}
		if v.ExpireTime > 0 && v.ExpireTime < now.Add(-deleteGrace).Unix() {
			stage = append(stage, v.VersionID)
		}
	}
	if len(stage) > 0 {
		if err := images.SetDeleteState(ctx, models.DeleteStateShouldDelete, stage...); err != nil {
			return err
		}
		s.log.Info(ctx, "staged long-expired versions for deletion", "count", len(stage))
	}

	dropped, err := images.DeleteOrphanBases(ctx, now.Unix())
	if err != nil {
		return err
	}
	if dropped > 0 {
		s.log.Info(ctx, "deleted orphaned image bases", "count", dropped)
	}
	return nil
}

// HardDelete removes every WANT_DELETE version: dependents unlinked, the DB
// row dropped, image and sidecar files deleted in the background. Versions
// with an active transfer are skipped until the next pass.
func (s *Sweeper) HardDelete(ctx context.Context) error {
	doomed, err := s.repos.Images(s.db).GetVersionsWithState(ctx, models.DeleteStateWantDelete)
	if err != nil {
		return err
	}
	for _, v := range doomed {
		if s.guard != nil && s.guard.IsActiveTransfer(v.BaseID, v.VersionID) {
			s.log.Info(ctx, "not deleting version with active transfer", "version", v.VersionID)
			continue
		}
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			if err := s.repos.Lectures(tx).UnlinkVersion(ctx, v.VersionID); err != nil {
				return err
			}
			return s.repos.Images(tx).DeleteVersion(ctx, v.VersionID)
		})
		if err != nil {
			s.log.Error(ctx, "deleting version", "version", v.VersionID, "error", err)
			continue
		}
		if v.FilePath != "" {
			s.store.DeleteVersionFiles(ctx, v.FilePath)
		}
		s.log.Info(ctx, "version deleted", "version", v.VersionID, "base", v.BaseID)
	}
	return nil
}

// Run schedules the soft sweep once a day around sweepHour until the context
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			if now.Hour() != sweepHour || now.Sub(lastSweep) < 2*time.Hour {
				continue
			}
			lastSweep = now
			if err := s.SoftSweep(ctx); err != nil {
				s.log.Error(ctx, "scheduled sweep failed", "error", err)
			}
		}
	}
}
