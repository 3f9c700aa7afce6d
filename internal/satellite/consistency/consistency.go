// Package consistency is the single source of truth for which version of an
// image base is authoritative, and keeps everything referencing that
// decision correct: the latest pointer, expiry dates, and dependent
// lectures.
package consistency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vmdist/satellite/internal/common"
	"github.com/vmdist/satellite/internal/dbx"
	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/models"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
	"github.com/vmdist/satellite/internal/satellite/transfer"
)

// NotificationSink receives validity-transition fallout. The core calls it;
// formatting and delivery are someone else's problem.
type NotificationSink interface {
	OnVersionSuperseded(baseID, oldVersionID, newVersionID string)
	OnDependentsAutoUpdated(lectureIDs []string, newVersionID string)
	OnDependentsForciblyDisabled(lectureIDs []string)
}

const (
	// DefaultMaxValidity is how long a latest version stays valid past its
	// creation before expiry kicks in.
	DefaultMaxValidity = 220 * 24 * time.Hour

	// supersededGracePeriod is how long non-latest versions linger before
	// expiring.
	supersededGracePeriod = 8 * 24 * time.Hour
)

type Manager struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	store *storage.Store
	sink  NotificationSink
	log   logging.Logger

	maxValidity time.Duration
	now         func() time.Time
}

func NewManager(db *sql.DB, repos repomanager.RepositoryManager, store *storage.Store,
	sink NotificationSink, maxValidity time.Duration, log logging.Logger) *Manager {
	if maxValidity <= 0 {
		maxValidity = DefaultMaxValidity
	}
	if maxValidity < 7*24*time.Hour {
		maxValidity = 7 * 24 * time.Hour
	}
	return &Manager{
		db:          db,
		repos:       repos,
		store:       store,
		sink:        sink,
		log:         log,
		maxValidity: maxValidity,
		now:         time.Now,
	}
}

// events collects sink calls during a transaction; they fire only after the
// commit so a rollback never leaks notifications.
type events struct {
	superseded *struct{ baseID, oldID, newID string }
	autoMoved  []string
	movedTo    string
	disabled   []string
}

func (e *events) emit(sink NotificationSink) {
	if sink == nil {
		return
	}
	if e.superseded != nil {
		sink.OnVersionSuperseded(e.superseded.baseID, e.superseded.oldID, e.superseded.newID)
	}
	if len(e.autoMoved) > 0 {
		sink.OnDependentsAutoUpdated(e.autoMoved, e.movedTo)
	}
	if len(e.disabled) > 0 {
		sink.OnDependentsForciblyDisabled(e.disabled)
	}
}

// RecordNewVersion persists a freshly uploaded version as valid together
// with its block metadata, then re-evaluates the base's latest selection.
func (m *Manager) RecordNewVersion(ctx context.Context, v *models.ImageVersion, hashes [][]byte) error {
	ev := &events{}
	err := dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		images := m.repos.Images(tx)
		v.IsValid = true
		v.DeleteState = models.DeleteStateKeep
		if v.ExpireTime == 0 {
			v.ExpireTime = v.CreateTime + int64(m.maxValidity/time.Second)
		}
		if err := images.CreateVersion(ctx, v); err != nil {
			return err
		}
		if err := m.repos.Blocks(tx).InsertBlocks(ctx, v.VersionID, blockRows(v, hashes)); err != nil {
			return err
		}
		if err := images.TouchBase(ctx, v.BaseID, v.UploaderID, m.now().Unix()); err != nil {
			return err
		}
		return m.evaluateLatest(ctx, tx, v.BaseID, v.VersionID, true, ev)
	})
	if err != nil {
		return fmt.Errorf("%w: recording version %s: %v", common.ErrInternal, v.VersionID, err)
	}
	ev.emit(m.sink)
	return nil
}

// SetValidity flips a version's validity flag. A no-op transition performs
// no cascade and emits no notification.
func (m *Manager) SetValidity(ctx context.Context, versionID string, valid bool) error {
	ev := &events{}
	err := dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		images := m.repos.Images(tx)
		v, err := images.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.IsValid == valid {
			return nil
		}
		if _, err := images.SetValid(ctx, valid, versionID); err != nil {
			return err
		}
		return m.evaluateLatest(ctx, tx, v.BaseID, versionID, valid, ev)
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrNotFound
		}
		return fmt.Errorf("%w: setting validity of %s: %v", common.ErrInternal, versionID, err)
	}
	ev.emit(m.sink)
	return nil
}

// EvaluateLatest re-runs latest-version selection for a base outside any
// validity transition, e.g. after maintenance sweeps.
func (m *Manager) EvaluateLatest(ctx context.Context, baseID string) error {
	ev := &events{}
	err := dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return m.evaluateLatest(ctx, tx, baseID, "", true, ev)
	})
	if err != nil {
		return fmt.Errorf("%w: evaluating latest of %s: %v", common.ErrInternal, baseID, err)
	}
	ev.emit(m.sink)
	return nil
}

// evaluateLatest recomputes the authoritative version of a base from a fresh
// read, never from cached state. changedVersion is the version whose
// validity just flipped ("" when none), becameValid its new state.
func (m *Manager) evaluateLatest(ctx context.Context, tx dbx.DBTX, baseID, changedVersion string, becameValid bool, ev *events) error {
	images := m.repos.Images(tx)
	lectures := m.repos.Lectures(tx)

	versions, err := images.GetVersionsOfBase(ctx, baseID)
	if err != nil {
		return err
	}

	// Candidates are KEEP, valid, and backed by a file that still exists
	// with the recorded size. The stat happens at decision time; a
	// candidate failing it is quietly re-marked invalid.
	var newest *models.ImageVersion
	var broken []string
	for _, v := range versions {
		if v.DeleteState != models.DeleteStateKeep || !v.IsValid {
			continue
		}
		if !m.fileMatches(v) {
			broken = append(broken, v.VersionID)
			continue
		}
		if newest == nil || v.CreateTime > newest.CreateTime {
			newest = v
		}
	}
	if len(broken) > 0 {
		m.log.Warn(ctx, "versions with missing or mismatched files marked invalid",
			"base", baseID, "versions", broken)
		if _, err := images.SetValid(ctx, false, broken...); err != nil {
			return err
		}
	}

	newLatest := ""
	if newest != nil {
		newLatest = newest.VersionID
	}

	base, err := images.GetBase(ctx, baseID)
	if err != nil {
		return err
	}
	oldLatest := base.LatestVersionID

	if newLatest != oldLatest {
		if _, err := images.SetLatestVersion(ctx, baseID, newLatest); err != nil {
			return err
		}
		deadline := m.now().Add(supersededGracePeriod).Unix()
		if err := images.ShortenExpiryOfOthers(ctx, baseID, newLatest, deadline); err != nil {
			return err
		}
		if newLatest != "" {
			if err := images.ExtendExpiry(ctx, newLatest, int64(m.maxValidity/time.Second)); err != nil {
				return err
			}
		}
		ev.superseded = &struct{ baseID, oldID, newID string }{baseID, oldLatest, newLatest}
	}

	// A valid transition pulls every auto-follow lecture of the base onto
	// the latest, including ones lagging on an older version. Runs even when
	// the pointer itself did not move.
	if becameValid && newLatest != "" {
		moved, err := lectures.AutoUpdateUsedImage(ctx, baseID, newLatest)
		if err != nil {
			return err
		}
		if len(moved) > 0 {
			ev.autoMoved = moved
			ev.movedTo = newLatest
		}
	}

	// A version going invalid strands every lecture pinned to it by exact
	// id: move them to the new latest, or disable them if there is none.
	if !becameValid && changedVersion != "" {
		if newLatest != "" {
			moved, err := lectures.ForceSwitchUsedImage(ctx, changedVersion, newLatest)
			if err != nil {
				return err
			}
			if len(moved) > 0 {
				ev.autoMoved = append(ev.autoMoved, moved...)
				ev.movedTo = newLatest
			}
		} else {
			disabled, err := lectures.DisableUsing(ctx, changedVersion)
			if err != nil {
				return err
			}
			ev.disabled = disabled
		}
	}
	return nil
}

func (m *Manager) fileMatches(v *models.ImageVersion) bool {
	abs, err := m.store.AbsolutePath(v.FilePath)
	if err != nil {
		return false
	}
	fi, err := os.Stat(abs)
	return err == nil && fi.Size() == v.FileSize
}

func blockRows(v *models.ImageVersion, hashes [][]byte) []models.Block {
	var rows []models.Block
	for i, h := range hashes {
		start := int64(i) * transfer.ChunkSize
		size := int64(transfer.ChunkSize)
		if start+size > v.FileSize {
			size = v.FileSize - start
		}
		if size <= 0 {
			break
		}
		rows = append(rows, models.Block{
			VersionID:   v.VersionID,
			StartOffset: start,
			Size:        int(size),
			Hash:        h,
		})
	}
	return rows
}
