// Package satellite initializes and runs the image distribution core: the
// metadata store, the transfer registry, the integrity checker, master
// replication, and the maintenance sweeps. The RPC surface plugs in on top.
package satellite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmdist/satellite/internal/logging"
	"github.com/vmdist/satellite/internal/satellite/check"
	"github.com/vmdist/satellite/internal/satellite/config"
	"github.com/vmdist/satellite/internal/satellite/consistency"
	"github.com/vmdist/satellite/internal/satellite/dedup"
	"github.com/vmdist/satellite/internal/satellite/fileserv"
	"github.com/vmdist/satellite/internal/satellite/limits"
	"github.com/vmdist/satellite/internal/satellite/maintenance"
	"github.com/vmdist/satellite/internal/satellite/mastersync"
	"github.com/vmdist/satellite/internal/satellite/metrics"
	"github.com/vmdist/satellite/internal/satellite/repositories/blocks"
	"github.com/vmdist/satellite/internal/satellite/repositories/repomanager"
	"github.com/vmdist/satellite/internal/satellite/storage"
	"github.com/vmdist/satellite/internal/satellite/transfer"
)

// logSink reports version cascades to the log. Delivering actual
// notifications (mail, events) is the embedding server's concern.
type logSink struct {
	log logging.Logger
}

func (s *logSink) OnVersionSuperseded(baseID, oldID, newID string) {
	s.log.Info(context.Background(), "latest version changed",
		"base", baseID, "old", oldID, "new", newID)
}

func (s *logSink) OnDependentsAutoUpdated(ids []string, newID string) {
	s.log.Info(context.Background(), "dependents moved to new version",
		"count", len(ids), "new", newID)
}

func (s *logSink) OnDependentsForciblyDisabled(ids []string) {
	s.log.Warn(context.Background(), "dependents disabled, no valid version left",
		"count", len(ids))
}

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	repos   repomanager.RepositoryManager
	store   *storage.Store
	pool    *transfer.HashPool
	flusher *blocks.AsyncUpdater

	fileServer *fileserv.FileServer
	checker    *check.Checker
	sweeper    *maintenance.Sweeper
	cons       *consistency.Manager
	syncer     *mastersync.Syncer

	met *metrics.Metrics
	lim limits.Limits
}

func NewApp(c *config.Config) (*App, error) {

	slog := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slog)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("db migration error: %w", err)
	}

	lim := limits.Detect()
	met := metrics.New()
	store := storage.NewStore(c.StorePath, logger)
	pool := transfer.NewHashPool(lim.HashQueueLen)
	flusher := blocks.NewAsyncUpdater(db, repos.Blocks(db), logger)
	index := dedup.NewIndex(repos.Blocks(db), store)

	cons := consistency.NewManager(db, repos, store, &logSink{log: logger},
		time.Duration(c.MaxValidityDays)*24*time.Hour, logger)

	fs := fileserv.New(fileserv.Config{
		DB:            db,
		Repos:         repos,
		Store:         store,
		Cons:          cons,
		Pool:          pool,
		Sources:       index,
		Status:        flusher,
		Limits:        lim,
		Metrics:       met,
		Log:           logger,
		IdleTimeout:   c.IdleTimeout,
		SscMode:       transfer.ParseSscMode(c.SscMode),
		SscEnableBps:  c.SscEnableBps,
		SscDisableBps: c.SscDisableBps,
	})

	checker := check.NewChecker(db, repos, store, pool, cons, flusher, met, logger)
	sweeper := maintenance.NewSweeper(db, repos, store, cons, fs, logger)

	app := &App{
		config:     c,
		logger:     logger,
		db:         db,
		repos:      repos,
		pool:       pool,
		store:      store,
		flusher:    flusher,
		fileServer: fs,
		checker:    checker,
		sweeper:    sweeper,
		cons:       cons,
		met:        met,
		lim:        lim,
	}

	if c.MasterHost != "" {
		app.logger.Info(context.Background(), "master replication available",
			"host", c.MasterHost, "plain", c.MasterPlainPort, "tls", c.MasterTLSPort)
	}

	return app, nil
}

// EnableMasterSync wires up replication once the RPC layer provides the
// master control channel and the wire-protocol runner.
func (app *App) EnableMasterSync(client mastersync.MasterClient, runner mastersync.ConnectionRunner) {
	app.syncer = mastersync.New(mastersync.Config{
		Client:      client,
		Runner:      runner,
		DB:          app.db,
		Repos:       app.repos,
		Store:       app.store,
		Cons:        app.cons,
		Pool:        app.pool,
		Status:      app.flusher,
		Limits:      app.lim,
		Metrics:     app.met,
		Log:         app.logger,
		IdleTimeout: app.config.IdleTimeout,
	})
}

// FileServer exposes the client transfer registry to the RPC layer.
func (app *App) FileServer() *fileserv.FileServer { return app.fileServer }

// Checker exposes the integrity check queue to the RPC layer.
func (app *App) Checker() *check.Checker { return app.checker }

// Syncer returns the master replication driver, nil until EnableMasterSync.
func (app *App) Syncer() *mastersync.Syncer { return app.syncer }

// Sweeper exposes the maintenance pass, so a hard delete can be triggered
// explicitly.
func (app *App) Sweeper() *maintenance.Sweeper { return app.sweeper }

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting satellite...")

	app.initSignalHandler(cancelFunc)

	if err := app.store.WaitMounted(ctx); err != nil {
		app.logger.Error(ctx, "image store never became available", "error", err)
		return
	}

	go app.checker.Run(ctx)
	go app.sweeper.Run(ctx)
	if app.syncer != nil {
		go app.syncer.Run(ctx)
	}

	<-ctx.Done()

	app.logger.Info(ctx, "Shutting down...")
	app.flusher.Close()
	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database", "error", err)
	}
}
