package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"wmsync/internal/archive"
	"wmsync/internal/auth"
	"wmsync/internal/config"
	"wmsync/internal/metrics"
	"wmsync/internal/netmon"
	"wmsync/internal/queue"
	"wmsync/internal/remote"
	"wmsync/internal/store"
	"wmsync/internal/syncer"

	"go.uber.org/zap"
)

// ErrOffline is returned when an operation needs the backend while the
// device is known to be offline
var ErrOffline = errors.New("device is offline")

// App wires the offline queue, the sync engine and their collaborators
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.SQLiteStore
	queue    *queue.Manager
	session  *auth.Session
	api      *remote.Client
	metrics  *metrics.Collector
	engine   *syncer.Engine
	monitor  *netmon.Monitor
	archiver *archive.Archiver

	// context of automatic drains, replaced by Run
	baseCtx context.Context

	drainMu  sync.Mutex
	stopping bool
	drains   sync.WaitGroup
}

// New creates a new application instance
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	session := auth.NewSession(cfg.Auth.TokenFile)

	userAgent := "wmsync"
	if cfg.DeviceID != "" {
		userAgent += " (" + cfg.DeviceID + ")"
	}
	api, err := remote.NewClient(remote.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		UserAgent: userAgent,
	}, session)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}

	var archiver *archive.Archiver
	if cfg.Archive.Enabled() {
		uploader, err := archive.NewMinIOUploader(archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Secure:    cfg.Archive.Secure,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
		archiver = archive.New(uploader, cfg.Archive.Bucket, cfg.Archive.Prefix, cfg.DeviceID, logger)
	}

	collector := metrics.New()
	q := queue.NewManager(db, logger)

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    db,
		queue:    q,
		session:  session,
		api:      api,
		metrics:  collector,
		engine:   syncer.NewEngine(q, api, session, store.NewDrainLock(cfg.Store.Path), collector, logger),
		archiver: archiver,
		baseCtx:  context.Background(),
	}
	a.monitor = netmon.New(q, a.autoSync, logger)
	a.probeNetwork()

	return a, nil
}

// probeNetwork takes a single connectivity reading so one-shot commands
// know whether the backend is reachable
func (a *App) probeNetwork() {
	if a.cfg.Network.StateFile == "" {
		a.monitor.Set(a.cfg.Network.AssumeOnline)
		return
	}

	data, err := os.ReadFile(a.cfg.Network.StateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("Failed to read network state file", zap.Error(err))
		}
		return
	}
	online, err := netmon.ParseState(string(data))
	if err != nil {
		a.logger.Warn("Ignoring network state file", zap.Error(err))
		return
	}
	a.monitor.Set(online)
}

// Queue returns the queue manager
func (a *App) Queue() *queue.Manager {
	return a.queue
}

// Session returns the auth session store
func (a *App) Session() *auth.Session {
	return a.session
}

// Monitor returns the network monitor
func (a *App) Monitor() *netmon.Monitor {
	return a.monitor
}

// Metrics returns the metrics collector
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// SyncNow runs one drain. It refuses to start while the device is known
// to be offline. Actions stranded in syncing by a crashed drain are
// recovered first, under the same drain lock. When the session turned out
// to be unusable it is cleared so the next login starts fresh; queued work
// is never touched.
func (a *App) SyncNow(ctx context.Context) (syncer.Result, error) {
	state := a.monitor.State()
	if state.Initialized && !state.Online {
		return syncer.Result{}, ErrOffline
	}

	result := a.engine.Drain(ctx)
	if result.NeedsReauth() {
		if err := a.session.Clear(); err != nil {
			a.logger.Error("Failed to clear expired session", zap.Error(err))
		}
		a.logger.Warn("Session expired, login required before sync can continue")
	}
	return result, nil
}

func (a *App) autoSync() {
	a.drainMu.Lock()
	if a.stopping {
		a.drainMu.Unlock()
		return
	}
	a.drains.Add(1)
	a.drainMu.Unlock()
	defer a.drains.Done()

	result, err := a.SyncNow(a.baseCtx)
	if err != nil {
		a.logger.Debug("Automatic sync skipped", zap.Error(err))
		return
	}
	if result.Err != nil && result.Outcome == syncer.OutcomeStorageError {
		a.logger.Error("Automatic sync aborted", zap.Error(result.Err))
	}
}

// Prune removes synced actions older than the configured retention,
// archiving them first when an archive is configured
func (a *App) Prune(ctx context.Context) (int, error) {
	if a.cfg.Retention.DoneTTL <= 0 {
		return 0, nil
	}

	var archiver queue.Archiver
	if a.archiver != nil {
		archiver = a.archiver
	}
	return a.queue.Prune(ctx, a.cfg.Retention.DoneTTL, archiver)
}

// Run runs the sync agent until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.baseCtx = ctx

	// skipped while another process drains; that drain recovers leftovers
	recovered, err := a.engine.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover interrupted actions: %w", err)
	}
	a.logger.Info("Starting sync agent",
		zap.String("store", a.cfg.Store.Path),
		zap.String("api", a.cfg.API.BaseURL),
		zap.Int("recovered", recovered),
	)

	if a.cfg.Network.StateFile != "" {
		source, err := netmon.NewFileSource(a.cfg.Network.StateFile, a.monitor, a.logger)
		if err != nil {
			return err
		}
		if err := source.Start(); err != nil {
			return err
		}
		defer source.Stop()
	}

	unsubscribe := a.queue.Subscribe(a.publishCounts)
	defer unsubscribe()
	if counts, err := a.queue.Counts(); err == nil {
		a.publishCounts(counts)
	}

	states, cancelStates := a.monitor.Subscribe()
	defer cancelStates()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for state := range states {
			a.metrics.SetOnline(state.Online)
		}
	}()

	if a.cfg.Metrics.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Addr); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if a.archiver != nil {
		if err := a.archiver.Prepare(ctx); err != nil {
			a.logger.Warn("Archive bucket not ready, pruned actions will be kept", zap.Error(err))
		}
	}

	if a.cfg.Retention.DoneTTL > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.pruneLoop(ctx)
		}()
	}

	<-ctx.Done()
	a.logger.Info("Stopping sync agent")

	// drains observe ctx and stop after the in-flight action
	a.drainMu.Lock()
	a.stopping = true
	a.drainMu.Unlock()
	a.drains.Wait()
	cancelStates()
	wg.Wait()

	return nil
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Prune(ctx)
			if err != nil {
				a.logger.Warn("Prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("Pruned synced actions", zap.Int("count", n))
			}
		}
	}
}

func (a *App) publishCounts(c queue.Counts) {
	a.metrics.SetQueueDepth(string(store.StatusPending), c.Pending)
	a.metrics.SetQueueDepth(string(store.StatusSyncing), c.Syncing)
	a.metrics.SetQueueDepth(string(store.StatusFailed), c.Failed)
	a.metrics.SetQueueDepth(string(store.StatusDone), c.Done)
}

// Close cleans up resources
func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
