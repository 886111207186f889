// Package app assembles and operates the server: every long-lived
// component is built here, brought up in a fixed order, and torn down
// in the reverse order. The bring-up order is part of the contract;
// only world bring-up failures abort startup, federation steps degrade
// in isolation.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/api"
	"github.com/mbolaris/tank-sub003/internal/codec"
	"github.com/mbolaris/tank-sub003/internal/connections"
	"github.com/mbolaris/tank-sub003/internal/events"
	"github.com/mbolaris/tank-sub003/internal/federation"
	"github.com/mbolaris/tank-sub003/internal/hub"
	"github.com/mbolaris/tank-sub003/internal/limits"
	"github.com/mbolaris/tank-sub003/internal/migration"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/sim"
	"github.com/mbolaris/tank-sub003/internal/snapshot"
	"github.com/mbolaris/tank-sub003/internal/world"
)

const (
	// shutdownStepTimeout caps each teardown step.
	shutdownStepTimeout = 5 * time.Second
	// systemSampleInterval is how often gopsutil is polled.
	systemSampleInterval = 10 * time.Second
	// peerCallTimeout bounds discovery-hub calls made from background tasks.
	peerCallTimeout = 5 * time.Second
)

// Options configures the assembled server.
type Options struct {
	ServerID       string
	Host           string
	Port           int
	AdvertiseHost  string
	Version        string
	DataDir        string
	Production     bool
	AllowedOrigins []string

	DiscoveryServerURL       string
	DiscoveryAPIKey          string
	AllowPrivateRegistration bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CleanupInterval   time.Duration
	PruneTimeout      time.Duration

	MigrationCheckInterval time.Duration
	AutoSaveInterval       time.Duration
	SnapshotKeep           int

	TickRate          int
	UpdateInterval    int
	DeltaSyncInterval int

	TransfersEnabled bool
	DefaultWorldType string
	WSMaxConnsPerIP  int
	NATSURL          string
}

func (o Options) withDefaults() Options {
	if o.ServerID == "" {
		o.ServerID = "server-" + uuid.NewString()[:8]
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.DataDir == "" {
		o.DataDir = "data"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.MigrationCheckInterval <= 0 {
		o.MigrationCheckInterval = 2 * time.Second
	}
	if o.AutoSaveInterval <= 0 {
		o.AutoSaveInterval = 60 * time.Second
	}
	if o.SnapshotKeep <= 0 {
		o.SnapshotKeep = 5
	}
	if o.DefaultWorldType == "" {
		o.DefaultWorldType = "tank"
	}
	if o.WSMaxConnsPerIP <= 0 {
		o.WSMaxConnsPerIP = 5
	}
	return o
}

// App owns every singleton service and their lifecycles.
type App struct {
	opts      Options
	logger    zerolog.Logger
	startedAt time.Time

	worlds    *world.Manager
	snaps     *snapshot.Store
	conns     *connections.Store
	history   *migration.History
	scheduler *migration.Scheduler
	discovery *federation.Discovery
	peers     *federation.Client
	hub       *hub.Hub
	bus       *events.Bus
	monitor   *monitoring.SystemMonitor
	connCap   *limits.IPConnCap
	limiter   *limits.RequestRateLimiter

	stopHeartbeat context.CancelFunc
	stopAutoSave  context.CancelFunc
	tasks         sync.WaitGroup
}

// New builds every component without starting anything.
func New(opts Options, logger zerolog.Logger) (*App, error) {
	opts = opts.withDefaults()

	worlds := world.NewManager(sim.DefaultCatalog(), codec.DefaultRegistry(), world.Options{
		TickRate:          opts.TickRate,
		UpdateInterval:    opts.UpdateInterval,
		DeltaSyncInterval: opts.DeltaSyncInterval,
	}, logger)

	history, err := migration.NewHistory(opts.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("transfer history: %w", err)
	}

	bus, err := events.Connect(opts.NATSURL, opts.ServerID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Event bus unavailable; continuing without it")
		bus = nil
	}

	conns := connections.NewStore(opts.DataDir, opts.ServerID, logger)
	discovery := federation.NewDiscovery(opts.DataDir, federation.DiscoveryOptions{
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatTimeout:  opts.HeartbeatTimeout,
		CleanupInterval:   opts.CleanupInterval,
		PruneTimeout:      opts.PruneTimeout,
	}, logger)
	discovery.Bus = bus
	peers := federation.NewClient(opts.DiscoveryAPIKey, logger)

	scheduler := migration.NewScheduler(migration.SchedulerConfig{
		Worlds:      worlds,
		Connections: conns,
		History:     history,
		Discovery:   discovery,
		Peers:       peers,
		Bus:         bus,
		ServerID:    opts.ServerID,
		Interval:    opts.MigrationCheckInterval,
		Logger:      logger,
	})

	var limiter *limits.RequestRateLimiter
	if opts.Production {
		limiter = limits.NewRequestRateLimiter(limits.RequestRateLimiterConfig{Logger: logger})
	}

	return &App{
		opts:      opts,
		logger:    logger.With().Str("component", "app").Logger(),
		startedAt: time.Now(),
		worlds:    worlds,
		snaps:     snapshot.NewStore(opts.DataDir, logger),
		conns:     conns,
		history:   history,
		scheduler: scheduler,
		discovery: discovery,
		peers:     peers,
		hub:       hub.NewHub(worlds, logger),
		bus:       bus,
		monitor:   monitoring.NewSystemMonitor(logger),
		connCap:   limits.NewIPConnCap(opts.WSMaxConnsPerIP),
		limiter:   limiter,
	}, nil
}

// Handler builds the HTTP surface over the assembled components.
func (a *App) Handler() http.Handler {
	return api.NewHandler(api.Config{
		ServerID:                 a.opts.ServerID,
		Version:                  a.opts.Version,
		StartedAt:                a.startedAt,
		TransfersEnabled:         a.opts.TransfersEnabled,
		DiscoveryKey:             a.opts.DiscoveryAPIKey,
		AllowPrivateRegistration: a.opts.AllowPrivateRegistration,
		Production:               a.opts.Production,
		AllowedOrigins:           a.opts.AllowedOrigins,
		SnapshotKeep:             a.opts.SnapshotKeep,
		Worlds:                   a.worlds,
		Connections:              a.conns,
		History:                  a.history,
		Discovery:                a.discovery,
		Hub:                      a.hub,
		Snapshots:                a.snaps,
		Monitor:                  a.monitor,
		Bus:                      a.bus,
		ConnCap:                  a.connCap,
		Limiter:                  a.limiter,
		Logger:                   a.logger,
	}).Routes()
}

// Start brings the server up. The numbered order is load-bearing:
// worlds exist before anything references them, federation comes up
// before the scheduler that depends on it.
func (a *App) Start(ctx context.Context) error {
	a.logger.Info().
		Str("server_id", a.opts.ServerID).
		Str("data_dir", a.opts.DataDir).
		Msg("Starting server components")

	// 1. Restore every persisted world.
	if err := a.restoreWorlds(); err != nil {
		return fmt.Errorf("restore worlds: %w", err)
	}
	// 2. A server always has at least one world.
	if err := a.ensureDefaultWorld(); err != nil {
		return fmt.Errorf("default world: %w", err)
	}
	// 3. Inter-world connection registry.
	if err := a.conns.Load(); err != nil {
		a.logger.Warn().Err(err).Msg("Connection registry load failed; starting empty")
	}
	// 4. Cross-component handles were injected at construction.
	// 5. Tick loops.
	for _, r := range a.worlds.All() {
		r.Start(false)
	}
	// 6. Broadcast rooms spawn lazily on first subscribe; the hub is ready.
	// 7. Peer registry and the local server's own entry.
	a.discovery.Load()
	a.discovery.Register(a.selfInfo())
	a.discovery.Start()
	// 8. Discovery-hub registration and the self-heartbeat task.
	a.startHeartbeat(ctx)
	// 9. Drop connections referencing worlds that no longer exist.
	if pruned := a.conns.Validate(a.hasWorld); pruned > 0 {
		a.logger.Info().Int("pruned", pruned).Msg("Dropped connections to missing worlds")
	}
	// 10. Probabilistic migrations.
	a.scheduler.Start()
	// 11. Periodic persistence.
	a.startAutoSave()

	a.monitor.Start(systemSampleInterval)
	a.logger.Info().
		Int("worlds", a.worlds.Count()).
		Bool("transfers_enabled", a.opts.TransfersEnabled).
		Msg("Server ready")
	return nil
}

// Shutdown tears everything down in reverse bring-up order. Every step
// is best-effort and individually time-bounded; a stuck step is logged
// and abandoned.
func (a *App) Shutdown(ctx context.Context) {
	a.logger.Info().Msg("Shutting down server components")

	a.step(ctx, "save-worlds", func() { a.saveAll("shutdown") })
	a.step(ctx, "save-connections", func() {
		if err := a.conns.Save(); err != nil {
			a.logger.Error().Err(err).Msg("Connection registry save failed")
		}
	})
	a.step(ctx, "stop-autosave", func() {
		if a.stopAutoSave != nil {
			a.stopAutoSave()
		}
	})
	a.step(ctx, "stop-hub", a.hub.StopAll)
	a.step(ctx, "stop-scheduler", a.scheduler.Stop)
	a.step(ctx, "stop-runners", func() {
		for _, r := range a.worlds.All() {
			r.Stop()
		}
	})
	a.step(ctx, "stop-heartbeat", func() {
		if a.stopHeartbeat != nil {
			a.stopHeartbeat()
		}
	})
	a.step(ctx, "stop-discovery", a.discovery.Stop)
	a.step(ctx, "close-clients", func() {
		a.bus.Drain()
		a.peers.Close()
		a.monitor.Stop()
		if a.limiter != nil {
			a.limiter.Stop()
		}
		if err := a.history.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Transfer history close failed")
		}
	})

	a.waitTasks(ctx)
	a.logger.Info().Msg("Server stopped")
}

func (a *App) step(ctx context.Context, name string, fn func()) {
	done := make(chan struct{})
	go func() {
		defer monitoring.RecoverPanic(a.logger, "shutdown-"+name, nil)
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(shutdownStepTimeout):
		a.logger.Error().Str("step", name).Msg("Shutdown step timed out; continuing")
	case <-ctx.Done():
		a.logger.Warn().Str("step", name).Msg("Shutdown deadline reached; continuing")
	}
}

func (a *App) restoreWorlds() error {
	latest, err := a.snaps.DiscoverAll()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		doc, err := a.snaps.Load(latest[id])
		if err != nil {
			return fmt.Errorf("world %s: %w", id, err)
		}
		seed := doc.Metadata.Seed
		runner, ferr := a.worlds.Create(doc.Metadata.WorldType, doc.Metadata.Name, world.CreateOptions{
			WorldID:        doc.WorldID,
			Description:    doc.Metadata.Description,
			Config:         doc.Metadata.Config,
			Seed:           &seed,
			Persistent:     doc.Metadata.Persistent,
			AllowTransfers: doc.Metadata.AllowTransfers,
		})
		if ferr != nil {
			return fmt.Errorf("world %s: %w", id, ferr)
		}
		if ferr := runner.RestoreSnapshot(doc); ferr != nil {
			return fmt.Errorf("world %s: %w", id, ferr)
		}
	}
	if len(ids) > 0 {
		a.logger.Info().Int("count", len(ids)).Msg("Persisted worlds restored")
	}
	return nil
}

func (a *App) ensureDefaultWorld() error {
	if a.worlds.Count() > 0 {
		return nil
	}
	runner, ferr := a.worlds.Create(a.opts.DefaultWorldType, "Main World", world.CreateOptions{
		Persistent:     true,
		AllowTransfers: true,
	})
	if ferr != nil {
		return ferr
	}
	if _, err := a.snaps.Save(runner.CaptureSnapshot()); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	a.bus.PublishWorldEvent("created", runner.WorldID(), runner.WorldType())
	a.logger.Info().
		Str("world_id", runner.WorldID()).
		Str("world_type", runner.WorldType()).
		Msg("Default world created")
	return nil
}

func (a *App) hasWorld(id string) bool {
	_, ok := a.worlds.Get(id)
	return ok
}

// selfInfo snapshots the local server's registry entry.
func (a *App) selfInfo() federation.ServerInfo {
	hostname, _ := os.Hostname()
	return federation.ServerInfo{
		ServerID:      a.opts.ServerID,
		Host:          a.advertiseHost(),
		Port:          a.opts.Port,
		Hostname:      hostname,
		Status:        federation.StatusOnline,
		Version:       a.opts.Version,
		WorldCount:    a.worlds.Count(),
		IsLocal:       true,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
	}
}

func (a *App) advertiseHost() string {
	if a.opts.AdvertiseHost != "" {
		return a.opts.AdvertiseHost
	}
	if a.opts.Host != "" && a.opts.Host != "0.0.0.0" {
		return a.opts.Host
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "127.0.0.1"
}

// startHeartbeat registers with the configured discovery hub and keeps
// both the local registry entry and the hub entry fresh. A hub that
// answers "unknown server" gets a re-registration; the local entry is
// always refreshed so the cleanup loop never marks the server itself
// offline.
func (a *App) startHeartbeat(ctx context.Context) {
	if a.opts.DiscoveryServerURL != "" {
		callCtx, cancel := context.WithTimeout(ctx, peerCallTimeout)
		if ferr := a.peers.RegisterServer(callCtx, a.opts.DiscoveryServerURL, a.selfInfo()); ferr != nil {
			a.logger.Warn().Err(ferr).Msg("Discovery hub registration failed; will retry on heartbeat")
		} else {
			a.logger.Info().Str("hub", a.opts.DiscoveryServerURL).Msg("Registered with discovery hub")
		}
		cancel()
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	a.stopHeartbeat = cancel
	a.spawn("self-heartbeat", func() {
		ticker := time.NewTicker(a.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				self := a.selfInfo()
				if !a.discovery.Heartbeat(self.ServerID, &self) {
					a.discovery.Register(self)
				}
				if a.opts.DiscoveryServerURL == "" {
					continue
				}
				callCtx, cancelCall := context.WithTimeout(hbCtx, peerCallTimeout)
				known, ferr := a.peers.SendHeartbeat(callCtx, a.opts.DiscoveryServerURL, self)
				switch {
				case ferr != nil:
					a.logger.Warn().Err(ferr).Msg("Discovery hub heartbeat failed")
				case !known:
					if ferr := a.peers.RegisterServer(callCtx, a.opts.DiscoveryServerURL, self); ferr != nil {
						a.logger.Warn().Err(ferr).Msg("Discovery hub re-registration failed")
					}
				}
				cancelCall()
			}
		}
	})
}

func (a *App) startAutoSave() {
	asCtx, cancel := context.WithCancel(context.Background())
	a.stopAutoSave = cancel
	a.spawn("auto-save", func() {
		ticker := time.NewTicker(a.opts.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-asCtx.Done():
				return
			case <-ticker.C:
				a.saveAll("auto")
			}
		}
	})
	a.logger.Info().Dur("interval", a.opts.AutoSaveInterval).Msg("Auto-save started")
}

// saveAll snapshots every persistent world and prunes old files.
func (a *App) saveAll(reason string) {
	for _, r := range a.worlds.All() {
		if !r.Persistent() {
			continue
		}
		if _, err := a.snaps.Save(r.CaptureSnapshot()); err != nil {
			a.logger.Error().
				Err(err).
				Str("world_id", r.WorldID()).
				Str("reason", reason).
				Msg("Snapshot save failed")
			continue
		}
		a.snaps.Retain(r.WorldID(), a.opts.SnapshotKeep)
	}
}

func (a *App) spawn(name string, fn func()) {
	a.tasks.Add(1)
	go func() {
		defer monitoring.RecoverPanic(a.logger, name, nil)
		defer a.tasks.Done()
		fn()
	}()
}

func (a *App) waitTasks(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownStepTimeout):
		a.logger.Warn().Msg("Background tasks did not exit in time")
	case <-ctx.Done():
	}
}
