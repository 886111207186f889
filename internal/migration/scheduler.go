package migration

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/connections"
	"github.com/mbolaris/tank-sub003/internal/events"
	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/federation"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/sim"
	"github.com/mbolaris/tank-sub003/internal/world"
)

// EntitySender is the slice of the peer client the scheduler needs.
type EntitySender interface {
	RemoteTransferEntity(ctx context.Context, baseURL string, req *federation.RemoteTransferRequest) (*federation.RemoteTransferResult, *fault.Error)
}

// SchedulerConfig wires the scheduler at startup. Discovery and Peers are
// optional; without them remote connections are skipped with a warning.
type SchedulerConfig struct {
	Worlds      *world.Manager
	Connections *connections.Store
	History     *History
	Discovery   *federation.Discovery
	Peers       EntitySender
	Bus         *events.Bus
	ServerID    string
	Interval    time.Duration
	Migratable  map[string]bool
	Logger      zerolog.Logger
}

// Scheduler rolls the per-connection dice on a fixed period and migrates
// one entity per firing connection. Each connection is handled in
// isolation: a panic or error in one never stops the sweep.
type Scheduler struct {
	worlds    *world.Manager
	conns     *connections.Store
	history   *History
	discovery *federation.Discovery
	peers     EntitySender
	bus       *events.Bus
	serverID  string
	interval  time.Duration
	kinds     map[string]bool
	logger    zerolog.Logger

	rollFn func() int // 1..100
	nowFn  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Migratable == nil {
		cfg.Migratable = map[string]bool{sim.KindFish: true, sim.KindPlant: true}
	}
	return &Scheduler{
		worlds:    cfg.Worlds,
		conns:     cfg.Connections,
		history:   cfg.History,
		discovery: cfg.Discovery,
		peers:     cfg.Peers,
		bus:       cfg.Bus,
		serverID:  cfg.ServerID,
		interval:  cfg.Interval,
		kinds:     cfg.Migratable,
		logger:    cfg.Logger.With().Str("component", "migration").Logger(),
		rollFn:    func() int { return rand.Intn(100) + 1 },
		nowFn:     time.Now,
	}
}

// Start launches the sweep loop; Stop cancels it and waits.
func (s *Scheduler) Start() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "migration-scheduler", nil)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	s.logger.Info().
		Dur("interval", s.interval).
		Strs("migratable", keys(s.kinds)).
		Msg("Migration scheduler started")
}

func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info().Msg("Migration scheduler stopped")
}

// RunOnce performs one sweep over a snapshot of the connection list.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, conn := range s.conns.All() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runConnection(ctx, conn)
	}
}

func (s *Scheduler) runConnection(ctx context.Context, conn connections.Connection) {
	defer monitoring.RecoverPanic(s.logger, "migration-connection", map[string]any{
		"connection_id": conn.ID,
	})

	if !conn.LocalSource() {
		return // only connections sourced on this server fire here
	}
	if roll := s.rollFn(); roll > conn.Probability {
		return
	}
	if conn.RemoteDest() {
		s.migrateRemote(ctx, conn)
	} else {
		s.migrateLocal(conn)
	}
}

// migrateLocal commits the destination before touching the source: a crash
// between the two yields at worst a duplicate, never a loss. Runner locks
// are taken one call at a time, never nested.
func (s *Scheduler) migrateLocal(conn connections.Connection) {
	src, ok := s.worlds.Get(conn.SourceWorldID)
	if !ok || src.Paused() {
		return
	}
	dst, ok := s.worlds.Get(conn.DestWorldID)
	if !ok || dst.Paused() {
		return
	}

	entityID, seed, ok := s.pickEntity(src, conn.ID)
	if !ok {
		return
	}
	data, ferr := src.SerializeEntityForTransfer(entityID)
	if ferr != nil {
		s.recordFailure(conn, entityID, data, seed, ferr)
		return
	}

	ent, ferr := dst.DeserializeIncoming(data)
	if ferr != nil {
		if ferr.Code == fault.NoRootSpots {
			// Back-pressure: the entity stays home and nothing is recorded.
			monitoring.RecordMigration("no_root_spots")
			return
		}
		s.recordFailure(conn, entityID, data, seed, ferr)
		return
	}

	src.RemoveEntityForTransfer(entityID, energyOf(data))
	rec := s.history.Log(Record{
		EntityType:      kindOf(data),
		EntityOldID:     entityID,
		EntityNewID:     ent.ID(),
		SourceWorldID:   conn.SourceWorldID,
		SourceWorldName: src.Name(),
		DestWorldID:     conn.DestWorldID,
		DestWorldName:   dst.Name(),
		Success:         true,
		Generation:      generationOf(data),
		SelectionSeed:   seed,
	})
	s.bus.PublishTransfer(rec)
	monitoring.RecordMigration("success")
	s.logger.Info().
		Str("connection_id", conn.ID).
		Str("entity", entityID).
		Str("new_id", ent.ID()).
		Str("source", conn.SourceWorldID).
		Str("dest", conn.DestWorldID).
		Msg("Entity migrated")
}

// migrateRemote removes the entity before the POST: the wire is the commit
// point, and a failed send restores the entity from its serialized form.
func (s *Scheduler) migrateRemote(ctx context.Context, conn connections.Connection) {
	if s.discovery == nil || s.peers == nil {
		s.logger.Warn().Str("connection_id", conn.ID).Msg("Remote connection skipped: federation not configured")
		return
	}
	src, ok := s.worlds.Get(conn.SourceWorldID)
	if !ok || src.Paused() {
		return
	}

	entityID, seed, ok := s.pickEntity(src, conn.ID)
	if !ok {
		return
	}

	peer, known := s.discovery.Get(conn.DestServerID)
	if !known {
		ferr := fault.Errorf(fault.UnknownServer, "server %s not in registry", conn.DestServerID)
		s.recordFailure(conn, entityID, nil, seed, ferr)
		return
	}

	data, ferr := src.SerializeEntityForTransfer(entityID)
	if ferr != nil {
		s.recordFailure(conn, entityID, data, seed, ferr)
		return
	}
	energy := energyOf(data)
	if !src.RemoveEntityForTransfer(entityID, energy) {
		return // died between serialize and remove; nothing left to send
	}

	res, ferr := s.peers.RemoteTransferEntity(ctx, peer.BaseURL(), &federation.RemoteTransferRequest{
		DestinationWorldID: conn.DestWorldID,
		EntityData:         data,
		SourceServerID:     s.serverID,
		SourceWorldID:      conn.SourceWorldID,
	})
	if ferr != nil {
		s.restore(src, data, entityID)
		if ferr.Code == fault.NoRootSpots {
			monitoring.RecordMigration("no_root_spots")
			return
		}
		s.recordFailure(conn, entityID, data, seed, ferr)
		return
	}

	rec := s.history.Log(Record{
		EntityType:      kindOf(data),
		EntityOldID:     entityID,
		EntityNewID:     res.Entity.NewID,
		SourceWorldID:   conn.SourceWorldID,
		SourceWorldName: src.Name(),
		DestWorldID:     conn.DestServerID + ":" + conn.DestWorldID,
		Success:         true,
		Generation:      generationOf(data),
		SelectionSeed:   seed,
	})
	s.bus.PublishTransfer(rec)
	monitoring.RecordMigration("success")
	s.logger.Info().
		Str("connection_id", conn.ID).
		Str("entity", entityID).
		Str("new_id", res.Entity.NewID).
		Str("dest_server", conn.DestServerID).
		Str("dest_world", conn.DestWorldID).
		Msg("Entity migrated to peer")
}

// pickEntity selects one migratable entity with an RNG seeded from the
// connection id and the wall clock, so a known seed reproduces the pick.
func (s *Scheduler) pickEntity(src *world.Runner, connectionID string) (string, int64, bool) {
	candidates := src.ListMigratable(s.kinds)
	if len(candidates) == 0 {
		return "", 0, false
	}
	seed := selectionSeed(connectionID, s.nowFn())
	rng := rand.New(rand.NewSource(seed))
	return candidates[rng.Intn(len(candidates))], seed, true
}

// restore puts a removed entity back after a failed remote send. Best
// effort: when even the restore fails the loss is logged loudly.
func (s *Scheduler) restore(src *world.Runner, data map[string]any, entityID string) {
	if _, ferr := src.DeserializeIncoming(data); ferr != nil {
		s.logger.Error().
			Str("entity", entityID).
			Str("world", src.WorldID()).
			Str("error", ferr.Error()).
			Msg("Could not restore entity after failed remote transfer")
	}
}

func (s *Scheduler) recordFailure(conn connections.Connection, entityID string, data map[string]any, seed int64, ferr *fault.Error) {
	rec := s.history.Log(Record{
		EntityType:      kindOf(data),
		EntityOldID:     entityID,
		SourceWorldID:   conn.SourceWorldID,
		DestWorldID:     conn.DestLabel(),
		Success:         false,
		ErrorCode:       string(ferr.Code),
		SelectionSeed:   seed,
		SourceWorldName: sourceName(s.worlds, conn.SourceWorldID),
	})
	s.bus.PublishTransfer(rec)
	monitoring.RecordMigration("failed")
	s.logger.Warn().
		Str("connection_id", conn.ID).
		Str("entity", entityID).
		Str("error", ferr.Error()).
		Msg("Migration failed")
}

func sourceName(m *world.Manager, worldID string) string {
	if r, ok := m.Get(worldID); ok {
		return r.Name()
	}
	return ""
}

func selectionSeed(connectionID string, now time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(connectionID))
	return int64(h.Sum64() ^ uint64(now.Unix()))
}

func energyOf(data map[string]any) float64 {
	switch v := data["energy"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func generationOf(data map[string]any) int64 {
	switch v := data["generation"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func kindOf(data map[string]any) string {
	if data == nil {
		return ""
	}
	if v, ok := data["type"].(string); ok {
		return v
	}
	return ""
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
