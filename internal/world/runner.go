// Package world runs simulations: one Runner per world drives its backend
// on a fixed-rate tick loop and composes the full/delta payload stream the
// broadcast layer and the HTTP API read. The Manager is the process-wide
// world table.
package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/codec"
	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/sim"
	"github.com/mbolaris/tank-sub003/internal/snapshot"
)

// serializeWarnAfter guards broadcast latency: one marshal above this is a
// sign the world has outgrown single-frame serialization.
const serializeWarnAfter = 50 * time.Millisecond

// Options are the per-runner tunables, shared by every world the manager
// creates.
type Options struct {
	TickRate          int // steps per second
	FastForwardFactor int // step multiplier while fast_forward is on
	UpdateInterval    int // frames per broadcast emission
	DeltaSyncInterval int // frames between forced full frames
	MaxStepFailures   int // consecutive failures before degraded
}

func (o Options) withDefaults() Options {
	if o.TickRate <= 0 {
		o.TickRate = 30
	}
	if o.FastForwardFactor <= 0 {
		o.FastForwardFactor = 5
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = 2
	}
	if o.DeltaSyncInterval <= 0 {
		o.DeltaSyncInterval = 90
	}
	if o.MaxStepFailures <= 0 {
		o.MaxStepFailures = 5
	}
	return o
}

// EmitPeriod is the broadcast cadence implied by the tunables.
func (o Options) EmitPeriod() time.Duration {
	o = o.withDefaults()
	return time.Duration(o.UpdateInterval) * time.Second / time.Duration(o.TickRate)
}

// RunnerConfig carries everything a runner needs at construction. The
// manager fills it; tests may build one directly.
type RunnerConfig struct {
	WorldID        string
	Name           string
	Description    string
	Persistent     bool
	AllowTransfers bool
	Seed           int64
	Config         map[string]any
	Backend        sim.Backend
	Codecs         *codec.Registry
	Opts           Options
	Logger         zerolog.Logger
}

// Runner owns one backend. The tick loop and every state read share one
// mutex; flags are atomics so property reads never contend with stepping.
type Runner struct {
	worldID        string
	name           string
	description    string
	persistent     bool
	allowTransfers bool
	createdAt      time.Time

	backend sim.Backend
	codecs  *codec.Registry
	opts    Options
	logger  zerolog.Logger

	running     atomic.Bool
	paused      atomic.Bool
	fastForward atomic.Bool
	degraded    atomic.Bool
	frameCount  atomic.Int64
	failures    atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex // guards backend, seed, config and the cache state below
	seed   int64
	config map[string]any

	cache         *Payload
	cacheFrame    int64
	lastEmitFrame int64
	lastFullFrame int64 // -1 until the first full frame
	lastIDs       map[string]struct{}
}

func NewRunner(rc RunnerConfig) *Runner {
	return &Runner{
		worldID:        rc.WorldID,
		name:           rc.Name,
		description:    rc.Description,
		persistent:     rc.Persistent,
		allowTransfers: rc.AllowTransfers,
		createdAt:      time.Now().UTC(),
		backend:        rc.Backend,
		codecs:         rc.Codecs,
		opts:           rc.Opts.withDefaults(),
		logger:         rc.Logger.With().Str("component", "world").Str("world_id", rc.WorldID).Logger(),
		seed:           rc.Seed,
		config:         rc.Config,
		cacheFrame:     -1,
		lastFullFrame:  -1,
	}
}

// Properties. All are readable while the tick loop runs.

func (r *Runner) WorldID() string     { return r.worldID }
func (r *Runner) Name() string        { return r.name }
func (r *Runner) Description() string { return r.description }
func (r *Runner) Persistent() bool    { return r.persistent }
func (r *Runner) CreatedAt() time.Time { return r.createdAt }
func (r *Runner) WorldType() string   { return r.backend.WorldType() }
func (r *Runner) ModeID() string      { return r.backend.ModeID() }
func (r *Runner) ViewMode() string    { return r.backend.ViewMode() }
func (r *Runner) FrameCount() int64   { return r.frameCount.Load() }
func (r *Runner) Running() bool       { return r.running.Load() }
func (r *Runner) Paused() bool        { return r.paused.Load() }
func (r *Runner) FastForward() bool   { return r.fastForward.Load() }
func (r *Runner) Degraded() bool      { return r.degraded.Load() }
func (r *Runner) AllowTransfers() bool { return r.allowTransfers }
func (r *Runner) Opts() Options       { return r.opts }

// EntityCount takes the runner lock; prefer Status for bulk reads.
func (r *Runner) EntityCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backend.EntityCount()
}

// Status composes the API summary for this world.
func (r *Runner) Status() Status {
	r.mu.Lock()
	entityCount := r.backend.EntityCount()
	seed := r.seed
	r.mu.Unlock()
	return Status{
		WorldID:        r.worldID,
		WorldType:      r.backend.WorldType(),
		ModeID:         r.backend.ModeID(),
		ViewMode:       r.backend.ViewMode(),
		Name:           r.name,
		Description:    r.description,
		FrameCount:     r.frameCount.Load(),
		EntityCount:    entityCount,
		Running:        r.running.Load(),
		Paused:         r.paused.Load(),
		FastForward:    r.fastForward.Load(),
		Degraded:       r.degraded.Load(),
		Persistent:     r.persistent,
		AllowTransfers: r.allowTransfers,
		Seed:           seed,
		CreatedAt:      r.createdAt,
	}
}

// Start launches the tick loop. Starting a running world is a no-op.
func (r *Runner) Start(paused bool) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.paused.Store(paused)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info().
		Bool("paused", paused).
		Int("tick_rate", r.opts.TickRate).
		Msg("World runner started")
}

// Stop cancels the tick loop and waits for it to exit.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info().Int64("frame", r.frameCount.Load()).Msg("World runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	defer monitoring.RecoverPanic(r.logger, "world-runner", map[string]any{"world_id": r.worldID})

	ticker := time.NewTicker(time.Second / time.Duration(r.opts.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.paused.Load() {
				continue
			}
			steps := 1
			if r.fastForward.Load() {
				steps = r.opts.FastForwardFactor
			}
			for i := 0; i < steps; i++ {
				r.stepOnce()
			}
		}
	}
}

// stepOnce advances the backend one frame. A failing step leaves the frame
// counter alone; enough of them in a row mark the runner degraded. A panic
// inside the backend unlocks, logs, and lets the loop continue.
func (r *Runner) stepOnce() {
	defer monitoring.RecoverPanic(r.logger, "world-step", map[string]any{"world_id": r.worldID})

	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.backend.Step(); err != nil {
		monitoring.RecordTickFailure(r.worldID)
		n := r.failures.Add(1)
		r.logger.Warn().Err(err).Int32("consecutive", n).Msg("World step failed")
		if int(n) >= r.opts.MaxStepFailures && !r.degraded.Swap(true) {
			r.logger.Error().
				Int32("consecutive", n).
				Msg("World marked degraded after repeated step failures")
		}
		return
	}
	r.failures.Store(0)
	r.frameCount.Add(1)
	count := r.backend.EntityCount()

	monitoring.RecordTick(r.worldID, time.Since(start).Seconds())
	monitoring.SetEntityCount(r.worldID, count)
}

// Step advances the world once on demand, regardless of pause state.
// Backend-specific actions ride along untouched.
func (r *Runner) Step(actions map[string]any) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = actions // built-in backends take none
	if err := r.backend.Step(); err != nil {
		return r.frameCount.Load(), fmt.Errorf("step world %s: %w", r.worldID, err)
	}
	frame := r.frameCount.Add(1)
	r.invalidateLocked()
	return frame, nil
}

// Reset reseeds and repopulates the world. A nil seed reuses the current
// one; config, when present, is applied before the reset. Clears degraded.
func (r *Runner) Reset(seed *int64, config map[string]any) (int64, *fault.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if config != nil {
		if ferr := r.backend.Configure(config); ferr != nil {
			return r.frameCount.Load(), ferr
		}
		r.config = config
	}
	if seed != nil {
		r.seed = *seed
	}
	r.backend.Reset(r.seed)
	r.frameCount.Store(0)
	r.failures.Store(0)
	r.degraded.Store(false)
	r.invalidateLocked()
	r.lastFullFrame = -1
	r.lastEmitFrame = 0
	r.lastIDs = nil
	r.logger.Info().Int64("seed", r.seed).Msg("World reset")
	return 0, nil
}

// InvalidateCache forces the next GetState to rebuild. Called after any
// externally driven mutation (migrations, commands).
func (r *Runner) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked()
}

func (r *Runner) invalidateLocked() {
	r.cache = nil
	r.cacheFrame = -1
}

// GetState returns the current broadcast payload, reusing the cached one
// while the world has not advanced past the emission interval. forceFull
// bypasses the pacing and the delta path; allowDelta=false yields full
// frames without bypassing pacing.
func (r *Runner) GetState(forceFull, allowDelta bool) (*Payload, *fault.Error) {
	if r.degraded.Load() {
		return nil, fault.Errorf(fault.DegradedRunner, "world %s refuses state reads", r.worldID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	frame := r.frameCount.Load()
	if r.cache != nil && r.cacheFrame == frame && !forceFull {
		return r.cache, nil
	}
	if r.cache != nil && !forceFull && frame-r.lastEmitFrame < int64(r.opts.UpdateInterval) {
		return r.cache, nil
	}

	full := forceFull || !allowDelta || r.lastFullFrame < 0 ||
		frame-r.lastFullFrame >= int64(r.opts.DeltaSyncInterval)

	var p *Payload
	if full {
		p = r.buildFullLocked(frame)
		r.lastFullFrame = frame
	} else {
		p = r.buildDeltaLocked(frame)
	}
	r.cache = p
	r.cacheFrame = frame
	r.lastEmitFrame = frame
	monitoring.RecordBroadcastFrame(full)
	return p, nil
}

func (r *Runner) buildFullLocked(frame int64) *Payload {
	ents := r.backend.Entities()
	serialized := make([]map[string]any, 0, len(ents))
	ids := make(map[string]struct{}, len(ents))
	board := make([]LeaderboardEntry, 0, 10)
	for _, e := range ents {
		ids[e.ID()] = struct{}{}
		data, ferr := r.codecs.TrySerialize(e)
		if ferr != nil {
			r.logger.Warn().Str("entity_id", e.ID()).Str("error", ferr.Error()).Msg("Skipping unserializable entity in frame")
			continue
		}
		serialized = append(serialized, data)
		if ec, ok := e.(sim.EnergyCarrier); ok {
			board = append(board, LeaderboardEntry{ID: e.ID(), Kind: e.Kind(), Energy: ec.Energy()})
		}
	}
	sort.Slice(board, func(i, j int) bool {
		if board[i].Energy != board[j].Energy {
			return board[i].Energy > board[j].Energy
		}
		return board[i].ID < board[j].ID
	})
	if len(board) > 10 {
		board = board[:10]
	}
	stats := r.backend.Stats()
	w, h := r.backend.Bounds()
	r.lastIDs = ids
	return &Payload{
		Type:        FrameFull,
		WorldID:     r.worldID,
		Frame:       frame,
		Paused:      r.paused.Load(),
		Timestamp:   time.Now().UnixMilli(),
		ModeID:      r.backend.ModeID(),
		WorldType:   r.backend.WorldType(),
		ViewMode:    r.backend.ViewMode(),
		Entities:    serialized,
		Energy:      r.backend.EnergyLedger(),
		Leaderboard: board,
		Bounds:      &Bounds{Width: w, Height: h},
		Stats:       &stats,
	}
}

func (r *Runner) buildDeltaLocked(frame int64) *Payload {
	ents := r.backend.Entities()
	updates := make([]EntityUpdate, 0, len(ents))
	ids := make(map[string]struct{}, len(ents))
	var added []map[string]any
	for _, e := range ents {
		id := e.ID()
		ids[id] = struct{}{}
		x, y := e.Pos()
		u := EntityUpdate{ID: id, X: x, Y: y}
		if ec, ok := e.(sim.EnergyCarrier); ok {
			v := ec.Energy()
			u.Energy = &v
		}
		updates = append(updates, u)
		if _, seen := r.lastIDs[id]; !seen {
			if data, ferr := r.codecs.TrySerialize(e); ferr == nil {
				added = append(added, data)
			}
		}
	}
	var removed []string
	for id := range r.lastIDs {
		if _, ok := ids[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	stats := r.backend.Stats()
	r.lastIDs = ids
	return &Payload{
		Type:      FrameDelta,
		WorldID:   r.worldID,
		Frame:     frame,
		Paused:    r.paused.Load(),
		Timestamp: time.Now().UnixMilli(),
		Updates:   updates,
		Added:     added,
		Removed:   removed,
		Stats:     &stats,
	}
}

// SerializeState marshals a payload outside the runner lock.
func (r *Runner) SerializeState(p *Payload) ([]byte, error) {
	start := time.Now()
	data, err := json.Marshal(p)
	elapsed := time.Since(start)
	monitoring.RecordSerialize(elapsed.Seconds())
	if err != nil {
		return nil, fmt.Errorf("serialize state for %s: %w", r.worldID, err)
	}
	if elapsed > serializeWarnAfter {
		r.logger.Warn().
			Dur("elapsed", elapsed).
			Int("bytes", len(data)).
			Str("frame_type", p.Type).
			Msg("Slow state serialization")
	}
	return data, nil
}

// HandleCommand executes one client command. Commands are idempotent when
// repeated in the same state; unknown commands are invalid_payload.
// Degraded runners keep accepting commands so operators can reset them.
func (r *Runner) HandleCommand(cmd string, data map[string]any) (map[string]any, error) {
	switch cmd {
	case "pause":
		if !r.paused.Swap(true) {
			r.InvalidateCache()
			r.logger.Info().Msg("World paused")
		}
		return map[string]any{"paused": true}, nil

	case "resume":
		wasDegraded := r.degraded.Swap(false)
		r.failures.Store(0)
		if r.paused.Swap(false) || wasDegraded {
			r.InvalidateCache()
			r.logger.Info().Bool("was_degraded", wasDegraded).Msg("World resumed")
		}
		return map[string]any{"paused": false}, nil

	case "fast_forward":
		enabled := !r.fastForward.Load()
		if data != nil {
			if v, ok := data["enabled"].(bool); ok {
				enabled = v
			}
		}
		if r.fastForward.Swap(enabled) != enabled {
			r.InvalidateCache()
			r.logger.Info().Bool("enabled", enabled).Msg("Fast forward toggled")
		}
		return map[string]any{"fast_forward": enabled}, nil

	case "step":
		steps := 1
		if data != nil {
			if v, ok := payloadNum(data, "steps"); ok && v >= 1 {
				steps = int(v)
			}
		}
		if steps > 1000 {
			return nil, fault.Errorf(fault.InvalidPayload, "step count %d too large", steps)
		}
		var frame int64
		for i := 0; i < steps; i++ {
			var err error
			if frame, err = r.Step(nil); err != nil {
				return nil, err
			}
		}
		return map[string]any{"frame_count": frame}, nil

	case "reset":
		var seed *int64
		var config map[string]any
		if data != nil {
			if v, ok := payloadNum(data, "seed"); ok {
				s := int64(v)
				seed = &s
			}
			if m, ok := data["config"].(map[string]any); ok {
				config = m
			}
		}
		if _, ferr := r.Reset(seed, config); ferr != nil {
			return nil, ferr
		}
		return map[string]any{"frame_count": int64(0)}, nil

	default:
		return nil, fault.Errorf(fault.InvalidPayload, "unknown command %q", cmd)
	}
}

// Transfer-side surface, called by the migration scheduler and the
// remote-transfer handler. Lock scope per call; never held across I/O.

// ListMigratable returns the ids of entities whose kind is in the set,
// sorted so selection is reproducible given the same seed.
func (r *Runner) ListMigratable(kinds map[string]bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, e := range r.backend.Entities() {
		if kinds[e.Kind()] {
			ids = append(ids, e.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

// SerializeEntityForTransfer renders one entity to wire form without
// removing it.
func (r *Runner) SerializeEntityForTransfer(id string) (map[string]any, *fault.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.backend.Entities() {
		if e.ID() == id {
			return r.codecs.TrySerialize(e)
		}
	}
	return nil, fault.Errorf(fault.SerializeFailed, "entity %s no longer present in %s", id, r.worldID)
}

// DeserializeIncoming rebuilds a transferred entity in this world and books
// the energy gain. The caller owns failure handling; no_root_spots rides
// through untouched as the back-pressure signal.
func (r *Runner) DeserializeIncoming(data map[string]any) (sim.Entity, *fault.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ferr := r.codecs.TryDeserialize(data, r.backend, nil)
	if ferr != nil {
		return nil, ferr
	}
	if gain, ok := payloadNum(data, "energy"); ok && gain > 0 {
		r.backend.RecordEnergyGain("migration_in", gain)
	}
	r.invalidateLocked()
	return ent, nil
}

// RemoveEntityForTransfer detaches a migrated entity and books the energy
// burn matching the destination's gain. Returns false when the entity died
// between serialization and removal; the transfer stands either way.
func (r *Runner) RemoveEntityForTransfer(id string, energy float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend.Remove(id) == nil {
		return false
	}
	if energy > 0 {
		r.backend.RecordEnergyBurn("migration", energy)
	}
	r.invalidateLocked()
	return true
}

// CaptureSnapshot renders the world to a snapshot document under the runner
// lock. Disk I/O happens elsewhere.
func (r *Runner) CaptureSnapshot() *snapshot.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	ents := r.backend.Entities()
	serialized := make([]map[string]any, 0, len(ents))
	for _, e := range ents {
		data, ferr := r.codecs.TrySerialize(e)
		if ferr != nil {
			r.logger.Warn().Str("entity_id", e.ID()).Str("error", ferr.Error()).Msg("Skipping unserializable entity in snapshot")
			continue
		}
		serialized = append(serialized, data)
	}
	return &snapshot.Document{
		WorldID: r.worldID,
		Frame:   r.frameCount.Load(),
		Paused:  r.paused.Load(),
		Metadata: snapshot.Metadata{
			Name:           r.name,
			Description:    r.description,
			WorldType:      r.backend.WorldType(),
			Seed:           r.seed,
			Persistent:     r.persistent,
			AllowTransfers: r.allowTransfers,
			Config:         r.config,
		},
		Entities:  serialized,
		Ecosystem: r.backend.Stats(),
	}
}

// RestoreSnapshot replaces the world's population from a document. Entities
// decode in two passes so dependents can follow their re-identified
// parents. Any decode failure leaves the world empty but consistent.
func (r *Runner) RestoreSnapshot(doc *snapshot.Document) *fault.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearEntitiesLocked()
	ctx := &codec.DecodeContext{IDMap: make(map[string]string, len(doc.Entities))}

	for _, data := range doc.Entities {
		kind, _ := data["type"].(string)
		if codec.IsDependent(kind) {
			continue
		}
		oldID, _ := data["id"].(string)
		ent, ferr := r.codecs.TryDeserialize(data, r.backend, ctx)
		if ferr != nil {
			r.clearEntitiesLocked()
			return ferr.With("world_id", r.worldID).With("phase", "restore")
		}
		if oldID != "" {
			ctx.IDMap[oldID] = ent.ID()
		}
	}
	for _, data := range doc.Entities {
		kind, _ := data["type"].(string)
		if !codec.IsDependent(kind) {
			continue
		}
		if _, ferr := r.codecs.TryDeserialize(data, r.backend, ctx); ferr != nil {
			r.clearEntitiesLocked()
			return ferr.With("world_id", r.worldID).With("phase", "restore")
		}
	}

	r.backend.RestoreStats(doc.Ecosystem)
	r.frameCount.Store(doc.Frame)
	r.paused.Store(doc.Paused)
	r.failures.Store(0)
	r.degraded.Store(false)
	r.invalidateLocked()
	r.lastFullFrame = -1
	r.lastEmitFrame = doc.Frame
	r.lastIDs = nil

	r.logger.Info().
		Int64("frame", doc.Frame).
		Int("entities", len(doc.Entities)).
		Bool("paused", doc.Paused).
		Msg("World restored from snapshot")
	return nil
}

func (r *Runner) clearEntitiesLocked() {
	for _, e := range r.backend.Entities() {
		r.backend.Remove(e.ID())
	}
}

func payloadNum(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
