// Package hub fans world state out to WebSocket subscribers. One emitter
// goroutine per world with subscribers; the transport (upgrade, pumps,
// close frames) belongs to the API layer, which reads Subscriber.Frames().
package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/world"
)

const (
	sendBuffer     = 64
	maxSendStrikes = 3
	keepaliveAfter = time.Second
)

// Subscriber is one WebSocket client's view of a world. Frames() yields
// serialized payloads until the hub closes it; Evicted reports whether the
// close was a slow-consumer disconnect rather than a normal goodbye.
type Subscriber struct {
	id      string
	ip      string
	worldID string

	send    chan []byte
	strikes int32
	evicted atomic.Bool
	once    sync.Once
}

func (s *Subscriber) ID() string            { return s.id }
func (s *Subscriber) IP() string            { return s.ip }
func (s *Subscriber) WorldID() string       { return s.worldID }
func (s *Subscriber) Frames() <-chan []byte { return s.send }
func (s *Subscriber) Evicted() bool         { return s.evicted.Load() }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

type room struct {
	runner *world.Runner
	subs   map[*Subscriber]struct{}
	cancel context.CancelFunc
}

// Hub tracks per-world subscriber rooms. Emitters start with the first
// subscriber and stop with the last, so idle worlds cost nothing.
type Hub struct {
	worlds *world.Manager
	logger zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	active int64

	wg sync.WaitGroup
}

func NewHub(worlds *world.Manager, logger zerolog.Logger) *Hub {
	return &Hub{
		worlds: worlds,
		logger: logger.With().Str("component", "hub").Logger(),
		rooms:  make(map[string]*room),
	}
}

// Subscribe attaches a client to a world. The first frame is always a full
// payload, queued before the subscriber is exposed to the emitter. A
// degraded world accepts subscribers but sends nothing until it recovers.
func (h *Hub) Subscribe(worldID, ip string) (*Subscriber, *fault.Error) {
	runner, ok := h.worlds.Get(worldID)
	if !ok {
		return nil, fault.Errorf(fault.WorldNotFound, "world %s not found", worldID)
	}

	sub := &Subscriber{
		id:      uuid.NewString()[:8],
		ip:      ip,
		worldID: worldID,
		send:    make(chan []byte, sendBuffer),
	}

	if p, ferr := runner.GetState(true, false); ferr == nil {
		if data, err := runner.SerializeState(p); err == nil {
			sub.send <- data
		}
	} else if ferr.Code != fault.DegradedRunner {
		return nil, ferr
	}

	h.mu.Lock()
	rm, ok := h.rooms[worldID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		rm = &room{runner: runner, subs: make(map[*Subscriber]struct{}), cancel: cancel}
		h.rooms[worldID] = rm
		h.wg.Add(1)
		go h.emit(ctx, runner, worldID)
	}
	rm.subs[sub] = struct{}{}
	h.active++
	active := h.active
	h.mu.Unlock()

	monitoring.ConnectionOpened(active)
	h.logger.Debug().
		Str("subscriber", sub.id).
		Str("world_id", worldID).
		Str("ip", ip).
		Msg("Subscriber attached")
	return sub, nil
}

// Unsubscribe detaches a client and closes its frame channel. The last
// subscriber out stops the world's emitter.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	rm, ok := h.rooms[sub.worldID]
	if !ok {
		h.mu.Unlock()
		sub.close()
		return
	}
	if _, member := rm.subs[sub]; !member {
		h.mu.Unlock()
		sub.close()
		return
	}
	delete(rm.subs, sub)
	h.active--
	active := h.active
	var cancel context.CancelFunc
	if len(rm.subs) == 0 {
		cancel = rm.cancel
		delete(h.rooms, sub.worldID)
	}
	h.mu.Unlock()

	sub.close()
	if cancel != nil {
		cancel()
	}
	monitoring.ConnectionClosed(active)
	h.logger.Debug().
		Str("subscriber", sub.id).
		Str("world_id", sub.worldID).
		Msg("Subscriber detached")
}

func (h *Hub) emit(ctx context.Context, runner *world.Runner, worldID string) {
	defer h.wg.Done()
	defer monitoring.RecoverPanic(h.logger, "hub-emitter", map[string]any{"world_id": worldID})

	ticker := time.NewTicker(runner.Opts().EmitPeriod())
	defer ticker.Stop()

	var lastFrame int64 = -1
	var lastSent time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if runner.Degraded() {
				continue
			}
			p, ferr := runner.GetState(false, true)
			if ferr != nil {
				continue
			}
			now := time.Now()
			// Unchanged frames are resent only as a 1 s keepalive.
			if p.Frame == lastFrame && now.Sub(lastSent) < keepaliveAfter {
				continue
			}
			data, err := runner.SerializeState(p)
			if err != nil {
				h.logger.Error().Err(err).Str("world_id", worldID).Msg("Frame serialization failed")
				continue
			}
			lastFrame = p.Frame
			lastSent = now
			h.broadcast(worldID, data)
		}
	}
}

// broadcast pushes one frame to every subscriber without blocking. Three
// consecutive missed frames evict the subscriber.
func (h *Hub) broadcast(worldID string, data []byte) {
	h.mu.Lock()
	rm, ok := h.rooms[worldID]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(rm.subs))
	for sub := range rm.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	var evict []*Subscriber
	for _, sub := range subs {
		select {
		case sub.send <- data:
			atomic.StoreInt32(&sub.strikes, 0)
			monitoring.RecordFrameSent()
		default:
			if atomic.AddInt32(&sub.strikes, 1) >= maxSendStrikes {
				evict = append(evict, sub)
			}
		}
	}
	for _, sub := range evict {
		h.evictSlow(sub)
	}
}

func (h *Hub) evictSlow(sub *Subscriber) {
	sub.evicted.Store(true)
	h.Unsubscribe(sub)
	monitoring.RecordSlowClientDisconnect()
	h.logger.Warn().
		Str("subscriber", sub.id).
		Str("world_id", sub.worldID).
		Str("ip", sub.ip).
		Msg("Slow subscriber disconnected")
}

// Count reports a world's live subscribers.
func (h *Hub) Count(worldID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[worldID]; ok {
		return len(rm.subs)
	}
	return 0
}

// ActiveConnections is the total across all worlds.
func (h *Hub) ActiveConnections() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// StopWorld closes every subscriber of one world and stops its emitter.
// Used when a world is deleted.
func (h *Hub) StopWorld(worldID string) {
	h.mu.Lock()
	rm, ok := h.rooms[worldID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, worldID)
	subs := make([]*Subscriber, 0, len(rm.subs))
	for sub := range rm.subs {
		subs = append(subs, sub)
	}
	h.active -= int64(len(subs))
	active := h.active
	h.mu.Unlock()

	rm.cancel()
	for _, sub := range subs {
		sub.close()
	}
	monitoring.ConnectionClosed(active)
	h.logger.Info().Str("world_id", worldID).Int("subscribers", len(subs)).Msg("World broadcast stopped")
}

// StopAll shuts down every room and waits for the emitters to exit.
func (h *Hub) StopAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.active = 0
	h.mu.Unlock()

	for _, rm := range rooms {
		rm.cancel()
		for sub := range rm.subs {
			sub.close()
		}
	}
	h.wg.Wait()
	h.logger.Info().Int("rooms", len(rooms)).Msg("Broadcast hub stopped")
}
