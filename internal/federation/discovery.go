// Package federation tracks peer servers and talks to them. Discovery is
// the heartbeat-driven peer registry; Client is the pooled HTTP client the
// migration scheduler and the self-heartbeat task go through.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/events"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/snapshot"
)

// Peer status values. They are part of the wire contract: peers exchange
// them verbatim in ServerInfo.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusOffline  = "offline"
)

// registrySchemaVersion tags data/server_registry.json.
const registrySchemaVersion = 1

// ServerInfo describes one server in the federation, the local one
// included. LastHeartbeat is unix seconds; the in-memory registry keeps the
// monotonic reading separately.
type ServerInfo struct {
	ServerID      string  `json:"server_id"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	Hostname      string  `json:"hostname,omitempty"`
	Status        string  `json:"status"`
	Version       string  `json:"version,omitempty"`
	WorldCount    int     `json:"world_count"`
	IsLocal       bool    `json:"is_local"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LastHeartbeat int64   `json:"last_heartbeat"`
}

// Addr is the host:port key used for restart eviction.
func (s ServerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BaseURL is where this server's API lives.
func (s ServerInfo) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

// DiscoveryOptions are the TTL tunables. Zero values take the defaults.
type DiscoveryOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CleanupInterval   time.Duration
	PruneTimeout      time.Duration
}

func (o DiscoveryOptions) withDefaults() DiscoveryOptions {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 6 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 5 * time.Second
	}
	if o.PruneTimeout <= 0 {
		o.PruneTimeout = time.Hour
	}
	return o
}

type peerEntry struct {
	info     ServerInfo
	lastBeat time.Time
}

// Discovery is the peer registry. One mutex over the map; persistence
// marshals under the lock and writes outside it.
type Discovery struct {
	opts   DiscoveryOptions
	path   string
	logger zerolog.Logger
	nowFn  func() time.Time

	// Bus, when set before Start, gets a peer event for every non-local
	// registration and offline transition.
	Bus *events.Bus

	mu      sync.Mutex
	servers map[string]*peerEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDiscovery(dataDir string, opts DiscoveryOptions, logger zerolog.Logger) *Discovery {
	return &Discovery{
		opts:    opts.withDefaults(),
		path:    filepath.Join(dataDir, "server_registry.json"),
		logger:  logger.With().Str("component", "discovery").Logger(),
		nowFn:   time.Now,
		servers: make(map[string]*peerEntry),
	}
}

type registryDocument struct {
	SchemaVersion int          `json:"schema_version"`
	SavedAt       time.Time    `json:"saved_at"`
	Servers       []ServerInfo `json:"servers"`
}

// Register adds or refreshes a peer. A server re-appearing on the same
// host:port under a new id evicts the stale entry first.
func (d *Discovery) Register(info ServerInfo) {
	now := d.nowFn()
	d.mu.Lock()
	for id, e := range d.servers {
		if id != info.ServerID && e.info.Addr() == info.Addr() {
			delete(d.servers, id)
			d.logger.Info().
				Str("evicted", id).
				Str("replacement", info.ServerID).
				Str("addr", info.Addr()).
				Msg("Evicted stale registration for reused address")
		}
	}
	info.Status = StatusOnline
	info.LastHeartbeat = now.Unix()
	d.servers[info.ServerID] = &peerEntry{info: info, lastBeat: now}
	doc := d.documentLocked()
	d.mu.Unlock()

	d.persist(doc)
	d.logger.Info().
		Str("server_id", info.ServerID).
		Str("addr", info.Addr()).
		Int("world_count", info.WorldCount).
		Msg("Server registered")
	if !info.IsLocal {
		d.Bus.PublishPeerEvent("registered", info.ServerID, info.Addr())
	}
}

// Heartbeat refreshes a peer's liveness. Returns false for unknown ids so
// the caller knows to re-register.
func (d *Discovery) Heartbeat(serverID string, update *ServerInfo) bool {
	now := d.nowFn()
	d.mu.Lock()
	e, ok := d.servers[serverID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	e.lastBeat = now
	e.info.LastHeartbeat = now.Unix()
	e.info.Status = StatusOnline
	if update != nil {
		e.info.WorldCount = update.WorldCount
		e.info.UptimeSeconds = update.UptimeSeconds
		if update.Version != "" {
			e.info.Version = update.Version
		}
		if update.Hostname != "" {
			e.info.Hostname = update.Hostname
		}
	}
	doc := d.documentLocked()
	d.mu.Unlock()

	d.persist(doc)
	return true
}

// Unregister drops a peer outright.
func (d *Discovery) Unregister(serverID string) bool {
	d.mu.Lock()
	_, ok := d.servers[serverID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.servers, serverID)
	doc := d.documentLocked()
	d.mu.Unlock()

	d.persist(doc)
	d.logger.Info().Str("server_id", serverID).Msg("Server unregistered")
	return true
}

// Get returns a copy of one peer's info.
func (d *Discovery) Get(serverID string) (ServerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.servers[serverID]
	if !ok {
		return ServerInfo{}, false
	}
	return e.info, true
}

// List returns peers sorted by server id, optionally filtered by status and
// with the local entry excluded.
func (d *Discovery) List(statusFilter string, includeLocal bool) []ServerInfo {
	d.mu.Lock()
	out := make([]ServerInfo, 0, len(d.servers))
	for _, e := range d.servers {
		if statusFilter != "" && e.info.Status != statusFilter {
			continue
		}
		if !includeLocal && e.info.IsLocal {
			continue
		}
		out = append(out, e.info)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

func (d *Discovery) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.servers)
}

// CleanupOnce reclassifies every peer by heartbeat age and prunes the long
// dead. Returns how many entries changed or were removed.
func (d *Discovery) CleanupOnce() int {
	now := d.nowFn()
	changed := 0
	counts := map[string]int{StatusOnline: 0, StatusDegraded: 0, StatusOffline: 0}
	var wentOffline []ServerInfo

	d.mu.Lock()
	for id, e := range d.servers {
		age := now.Sub(e.lastBeat)
		switch {
		case age > d.opts.PruneTimeout:
			delete(d.servers, id)
			changed++
			d.logger.Info().Str("server_id", id).Dur("age", age).Msg("Pruned dead server")
			continue
		case age > d.opts.HeartbeatTimeout:
			if e.info.Status != StatusOffline {
				e.info.Status = StatusOffline
				changed++
				if !e.info.IsLocal {
					wentOffline = append(wentOffline, e.info)
				}
				d.logger.Warn().Str("server_id", id).Dur("age", age).Msg("Server offline")
			}
		case age > 2*d.opts.HeartbeatInterval:
			if e.info.Status != StatusDegraded {
				e.info.Status = StatusDegraded
				changed++
			}
		default:
			if e.info.Status != StatusOnline {
				e.info.Status = StatusOnline
				changed++
			}
		}
		counts[e.info.Status]++
	}
	var doc registryDocument
	if changed > 0 {
		doc = d.documentLocked()
	}
	d.mu.Unlock()

	monitoring.SetPeerCounts(counts)
	for _, info := range wentOffline {
		d.Bus.PublishPeerEvent("offline", info.ServerID, info.Addr())
	}
	if changed > 0 {
		d.persist(doc)
	}
	return changed
}

// Start launches the cleanup loop. Stop cancels and waits for it.
func (d *Discovery) Start() {
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer monitoring.RecoverPanic(d.logger, "discovery-cleanup", nil)
		ticker := time.NewTicker(d.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.CleanupOnce()
			}
		}
	}()
	d.logger.Info().
		Dur("cleanup_interval", d.opts.CleanupInterval).
		Dur("heartbeat_timeout", d.opts.HeartbeatTimeout).
		Dur("prune_timeout", d.opts.PruneTimeout).
		Msg("Discovery cleanup loop started")
}

func (d *Discovery) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.cancel = nil
	d.logger.Info().Msg("Discovery cleanup loop stopped")
}

// Load rehydrates the registry from disk. A missing file is a clean start;
// a corrupt one is logged and ignored rather than blocking startup.
func (d *Discovery) Load() {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn().Err(err).Str("path", d.path).Msg("Could not read server registry")
		}
		return
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		d.logger.Warn().Err(err).Str("path", d.path).Msg("Corrupt server registry ignored")
		return
	}
	d.mu.Lock()
	for _, info := range doc.Servers {
		d.servers[info.ServerID] = &peerEntry{
			info:     info,
			lastBeat: time.Unix(info.LastHeartbeat, 0),
		}
	}
	n := len(d.servers)
	d.mu.Unlock()
	d.logger.Info().Int("servers", n).Msg("Server registry loaded")
}

func (d *Discovery) documentLocked() registryDocument {
	doc := registryDocument{SchemaVersion: registrySchemaVersion, SavedAt: d.nowFn().UTC()}
	for _, e := range d.servers {
		doc.Servers = append(doc.Servers, e.info)
	}
	sort.Slice(doc.Servers, func(i, j int) bool { return doc.Servers[i].ServerID < doc.Servers[j].ServerID })
	return doc
}

func (d *Discovery) persist(doc registryDocument) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		d.logger.Error().Err(err).Msg("Could not marshal server registry")
		return
	}
	if err := snapshot.WriteAtomic(d.path, data); err != nil {
		d.logger.Error().Err(err).Str("path", d.path).Msg("Could not persist server registry")
	}
}
