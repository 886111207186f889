// Package connections tracks the directed migration edges between worlds.
// A connection names a source and a destination endpoint (world plus owning
// server), the per-check probability that an entity moves across it, and a
// display direction for UIs that draw the edge.
package connections

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/snapshot"
)

// Directions a UI may draw the edge in. The scheduler ignores direction;
// flow is always source to destination.
const (
	DirectionLeft  = "left"
	DirectionRight = "right"
)

// Connection is one directed migration edge. Empty server ids mean the
// local server; remote endpoints carry the peer's server id.
type Connection struct {
	ID             string    `json:"connection_id"`
	SourceWorldID  string    `json:"source_world_id"`
	SourceServerID string    `json:"source_server_id,omitempty"`
	DestWorldID    string    `json:"destination_world_id"`
	DestServerID   string    `json:"destination_server_id,omitempty"`
	Probability    int       `json:"probability"`
	Direction      string    `json:"direction"`
	CreatedAt      time.Time `json:"created_at"`
}

// RemoteDest reports whether the destination lives on another server.
func (c Connection) RemoteDest() bool { return c.DestServerID != "" }

// LocalSource reports whether the source is driven by this server. Only
// local-source connections are acted on by the migration scheduler here.
func (c Connection) LocalSource() bool { return c.SourceServerID == "" }

// pairKey identifies the ordered endpoint pair for uniqueness checks.
func (c Connection) pairKey() string {
	return strings.Join([]string{c.SourceServerID, c.SourceWorldID, c.DestServerID, c.DestWorldID}, "\x00")
}

// SourceLabel renders the source endpoint: "world" locally,
// "server:world" when the source is owned by a peer.
func (c Connection) SourceLabel() string {
	if c.SourceServerID != "" {
		return c.SourceServerID + ":" + c.SourceWorldID
	}
	return c.SourceWorldID
}

// DestLabel renders the destination endpoint the same way.
func (c Connection) DestLabel() string {
	if c.RemoteDest() {
		return c.DestServerID + ":" + c.DestWorldID
	}
	return c.DestWorldID
}

type registryFile struct {
	Connections []Connection `json:"connections"`
	SavedAt     time.Time    `json:"saved_at"`
}

// Store holds connections in memory and persists them as one JSON file.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	conns   map[string]Connection
	path    string
	localID string
	logger  zerolog.Logger
}

func NewStore(dataDir, localServerID string, logger zerolog.Logger) *Store {
	return &Store{
		conns:   make(map[string]Connection),
		path:    filepath.Join(dataDir, "connections.json"),
		localID: localServerID,
		logger:  logger.With().Str("component", "connections").Logger(),
	}
}

// Add validates and inserts a connection. Adding an edge with the same
// ordered endpoint pair as an existing one updates that connection's
// probability and direction in place instead of creating a second edge; the
// returned bool reports replacement. The reverse pair is an independent
// edge. Ids default to "{source}->{dest}".
func (s *Store) Add(c Connection) (Connection, bool, *fault.Error) {
	if c.SourceWorldID == "" || c.DestWorldID == "" {
		return Connection{}, false, fault.Errorf(fault.InvalidPayload, "connection endpoints must name worlds")
	}
	if c.Probability < 0 || c.Probability > 100 {
		return Connection{}, false, fault.Errorf(fault.InvalidPayload, "probability %d outside 0..100", c.Probability)
	}
	switch c.Direction {
	case "":
		c.Direction = DirectionRight
	case DirectionLeft, DirectionRight:
	default:
		return Connection{}, false, fault.Errorf(fault.InvalidPayload, "direction %q must be left or right", c.Direction)
	}
	// Claimed-local server ids collapse to empty so mixed callers key alike.
	if c.SourceServerID == s.localID {
		c.SourceServerID = ""
	}
	if c.DestServerID == s.localID {
		c.DestServerID = ""
	}
	if c.SourceServerID == c.DestServerID && c.SourceWorldID == c.DestWorldID {
		return Connection{}, false, fault.Errorf(fault.InvalidPayload, "connection endpoints must differ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := c.pairKey()
	for id, existing := range s.conns {
		if existing.pairKey() == key {
			existing.Probability = c.Probability
			existing.Direction = c.Direction
			s.conns[id] = existing
			s.logger.Info().
				Str("connection_id", id).
				Int("probability", c.Probability).
				Str("direction", c.Direction).
				Msg("Connection updated in place")
			return existing, true, nil
		}
	}

	if c.ID == "" {
		c.ID = c.SourceLabel() + "->" + c.DestLabel()
	}
	c.CreatedAt = time.Now().UTC()
	s.conns[c.ID] = c
	s.logger.Info().
		Str("connection_id", c.ID).
		Str("source", c.SourceLabel()).
		Str("destination", c.DestLabel()).
		Int("probability", c.Probability).
		Msg("Connection added")
	return c, false, nil
}

// Remove deletes a connection by id.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

func (s *Store) Get(id string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// All returns every connection ordered by creation time then id, so
// scheduler sweeps visit edges in a stable order.
func (s *Store) All() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ForWorld returns connections whose local source is the given world.
func (s *Store) ForWorld(worldID string) []Connection {
	var out []Connection
	for _, c := range s.All() {
		if c.LocalSource() && c.SourceWorldID == worldID {
			out = append(out, c)
		}
	}
	return out
}

// ClearForWorld removes every connection touching the given local world,
// in either direction. Called when the world is deleted.
func (s *Store) ClearForWorld(worldID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.conns {
		srcHit := c.LocalSource() && c.SourceWorldID == worldID
		dstHit := !c.RemoteDest() && c.DestWorldID == worldID
		if srcHit || dstHit {
			delete(s.conns, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info().Str("world_id", worldID).Int("removed", removed).Msg("Cleared connections for world")
	}
	return removed
}

// Validate prunes local-local connections that reference worlds this server
// does not have. Connections with any remote endpoint are never pruned: this
// server cannot authoritatively say whether a peer's world exists. Returns
// the number pruned.
func (s *Store) Validate(hasWorld func(worldID string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, c := range s.conns {
		if !c.LocalSource() || c.RemoteDest() {
			continue
		}
		if hasWorld(c.SourceWorldID) && hasWorld(c.DestWorldID) {
			continue
		}
		s.logger.Warn().
			Str("connection_id", id).
			Str("source", c.SourceWorldID).
			Str("destination", c.DestWorldID).
			Msg("Pruning connection with dangling local endpoint")
		delete(s.conns, id)
		pruned++
	}
	return pruned
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Save persists the registry atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	file := registryFile{Connections: make([]Connection, 0, len(s.conns)), SavedAt: time.Now().UTC()}
	for _, c := range s.conns {
		file.Connections = append(file.Connections, c)
	}
	s.mu.Unlock()

	sort.Slice(file.Connections, func(i, j int) bool { return file.Connections[i].ID < file.Connections[j].ID })
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode connections: %w", err)
	}
	return snapshot.WriteAtomic(s.path, data)
}

// Load replaces the in-memory set from disk. A missing file is a clean
// first boot, not an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("corrupt connections file %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = make(map[string]Connection, len(file.Connections))
	for _, c := range file.Connections {
		if c.ID == "" {
			continue
		}
		s.conns[c.ID] = c
	}
	s.logger.Info().Int("connections", len(s.conns)).Msg("Connections loaded")
	return nil
}
