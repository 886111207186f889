package world

import (
	"time"

	"github.com/mbolaris/tank-sub003/internal/sim"
)

// Payload frame types.
const (
	FrameFull  = "full"
	FrameDelta = "delta"
)

// EntityUpdate carries the fast-changing fields of one entity inside a
// delta frame. Energy is omitted for kinds that carry none.
type EntityUpdate struct {
	ID     string   `json:"id"`
	X      float64  `json:"x"`
	Y      float64  `json:"y"`
	Energy *float64 `json:"energy,omitempty"`
}

// LeaderboardEntry ranks an entity by stored energy in full frames.
type LeaderboardEntry struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind"`
	Energy float64 `json:"energy"`
}

// Payload is one broadcast frame. Full frames are self-contained; delta
// frames describe changes relative to the previous emission.
type Payload struct {
	Type      string `json:"type"`
	WorldID   string `json:"world_id"`
	Frame     int64  `json:"frame"`
	Paused    bool   `json:"paused"`
	Timestamp int64  `json:"timestamp"`

	// Full frames only.
	ModeID      string             `json:"mode_id,omitempty"`
	WorldType   string             `json:"world_type,omitempty"`
	ViewMode    string             `json:"view_mode,omitempty"`
	Entities    []map[string]any   `json:"entities,omitempty"`
	Energy      map[string]float64 `json:"energy,omitempty"`
	Leaderboard []LeaderboardEntry `json:"leaderboard,omitempty"`
	Bounds      *Bounds            `json:"bounds,omitempty"`

	// Delta frames only.
	Updates []EntityUpdate   `json:"updates,omitempty"`
	Added   []map[string]any `json:"added,omitempty"`
	Removed []string         `json:"removed,omitempty"`

	// Carried by both; deltas keep it because counters are cheap.
	Stats *sim.Stats `json:"stats,omitempty"`
}

// Bounds is the world's coordinate extent, sent with full frames so clients
// can scale their viewport.
type Bounds struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Status is the world summary returned by the HTTP API and sent to peers.
type Status struct {
	WorldID        string    `json:"world_id"`
	WorldType      string    `json:"world_type"`
	ModeID         string    `json:"mode_id"`
	ViewMode       string    `json:"view_mode"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	FrameCount     int64     `json:"frame_count"`
	EntityCount    int       `json:"entity_count"`
	Running        bool      `json:"running"`
	Paused         bool      `json:"paused"`
	FastForward    bool      `json:"fast_forward"`
	Degraded       bool      `json:"degraded"`
	Persistent     bool      `json:"persistent"`
	AllowTransfers bool      `json:"allow_transfers"`
	Seed           int64     `json:"seed"`
	CreatedAt      time.Time `json:"created_at"`
	MigrationsIn   int64     `json:"migrations_in"`
	MigrationsOut  int64     `json:"migrations_out"`
}
