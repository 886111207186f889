// Package sim holds the world backend contract and the built-in backends.
// A backend is the opaque simulation engine a WorldRunner drives: it owns
// entities and ecosystem counters and knows nothing about ticking, caching,
// or transport.
package sim

import (
	"sort"

	"github.com/mbolaris/tank-sub003/internal/fault"
)

// Entity kind tags. These are the codec keys used in snapshots and transfers.
const (
	KindFish    = "fish"
	KindPlant   = "plant"
	KindNectar  = "nectar"
	KindMicrobe = "microbe"
)

// Entity is one object inside a world. Ids are unique within a world only;
// every insert allocates a fresh id at the destination.
type Entity interface {
	ID() string
	Kind() string
	Pos() (x, y float64)
}

// Stats are the per-world ecosystem counters carried by snapshots and
// payloads.
type Stats struct {
	Births      int64            `json:"births"`
	Deaths      int64            `json:"deaths"`
	Generation  int64            `json:"generation"`
	DeathCauses map[string]int64 `json:"death_causes"`
}

// Clone returns a deep copy safe to hand outside the backend lock scope.
func (s Stats) Clone() Stats {
	out := s
	out.DeathCauses = make(map[string]int64, len(s.DeathCauses))
	for k, v := range s.DeathCauses {
		out.DeathCauses[k] = v
	}
	return out
}

// Backend is the simulation engine contract. Implementations are not safe
// for concurrent use; the owning WorldRunner serializes all access.
type Backend interface {
	WorldType() string
	ModeID() string
	ViewMode() string

	// Configure applies backend-specific options. Must be called before
	// Reset; unknown keys are ignored.
	Configure(config map[string]any) *fault.Error

	// Reset rebuilds the initial population deterministically from seed.
	Reset(seed int64)

	// Step advances the world one frame.
	Step() error

	Entities() []Entity
	EntityCount() int
	Stats() Stats
	RestoreStats(Stats)
	Bounds() (w, h float64)

	// Insert adds an externally built entity (migration or restore). The
	// entity must already carry an id from NextID of this backend.
	Insert(e Entity) *fault.Error

	// Remove detaches the entity with the given id and returns it, or nil.
	Remove(id string) Entity

	// NextID allocates a fresh entity id for the given kind.
	NextID(kind string) string

	// Energy ledger hooks used by migration accounting.
	RecordEnergyBurn(reason string, amount float64)
	RecordEnergyGain(reason string, amount float64)
	EnergyLedger() map[string]float64
}

// WorldTypeInfo describes one registered world type for the types listing.
type WorldTypeInfo struct {
	WorldType           string `json:"world_type"`
	ModeID              string `json:"mode_id"`
	ViewMode            string `json:"view_mode"`
	DisplayName         string `json:"display_name"`
	SupportsPersistence bool   `json:"supports_persistence"`
	SupportsActions     bool   `json:"supports_actions"`
	SupportsWebSocket   bool   `json:"supports_websocket"`
	SupportsTransfer    bool   `json:"supports_transfer"`
}

// Catalog maps world type tags to backend factories. It is built once at
// startup and owned by the WorldManager; there is no package-level registry.
type Catalog struct {
	infos     map[string]WorldTypeInfo
	factories map[string]func() Backend
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		infos:     make(map[string]WorldTypeInfo),
		factories: make(map[string]func() Backend),
	}
}

// DefaultCatalog returns a catalog with the built-in backends registered.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register(WorldTypeInfo{
		WorldType:           "tank",
		ModeID:              "tank",
		ViewMode:            "tank_2d",
		DisplayName:         "Fish Tank",
		SupportsPersistence: true,
		SupportsActions:     true,
		SupportsWebSocket:   true,
		SupportsTransfer:    true,
	}, func() Backend { return NewTank() })
	c.Register(WorldTypeInfo{
		WorldType:           "petri",
		ModeID:              "petri",
		ViewMode:            "petri_2d",
		DisplayName:         "Petri Dish",
		SupportsPersistence: true,
		SupportsActions:     true,
		SupportsWebSocket:   true,
		SupportsTransfer:    true,
	}, func() Backend { return NewPetri() })
	return c
}

// Register adds a world type. Re-registering a tag replaces it.
func (c *Catalog) Register(info WorldTypeInfo, factory func() Backend) {
	c.infos[info.WorldType] = info
	c.factories[info.WorldType] = factory
}

// New builds a backend for worldType, or an unknown_type error naming the
// known types.
func (c *Catalog) New(worldType string) (Backend, *fault.Error) {
	factory, ok := c.factories[worldType]
	if !ok {
		return nil, fault.Errorf(fault.UnknownType, "unknown world type %q", worldType).
			With("known_types", c.Known())
	}
	return factory(), nil
}

// Info returns the registered metadata for worldType.
func (c *Catalog) Info(worldType string) (WorldTypeInfo, bool) {
	info, ok := c.infos[worldType]
	return info, ok
}

// Types lists all registered world types, sorted by tag.
func (c *Catalog) Types() []WorldTypeInfo {
	out := make([]WorldTypeInfo, 0, len(c.infos))
	for _, tag := range c.Known() {
		out = append(out, c.infos[tag])
	}
	return out
}

// Known lists the registered tags, sorted.
func (c *Catalog) Known() []string {
	tags := make([]string, 0, len(c.factories))
	for tag := range c.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
