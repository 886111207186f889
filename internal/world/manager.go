package world

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/codec"
	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/sim"
)

// CreateOptions are the optional knobs for Manager.Create. A nil Seed draws
// one from the clock; WorldID is assigned unless a restore supplies it.
type CreateOptions struct {
	WorldID        string
	Description    string
	Config         map[string]any
	Seed           *int64
	Persistent     bool
	AllowTransfers bool
}

// Manager is the process-wide world table. The first world created becomes
// the default; deleting it promotes the oldest survivor. Deleting the last
// world is permitted.
type Manager struct {
	mu        sync.RWMutex
	worlds    map[string]*Runner
	defaultID string

	catalog *sim.Catalog
	codecs  *codec.Registry
	opts    Options
	logger  zerolog.Logger
}

func NewManager(catalog *sim.Catalog, codecs *codec.Registry, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		worlds:  make(map[string]*Runner),
		catalog: catalog,
		codecs:  codecs,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "world-manager").Logger(),
	}
}

// Create builds a runner for a new world. The runner is not started; the
// caller starts it once any restore has been applied. Unknown world types
// fail with the list of known types.
func (m *Manager) Create(worldType, name string, o CreateOptions) (*Runner, *fault.Error) {
	backend, ferr := m.catalog.New(worldType)
	if ferr != nil {
		return nil, ferr
	}
	if o.Config != nil {
		if ferr := backend.Configure(o.Config); ferr != nil {
			return nil, ferr
		}
	}
	seed := time.Now().UnixNano()
	if o.Seed != nil {
		seed = *o.Seed
	}
	backend.Reset(seed)

	id := o.WorldID
	if id == "" {
		id = worldType + "-" + uuid.NewString()[:8]
	}
	if name == "" {
		name = id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.worlds[id]; exists {
		return nil, fault.Errorf(fault.InvalidPayload, "world %s already exists", id)
	}
	r := NewRunner(RunnerConfig{
		WorldID:        id,
		Name:           name,
		Description:    o.Description,
		Persistent:     o.Persistent,
		AllowTransfers: o.AllowTransfers,
		Seed:           seed,
		Config:         o.Config,
		Backend:        backend,
		Codecs:         m.codecs,
		Opts:           m.opts,
		Logger:         m.logger,
	})
	m.worlds[id] = r
	if m.defaultID == "" {
		m.defaultID = id
	}
	monitoring.SetWorldsActive(len(m.worlds))
	m.logger.Info().
		Str("world_id", id).
		Str("world_type", worldType).
		Str("name", name).
		Int64("seed", seed).
		Bool("persistent", o.Persistent).
		Msg("World created")
	return r, nil
}

func (m *Manager) Get(id string) (*Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.worlds[id]
	return r, ok
}

// Has is the membership predicate handed to ConnectionStore.Validate.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.worlds[id]
	return ok
}

// List returns runners ordered by creation time, optionally filtered by
// world type.
func (m *Manager) List(typeFilter string) []*Runner {
	m.mu.RLock()
	out := make([]*Runner, 0, len(m.worlds))
	for _, r := range m.worlds {
		if typeFilter != "" && r.WorldType() != typeFilter {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].WorldID() < out[j].WorldID()
	})
	return out
}

// All returns every runner, unfiltered.
func (m *Manager) All() []*Runner {
	return m.List("")
}

// WorldIDs returns the ids of every local world.
func (m *Manager) WorldIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.worlds))
	for id := range m.worlds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete stops the runner and removes the world. Connection cleanup and
// broadcast shutdown belong to the caller, which owns those components.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	r, ok := m.worlds[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.worlds, id)
	if m.defaultID == id {
		m.defaultID = ""
		oldest := time.Time{}
		for wid, w := range m.worlds {
			if m.defaultID == "" || w.CreatedAt().Before(oldest) ||
				(w.CreatedAt().Equal(oldest) && wid < m.defaultID) {
				m.defaultID = wid
				oldest = w.CreatedAt()
			}
		}
	}
	count := len(m.worlds)
	m.mu.Unlock()

	r.Stop()
	monitoring.SetWorldsActive(count)
	monitoring.DropWorldMetrics(id)
	m.logger.Info().Str("world_id", id).Int("remaining", count).Msg("World deleted")
	return true
}

// DefaultWorldID returns the id new subscribers land on, or "" when the
// server has no worlds.
func (m *Manager) DefaultWorldID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultID
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.worlds)
}

// Types describes the registered world types for the API.
func (m *Manager) Types() []sim.WorldTypeInfo {
	return m.catalog.Types()
}
