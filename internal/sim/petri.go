package sim

import (
	"fmt"
	"math/rand"

	"github.com/mbolaris/tank-sub003/internal/fault"
)

const (
	petriWidth  = 400.0
	petriHeight = 400.0

	microbeDrift      = 1.2
	microbeMetabolism = 0.3
	microbeFeedRate   = 0.5
	microbeSplitAt    = 100.0
	microbeStart      = 40.0
	petriCapacity     = 60
)

// Petri is the petri-dish backend: microbes drift, absorb nutrients while
// the dish is under capacity, and divide. There is no root-spot grid, so
// inserts never back-pressure; foreign kinds are refused outright.
type Petri struct {
	microbes []*Microbe
	rng      *rand.Rand
	counter  map[string]int
	stats    Stats
	ledger   map[string]float64

	initialMicrobes int
	capacity        int
}

// NewPetri returns an unpopulated dish. Call Reset before stepping.
func NewPetri() *Petri {
	return &Petri{
		rng:             rand.New(rand.NewSource(1)),
		counter:         make(map[string]int),
		ledger:          make(map[string]float64),
		stats:           Stats{DeathCauses: make(map[string]int64)},
		initialMicrobes: 10,
		capacity:        petriCapacity,
	}
}

func (p *Petri) WorldType() string { return "petri" }
func (p *Petri) ModeID() string    { return "petri" }
func (p *Petri) ViewMode() string  { return "petri_2d" }

func (p *Petri) Configure(config map[string]any) *fault.Error {
	if n, ok, ferr := intOption(config, "initial_microbes"); ferr != nil {
		return ferr
	} else if ok {
		p.initialMicrobes = n
	}
	if n, ok, ferr := intOption(config, "capacity"); ferr != nil {
		return ferr
	} else if ok && n > 0 {
		p.capacity = n
	}
	return nil
}

func (p *Petri) Reset(seed int64) {
	p.rng = rand.New(rand.NewSource(seed))
	p.microbes = nil
	p.counter = make(map[string]int)
	p.stats = Stats{DeathCauses: make(map[string]int64), Generation: 1}
	p.ledger = make(map[string]float64)

	for i := 0; i < p.initialMicrobes; i++ {
		p.microbes = append(p.microbes, &Microbe{
			EntityID:   p.NextID(KindMicrobe),
			X:          p.rng.Float64() * petriWidth,
			Y:          p.rng.Float64() * petriHeight,
			Stored:     microbeStart,
			Generation: 1,
		})
	}
}

func (p *Petri) Step() error {
	feeding := len(p.microbes) < p.capacity
	survivors := p.microbes[:0]
	var divided []*Microbe
	for _, m := range p.microbes {
		m.X = clamp(m.X+(p.rng.Float64()-0.5)*2*microbeDrift, 0, petriWidth)
		m.Y = clamp(m.Y+(p.rng.Float64()-0.5)*2*microbeDrift, 0, petriHeight)

		if feeding {
			m.Stored += microbeFeedRate
			p.RecordEnergyGain("nutrients", microbeFeedRate)
		}
		m.Stored -= microbeMetabolism
		p.RecordEnergyBurn("metabolism", microbeMetabolism)

		if m.Stored <= 0 {
			p.stats.Deaths++
			p.stats.DeathCauses["starvation"]++
			continue
		}
		if m.Stored >= microbeSplitAt {
			half := m.Stored / 2
			m.Stored = half
			child := &Microbe{
				EntityID:   p.NextID(KindMicrobe),
				X:          m.X,
				Y:          m.Y,
				Stored:     half,
				Generation: m.Generation + 1,
			}
			divided = append(divided, child)
			p.stats.Births++
			if child.Generation > p.stats.Generation {
				p.stats.Generation = child.Generation
			}
		}
		survivors = append(survivors, m)
	}
	p.microbes = append(survivors, divided...)
	return nil
}

func (p *Petri) Entities() []Entity {
	out := make([]Entity, len(p.microbes))
	for i, m := range p.microbes {
		out[i] = m
	}
	return out
}

func (p *Petri) EntityCount() int { return len(p.microbes) }

func (p *Petri) Stats() Stats           { return p.stats.Clone() }
func (p *Petri) RestoreStats(s Stats)   { p.stats = s.Clone() }
func (p *Petri) Bounds() (w, h float64) { return petriWidth, petriHeight }

func (p *Petri) NextID(kind string) string {
	p.counter[kind]++
	return fmt.Sprintf("%s-%04d", kind, p.counter[kind])
}

func (p *Petri) Insert(e Entity) *fault.Error {
	m, ok := e.(*Microbe)
	if !ok {
		return fault.Errorf(fault.UnsupportedEntity, "petri dish cannot host %q entities", e.Kind())
	}
	m.X = clamp(m.X, 0, petriWidth)
	m.Y = clamp(m.Y, 0, petriHeight)
	p.microbes = append(p.microbes, m)
	return nil
}

func (p *Petri) Remove(id string) Entity {
	for i, m := range p.microbes {
		if m.EntityID == id {
			p.microbes = append(p.microbes[:i], p.microbes[i+1:]...)
			return m
		}
	}
	return nil
}

func (p *Petri) RecordEnergyBurn(reason string, amount float64) { p.ledger[reason] -= amount }
func (p *Petri) RecordEnergyGain(reason string, amount float64) { p.ledger[reason] += amount }

func (p *Petri) EnergyLedger() map[string]float64 {
	out := make(map[string]float64, len(p.ledger))
	for k, v := range p.ledger {
		out[k] = v
	}
	return out
}
