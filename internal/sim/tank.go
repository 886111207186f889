package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/mbolaris/tank-sub003/internal/fault"
)

// Tank tuning constants. Values are per frame at the nominal tick rate.
const (
	tankWidth  = 800.0
	tankHeight = 600.0

	tankRootSpots   = 12
	rootSpotY       = tankHeight - 20
	fishSpeed       = 2.4
	fishSenseRadius = 120.0
	fishEatRadius   = 10.0
	fishMetabolism  = 0.15
	fishSplitAt     = 150.0
	fishStartEnergy = 60.0

	plantGrowthRate  = 0.4
	nectarCost       = 25.0
	nectarValue      = 20.0
	nectarPerPlant   = 3
	plantStartGrowth = 10.0
)

// Tank is the fish-tank backend: fish roam and feed, plants occupy a fixed
// grid of root spots along the floor and shed nectar. Not safe for
// concurrent use; the owning runner serializes access.
type Tank struct {
	fish    []*Fish
	plants  []*Plant
	nectar  []*Nectar
	spots   [tankRootSpots]string // spot index -> plant id, "" when free
	rng     *rand.Rand
	counter map[string]int
	stats   Stats
	ledger  map[string]float64

	initialFish   int
	initialPlants int
}

// NewTank returns an unpopulated tank. Call Reset before stepping.
func NewTank() *Tank {
	return &Tank{
		rng:           rand.New(rand.NewSource(1)),
		counter:       make(map[string]int),
		ledger:        make(map[string]float64),
		stats:         Stats{DeathCauses: make(map[string]int64)},
		initialFish:   6,
		initialPlants: 4,
	}
}

func (t *Tank) WorldType() string { return "tank" }
func (t *Tank) ModeID() string    { return "tank" }
func (t *Tank) ViewMode() string  { return "tank_2d" }

// Configure accepts initial_fish and initial_plants. Unknown keys are
// ignored so payloads from newer peers stay loadable.
func (t *Tank) Configure(config map[string]any) *fault.Error {
	if n, ok, ferr := intOption(config, "initial_fish"); ferr != nil {
		return ferr
	} else if ok {
		t.initialFish = n
	}
	if n, ok, ferr := intOption(config, "initial_plants"); ferr != nil {
		return ferr
	} else if ok {
		if n > tankRootSpots {
			return fault.Errorf(fault.InvalidPayload, "initial_plants %d exceeds %d root spots", n, tankRootSpots)
		}
		t.initialPlants = n
	}
	return nil
}

// Reset repopulates the tank from the seed. Two resets with the same seed
// and configuration produce identical populations.
func (t *Tank) Reset(seed int64) {
	t.rng = rand.New(rand.NewSource(seed))
	t.fish = nil
	t.plants = nil
	t.nectar = nil
	t.spots = [tankRootSpots]string{}
	t.counter = make(map[string]int)
	t.stats = Stats{DeathCauses: make(map[string]int64)}
	t.ledger = make(map[string]float64)

	for i := 0; i < t.initialPlants && i < tankRootSpots; i++ {
		p := &Plant{
			EntityID: t.NextID(KindPlant),
			Spot:     i,
			Growth:   plantStartGrowth,
		}
		p.X, p.Y = spotPos(i)
		t.spots[i] = p.EntityID
		t.plants = append(t.plants, p)
	}
	for i := 0; i < t.initialFish; i++ {
		f := &Fish{
			EntityID:   t.NextID(KindFish),
			X:          t.rng.Float64() * tankWidth,
			Y:          t.rng.Float64() * (tankHeight - 100),
			Stored:     fishStartEnergy,
			Generation: 1,
			Species:    "guppy",
		}
		f.VX, f.VY = t.randDir(fishSpeed)
		t.fish = append(t.fish, f)
	}
	t.stats.Generation = 1
}

// Step advances the tank one frame: plants shed nectar, fish seek, feed,
// starve, and split.
func (t *Tank) Step() error {
	for _, p := range t.plants {
		p.Growth += plantGrowthRate
		if p.Growth >= nectarCost && t.nectarFrom(p.EntityID) < nectarPerPlant {
			p.Growth -= nectarCost
			n := &Nectar{
				EntityID: t.NextID(KindNectar),
				X:        clamp(p.X+(t.rng.Float64()-0.5)*60, 0, tankWidth),
				Y:        clamp(p.Y-20-t.rng.Float64()*40, 0, tankHeight),
				Value:    nectarValue,
				PlantID:  p.EntityID,
			}
			t.nectar = append(t.nectar, n)
		}
	}

	survivors := t.fish[:0]
	var hatched []*Fish
	for _, f := range t.fish {
		if target := t.nearestNectar(f); target != nil {
			dx, dy := target.X-f.X, target.Y-f.Y
			dist := math.Hypot(dx, dy)
			if dist > 0 {
				f.VX = dx / dist * fishSpeed
				f.VY = dy / dist * fishSpeed
			}
			if dist < fishEatRadius {
				f.Stored += target.Value
				t.RecordEnergyGain("feeding", target.Value)
				t.removeNectar(target.EntityID)
			}
		} else if t.rng.Float64() < 0.05 {
			f.VX, f.VY = t.randDir(fishSpeed)
		}
		f.X, f.Y = bounce(f.X+f.VX, f.Y+f.VY, &f.VX, &f.VY)

		f.Stored -= fishMetabolism
		t.RecordEnergyBurn("metabolism", fishMetabolism)
		if f.Stored <= 0 {
			t.stats.Deaths++
			t.stats.DeathCauses["starvation"]++
			continue
		}
		if f.Stored >= fishSplitAt {
			half := f.Stored / 2
			f.Stored = half
			child := &Fish{
				EntityID:   t.NextID(KindFish),
				X:          f.X,
				Y:          f.Y,
				Stored:     half,
				Generation: f.Generation + 1,
				Species:    f.Species,
			}
			child.VX, child.VY = t.randDir(fishSpeed)
			hatched = append(hatched, child)
			t.stats.Births++
			if child.Generation > t.stats.Generation {
				t.stats.Generation = child.Generation
			}
		}
		survivors = append(survivors, f)
	}
	t.fish = append(survivors, hatched...)
	return nil
}

func (t *Tank) Entities() []Entity {
	out := make([]Entity, 0, t.EntityCount())
	for _, f := range t.fish {
		out = append(out, f)
	}
	for _, p := range t.plants {
		out = append(out, p)
	}
	for _, n := range t.nectar {
		out = append(out, n)
	}
	return out
}

func (t *Tank) EntityCount() int { return len(t.fish) + len(t.plants) + len(t.nectar) }

func (t *Tank) Stats() Stats            { return t.stats.Clone() }
func (t *Tank) RestoreStats(s Stats)    { t.stats = s.Clone() }
func (t *Tank) Bounds() (w, h float64)  { return tankWidth, tankHeight }
func (t *Tank) NextID(kind string) string {
	t.counter[kind]++
	return fmt.Sprintf("%s-%04d", kind, t.counter[kind])
}

// Insert adds an entity built by a codec. Plants claim the first free root
// spot and fail with no_root_spots when the grid is full.
func (t *Tank) Insert(e Entity) *fault.Error {
	switch v := e.(type) {
	case *Fish:
		v.X = clamp(v.X, 0, tankWidth)
		v.Y = clamp(v.Y, 0, tankHeight)
		if v.VX == 0 && v.VY == 0 {
			v.VX, v.VY = t.randDir(fishSpeed)
		}
		t.fish = append(t.fish, v)
	case *Plant:
		spot := -1
		for i := range t.spots {
			if t.spots[i] == "" {
				spot = i
				break
			}
		}
		if spot < 0 {
			return fault.Errorf(fault.NoRootSpots, "all %d root spots occupied", tankRootSpots)
		}
		v.Spot = spot
		v.X, v.Y = spotPos(spot)
		t.spots[spot] = v.EntityID
		t.plants = append(t.plants, v)
	case *Nectar:
		v.X = clamp(v.X, 0, tankWidth)
		v.Y = clamp(v.Y, 0, tankHeight)
		t.nectar = append(t.nectar, v)
	default:
		return fault.Errorf(fault.UnsupportedEntity, "tank cannot host %q entities", e.Kind())
	}
	return nil
}

// Remove detaches an entity by id and returns it, or nil when absent.
// Removing a plant frees its root spot; its nectar is left to be eaten.
func (t *Tank) Remove(id string) Entity {
	for i, f := range t.fish {
		if f.EntityID == id {
			t.fish = append(t.fish[:i], t.fish[i+1:]...)
			return f
		}
	}
	for i, p := range t.plants {
		if p.EntityID == id {
			t.plants = append(t.plants[:i], t.plants[i+1:]...)
			if p.Spot >= 0 && p.Spot < tankRootSpots && t.spots[p.Spot] == id {
				t.spots[p.Spot] = ""
			}
			return p
		}
	}
	for i, n := range t.nectar {
		if n.EntityID == id {
			t.nectar = append(t.nectar[:i], t.nectar[i+1:]...)
			return n
		}
	}
	return nil
}

func (t *Tank) RecordEnergyBurn(reason string, amount float64) { t.ledger[reason] -= amount }
func (t *Tank) RecordEnergyGain(reason string, amount float64) { t.ledger[reason] += amount }

func (t *Tank) EnergyLedger() map[string]float64 {
	out := make(map[string]float64, len(t.ledger))
	for k, v := range t.ledger {
		out[k] = v
	}
	return out
}

// FreeRootSpots reports how many plant slots remain.
func (t *Tank) FreeRootSpots() int {
	free := 0
	for _, id := range t.spots {
		if id == "" {
			free++
		}
	}
	return free
}

func (t *Tank) nearestNectar(f *Fish) *Nectar {
	var best *Nectar
	bestDist := fishSenseRadius
	for _, n := range t.nectar {
		d := math.Hypot(n.X-f.X, n.Y-f.Y)
		if d < bestDist {
			best = n
			bestDist = d
		}
	}
	return best
}

func (t *Tank) nectarFrom(plantID string) int {
	c := 0
	for _, n := range t.nectar {
		if n.PlantID == plantID {
			c++
		}
	}
	return c
}

func (t *Tank) removeNectar(id string) {
	for i, n := range t.nectar {
		if n.EntityID == id {
			t.nectar = append(t.nectar[:i], t.nectar[i+1:]...)
			return
		}
	}
}

func (t *Tank) randDir(speed float64) (float64, float64) {
	angle := t.rng.Float64() * 2 * math.Pi
	return math.Cos(angle) * speed, math.Sin(angle) * speed
}

func spotPos(i int) (float64, float64) {
	step := tankWidth / (tankRootSpots + 1)
	return step * float64(i+1), rootSpotY
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func bounce(x, y float64, vx, vy *float64) (float64, float64) {
	if x < 0 || x > tankWidth {
		*vx = -*vx
		x = clamp(x, 0, tankWidth)
	}
	if y < 0 || y > tankHeight {
		*vy = -*vy
		y = clamp(y, 0, tankHeight)
	}
	return x, y
}

func intOption(config map[string]any, key string) (int, bool, *fault.Error) {
	raw, ok := config[key]
	if !ok {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case int:
		return v, true, nil
	case int64:
		return int(v), true, nil
	case float64:
		return int(v), true, nil
	default:
		return 0, false, fault.Errorf(fault.InvalidPayload, "%s must be a number, got %T", key, raw)
	}
}
