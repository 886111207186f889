package sim

// EnergyCarrier is implemented by entity kinds that carry transferable
// energy. Migration accounting reads it when an entity crosses worlds.
type EnergyCarrier interface {
	Entity
	Energy() float64
}

// Fish is a free-swimming tank entity. It seeks nectar, burns energy every
// frame, and splits when it has stored enough.
type Fish struct {
	EntityID   string
	X, Y       float64
	VX, VY     float64
	Stored     float64
	Generation int64
	Species    string
}

func (f *Fish) ID() string              { return f.EntityID }
func (f *Fish) Kind() string            { return KindFish }
func (f *Fish) Pos() (float64, float64) { return f.X, f.Y }
func (f *Fish) Energy() float64         { return f.Stored }

// Plant is rooted at one of the tank's fixed root spots and sheds nectar as
// it grows. Spot is tank-local and never serialized.
type Plant struct {
	EntityID string
	X, Y     float64
	Spot     int
	Growth   float64
}

func (p *Plant) ID() string              { return p.EntityID }
func (p *Plant) Kind() string            { return KindPlant }
func (p *Plant) Pos() (float64, float64) { return p.X, p.Y }
func (p *Plant) Energy() float64         { return p.Growth }

// Nectar is a consumable dropped by a plant. PlantID references the source
// plant within the same world; restore remaps it when ids are reassigned.
type Nectar struct {
	EntityID string
	X, Y     float64
	Value    float64
	PlantID  string
}

func (n *Nectar) ID() string              { return n.EntityID }
func (n *Nectar) Kind() string            { return KindNectar }
func (n *Nectar) Pos() (float64, float64) { return n.X, n.Y }
func (n *Nectar) Energy() float64         { return n.Value }

// Microbe is the petri dish inhabitant: drifts, feeds while the dish has
// capacity, divides at the split threshold.
type Microbe struct {
	EntityID   string
	X, Y       float64
	Stored     float64
	Generation int64
}

func (m *Microbe) ID() string              { return m.EntityID }
func (m *Microbe) Kind() string            { return KindMicrobe }
func (m *Microbe) Pos() (float64, float64) { return m.X, m.Y }
func (m *Microbe) Energy() float64         { return m.Stored }
