package codec

import (
	"encoding/json"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/sim"
)

type fishCodec struct{}

func (fishCodec) Kind() string { return sim.KindFish }

func (fishCodec) CanSerialize(e sim.Entity) bool {
	_, ok := e.(*sim.Fish)
	return ok
}

func (fishCodec) Serialize(e sim.Entity) (map[string]any, *fault.Error) {
	f, ok := e.(*sim.Fish)
	if !ok {
		return nil, fault.Errorf(fault.SerializeFailed, "fish codec got %T", e)
	}
	return map[string]any{
		"type":           sim.KindFish,
		"schema_version": SchemaVersion,
		"id":             f.EntityID,
		"x":              f.X,
		"y":              f.Y,
		"vx":             f.VX,
		"vy":             f.VY,
		"energy":         f.Stored,
		"generation":     f.Generation,
		"species":        f.Species,
	}, nil
}

func (fishCodec) Deserialize(data map[string]any, dst sim.Backend, _ *DecodeContext) (sim.Entity, *fault.Error) {
	base, ferr := requireBase(data)
	if ferr != nil {
		return nil, ferr
	}
	f := &sim.Fish{
		EntityID:   dst.NextID(sim.KindFish),
		X:          base.x,
		Y:          base.y,
		VX:         numField(data, "vx", 0),
		VY:         numField(data, "vy", 0),
		Stored:     numField(data, "energy", 0),
		Generation: int64(numField(data, "generation", 1)),
		Species:    strField(data, "species", "guppy"),
	}
	if ferr := dst.Insert(f); ferr != nil {
		return nil, ferr
	}
	return f, nil
}

type plantCodec struct{}

func (plantCodec) Kind() string { return sim.KindPlant }

func (plantCodec) CanSerialize(e sim.Entity) bool {
	_, ok := e.(*sim.Plant)
	return ok
}

// Serialize omits the root-spot index: spots are world-local and the
// destination assigns its own on insert.
func (plantCodec) Serialize(e sim.Entity) (map[string]any, *fault.Error) {
	p, ok := e.(*sim.Plant)
	if !ok {
		return nil, fault.Errorf(fault.SerializeFailed, "plant codec got %T", e)
	}
	return map[string]any{
		"type":           sim.KindPlant,
		"schema_version": SchemaVersion,
		"id":             p.EntityID,
		"x":              p.X,
		"y":              p.Y,
		"energy":         p.Growth,
	}, nil
}

func (plantCodec) Deserialize(data map[string]any, dst sim.Backend, _ *DecodeContext) (sim.Entity, *fault.Error) {
	base, ferr := requireBase(data)
	if ferr != nil {
		return nil, ferr
	}
	p := &sim.Plant{
		EntityID: dst.NextID(sim.KindPlant),
		X:        base.x,
		Y:        base.y,
		Growth:   numField(data, "energy", 0),
	}
	if ferr := dst.Insert(p); ferr != nil {
		return nil, ferr
	}
	return p, nil
}

type nectarCodec struct{}

func (nectarCodec) Kind() string { return sim.KindNectar }

func (nectarCodec) CanSerialize(e sim.Entity) bool {
	_, ok := e.(*sim.Nectar)
	return ok
}

func (nectarCodec) Serialize(e sim.Entity) (map[string]any, *fault.Error) {
	n, ok := e.(*sim.Nectar)
	if !ok {
		return nil, fault.Errorf(fault.SerializeFailed, "nectar codec got %T", e)
	}
	return map[string]any{
		"type":            sim.KindNectar,
		"schema_version":  SchemaVersion,
		"id":              n.EntityID,
		"x":               n.X,
		"y":               n.Y,
		"energy":          n.Value,
		"source_plant_id": n.PlantID,
	}, nil
}

// Deserialize remaps source_plant_id through ctx.IDMap when the parent was
// re-identified earlier in the same restore. An unmapped reference is kept
// as-is: an orphaned nectar is edible either way.
func (nectarCodec) Deserialize(data map[string]any, dst sim.Backend, ctx *DecodeContext) (sim.Entity, *fault.Error) {
	base, ferr := requireBase(data)
	if ferr != nil {
		return nil, ferr
	}
	plantID := strField(data, "source_plant_id", "")
	if ctx != nil && ctx.IDMap != nil {
		if mapped, ok := ctx.IDMap[plantID]; ok {
			plantID = mapped
		}
	}
	n := &sim.Nectar{
		EntityID: dst.NextID(sim.KindNectar),
		X:        base.x,
		Y:        base.y,
		Value:    numField(data, "energy", 0),
		PlantID:  plantID,
	}
	if ferr := dst.Insert(n); ferr != nil {
		return nil, ferr
	}
	return n, nil
}

type microbeCodec struct{}

func (microbeCodec) Kind() string { return sim.KindMicrobe }

func (microbeCodec) CanSerialize(e sim.Entity) bool {
	_, ok := e.(*sim.Microbe)
	return ok
}

func (microbeCodec) Serialize(e sim.Entity) (map[string]any, *fault.Error) {
	m, ok := e.(*sim.Microbe)
	if !ok {
		return nil, fault.Errorf(fault.SerializeFailed, "microbe codec got %T", e)
	}
	return map[string]any{
		"type":           sim.KindMicrobe,
		"schema_version": SchemaVersion,
		"id":             m.EntityID,
		"x":              m.X,
		"y":              m.Y,
		"energy":         m.Stored,
		"generation":     m.Generation,
	}, nil
}

func (microbeCodec) Deserialize(data map[string]any, dst sim.Backend, _ *DecodeContext) (sim.Entity, *fault.Error) {
	base, ferr := requireBase(data)
	if ferr != nil {
		return nil, ferr
	}
	m := &sim.Microbe{
		EntityID:   dst.NextID(sim.KindMicrobe),
		X:          base.x,
		Y:          base.y,
		Stored:     numField(data, "energy", 0),
		Generation: int64(numField(data, "generation", 1)),
	}
	if ferr := dst.Insert(m); ferr != nil {
		return nil, ferr
	}
	return m, nil
}

type baseFields struct {
	id   string
	x, y float64
}

// requireBase validates the mandatory envelope: id, x and y. Values arrive
// either as native Go numbers or as float64 out of encoding/json.
func requireBase(data map[string]any) (baseFields, *fault.Error) {
	id := strField(data, "id", "")
	if id == "" {
		return baseFields{}, fault.Errorf(fault.InvalidPayload, "entity payload missing id")
	}
	x, okX := lookupNum(data, "x")
	y, okY := lookupNum(data, "y")
	if !okX || !okY {
		return baseFields{}, fault.Errorf(fault.InvalidPayload, "entity %s missing position", id)
	}
	return baseFields{id: id, x: x, y: y}, nil
}

func lookupNum(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func numField(data map[string]any, key string, fallback float64) float64 {
	if v, ok := lookupNum(data, key); ok {
		return v
	}
	return fallback
}

func strField(data map[string]any, key, fallback string) string {
	if v, ok := data[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
