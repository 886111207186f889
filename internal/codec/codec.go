// Package codec converts entities to and from their wire form: flat JSON
// objects tagged with "type". The same dictionaries travel in snapshots, in
// migration payloads between worlds, and in remote-transfer requests between
// servers, so field names here are part of the federation contract.
package codec

import (
	"sort"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/sim"
)

// SchemaVersion is stamped into every serialized entity. Bump it when a
// field changes meaning; deserializers stay tolerant of older payloads.
const SchemaVersion = 1

// DecodeContext carries cross-entity decode state. IDMap maps ids from the
// source document to the ids assigned by the destination backend, letting
// dependent entities (nectar -> plant) follow their parents through a
// restore.
type DecodeContext struct {
	IDMap map[string]string
}

// Codec serializes one entity kind. Deserialize allocates a fresh id from
// the destination backend and inserts the rebuilt entity; the source id
// never survives a move.
type Codec interface {
	Kind() string
	CanSerialize(e sim.Entity) bool
	Serialize(e sim.Entity) (map[string]any, *fault.Error)
	Deserialize(data map[string]any, dst sim.Backend, ctx *DecodeContext) (sim.Entity, *fault.Error)
}

// Registry dispatches on the entity kind (serialize) or the "type" tag
// (deserialize). Safe for concurrent readers after registration.
type Registry struct {
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// DefaultRegistry returns a registry with the built-in entity codecs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(fishCodec{})
	r.Register(plantCodec{})
	r.Register(nectarCodec{})
	r.Register(microbeCodec{})
	return r
}

// Register adds a codec. Re-registering a kind replaces it.
func (r *Registry) Register(c Codec) {
	r.codecs[c.Kind()] = c
}

// Known lists registered kinds, sorted.
func (r *Registry) Known() []string {
	kinds := make([]string, 0, len(r.codecs))
	for k := range r.codecs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// TrySerialize renders an entity to its wire form.
func (r *Registry) TrySerialize(e sim.Entity) (map[string]any, *fault.Error) {
	c, ok := r.codecs[e.Kind()]
	if !ok || !c.CanSerialize(e) {
		return nil, fault.Errorf(fault.UnsupportedEntity, "no codec for entity kind %q", e.Kind()).
			With("entity_id", e.ID())
	}
	return c.Serialize(e)
}

// TryDeserialize rebuilds an entity from its wire form and inserts it into
// dst. The "type" tag selects the codec; a missing or unregistered tag is
// an unknown_type fault carrying the kinds this registry understands.
func (r *Registry) TryDeserialize(data map[string]any, dst sim.Backend, ctx *DecodeContext) (sim.Entity, *fault.Error) {
	tag, ok := data["type"].(string)
	if !ok || tag == "" {
		return nil, fault.Errorf(fault.InvalidPayload, "entity payload missing type tag")
	}
	c, ok := r.codecs[tag]
	if !ok {
		return nil, fault.Errorf(fault.UnknownType, "no codec for type %q", tag).
			With("known_types", r.Known())
	}
	return c.Deserialize(data, dst, ctx)
}

// IsDependent reports whether the kind references another entity and must
// decode after its parent during a two-pass restore.
func IsDependent(kind string) bool {
	return kind == sim.KindNectar
}
