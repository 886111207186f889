package connections

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolaris/tank-sub003/internal/fault"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), "server-a", zerolog.Nop())
}

func TestAddDefaultsIDAndDirection(t *testing.T) {
	s := testStore(t)
	c, replaced, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 10})
	require.Nil(t, ferr)
	assert.False(t, replaced)
	assert.Equal(t, "tank-1->tank-2", c.ID)
	assert.Equal(t, DirectionRight, c.Direction)
	assert.False(t, c.CreatedAt.IsZero())
	assert.Equal(t, 1, s.Count())
}

func TestAddOrderedPairUniqueness(t *testing.T) {
	s := testStore(t)
	first, _, ferr := s.Add(Connection{SourceWorldID: "A", DestWorldID: "B", Probability: 25, Direction: DirectionRight})
	require.Nil(t, ferr)

	second, replaced, ferr := s.Add(Connection{SourceWorldID: "A", DestWorldID: "B", Probability: 50, Direction: DirectionLeft})
	require.Nil(t, ferr)
	assert.True(t, replaced)
	assert.Equal(t, first.ID, second.ID)

	_, replaced, ferr = s.Add(Connection{SourceWorldID: "B", DestWorldID: "A", Probability: 10, Direction: DirectionRight})
	require.Nil(t, ferr)
	assert.False(t, replaced, "reverse pair is an independent edge")

	require.Equal(t, 2, s.Count())
	got, ok := s.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, 50, got.Probability)
	assert.Equal(t, DirectionLeft, got.Direction)
}

func TestAddNormalizesLocalServerID(t *testing.T) {
	s := testStore(t)
	_, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", DestServerID: "server-a", Probability: 10})
	require.Nil(t, ferr)

	_, replaced, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 20})
	require.Nil(t, ferr)
	assert.True(t, replaced, "explicit local server id must key the same as empty")
}

func TestAddRemoteIDIncludesServer(t *testing.T) {
	s := testStore(t)
	c, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-9", DestServerID: "server-b", Probability: 10})
	require.Nil(t, ferr)
	assert.Equal(t, "tank-1->server-b:tank-9", c.ID)
	assert.True(t, c.RemoteDest())
}

func TestAddValidation(t *testing.T) {
	s := testStore(t)

	_, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: -1})
	require.NotNil(t, ferr)
	assert.Equal(t, fault.InvalidPayload, ferr.Code)

	_, _, ferr = s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 101})
	require.NotNil(t, ferr)

	_, _, ferr = s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 10, Direction: "up"})
	require.NotNil(t, ferr)
	assert.Equal(t, fault.InvalidPayload, ferr.Code)

	_, _, ferr = s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-1", Probability: 10})
	require.NotNil(t, ferr)

	_, _, ferr = s.Add(Connection{SourceWorldID: "", DestWorldID: "tank-1", Probability: 10})
	require.NotNil(t, ferr)
}

func TestZeroProbabilityEdgeAllowed(t *testing.T) {
	s := testStore(t)
	_, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 0})
	assert.Nil(t, ferr, "probability 0 is a disabled edge, not an error")
}

func TestSelfPairOnRemoteServerAllowed(t *testing.T) {
	s := testStore(t)
	// Same world id on a different server is a different endpoint.
	_, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-1", DestServerID: "server-b", Probability: 10})
	assert.Nil(t, ferr)
}

func TestForWorldAndClear(t *testing.T) {
	s := testStore(t)
	_, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 10})
	require.Nil(t, ferr)
	_, _, ferr = s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "petri-1", Probability: 10})
	require.Nil(t, ferr)
	_, _, ferr = s.Add(Connection{SourceWorldID: "tank-2", DestWorldID: "tank-1", Probability: 10})
	require.Nil(t, ferr)

	assert.Len(t, s.ForWorld("tank-1"), 2)
	assert.Len(t, s.ForWorld("petri-1"), 0)

	removed := s.ClearForWorld("tank-1")
	assert.Equal(t, 3, removed, "edges into the deleted world go too")
	assert.Equal(t, 0, s.Count())
}

func TestValidatePrunesOnlyLocalLocal(t *testing.T) {
	s := testStore(t)
	_, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 10})
	require.Nil(t, ferr)
	_, _, ferr = s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "gone", Probability: 10})
	require.Nil(t, ferr)
	_, _, ferr = s.Add(Connection{SourceWorldID: "gone", DestWorldID: "remote-w", DestServerID: "server-b", Probability: 10})
	require.Nil(t, ferr)
	_, _, ferr = s.Add(Connection{SourceWorldID: "peer-w", SourceServerID: "server-c", DestWorldID: "gone", Probability: 10})
	require.Nil(t, ferr)

	local := map[string]bool{"tank-1": true, "tank-2": true}
	pruned := s.Validate(func(id string) bool { return local[id] })
	assert.Equal(t, 1, pruned, "only the dangling local-local edge is pruned")
	assert.Equal(t, 3, s.Count())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "server-a", zerolog.Nop())
	added, _, ferr := s.Add(Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2", Probability: 25, Direction: DirectionLeft})
	require.Nil(t, ferr)
	require.NoError(t, s.Save())

	fresh := NewStore(dir, "server-a", zerolog.Nop())
	require.NoError(t, fresh.Load())
	assert.Equal(t, 1, fresh.Count())
	got, ok := fresh.Get(added.ID)
	require.True(t, ok)
	assert.Equal(t, 25, got.Probability)
	assert.Equal(t, DirectionLeft, got.Direction)
	assert.Equal(t, "tank-2", got.DestWorldID)
}

func TestLoadMissingFileIsClean(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.Load())
	assert.Equal(t, 0, s.Count())
}

func TestEndpointLabels(t *testing.T) {
	local := Connection{SourceWorldID: "tank-1", DestWorldID: "tank-2"}
	remote := Connection{SourceWorldID: "tank-1", DestWorldID: "tank-9", DestServerID: "server-b"}
	assert.Equal(t, "tank-2", local.DestLabel())
	assert.Equal(t, "server-b:tank-9", remote.DestLabel())
	assert.Equal(t, "tank-1", remote.SourceLabel())
	assert.True(t, remote.RemoteDest())
	assert.True(t, remote.LocalSource())
}
