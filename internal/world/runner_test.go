package world

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolaris/tank-sub003/internal/codec"
	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/sim"
)

func testRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	backend := sim.NewTank()
	backend.Reset(11)
	return NewRunner(RunnerConfig{
		WorldID: "tank-test",
		Name:    "Test Tank",
		Seed:    11,
		Backend: backend,
		Codecs:  codec.DefaultRegistry(),
		Opts:    opts,
		Logger:  zerolog.Nop(),
	})
}

func advance(t *testing.T, r *Runner, steps int) {
	t.Helper()
	for i := 0; i < steps; i++ {
		_, err := r.Step(nil)
		require.NoError(t, err)
	}
}

func TestGetStateFirstFrameIsFull(t *testing.T) {
	r := testRunner(t, Options{})

	p, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Equal(t, FrameFull, p.Type)
	assert.Equal(t, int64(0), p.Frame)
	assert.NotEmpty(t, p.Entities)
	assert.Equal(t, "tank", p.WorldType)
	assert.NotNil(t, p.Stats)
	assert.NotNil(t, p.Bounds)
}

func TestGetStateCachedWhileFrameUnchanged(t *testing.T) {
	r := testRunner(t, Options{})

	p1, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	p2, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Same(t, p1, p2, "unchanged frame returns the cached payload")
}

// tick advances the world the way the loop does: frames move but the
// broadcast cache survives, exercising the pacing checks.
func tick(r *Runner, frames int) {
	for i := 0; i < frames; i++ {
		r.stepOnce()
	}
}

func TestGetStatePacingAndDelta(t *testing.T) {
	r := testRunner(t, Options{UpdateInterval: 2, DeltaSyncInterval: 90})

	full, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	require.Equal(t, FrameFull, full.Type)

	// One frame in: below the update interval, the stale cache is reused.
	tick(r, 1)
	p, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Same(t, full, p)

	// Second frame crosses the interval and yields a delta.
	tick(r, 1)
	p, ferr = r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Equal(t, FrameDelta, p.Type)
	assert.Equal(t, int64(2), p.Frame)
	assert.NotEmpty(t, p.Updates)
	assert.Empty(t, p.Entities, "deltas carry updates, not the full list")
}

func TestGetStateForcedFullAndDeltaSync(t *testing.T) {
	r := testRunner(t, Options{UpdateInterval: 1, DeltaSyncInterval: 4})

	_, ferr := r.GetState(false, true)
	require.Nil(t, ferr)

	tick(r, 1)
	p, ferr := r.GetState(true, false)
	require.Nil(t, ferr)
	assert.Equal(t, FrameFull, p.Type, "forceFull bypasses the delta path")

	// Deltas until the sync interval elapses, then a forced full.
	tick(r, 1)
	p, ferr = r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Equal(t, FrameDelta, p.Type)

	tick(r, 3)
	p, ferr = r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Equal(t, FrameFull, p.Type, "periodic full frame after enough deltas")
}

func TestGetStateNoDeltaWhenDisallowed(t *testing.T) {
	r := testRunner(t, Options{UpdateInterval: 1})

	_, ferr := r.GetState(false, false)
	require.Nil(t, ferr)
	tick(r, 1)
	p, ferr := r.GetState(false, false)
	require.Nil(t, ferr)
	assert.Equal(t, FrameFull, p.Type)
}

func TestDeltaTracksMigrationInAndOut(t *testing.T) {
	r := testRunner(t, Options{UpdateInterval: 1})

	full, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	require.Equal(t, FrameFull, full.Type)

	// Migration out: the next rebuild reports the removal at the same frame.
	ids := r.ListMigratable(map[string]bool{sim.KindFish: true})
	require.NotEmpty(t, ids)
	gone := ids[0]
	require.True(t, r.RemoveEntityForTransfer(gone, 10))

	p, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	require.Equal(t, FrameDelta, p.Type)
	assert.Contains(t, p.Removed, gone)

	// Migration in: the incoming entity shows up as added.
	incoming := map[string]any{
		"type": sim.KindFish, "schema_version": 1, "id": "fish-9999",
		"x": 10.0, "y": 10.0, "energy": 33.0, "generation": 2.0,
	}
	ent, ferr := r.DeserializeIncoming(incoming)
	require.Nil(t, ferr)

	p, ferr = r.GetState(false, true)
	require.Nil(t, ferr)
	require.Equal(t, FrameDelta, p.Type)
	require.Len(t, p.Added, 1)
	assert.Equal(t, ent.ID(), p.Added[0]["id"])
}

func TestEnergyConservationAcrossTransfer(t *testing.T) {
	src := testRunner(t, Options{})
	dstBackend := sim.NewTank()
	dstBackend.Reset(12)
	dst := NewRunner(RunnerConfig{
		WorldID: "tank-dst", Name: "Dst", Seed: 12,
		Backend: dstBackend, Codecs: codec.DefaultRegistry(), Logger: zerolog.Nop(),
	})

	ids := src.ListMigratable(map[string]bool{sim.KindFish: true})
	require.NotEmpty(t, ids)
	data, ferr := src.SerializeEntityForTransfer(ids[0])
	require.Nil(t, ferr)
	energy, ok := payloadNum(data, "energy")
	require.True(t, ok)

	_, ferr = dst.DeserializeIncoming(data)
	require.Nil(t, ferr)
	require.True(t, src.RemoveEntityForTransfer(ids[0], energy))

	srcFull, ferr := src.GetState(true, false)
	require.Nil(t, ferr)
	dstFull, ferr := dst.GetState(true, false)
	require.Nil(t, ferr)
	assert.Equal(t, -srcFull.Energy["migration"], dstFull.Energy["migration_in"],
		"energy burned at the source equals energy gained at the destination")
}

func TestSerializeEntityGone(t *testing.T) {
	r := testRunner(t, Options{})
	_, ferr := r.SerializeEntityForTransfer("fish-nope")
	require.NotNil(t, ferr)
	assert.Equal(t, fault.SerializeFailed, ferr.Code)
	assert.False(t, r.RemoveEntityForTransfer("fish-nope", 5))
}

func TestCommandsIdempotent(t *testing.T) {
	r := testRunner(t, Options{})

	resp, err := r.HandleCommand("pause", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["paused"])
	resp, err = r.HandleCommand("pause", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["paused"])
	assert.True(t, r.Paused())

	resp, err = r.HandleCommand("resume", nil)
	require.NoError(t, err)
	assert.Equal(t, false, resp["paused"])
	assert.False(t, r.Paused())

	resp, err = r.HandleCommand("fast_forward", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["fast_forward"])
	resp, err = r.HandleCommand("fast_forward", map[string]any{"enabled": true})
	require.NoError(t, err)
	assert.Equal(t, true, resp["fast_forward"])
	resp, err = r.HandleCommand("fast_forward", map[string]any{"enabled": false})
	require.NoError(t, err)
	assert.Equal(t, false, resp["fast_forward"])

	resp, err = r.HandleCommand("step", map[string]any{"steps": 3.0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp["frame_count"])

	_, err = r.HandleCommand("warp", nil)
	require.Error(t, err)
	assert.Equal(t, fault.InvalidPayload, fault.CodeOf(err))
}

func TestResetCommandReseeds(t *testing.T) {
	r := testRunner(t, Options{})
	advance(t, r, 5)
	require.Equal(t, int64(5), r.FrameCount())

	resp, err := r.HandleCommand("reset", map[string]any{"seed": 99.0})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp["frame_count"])
	assert.Equal(t, int64(0), r.FrameCount())

	// Next frame is full again after a reset.
	p, ferr := r.GetState(false, true)
	require.Nil(t, ferr)
	assert.Equal(t, FrameFull, p.Type)
}

func TestDegradedAfterRepeatedFailures(t *testing.T) {
	backend := sim.NewTank()
	backend.Reset(1)
	flaky := &flakyBackend{Tank: backend}
	r := NewRunner(RunnerConfig{
		WorldID: "tank-flaky", Name: "Flaky", Seed: 1,
		Backend: flaky, Codecs: codec.DefaultRegistry(),
		Opts:   Options{MaxStepFailures: 3},
		Logger: zerolog.Nop(),
	})

	flaky.err = errors.New("backend wedged")
	for i := 0; i < 3; i++ {
		r.stepOnce()
	}
	assert.True(t, r.Degraded())
	assert.Equal(t, int64(0), r.FrameCount(), "failing steps never advance the frame")

	_, ferr := r.GetState(false, true)
	require.NotNil(t, ferr)
	assert.Equal(t, fault.DegradedRunner, ferr.Code)

	// Commands still work; resume clears the degradation.
	_, err := r.HandleCommand("resume", nil)
	require.NoError(t, err)
	assert.False(t, r.Degraded())
	flaky.err = nil
	_, ferr = r.GetState(false, true)
	assert.Nil(t, ferr)
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	backend := sim.NewTank()
	backend.Reset(1)
	flaky := &flakyBackend{Tank: backend}
	r := NewRunner(RunnerConfig{
		WorldID: "tank-flaky", Name: "Flaky", Seed: 1,
		Backend: flaky, Codecs: codec.DefaultRegistry(),
		Opts:   Options{MaxStepFailures: 3},
		Logger: zerolog.Nop(),
	})

	flaky.err = errors.New("hiccup")
	r.stepOnce()
	r.stepOnce()
	flaky.err = nil
	r.stepOnce()
	flaky.err = errors.New("hiccup")
	r.stepOnce()
	r.stepOnce()
	assert.False(t, r.Degraded(), "non-consecutive failures do not degrade")
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := testRunner(t, Options{})
	advance(t, src, 10)
	_, err := src.HandleCommand("pause", nil)
	require.NoError(t, err)

	doc := src.CaptureSnapshot()
	require.NotNil(t, doc)
	assert.Equal(t, int64(10), doc.Frame)
	assert.True(t, doc.Paused)
	assert.Equal(t, "tank", doc.Metadata.WorldType)

	dstBackend := sim.NewTank()
	dstBackend.Reset(77)
	dst := NewRunner(RunnerConfig{
		WorldID: "tank-restored", Name: "Restored", Seed: 77,
		Backend: dstBackend, Codecs: codec.DefaultRegistry(), Logger: zerolog.Nop(),
	})
	require.Nil(t, dst.RestoreSnapshot(doc))

	assert.Equal(t, src.FrameCount(), dst.FrameCount())
	assert.True(t, dst.Paused())
	assert.Equal(t, src.EntityCount(), dst.EntityCount())

	srcStats := src.Status()
	dstStats := dst.Status()
	assert.Equal(t, srcStats.EntityCount, dstStats.EntityCount)
}

func TestSnapshotRestoreRemapsNectarParents(t *testing.T) {
	backend := sim.NewTank()
	backend.Reset(5)
	var plantID string
	for _, e := range backend.Entities() {
		if e.Kind() == sim.KindPlant {
			plantID = e.ID()
			break
		}
	}
	require.NotEmpty(t, plantID)
	require.Nil(t, backend.Insert(&sim.Nectar{EntityID: backend.NextID(sim.KindNectar), X: 3, Y: 4, Value: 20, PlantID: plantID}))

	src := NewRunner(RunnerConfig{
		WorldID: "tank-src", Name: "Src", Seed: 5,
		Backend: backend, Codecs: codec.DefaultRegistry(), Logger: zerolog.Nop(),
	})
	doc := src.CaptureSnapshot()

	dstBackend := sim.NewTank()
	dstBackend.Reset(6)
	dst := NewRunner(RunnerConfig{
		WorldID: "tank-dst", Name: "Dst", Seed: 6,
		Backend: dstBackend, Codecs: codec.DefaultRegistry(), Logger: zerolog.Nop(),
	})
	require.Nil(t, dst.RestoreSnapshot(doc))

	full, ferr := dst.GetState(true, false)
	require.Nil(t, ferr)
	plantIDs := make(map[string]bool)
	for _, e := range full.Entities {
		if e["type"] == sim.KindPlant {
			plantIDs[e["id"].(string)] = true
		}
	}
	found := false
	for _, e := range full.Entities {
		if e["type"] == sim.KindNectar {
			found = true
			assert.True(t, plantIDs[e["source_plant_id"].(string)],
				"nectar parent must point at a plant id assigned during restore")
		}
	}
	assert.True(t, found, "snapshot must carry the nectar")
}

func TestRestoreFailureLeavesWorldEmpty(t *testing.T) {
	r := testRunner(t, Options{})
	doc := r.CaptureSnapshot()
	doc.Entities = append(doc.Entities, map[string]any{"type": "dragon", "id": "d-1", "x": 1.0, "y": 1.0})

	ferr := r.RestoreSnapshot(doc)
	require.NotNil(t, ferr)
	assert.Equal(t, fault.UnknownType, ferr.Code)
	assert.Equal(t, 0, r.EntityCount(), "failed restore leaves the world empty but consistent")
}

func TestSerializeStateCanonicalJSON(t *testing.T) {
	r := testRunner(t, Options{})
	p, ferr := r.GetState(true, false)
	require.Nil(t, ferr)

	data, err := r.SerializeState(p)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, FrameFull, decoded["type"])
	assert.Equal(t, "tank-test", decoded["world_id"])
}

func TestTickLoopAdvancesAndPauses(t *testing.T) {
	r := testRunner(t, Options{TickRate: 100})
	r.Start(false)
	defer r.Stop()

	require.Eventually(t, func() bool { return r.FrameCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := r.HandleCommand("pause", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond) // let any in-flight tick finish
	before := r.FrameCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, r.FrameCount(), "paused worlds do not advance")

	r.Start(false) // second start is a no-op
	assert.True(t, r.Running())
	r.Stop()
	assert.False(t, r.Running())
	r.Stop() // second stop is a no-op
}

type flakyBackend struct {
	*sim.Tank
	err error
}

func (f *flakyBackend) Step() error {
	if f.err != nil {
		return f.err
	}
	return f.Tank.Step()
}
