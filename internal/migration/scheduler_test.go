package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolaris/tank-sub003/internal/codec"
	"github.com/mbolaris/tank-sub003/internal/connections"
	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/federation"
	"github.com/mbolaris/tank-sub003/internal/sim"
	"github.com/mbolaris/tank-sub003/internal/world"
)

type fakeSender struct {
	mu    sync.Mutex
	res   *federation.RemoteTransferResult
	ferr  *fault.Error
	calls int
	last  *federation.RemoteTransferRequest
}

func (f *fakeSender) RemoteTransferEntity(_ context.Context, _ string, req *federation.RemoteTransferRequest) (*federation.RemoteTransferResult, *fault.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.ferr != nil {
		return nil, f.ferr
	}
	return f.res, nil
}

type fixture struct {
	worlds  *world.Manager
	conns   *connections.Store
	history *History
	sched   *Scheduler
}

func newFixture(t *testing.T, cfg SchedulerConfig) *fixture {
	t.Helper()
	seedA, seedB := int64(7), int64(8)
	m := world.NewManager(sim.DefaultCatalog(), codec.DefaultRegistry(), world.Options{}, zerolog.Nop())
	_, ferr := m.Create("tank", "Tank A", world.CreateOptions{WorldID: "tank-a", Seed: &seedA})
	require.Nil(t, ferr)
	_, ferr = m.Create("tank", "Tank B", world.CreateOptions{WorldID: "tank-b", Seed: &seedB})
	require.Nil(t, ferr)

	conns := connections.NewStore(t.TempDir(), "server-a", zerolog.Nop())
	hist, err := NewHistory(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	cfg.Worlds = m
	cfg.Connections = conns
	cfg.History = hist
	cfg.ServerID = "server-a"
	cfg.Logger = zerolog.Nop()
	s := NewScheduler(cfg)
	s.rollFn = func() int { return 1 } // always fire unless probability is 0
	return &fixture{worlds: m, conns: conns, history: hist, sched: s}
}

func (fx *fixture) counts(t *testing.T) (int, int) {
	t.Helper()
	a, ok := fx.worlds.Get("tank-a")
	require.True(t, ok)
	b, ok := fx.worlds.Get("tank-b")
	require.True(t, ok)
	return a.EntityCount(), b.EntityCount()
}

func addConn(t *testing.T, fx *fixture, c connections.Connection) connections.Connection {
	t.Helper()
	added, _, ferr := fx.conns.Add(c)
	require.Nil(t, ferr)
	return added
}

func TestLocalMigrationMovesOneEntity(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "tank-b", Probability: 100})
	srcBefore, dstBefore := fx.counts(t)

	fx.sched.RunOnce(context.Background())

	srcAfter, dstAfter := fx.counts(t)
	assert.Equal(t, srcBefore-1, srcAfter)
	assert.Equal(t, dstBefore+1, dstAfter)

	recs := fx.history.Query(0, "", false)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.True(t, rec.Success)
	assert.Equal(t, "tank-a", rec.SourceWorldID)
	assert.Equal(t, "tank-b", rec.DestWorldID)
	assert.Equal(t, "Tank A", rec.SourceWorldName)
	assert.Equal(t, "Tank B", rec.DestWorldName)
	assert.NotEmpty(t, rec.EntityNewID)
	assert.NotEqual(t, rec.EntityOldID, rec.EntityNewID, "destination assigns a fresh id")
	assert.NotZero(t, rec.SelectionSeed)

	in, out := fx.history.Flows("tank-a")
	assert.Equal(t, int64(0), in)
	assert.Equal(t, int64(1), out)
	in, _ = fx.history.Flows("tank-b")
	assert.Equal(t, int64(1), in)
}

func TestProbabilityGatesTheRoll(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "tank-b", Probability: 30})
	srcBefore, _ := fx.counts(t)

	fx.sched.rollFn = func() int { return 31 }
	fx.sched.RunOnce(context.Background())
	srcAfter, _ := fx.counts(t)
	assert.Equal(t, srcBefore, srcAfter, "roll above probability skips")
	assert.Equal(t, 0, fx.history.Count())

	fx.sched.rollFn = func() int { return 30 }
	fx.sched.RunOnce(context.Background())
	srcAfter, _ = fx.counts(t)
	assert.Equal(t, srcBefore-1, srcAfter, "roll at probability fires")
}

func TestZeroProbabilityNeverFires(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "tank-b", Probability: 0})

	for i := 0; i < 20; i++ {
		fx.sched.RunOnce(context.Background())
	}
	assert.Equal(t, 0, fx.history.Count())
}

func TestPausedEndpointsAreSkipped(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "tank-b", Probability: 100})
	srcBefore, dstBefore := fx.counts(t)

	dst, _ := fx.worlds.Get("tank-b")
	_, err := dst.HandleCommand("pause", nil)
	require.NoError(t, err)
	fx.sched.RunOnce(context.Background())

	srcAfter, dstAfter := fx.counts(t)
	assert.Equal(t, srcBefore, srcAfter)
	assert.Equal(t, dstBefore, dstAfter)
	assert.Equal(t, 0, fx.history.Count())
}

func TestMissingWorldIsSkipped(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "tank-gone", Probability: 100})

	fx.sched.RunOnce(context.Background())
	assert.Equal(t, 0, fx.history.Count())
}

// Fifty sweeps against a destination with zero free root spots must leave
// no trace: no records, both populations untouched.
func TestNoRootSpotsIsSilent(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{Migratable: map[string]bool{sim.KindPlant: true}})
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "tank-b", Probability: 100})

	dst, _ := fx.worlds.Get("tank-b")
	for i := 0; ; i++ {
		_, ferr := dst.DeserializeIncoming(map[string]any{
			"type": sim.KindPlant, "schema_version": 1,
			"id": "seed", "x": 10.0, "y": 580.0, "energy": 15.0,
		})
		if ferr != nil {
			require.Equal(t, fault.NoRootSpots, ferr.Code)
			break
		}
		require.Less(t, i, 16, "root spot grid should fill up")
	}
	srcBefore, dstBefore := fx.counts(t)

	for i := 0; i < 50; i++ {
		fx.sched.RunOnce(context.Background())
	}

	srcAfter, dstAfter := fx.counts(t)
	assert.Equal(t, 0, fx.history.Count(), "back-pressure aborts leave no record")
	assert.Equal(t, srcBefore, srcAfter)
	assert.Equal(t, dstBefore, dstAfter)
}

func TestCrossTypeMigrationRecordsFailure(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	_, ferr := fx.worlds.Create("petri", "Dish", world.CreateOptions{WorldID: "petri-x"})
	require.Nil(t, ferr)
	addConn(t, fx, connections.Connection{SourceWorldID: "tank-a", DestWorldID: "petri-x", Probability: 100})
	srcBefore, _ := fx.counts(t)

	fx.sched.RunOnce(context.Background())

	srcAfter, _ := fx.counts(t)
	assert.Equal(t, srcBefore, srcAfter, "failed insert leaves the entity at home")
	recs := fx.history.Query(0, "", false)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, string(fault.UnsupportedEntity), recs[0].ErrorCode)
}

func newRemoteFixture(t *testing.T, sender *fakeSender) *fixture {
	t.Helper()
	disc := federation.NewDiscovery(t.TempDir(), federation.DiscoveryOptions{}, zerolog.Nop())
	disc.Register(federation.ServerInfo{ServerID: "server-b", Host: "10.0.0.2", Port: 8000})
	fx := newFixture(t, SchedulerConfig{Discovery: disc, Peers: sender})
	addConn(t, fx, connections.Connection{
		SourceWorldID: "tank-a",
		DestWorldID:   "tank-z",
		DestServerID:  "server-b",
		Probability:   100,
	})
	return fx
}

func TestRemoteMigrationSuccess(t *testing.T) {
	sender := &fakeSender{res: &federation.RemoteTransferResult{
		Success: true,
		Entity:  federation.TransferredEntity{NewID: "fish-0777", Type: "fish"},
	}}
	fx := newRemoteFixture(t, sender)
	srcBefore, _ := fx.counts(t)

	fx.sched.RunOnce(context.Background())

	srcAfter, _ := fx.counts(t)
	assert.Equal(t, srcBefore-1, srcAfter, "the wire is the commit point")
	require.Equal(t, 1, sender.calls)
	assert.Equal(t, "tank-z", sender.last.DestinationWorldID)
	assert.Equal(t, "server-a", sender.last.SourceServerID)
	assert.Equal(t, "tank-a", sender.last.SourceWorldID)
	assert.NotEmpty(t, sender.last.EntityData["type"])

	recs := fx.history.Query(0, "", false)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
	assert.Equal(t, "server-b:tank-z", recs[0].DestWorldID)
	assert.Equal(t, "fish-0777", recs[0].EntityNewID)
}

func TestRemoteFailureRestoresEntity(t *testing.T) {
	sender := &fakeSender{ferr: fault.Errorf(fault.UnreachableServer, "dial tcp: refused")}
	fx := newRemoteFixture(t, sender)
	srcBefore, _ := fx.counts(t)

	fx.sched.RunOnce(context.Background())

	srcAfter, _ := fx.counts(t)
	assert.Equal(t, srcBefore, srcAfter, "entity is restored after a failed send")
	recs := fx.history.Query(0, "", false)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, string(fault.UnreachableServer), recs[0].ErrorCode)
}

func TestRemoteNoRootSpotsRestoresSilently(t *testing.T) {
	sender := &fakeSender{ferr: fault.New(fault.NoRootSpots)}
	fx := newRemoteFixture(t, sender)
	srcBefore, _ := fx.counts(t)

	fx.sched.RunOnce(context.Background())

	srcAfter, _ := fx.counts(t)
	assert.Equal(t, srcBefore, srcAfter)
	assert.Equal(t, 0, fx.history.Count(), "peer back-pressure is as silent as local")
}

func TestRemoteUnknownServerRecordsFailure(t *testing.T) {
	sender := &fakeSender{}
	disc := federation.NewDiscovery(t.TempDir(), federation.DiscoveryOptions{}, zerolog.Nop())
	fx := newFixture(t, SchedulerConfig{Discovery: disc, Peers: sender})
	addConn(t, fx, connections.Connection{
		SourceWorldID: "tank-a",
		DestWorldID:   "tank-z",
		DestServerID:  "server-ghost",
		Probability:   100,
	})
	srcBefore, _ := fx.counts(t)

	fx.sched.RunOnce(context.Background())

	srcAfter, _ := fx.counts(t)
	assert.Equal(t, srcBefore, srcAfter, "lookup happens before removal")
	assert.Equal(t, 0, sender.calls)
	recs := fx.history.Query(0, "", false)
	require.Len(t, recs, 1)
	assert.Equal(t, string(fault.UnknownServer), recs[0].ErrorCode)
}

func TestRemoteSkippedWithoutFederation(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	addConn(t, fx, connections.Connection{
		SourceWorldID: "tank-a",
		DestWorldID:   "tank-z",
		DestServerID:  "server-b",
		Probability:   100,
	})

	fx.sched.RunOnce(context.Background())
	assert.Equal(t, 0, fx.history.Count())
}

func TestEntityPickIsSeedDeterministic(t *testing.T) {
	fx := newFixture(t, SchedulerConfig{})
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fx.sched.nowFn = func() time.Time { return fixed }
	src, _ := fx.worlds.Get("tank-a")

	id1, seed1, ok := fx.sched.pickEntity(src, "tank-a->tank-b")
	require.True(t, ok)
	id2, seed2, ok := fx.sched.pickEntity(src, "tank-a->tank-b")
	require.True(t, ok)
	assert.Equal(t, id1, id2, "same connection and clock pick the same entity")
	assert.Equal(t, seed1, seed2)

	assert.Equal(t, selectionSeed("c-1", fixed), selectionSeed("c-1", fixed))
	assert.NotEqual(t, selectionSeed("c-1", fixed), selectionSeed("c-2", fixed))
}
