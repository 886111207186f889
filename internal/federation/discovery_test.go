package federation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the TTL classification without sleeping.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func testDiscovery(t *testing.T) (*Discovery, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDiscovery(t.TempDir(), DiscoveryOptions{
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTimeout:  6 * time.Second,
		CleanupInterval:   5 * time.Second,
		PruneTimeout:      time.Hour,
	}, zerolog.Nop())
	d.nowFn = clock.Now
	return d, clock
}

func peer(id string, port int) ServerInfo {
	return ServerInfo{ServerID: id, Host: "10.0.0.9", Port: port, Version: "1.0.0", WorldCount: 1}
}

func TestRegisterAndGet(t *testing.T) {
	d, _ := testDiscovery(t)
	d.Register(peer("server-a", 8001))

	got, ok := d.Get("server-a")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, "10.0.0.9:8001", got.Addr())
	assert.Equal(t, "http://10.0.0.9:8001", got.BaseURL())

	_, ok = d.Get("server-z")
	assert.False(t, ok)
}

func TestRegisterEvictsReusedAddress(t *testing.T) {
	d, _ := testDiscovery(t)
	d.Register(peer("server-old", 8001))
	d.Register(peer("server-new", 8001)) // same host:port, fresh id after a restart

	_, ok := d.Get("server-old")
	assert.False(t, ok, "stale id on the same address is evicted")
	_, ok = d.Get("server-new")
	assert.True(t, ok)
	assert.Equal(t, 1, d.Count())
}

func TestHeartbeatUnknownReturnsFalse(t *testing.T) {
	d, _ := testDiscovery(t)
	assert.False(t, d.Heartbeat("server-ghost", nil), "unknown id tells the caller to re-register")
}

func TestHeartbeatRefreshesAndUpdates(t *testing.T) {
	d, clock := testDiscovery(t)
	d.Register(peer("server-a", 8001))

	clock.now = clock.now.Add(10 * time.Second)
	d.CleanupOnce()
	got, _ := d.Get("server-a")
	require.Equal(t, StatusOffline, got.Status)

	update := peer("server-a", 8001)
	update.WorldCount = 7
	update.UptimeSeconds = 42
	require.True(t, d.Heartbeat("server-a", &update))
	got, _ = d.Get("server-a")
	assert.Equal(t, StatusOnline, got.Status, "heartbeat revives an offline peer")
	assert.Equal(t, 7, got.WorldCount)
	assert.Equal(t, float64(42), got.UptimeSeconds)
	assert.Equal(t, clock.now.Unix(), got.LastHeartbeat)
}

func TestCleanupClassifiesByAge(t *testing.T) {
	d, clock := testDiscovery(t)
	start := clock.now
	d.Register(peer("server-p", 8001))
	clock.now = start.Add(1 * time.Second)
	require.True(t, d.Heartbeat("server-p", nil))

	// Fresh: online.
	clock.now = start.Add(2 * time.Second)
	d.CleanupOnce()
	got, _ := d.Get("server-p")
	assert.Equal(t, StatusOnline, got.Status)

	// Past twice the heartbeat interval: degraded.
	clock.now = start.Add(6 * time.Second)
	d.CleanupOnce()
	got, _ = d.Get("server-p")
	assert.Equal(t, StatusDegraded, got.Status)

	// Past the heartbeat timeout: offline.
	clock.now = start.Add(8 * time.Second)
	d.CleanupOnce()
	got, _ = d.Get("server-p")
	assert.Equal(t, StatusOffline, got.Status)

	// Past the prune timeout: gone entirely.
	clock.now = start.Add(time.Hour + 2*time.Second)
	d.CleanupOnce()
	_, ok := d.Get("server-p")
	assert.False(t, ok)
	assert.Empty(t, d.List("", true))
}

func TestListFiltersAndSorts(t *testing.T) {
	d, clock := testDiscovery(t)
	d.Register(peer("server-c", 8003))
	d.Register(peer("server-a", 8001))
	local := peer("server-b", 8002)
	local.IsLocal = true
	d.Register(local)

	all := d.List("", true)
	require.Len(t, all, 3)
	assert.Equal(t, "server-a", all[0].ServerID)
	assert.Equal(t, "server-b", all[1].ServerID)
	assert.Equal(t, "server-c", all[2].ServerID)

	remoteOnly := d.List("", false)
	require.Len(t, remoteOnly, 2)
	for _, s := range remoteOnly {
		assert.False(t, s.IsLocal)
	}

	clock.now = clock.now.Add(10 * time.Second)
	d.CleanupOnce()
	assert.Empty(t, d.List(StatusOnline, true))
	assert.Len(t, d.List(StatusOffline, true), 3)
}

func TestRegistrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	d1 := NewDiscovery(dir, DiscoveryOptions{}, zerolog.Nop())
	d1.nowFn = clock.Now
	d1.Register(peer("server-a", 8001))
	d1.Register(peer("server-b", 8002))

	d2 := NewDiscovery(dir, DiscoveryOptions{}, zerolog.Nop())
	d2.nowFn = clock.Now
	d2.Load()
	assert.Equal(t, 2, d2.Count())
	got, ok := d2.Get("server-a")
	require.True(t, ok)
	assert.Equal(t, clock.now.Unix(), got.LastHeartbeat)
}

func TestLoadMissingRegistryIsClean(t *testing.T) {
	d := NewDiscovery(t.TempDir(), DiscoveryOptions{}, zerolog.Nop())
	d.Load()
	assert.Equal(t, 0, d.Count())
}

func TestUnregister(t *testing.T) {
	d, _ := testDiscovery(t)
	d.Register(peer("server-a", 8001))
	assert.True(t, d.Unregister("server-a"))
	assert.False(t, d.Unregister("server-a"))
	assert.Equal(t, 0, d.Count())
}
