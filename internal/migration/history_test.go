package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory(t *testing.T) (*History, string) {
	t.Helper()
	dir := t.TempDir()
	h, err := NewHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, dir
}

func TestLogAssignsIdentity(t *testing.T) {
	h, _ := testHistory(t)

	rec := h.Log(Record{
		EntityType:    "fish",
		EntityOldID:   "fish-0001",
		SourceWorldID: "tank-a",
		DestWorldID:   "tank-b",
		Success:       true,
	})
	assert.NotEmpty(t, rec.TransferID)
	assert.False(t, rec.Timestamp.IsZero())

	got, ok := h.Get(rec.TransferID)
	require.True(t, ok)
	assert.Equal(t, "fish-0001", got.EntityOldID)

	_, ok = h.Get("nope")
	assert.False(t, ok)
}

func TestRingDropsOldest(t *testing.T) {
	h, _ := testHistory(t)

	var first Record
	for i := 0; i < 120; i++ {
		rec := h.Log(Record{EntityOldID: fmt.Sprintf("fish-%04d", i), SourceWorldID: "tank-a", DestWorldID: "tank-b"})
		if i == 0 {
			first = rec
		}
	}
	assert.Equal(t, 100, h.Count())
	_, ok := h.Get(first.TransferID)
	assert.False(t, ok, "oldest records fall off the ring")

	recent := h.Query(0, "", false)
	require.Len(t, recent, 100)
	assert.Equal(t, "fish-0119", recent[0].EntityOldID, "queries are newest first")
	assert.Equal(t, "fish-0020", recent[99].EntityOldID)
}

func TestQueryFilters(t *testing.T) {
	h, _ := testHistory(t)
	h.Log(Record{EntityOldID: "e1", SourceWorldID: "tank-a", DestWorldID: "tank-b", Success: true})
	h.Log(Record{EntityOldID: "e2", SourceWorldID: "tank-b", DestWorldID: "tank-c", Success: false, ErrorCode: "unsupported_entity"})
	h.Log(Record{EntityOldID: "e3", SourceWorldID: "tank-a", DestWorldID: "server-b:tank-z", Success: true})

	all := h.Query(0, "", false)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].EntityOldID)

	assert.Len(t, h.Query(0, "", true), 2, "success_only drops failures")
	assert.Len(t, h.Query(1, "", false), 1, "limit caps the result")

	touchingA := h.Query(0, "tank-a", false)
	assert.Len(t, touchingA, 2)

	remoteDest := h.Query(0, "tank-z", false)
	require.Len(t, remoteDest, 1, "world filter matches the remote half of server:world labels")
	assert.Equal(t, "e3", remoteDest[0].EntityOldID)
}

func TestFlowCounters(t *testing.T) {
	h, _ := testHistory(t)
	h.Log(Record{SourceWorldID: "tank-a", DestWorldID: "tank-b", Success: true})
	h.Log(Record{SourceWorldID: "tank-a", DestWorldID: "server-b:tank-z", Success: true})
	h.Log(Record{SourceWorldID: "tank-a", DestWorldID: "tank-b", Success: false, ErrorCode: "serialize_failed"})

	in, out := h.Flows("tank-a")
	assert.Equal(t, int64(0), in)
	assert.Equal(t, int64(2), out, "failures do not count as flow")

	in, out = h.Flows("tank-b")
	assert.Equal(t, int64(1), in)
	assert.Equal(t, int64(0), out)

	h.IncrementIn("tank-b") // wire-side arrival
	in, _ = h.Flows("tank-b")
	assert.Equal(t, int64(2), in)

	in, out = h.Flows("tank-unknown")
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestRehydrateSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	h1, err := NewHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	r1 := h1.Log(Record{EntityOldID: "fish-0001", SourceWorldID: "tank-a", DestWorldID: "tank-b", Success: true})
	h1.Log(Record{EntityOldID: "fish-0002", SourceWorldID: "tank-a", DestWorldID: "tank-b", Success: true})
	require.NoError(t, h1.Close())

	f, err := os.OpenFile(filepath.Join(dir, "transfers.log"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json at all\n\n{\"also\":\"missing transfer_id\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h2, err := NewHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, 2, h2.Count(), "corrupt lines are skipped, valid ones kept")
	got, ok := h2.Get(r1.TransferID)
	require.True(t, ok)
	assert.Equal(t, "fish-0001", got.EntityOldID)
}

func TestRehydrateKeepsOnlyRingCap(t *testing.T) {
	dir := t.TempDir()
	h1, err := NewHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 130; i++ {
		h1.Log(Record{EntityOldID: fmt.Sprintf("fish-%04d", i), SourceWorldID: "tank-a", DestWorldID: "tank-b"})
	}
	require.NoError(t, h1.Close())

	h2, err := NewHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, 100, h2.Count())
	recent := h2.Query(1, "", false)
	require.Len(t, recent, 1)
	assert.Equal(t, "fish-0129", recent[0].EntityOldID)
}
