package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbolaris/tank-sub003/internal/limits"
	"github.com/mbolaris/tank-sub003/internal/world"
)

// wsTestConn drains the dialer's read buffer before the socket; the
// server's first frame often arrives bundled with the handshake bytes.
type wsTestConn struct {
	r io.Reader
	net.Conn
}

func (c wsTestConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func dialWS(t *testing.T, a *testAPI, path string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + path
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		return wsTestConn{r: io.MultiReader(br, conn), Conn: conn}
	}
	return conn
}

func readFrame(t *testing.T, conn net.Conn) ([]byte, ws.OpCode) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, op, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	return msg, op
}

func TestWSFirstFrameIsFullState(t *testing.T) {
	a := newTestAPI(t, nil)
	_, ferr := a.worlds.Create("tank", "Stream", world.CreateOptions{WorldID: "tank-ws"})
	require.Nil(t, ferr)

	conn := dialWS(t, a, "/ws/tank-ws")
	msg, op := readFrame(t, conn)
	require.Equal(t, ws.OpBinary, op)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, "full", frame["type"])
	assert.Equal(t, "tank-ws", frame["world_id"])
	assert.NotEmpty(t, frame["entities"])
	assert.Contains(t, frame, "bounds")
}

func TestWSDefaultWorldFallback(t *testing.T) {
	a := newTestAPI(t, nil)
	_, ferr := a.worlds.Create("tank", "Primary", world.CreateOptions{WorldID: "tank-default"})
	require.Nil(t, ferr)

	conn := dialWS(t, a, "/ws")
	msg, op := readFrame(t, conn)
	require.Equal(t, ws.OpBinary, op)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, "tank-default", frame["world_id"])
}

func TestWSCommandAcks(t *testing.T) {
	a := newTestAPI(t, nil)
	_, ferr := a.worlds.Create("tank", "Cmd", world.CreateOptions{WorldID: "tank-cmd"})
	require.Nil(t, ferr)

	conn := dialWS(t, a, "/ws/tank-cmd")
	readFrame(t, conn) // initial full state

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"command":"pause"}`)))
	msg, op := readFrame(t, conn)
	require.Equal(t, ws.OpText, op)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(msg, &ack))
	assert.Equal(t, true, ack["success"])
	assert.Equal(t, "pause", ack["command"])
	assert.Equal(t, true, ack["paused"])

	// Unknown commands fail the ack without dropping the connection.
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"command":"warp"}`)))
	msg, op = readFrame(t, conn)
	require.Equal(t, ws.OpText, op)
	require.NoError(t, json.Unmarshal(msg, &ack))
	assert.Equal(t, false, ack["success"])
	assert.NotEmpty(t, ack["error"])
}

func TestWSMalformedCommandCloses(t *testing.T) {
	a := newTestAPI(t, nil)
	_, ferr := a.worlds.Create("tank", "Strict", world.CreateOptions{WorldID: "tank-strict"})
	require.Nil(t, ferr)

	conn := dialWS(t, a, "/ws/tank-strict")
	readFrame(t, conn)

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte("{{{")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := wsutil.ReadServerData(conn)
	require.Error(t, err)

	var closed wsutil.ClosedError
	require.True(t, errors.As(err, &closed), "expected a close frame, got %v", err)
	assert.Equal(t, ws.StatusPolicyViolation, closed.Code)
}

func TestWSWorldNotFound(t *testing.T) {
	a := newTestAPI(t, nil)

	code, body := a.do(t, "GET", "/ws/ghost", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "world_not_found", body["error"])
}

func TestWSPerIPConnectionCap(t *testing.T) {
	a := newTestAPI(t, func(cfg *Config) { cfg.ConnCap = limits.NewIPConnCap(1) })
	_, ferr := a.worlds.Create("tank", "Capped", world.CreateOptions{WorldID: "tank-cap"})
	require.Nil(t, ferr)

	conn := dialWS(t, a, "/ws/tank-cap")
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws/tank-cap"
	second, _, _, err := ws.Dial(ctx, url)
	if second != nil {
		second.Close()
	}
	require.Error(t, err, "second connection from the same address is refused")

	// The surviving connection still works.
	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"command":"pause"}`)))
	msg, op := readFrame(t, conn)
	require.Equal(t, ws.OpText, op)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(msg, &ack))
	assert.Equal(t, true, ack["success"])
}
