package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/hub"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/world"
)

const (
	// wsWriteWait bounds every frame write.
	wsWriteWait = 5 * time.Second
	// wsPongWait is how long a client may stay silent before the read
	// deadline kills the connection.
	wsPongWait = 30 * time.Second
	// wsPingPeriod keeps pings well inside the pong window.
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsMaxCommandSize caps inbound command frames.
	wsMaxCommandSize = 4 << 10
)

// wsSession is one upgraded connection. The write mutex serializes the
// broadcast pump, command acks, and close frames onto the socket.
type wsSession struct {
	conn      net.Conn
	writeMu   sync.Mutex
	sub       *hub.Subscriber
	runner    *world.Runner
	ip        string
	closeOnce sync.Once
}

func (c *wsSession) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wsutil.WriteServerMessage(c.conn, op, data)
}

func (c *wsSession) writeClose(code ws.StatusCode, reason string) {
	_ = c.write(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

func (c *wsSession) close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// serveWS upgrades the request and attaches it to a world's broadcast
// stream. /ws with no world id falls back to the default world.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	worldID := r.PathValue("world_id")
	if worldID == "" {
		worldID = h.worlds.DefaultWorldID()
	}
	runner, ok := h.worlds.Get(worldID)
	if !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", worldID))
		return
	}

	// Claim the per-IP slot before the upgrade so a rejected client
	// gets a plain HTTP 429 instead of a doomed socket.
	ip := clientIP(r)
	if !h.connCap.Acquire(ip) {
		h.logger.Warn().Str("client_ip", ip).Msg("Connection rejected: per-IP limit reached")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "connection_limit",
			"message": "too many connections from this address",
		})
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.connCap.Release(ip)
		h.logger.Error().Err(err).Str("client_ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	sub, ferr := h.hub.Subscribe(worldID, ip)
	if ferr != nil {
		h.connCap.Release(ip)
		conn.Close()
		return
	}

	sess := &wsSession{conn: conn, sub: sub, runner: runner, ip: ip}
	h.logger.Info().
		Str("subscriber", sub.ID()).
		Str("world_id", worldID).
		Str("client_ip", ip).
		Msg("WebSocket client connected")

	go h.wsWritePump(sess)
	go h.wsReadPump(sess)
}

// wsWritePump drains the hub's frame stream onto the socket and keeps
// the connection alive with pings. Exits when the stream closes or any
// write fails; closing the conn unblocks the read pump.
func (h *Handler) wsWritePump(c *wsSession) {
	defer monitoring.RecoverPanic(h.logger, "ws-write-pump", map[string]any{"subscriber": c.sub.ID()})

	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame, ok := <-c.sub.Frames():
			if !ok {
				// Stream closed: slow-client eviction or world teardown.
				if c.sub.Evicted() {
					c.writeClose(ws.StatusPolicyViolation, "subscriber too slow")
				} else {
					c.writeClose(ws.StatusNormalClosure, "world stream closed")
				}
				return
			}
			if err := c.write(ws.OpBinary, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump consumes client frames: JSON commands on text frames,
// close on close. Pings and pongs are answered by the library. The
// read deadline doubles as the liveness check.
func (h *Handler) wsReadPump(c *wsSession) {
	defer monitoring.RecoverPanic(h.logger, "ws-read-pump", map[string]any{"subscriber": c.sub.ID()})
	defer func() {
		h.hub.Unsubscribe(c.sub)
		h.connCap.Release(c.ip)
		c.close()
		h.logger.Info().
			Str("subscriber", c.sub.ID()).
			Str("world_id", c.sub.WorldID()).
			Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch op {
		case ws.OpText:
			if !h.handleWSCommand(c, msg) {
				return
			}
		case ws.OpClose:
			return
		default:
			// Control frames are handled by wsutil; binary input is ignored.
		}
	}
}

type wsCommand struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data"`
}

// handleWSCommand runs one client command against the session's world.
// Returns false when the frame violates the protocol and the
// connection should drop.
func (h *Handler) handleWSCommand(c *wsSession, msg []byte) bool {
	if len(msg) > wsMaxCommandSize {
		h.logger.Warn().Str("subscriber", c.sub.ID()).Int("size", len(msg)).Msg("Oversized command frame")
		c.writeClose(ws.StatusPolicyViolation, "command frame too large")
		return false
	}
	var cmd wsCommand
	if err := json.Unmarshal(msg, &cmd); err != nil {
		h.logger.Warn().Str("subscriber", c.sub.ID()).Err(err).Msg("Malformed command frame")
		c.writeClose(ws.StatusPolicyViolation, "malformed command frame")
		return false
	}

	result, err := c.runner.HandleCommand(cmd.Command, cmd.Data)
	if err != nil {
		h.sendAck(c, map[string]any{
			"success": false,
			"command": cmd.Command,
			"error":   err.Error(),
		})
		return true
	}
	ack := map[string]any{
		"success": true,
		"command": cmd.Command,
	}
	for k, v := range result {
		ack[k] = v
	}
	h.sendAck(c, ack)
	return true
}

func (h *Handler) sendAck(c *wsSession, v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Could not encode command ack")
		return
	}
	if err := c.write(ws.OpText, data); err != nil {
		h.logger.Debug().Err(err).Str("subscriber", c.sub.ID()).Msg("Ack write failed")
	}
}
