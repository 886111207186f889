package api

import (
	"net/http"

	"github.com/mbolaris/tank-sub003/internal/connections"
	"github.com/mbolaris/tank-sub003/internal/fault"
)

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	var conns []connections.Connection
	if worldID := r.URL.Query().Get("world_id"); worldID != "" {
		conns = h.conns.ForWorld(worldID)
	} else {
		conns = h.conns.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"count":       len(conns),
	})
}

func (h *Handler) addConnection(w http.ResponseWriter, r *http.Request) {
	var conn connections.Connection
	if ferr := readJSON(r, &conn); ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	if ferr := h.checkLocalEndpoints(conn); ferr != nil {
		h.writeFault(w, ferr)
		return
	}

	added, updated, ferr := h.conns.Add(conn)
	if ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	if err := h.conns.Save(); err != nil {
		h.logger.Warn().Err(err).Msg("Could not persist connections")
	}

	status := http.StatusCreated
	verb := "created"
	if updated {
		status = http.StatusOK
		verb = "updated"
	}
	h.logger.Info().
		Str("connection_id", added.ID).
		Str("source", added.SourceWorldID).
		Str("destination", added.DestWorldID).
		Int("probability", added.Probability).
		Msg("Connection " + verb)
	writeJSON(w, status, added)
}

func (h *Handler) removeConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.conns.Remove(id) {
		h.writeFault(w, fault.Errorf(fault.ConnectionNotFound, "connection %q not found", id))
		return
	}
	if err := h.conns.Save(); err != nil {
		h.logger.Warn().Err(err).Msg("Could not persist connections")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connection_id": id,
		"message":       "connection removed",
	})
}

// checkLocalEndpoints rejects connections that name a local world this
// server does not have. Remote endpoints are taken on faith; the
// scheduler re-validates them at migration time.
func (h *Handler) checkLocalEndpoints(c connections.Connection) *fault.Error {
	local := func(serverID string) bool {
		return serverID == "" || serverID == h.cfg.ServerID
	}
	if local(c.SourceServerID) && c.SourceWorldID != "" {
		if _, ok := h.worlds.Get(c.SourceWorldID); !ok {
			return fault.Errorf(fault.WorldNotFound, "source world %q not found", c.SourceWorldID)
		}
	}
	if local(c.DestServerID) && c.DestWorldID != "" {
		if _, ok := h.worlds.Get(c.DestWorldID); !ok {
			return fault.Errorf(fault.WorldNotFound, "destination world %q not found", c.DestWorldID)
		}
	}
	return nil
}
