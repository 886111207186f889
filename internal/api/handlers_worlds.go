package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/world"
)

type createWorldRequest struct {
	WorldType      string         `json:"world_type"`
	Name           string         `json:"name"`
	WorldID        string         `json:"world_id"`
	Description    string         `json:"description"`
	Config         map[string]any `json:"config"`
	Seed           *int64         `json:"seed"`
	Persistent     *bool          `json:"persistent"`
	AllowTransfers *bool          `json:"allow_transfers"`
}

func (h *Handler) createWorld(w http.ResponseWriter, r *http.Request) {
	var req createWorldRequest
	if ferr := readJSON(r, &req); ferr != nil {
		h.writeFault(w, ferr)
		return
	}

	// API-created worlds persist and accept transfers unless told otherwise.
	opts := world.CreateOptions{
		WorldID:        req.WorldID,
		Description:    req.Description,
		Config:         req.Config,
		Seed:           req.Seed,
		Persistent:     req.Persistent == nil || *req.Persistent,
		AllowTransfers: req.AllowTransfers == nil || *req.AllowTransfers,
	}
	runner, ferr := h.worlds.Create(req.WorldType, req.Name, opts)
	if ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	runner.Start(false)

	if runner.Persistent() {
		if _, err := h.snapshots.Save(runner.CaptureSnapshot()); err != nil {
			h.logger.Warn().Err(err).Str("world_id", runner.WorldID()).Msg("Initial snapshot failed")
		}
	}
	h.bus.PublishWorldEvent("created", runner.WorldID(), runner.WorldType())

	st := runner.Status()
	h.logger.Info().
		Str("world_id", st.WorldID).
		Str("world_type", st.WorldType).
		Int("entities", st.EntityCount).
		Msg("World created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"world_id":   st.WorldID,
		"world_type": st.WorldType,
		"mode_id":    st.ModeID,
		"name":       st.Name,
		"view_mode":  st.ViewMode,
		"persistent": st.Persistent,
		"message":    fmt.Sprintf("world %s created", st.WorldID),
	})
}

func (h *Handler) listWorlds(w http.ResponseWriter, r *http.Request) {
	runners := h.worlds.List(r.URL.Query().Get("world_type"))
	statuses := make([]world.Status, 0, len(runners))
	for _, runner := range runners {
		statuses = append(statuses, h.statusFor(runner))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worlds": statuses,
		"count":  len(statuses),
	})
}

func (h *Handler) listWorldTypes(w http.ResponseWriter, _ *http.Request) {
	types := h.worlds.Types()
	writeJSON(w, http.StatusOK, map[string]any{
		"types": types,
		"count": len(types),
	})
}

func (h *Handler) getWorld(w http.ResponseWriter, r *http.Request) {
	runner, ok := h.worlds.Get(r.PathValue("id"))
	if !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", r.PathValue("id")))
		return
	}
	// Peers decode this body as a RemoteWorld, so the status stays at
	// the document root.
	writeJSON(w, http.StatusOK, h.statusFor(runner))
}

func (h *Handler) deleteWorld(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runner, ok := h.worlds.Get(id)
	if !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", id))
		return
	}
	worldType := runner.WorldType()

	h.hub.StopWorld(id)
	h.worlds.Delete(id)
	removed := h.conns.ClearForWorld(id)
	if err := h.conns.Save(); err != nil {
		h.logger.Warn().Err(err).Msg("Could not persist connections after world delete")
	}
	if err := h.snapshots.Drop(id); err != nil {
		h.logger.Warn().Err(err).Str("world_id", id).Msg("Could not remove world snapshots")
	}
	h.bus.PublishWorldEvent("deleted", id, worldType)

	h.logger.Info().Str("world_id", id).Int("connections_removed", removed).Msg("World deleted")
	writeJSON(w, http.StatusOK, map[string]any{
		"world_id":            id,
		"connections_removed": removed,
		"message":             "world deleted",
	})
}

type stepRequest struct {
	Actions map[string]any `json:"actions"`
}

func (h *Handler) stepWorld(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runner, ok := h.worlds.Get(id)
	if !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", id))
		return
	}
	var req stepRequest
	if ferr := readJSON(r, &req); ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	frame, err := runner.Step(req.Actions)
	if err != nil {
		var ferr *fault.Error
		if errors.As(err, &ferr) {
			h.writeFault(w, ferr)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "step_failed",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"world_id":    id,
		"frame_count": frame,
	})
}

func (h *Handler) saveWorld(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runner, ok := h.worlds.Get(id)
	if !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", id))
		return
	}
	doc := runner.CaptureSnapshot()
	path, err := h.snapshots.Save(doc)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "save_failed",
			"message": err.Error(),
		})
		return
	}
	h.snapshots.Retain(id, h.cfg.SnapshotKeep)
	writeJSON(w, http.StatusOK, map[string]any{
		"world_id": id,
		"path":     path,
		"frame":    doc.Frame,
	})
}

func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.worlds.Get(id); !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", id))
		return
	}
	infos, err := h.snapshots.List(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": infos,
		"count":     len(infos),
	})
}

// statusFor overlays the persistent migration flow counters onto the
// runner's live status.
func (h *Handler) statusFor(runner *world.Runner) world.Status {
	st := runner.Status()
	st.MigrationsIn, st.MigrationsOut = h.history.Flows(st.WorldID)
	return st
}
