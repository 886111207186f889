package api

import (
	"net/http"
	"strconv"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/federation"
)

// remoteTransfer accepts an entity pushed by a peer server and places
// it in the destination world. The sender owns the transfer record;
// this side only bumps the inbound flow counter.
func (h *Handler) remoteTransfer(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.TransfersEnabled {
		h.writeFault(w, fault.Errorf(fault.TransfersDisabled, "transfers are disabled on this server"))
		return
	}
	var req federation.RemoteTransferRequest
	if ferr := readJSON(r, &req); ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	if req.DestinationWorldID == "" {
		h.writeFault(w, fault.Errorf(fault.InvalidPayload, "destination_world_id is required"))
		return
	}
	runner, ok := h.worlds.Get(req.DestinationWorldID)
	if !ok {
		h.writeFault(w, fault.Errorf(fault.WorldNotFound, "world %q not found", req.DestinationWorldID))
		return
	}
	if !runner.AllowTransfers() {
		h.writeFault(w, fault.Errorf(fault.TransfersDisabled, "world %q does not accept transfers", req.DestinationWorldID))
		return
	}
	if len(req.EntityData) == 0 {
		h.writeFault(w, fault.Errorf(fault.InvalidPayload, "entity_data is required"))
		return
	}

	ent, ferr := runner.DeserializeIncoming(req.EntityData)
	if ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	h.history.IncrementIn(req.DestinationWorldID)

	oldID, _ := req.EntityData["id"].(string)
	kind, _ := req.EntityData["type"].(string)
	h.logger.Info().
		Str("entity", ent.ID()).
		Str("source_server", req.SourceServerID).
		Str("source_world", req.SourceWorldID).
		Str("world_id", req.DestinationWorldID).
		Msg("Entity received from peer")
	writeJSON(w, http.StatusOK, federation.RemoteTransferResult{
		Success: true,
		Entity: federation.TransferredEntity{
			OldID:            oldID,
			NewID:            ent.ID(),
			Type:             kind,
			SourceServer:     req.SourceServerID,
			SourceWorld:      req.SourceWorldID,
			DestinationWorld: req.DestinationWorldID,
		},
	})
}

func (h *Handler) listTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeFault(w, fault.Errorf(fault.InvalidPayload, "limit %q must be a positive integer", v))
			return
		}
		limit = n
	}
	successOnly := false
	if v := q.Get("success_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeFault(w, fault.Errorf(fault.InvalidPayload, "success_only %q must be a boolean", v))
			return
		}
		successOnly = b
	}

	records := h.history.Query(limit, q.Get("world_id"), successOnly)
	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": records,
		"count":     len(records),
	})
}

func (h *Handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.history.Get(id)
	if !ok {
		h.writeFault(w, fault.Errorf(fault.TransferNotFound, "transfer %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
