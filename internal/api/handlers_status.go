package api

import (
	"net/http"
	"time"
)

func (h *Handler) serverStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id":         h.cfg.ServerID,
		"version":           h.cfg.Version,
		"uptime_seconds":    time.Since(h.cfg.StartedAt).Seconds(),
		"world_count":       h.worlds.Count(),
		"peer_count":        len(h.discovery.List("", false)),
		"transfers_enabled": h.cfg.TransfersEnabled,
	})
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"server_id": h.cfg.ServerID,
	})
}

// health always answers 200; a degraded world takes the status string
// to "degraded" without failing the probe, since the other worlds keep
// serving.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	degraded := []string{}
	for _, runner := range h.worlds.All() {
		if runner.Degraded() {
			degraded = append(degraded, runner.WorldID())
		}
	}
	status := "healthy"
	if len(degraded) > 0 {
		status = "degraded"
	}
	sys := h.monitor.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"healthy":        len(degraded) == 0,
		"uptime_seconds": time.Since(h.cfg.StartedAt).Seconds(),
		"checks": map[string]any{
			"worlds": map[string]any{
				"count":    h.worlds.Count(),
				"degraded": degraded,
			},
			"websocket": map[string]any{
				"active_connections": h.hub.ActiveConnections(),
			},
			"system": map[string]any{
				"cpu_percent": sys.CPUPercent,
				"memory_mb":   sys.MemoryMB,
				"goroutines":  sys.Goroutines,
			},
		},
	})
}
