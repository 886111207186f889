package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/federation"
)

// requireDiscoveryKey enforces the shared-secret header on discovery
// endpoints. A server with no key configured runs open.
func (h *Handler) requireDiscoveryKey(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.DiscoveryKey == "" {
		return true
	}
	got := []byte(r.Header.Get("X-Discovery-Key"))
	if subtle.ConstantTimeCompare(got, []byte(h.cfg.DiscoveryKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":   "unauthorized",
			"message": "missing or invalid discovery key",
		})
		return false
	}
	return true
}

func (h *Handler) registerServer(w http.ResponseWriter, r *http.Request) {
	if !h.requireDiscoveryKey(w, r) {
		return
	}
	var info federation.ServerInfo
	if ferr := readJSON(r, &info); ferr != nil {
		h.writeFault(w, ferr)
		return
	}
	if info.ServerID == "" || info.Host == "" || info.Port <= 0 {
		h.writeFault(w, fault.Errorf(fault.InvalidPayload, "server_id, host, and port are required"))
		return
	}
	if !h.cfg.AllowPrivateRegistration {
		if ferr := checkPublicHost(r.Context(), info.Host); ferr != nil {
			h.writeFault(w, ferr)
			return
		}
	}

	// Registrations arriving over the wire are peers by definition.
	info.IsLocal = false
	h.discovery.Register(info)
	h.logger.Info().
		Str("server_id", info.ServerID).
		Str("addr", info.Addr()).
		Msg("Peer server registered")
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": info.ServerID,
		"message":   "server registered",
	})
}

func (h *Handler) heartbeatServer(w http.ResponseWriter, r *http.Request) {
	if !h.requireDiscoveryKey(w, r) {
		return
	}
	serverID := r.PathValue("server_id")

	// The body is optional; when present it refreshes world count,
	// uptime, and version alongside the heartbeat itself.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	r.Body.Close()
	if err != nil {
		h.writeFault(w, fault.Errorf(fault.InvalidPayload, "unreadable request body: %v", err))
		return
	}
	var update *federation.ServerInfo
	if len(bytes.TrimSpace(body)) > 0 {
		update = &federation.ServerInfo{}
		if err := json.Unmarshal(body, update); err != nil {
			h.writeFault(w, fault.Errorf(fault.InvalidPayload, "malformed server info: %v", err))
			return
		}
	}

	if !h.discovery.Heartbeat(serverID, update) {
		h.writeFault(w, fault.Errorf(fault.UnknownServer, "server %q is not registered", serverID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": serverID,
		"message":   "heartbeat accepted",
	})
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	if !h.requireDiscoveryKey(w, r) {
		return
	}
	q := r.URL.Query()
	includeLocal := true
	if v := q.Get("include_local"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeFault(w, fault.Errorf(fault.InvalidPayload, "include_local %q must be a boolean", v))
			return
		}
		includeLocal = b
	}
	servers := h.discovery.List(q.Get("status"), includeLocal)
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

func (h *Handler) unregisterServer(w http.ResponseWriter, r *http.Request) {
	if !h.requireDiscoveryKey(w, r) {
		return
	}
	serverID := r.PathValue("server_id")
	if !h.discovery.Unregister(serverID) {
		h.writeFault(w, fault.Errorf(fault.UnknownServer, "server %q is not registered", serverID))
		return
	}
	h.logger.Info().Str("server_id", serverID).Msg("Peer server unregistered")
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": serverID,
		"message":   "server unregistered",
	})
}

// checkPublicHost refuses hosts that are, or resolve to, non-routable
// addresses. Keeps a public registry from filling with peers nobody
// else can dial.
func checkPublicHost(ctx context.Context, host string) *fault.Error {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return fault.Errorf(fault.InvalidPayload, "host %q does not resolve: %v", host, err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fault.Errorf(fault.InvalidPayload, "host %q resolves to a non-public address", host)
		}
	}
	return nil
}
