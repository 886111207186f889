// Package events publishes server happenings to an optional NATS bus.
// The bus is observational only: nothing in the server subscribes, and a
// nil *Bus (NATS_URL unset) accepts every publish as a no-op.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/monitoring"
)

// Subjects carried on the bus.
const (
	SubjectTransfers = "sim.transfers"
	SubjectWorlds    = "sim.worlds"
	SubjectPeers     = "sim.peers"
)

// WorldEvent announces a world lifecycle change on this server.
type WorldEvent struct {
	Event     string `json:"event"`
	ServerID  string `json:"server_id"`
	WorldID   string `json:"world_id"`
	WorldType string `json:"world_type,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PeerEvent announces a change in this server's view of a peer.
type PeerEvent struct {
	Event     string `json:"event"`
	ServerID  string `json:"server_id"`
	PeerID    string `json:"peer_id"`
	PeerAddr  string `json:"peer_addr,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Bus is a fire-and-forget publisher. All methods are safe on a nil
// receiver so callers never branch on whether eventing is configured.
type Bus struct {
	conn     *nats.Conn
	serverID string
	logger   zerolog.Logger
}

// Connect dials the NATS server at url and tags every event with serverID.
// An empty url returns a nil bus. A NATS server that is down at startup is
// tolerated: the connection is established in the background and publishes
// are buffered until it comes up.
func Connect(url, serverID string, logger zerolog.Logger) (*Bus, error) {
	if url == "" {
		return nil, nil
	}

	blog := logger.With().Str("component", "events").Logger()

	conn, err := nats.Connect(url,
		nats.Name("sim-"+serverID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			monitoring.SetEventBusConnected(true)
			blog.Info().Str("url", nc.ConnectedUrl()).Msg("Event bus connected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitoring.SetEventBusConnected(false)
			if err != nil {
				blog.Warn().Err(err).Msg("Event bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			monitoring.SetEventBusConnected(true)
			blog.Info().Str("url", nc.ConnectedUrl()).Msg("Event bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			blog.Error().Err(err).Msg("Event bus error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect event bus at %s: %w", url, err)
	}

	return &Bus{conn: conn, serverID: serverID, logger: blog}, nil
}

// Connected reports whether the bus has a live connection right now.
func (b *Bus) Connected() bool {
	return b != nil && b.conn != nil && b.conn.IsConnected()
}

// PublishTransfer emits one transfer record on sim.transfers. The record
// is published as-is; callers pass the same value they logged.
func (b *Bus) PublishTransfer(record any) {
	if b == nil {
		return
	}
	b.publish(SubjectTransfers, record)
}

// PublishWorldEvent emits a world lifecycle event (created, deleted) on
// sim.worlds.
func (b *Bus) PublishWorldEvent(event, worldID, worldType string) {
	if b == nil {
		return
	}
	b.publish(SubjectWorlds, WorldEvent{
		Event:     event,
		ServerID:  b.serverID,
		WorldID:   worldID,
		WorldType: worldType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// PublishPeerEvent emits a peer registry event (registered, offline) on
// sim.peers.
func (b *Bus) PublishPeerEvent(event, peerID, peerAddr string) {
	if b == nil {
		return
	}
	b.publish(SubjectPeers, PeerEvent{
		Event:     event,
		ServerID:  b.serverID,
		PeerID:    peerID,
		PeerAddr:  peerAddr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (b *Bus) publish(subject string, v any) {
	if b.conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}
	monitoring.RecordEventPublished(subject)
}

// Drain flushes buffered publishes and closes the connection. Safe on a
// nil bus.
func (b *Bus) Drain() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("Event bus drain failed")
	}
	monitoring.SetEventBusConnected(false)
	b.logger.Info().Msg("Event bus closed")
}
