package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/fault"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
)

const (
	peerRequestTimeout = 10 * time.Second
	peerMaxResponse    = 4 << 20 // bytes per response body
)

// RemoteTransferRequest is the POST body for cross-server migration.
type RemoteTransferRequest struct {
	DestinationWorldID string         `json:"destination_world_id"`
	EntityData         map[string]any `json:"entity_data"`
	SourceServerID     string         `json:"source_server_id"`
	SourceWorldID      string         `json:"source_world_id"`
}

// TransferredEntity reports the identity assigned by the receiving server.
type TransferredEntity struct {
	OldID            string `json:"old_id"`
	NewID            string `json:"new_id"`
	Type             string `json:"type"`
	SourceServer     string `json:"source_server"`
	SourceWorld      string `json:"source_world"`
	DestinationWorld string `json:"destination_world"`
}

// RemoteTransferResult is the 200 body of /api/remote-transfer.
type RemoteTransferResult struct {
	Success bool              `json:"success"`
	Entity  TransferredEntity `json:"entity"`
}

// RemoteWorld is the slice of a peer's world status this server cares
// about.
type RemoteWorld struct {
	WorldID     string `json:"world_id"`
	WorldType   string `json:"world_type"`
	Name        string `json:"name"`
	EntityCount int    `json:"entity_count"`
	FrameCount  int64  `json:"frame_count"`
	Paused      bool   `json:"paused"`
}

// Client is the pooled HTTP client for every peer-facing call. Network and
// timeout errors are retried with exponential backoff; HTTP status errors
// are not. All failures come back as *fault.Error, never as raw transport
// errors.
type Client struct {
	http   *http.Client
	apiKey string
	logger zerolog.Logger

	// retry knobs, overridden only in tests
	maxRetries     uint64
	initialBackoff time.Duration
}

func NewClient(apiKey string, logger zerolog.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: peerRequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiKey:         apiKey,
		logger:         logger.With().Str("component", "peer-client").Logger(),
		maxRetries:     3,
		initialBackoff: time.Second,
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Ping checks a peer's liveness.
func (c *Client) Ping(ctx context.Context, baseURL string) *fault.Error {
	var out struct {
		Status string `json:"status"`
	}
	ferr := c.doJSON(ctx, http.MethodGet, baseURL+"/api/ping", nil, &out)
	c.record("ping", ferr)
	return ferr
}

// RegisterServer announces this server to a peer or to the discovery hub.
func (c *Client) RegisterServer(ctx context.Context, baseURL string, self ServerInfo) *fault.Error {
	ferr := c.doJSON(ctx, http.MethodPost, baseURL+"/api/discovery/register", self, nil)
	c.record("register_server", ferr)
	return ferr
}

// SendHeartbeat refreshes this server's entry on a peer. Returns false with
// no error when the peer does not know the id; the caller re-registers.
func (c *Client) SendHeartbeat(ctx context.Context, baseURL string, self ServerInfo) (bool, *fault.Error) {
	endpoint := baseURL + "/api/discovery/heartbeat/" + url.PathEscape(self.ServerID)
	ferr := c.doJSON(ctx, http.MethodPost, endpoint, self, nil)
	if ferr != nil && (ferr.Code == fault.UnknownServer || ferr.Code == fault.WorldNotFound) {
		c.record("send_heartbeat", nil)
		return false, nil
	}
	c.record("send_heartbeat", ferr)
	return ferr == nil, ferr
}

// ListWorlds fetches a peer's world list.
func (c *Client) ListWorlds(ctx context.Context, baseURL string) ([]RemoteWorld, *fault.Error) {
	var out struct {
		Worlds []RemoteWorld `json:"worlds"`
		Count  int           `json:"count"`
	}
	ferr := c.doJSON(ctx, http.MethodGet, baseURL+"/api/worlds", nil, &out)
	c.record("list_worlds", ferr)
	if ferr != nil {
		return nil, ferr
	}
	return out.Worlds, nil
}

// GetWorld fetches one world's status from a peer.
func (c *Client) GetWorld(ctx context.Context, baseURL, worldID string) (*RemoteWorld, *fault.Error) {
	var out RemoteWorld
	ferr := c.doJSON(ctx, http.MethodGet, baseURL+"/api/worlds/"+url.PathEscape(worldID), nil, &out)
	c.record("get_world", ferr)
	if ferr != nil {
		return nil, ferr
	}
	return &out, nil
}

// RemoteTransferEntity posts a serialized entity to a peer. A no_root_spots
// refusal comes back as that exact code so the scheduler can restore
// silently.
func (c *Client) RemoteTransferEntity(ctx context.Context, baseURL string, req *RemoteTransferRequest) (*RemoteTransferResult, *fault.Error) {
	var out RemoteTransferResult
	ferr := c.doJSON(ctx, http.MethodPost, baseURL+"/api/remote-transfer", req, &out)
	c.record("remote_transfer", ferr)
	if ferr != nil {
		return nil, ferr
	}
	return &out, nil
}

func (c *Client) record(method string, ferr *fault.Error) {
	result := "ok"
	if ferr != nil {
		result = string(ferr.Code)
	}
	monitoring.RecordPeerRequest(method, result)
}

// peerStatusError carries a non-2xx response through the retry layer.
// Status errors are terminal; only transport failures are worth retrying.
type peerStatusError struct {
	status int
	body   []byte
}

func (e *peerStatusError) Error() string {
	return fmt.Sprintf("peer returned HTTP %d", e.status)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) *fault.Error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fault.Errorf(fault.SerializeFailed, "encode request for %s: %v", endpoint, err)
		}
	}

	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-Discovery-Key", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err // transport failure, retried
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, peerMaxResponse))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(&peerStatusError{status: resp.StatusCode, body: data})
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode peer response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.Multiplier = 2
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
	if err == nil {
		return nil
	}

	var se *peerStatusError
	if errors.As(err, &se) {
		return faultFromPeerStatus(se)
	}
	c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Peer unreachable after retries")
	return fault.Errorf(fault.UnreachableServer, "%s %s: %v", method, endpoint, err)
}

// faultFromPeerStatus decodes the peer's tagged error when it sent one,
// otherwise maps the bare status.
func faultFromPeerStatus(se *peerStatusError) *fault.Error {
	var tagged struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(se.body, &tagged) == nil && tagged.Error != "" {
		msg := tagged.Message
		if msg == "" {
			msg = se.Error()
		}
		return fault.Errorf(fault.Code(tagged.Error), "%s", msg)
	}
	switch se.status {
	case http.StatusNotFound:
		return fault.Errorf(fault.WorldNotFound, "%s", se.Error())
	case http.StatusForbidden:
		return fault.Errorf(fault.TransfersDisabled, "%s", se.Error())
	case http.StatusBadRequest:
		return fault.Errorf(fault.InvalidPayload, "%s", se.Error())
	default:
		return fault.Errorf(fault.UnreachableServer, "%s", se.Error())
	}
}
