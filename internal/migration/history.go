// Package migration moves entities between worlds: the Scheduler rolls the
// per-connection dice and performs transfers, the History remembers them.
package migration

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ringCap            = 100
	rehydrateTailBytes = 256 << 10
)

// Record is one transfer attempt, successful or not. Silent back-pressure
// aborts (no_root_spots) never produce a record.
type Record struct {
	TransferID      string    `json:"transfer_id"`
	Timestamp       time.Time `json:"timestamp"`
	EntityType      string    `json:"entity_type"`
	EntityOldID     string    `json:"entity_old_id"`
	EntityNewID     string    `json:"entity_new_id,omitempty"`
	SourceWorldID   string    `json:"source_world_id"`
	SourceWorldName string    `json:"source_world_name,omitempty"`
	DestWorldID     string    `json:"destination_world_id"`
	DestWorldName   string    `json:"destination_world_name,omitempty"`
	Success         bool      `json:"success"`
	ErrorCode       string    `json:"error_code,omitempty"`
	Generation      int64     `json:"generation,omitempty"`
	SelectionSeed   int64     `json:"selection_seed,omitempty"`
}

type flowCounters struct {
	in, out int64
}

// History is the bounded in-memory ring over an append-only JSONL file.
// The ring serves queries; the file survives restarts.
type History struct {
	logger zerolog.Logger
	path   string

	mu    sync.Mutex
	ring  []Record // oldest first
	flows map[string]*flowCounters
	file  *os.File
}

// NewHistory opens data/transfers.log for appending and rehydrates the ring
// from its tail. Corrupt lines are skipped with a warning.
func NewHistory(dataDir string, logger zerolog.Logger) (*History, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	h := &History{
		logger: logger.With().Str("component", "transfer-history").Logger(),
		path:   filepath.Join(dataDir, "transfers.log"),
		flows:  make(map[string]*flowCounters),
	}
	h.rehydrate()

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	h.file = f
	return h, nil
}

func (h *History) rehydrate() {
	f, err := os.Open(h.path)
	if err != nil {
		return // first run
	}
	defer f.Close()

	// Only the tail matters: the ring holds 100 records.
	if st, err := f.Stat(); err == nil && st.Size() > rehydrateTailBytes {
		if _, err := f.Seek(st.Size()-rehydrateTailBytes, io.SeekStart); err == nil {
			r := bufio.NewReader(f)
			_, _ = r.ReadString('\n') // drop the partial first line
			h.scanRecords(r)
			return
		}
	}
	h.scanRecords(bufio.NewReader(f))
}

func (h *History) scanRecords(r io.Reader) {
	corrupt := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.TransferID == "" {
			corrupt++
			continue
		}
		h.ring = append(h.ring, rec)
		if len(h.ring) > ringCap {
			h.ring = h.ring[1:]
		}
	}
	if corrupt > 0 {
		h.logger.Warn().Int("lines", corrupt).Str("path", h.path).Msg("Skipped corrupt transfer log lines")
	}
	if len(h.ring) > 0 {
		h.logger.Info().Int("records", len(h.ring)).Msg("Transfer history rehydrated")
	}
}

// Log appends a record to the ring and the file, stamping id and timestamp
// when the caller left them empty.
func (h *History) Log(rec Record) Record {
	if rec.TransferID == "" {
		rec.TransferID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = append(h.ring, rec)
	if len(h.ring) > ringCap {
		h.ring = h.ring[1:]
	}
	if rec.Success {
		h.flowsFor(rec.SourceWorldID).out++
		if !strings.Contains(rec.DestWorldID, ":") {
			h.flowsFor(rec.DestWorldID).in++
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		h.logger.Error().Err(err).Msg("Could not marshal transfer record")
		return rec
	}
	if h.file != nil {
		if _, err := h.file.Write(append(line, '\n')); err != nil {
			h.logger.Error().Err(err).Str("path", h.path).Msg("Could not append transfer record")
		}
	}
	return rec
}

// IncrementIn bumps a world's inbound counter for transfers that arrived
// over the wire, where only the receiving side knows the destination.
func (h *History) IncrementIn(worldID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flowsFor(worldID).in++
}

func (h *History) flowsFor(worldID string) *flowCounters {
	fc, ok := h.flows[worldID]
	if !ok {
		fc = &flowCounters{}
		h.flows[worldID] = fc
	}
	return fc
}

// Flows reports migrations in and out of a world since process start.
func (h *History) Flows(worldID string) (in, out int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fc, ok := h.flows[worldID]; ok {
		return fc.in, fc.out
	}
	return 0, 0
}

// Query returns the most recent records first. worldID filters on either
// endpoint; successOnly drops failures. limit <= 0 returns the whole ring.
func (h *History) Query(limit int, worldID string, successOnly bool) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Record, 0, len(h.ring))
	for i := len(h.ring) - 1; i >= 0; i-- {
		rec := h.ring[i]
		if successOnly && !rec.Success {
			continue
		}
		if worldID != "" && !recordTouches(rec, worldID) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func recordTouches(rec Record, worldID string) bool {
	return rec.SourceWorldID == worldID ||
		rec.DestWorldID == worldID ||
		strings.HasSuffix(rec.DestWorldID, ":"+worldID)
}

// Get scans the ring for one record.
func (h *History) Get(transferID string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.ring) - 1; i >= 0; i-- {
		if h.ring[i].TransferID == transferID {
			return h.ring[i], true
		}
	}
	return Record{}, false
}

// Count reports how many records the ring currently holds.
func (h *History) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ring)
}

func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}
