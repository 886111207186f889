// Package snapshot persists world state as JSON documents under the data
// directory, one subdirectory per world. Every write goes through a temp
// file and an atomic rename so a crash mid-save never clobbers the previous
// good snapshot.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbolaris/tank-sub003/internal/monitoring"
	"github.com/mbolaris/tank-sub003/internal/sim"
)

// DocumentSchemaVersion tags snapshot files; readers refuse newer majors.
const DocumentSchemaVersion = 1

const filePrefix = "snapshot_"

// Metadata is the world identity block carried by every snapshot, enough to
// recreate the runner on a cold start.
type Metadata struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	WorldType      string         `json:"world_type"`
	Seed           int64          `json:"seed"`
	Persistent     bool           `json:"persistent"`
	AllowTransfers bool           `json:"allow_transfers"`
	Config         map[string]any `json:"config,omitempty"`
}

// Document is one serialized world: identity, frame position, the full
// entity list in wire form, and the ecosystem counters.
type Document struct {
	SchemaVersion int              `json:"schema_version"`
	WorldID       string           `json:"world_id"`
	SavedAt       time.Time        `json:"saved_at"`
	Frame         int64            `json:"frame"`
	Paused        bool             `json:"paused"`
	Metadata      Metadata         `json:"metadata"`
	Entities      []map[string]any `json:"entities"`
	Ecosystem     sim.Stats        `json:"ecosystem"`
}

// Info describes one snapshot file on disk.
type Info struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	SavedAt time.Time `json:"saved_at"`
	Size    int64     `json:"size_bytes"`
}

// Store owns the on-disk snapshot tree. Saves for the same world are
// serialized per world; different worlds save concurrently.
type Store struct {
	root   string
	logger zerolog.Logger

	mu     sync.Mutex
	saving map[string]*sync.Mutex
}

func NewStore(dataDir string, logger zerolog.Logger) *Store {
	return &Store{
		root:   dataDir,
		logger: logger.With().Str("component", "snapshot").Logger(),
		saving: make(map[string]*sync.Mutex),
	}
}

// WorldDir returns the directory holding a world's snapshots.
func (s *Store) WorldDir(worldID string) string {
	return filepath.Join(s.root, "worlds", worldID, "snapshots")
}

func (s *Store) saveLock(worldID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.saving[worldID]
	if !ok {
		l = &sync.Mutex{}
		s.saving[worldID] = l
	}
	return l
}

// Save writes the document as a new timestamped snapshot file and returns
// its path. The document is not mutated except for SchemaVersion and
// SavedAt, which are stamped here.
func (s *Store) Save(doc *Document) (string, error) {
	if doc.WorldID == "" || doc.WorldID != filepath.Base(doc.WorldID) {
		return "", fmt.Errorf("invalid world id %q", doc.WorldID)
	}
	lock := s.saveLock(doc.WorldID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	doc.SchemaVersion = DocumentSchemaVersion
	doc.SavedAt = time.Now().UTC()

	dir := s.WorldDir(doc.WorldID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		monitoring.RecordSnapshotSave(time.Since(start).Seconds(), false)
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		monitoring.RecordSnapshotSave(time.Since(start).Seconds(), false)
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	name := filePrefix + doc.SavedAt.Format("20060102_150405") + ".json"
	path := filepath.Join(dir, name)
	if err := WriteAtomic(path, data); err != nil {
		monitoring.RecordSnapshotSave(time.Since(start).Seconds(), false)
		return "", err
	}

	monitoring.RecordSnapshotSave(time.Since(start).Seconds(), true)
	s.logger.Debug().
		Str("world_id", doc.WorldID).
		Str("path", path).
		Int64("frame", doc.Frame).
		Int("entities", len(doc.Entities)).
		Msg("Snapshot saved")
	return path, nil
}

// Load reads and validates one snapshot file. A missing file surfaces as
// os.ErrNotExist; a file that exists but does not parse is a distinct
// corruption error.
func (s *Store) Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s: %w", path, err)
	}
	if doc.SchemaVersion > DocumentSchemaVersion {
		return nil, fmt.Errorf("snapshot %s has schema %d, newest understood is %d",
			path, doc.SchemaVersion, DocumentSchemaVersion)
	}
	if doc.WorldID == "" {
		return nil, fmt.Errorf("corrupt snapshot %s: missing world_id", path)
	}
	return &doc, nil
}

// LoadLatest loads the most recent snapshot for a world.
func (s *Store) LoadLatest(worldID string) (*Document, string, error) {
	infos, err := s.List(worldID)
	if err != nil {
		return nil, "", err
	}
	if len(infos) == 0 {
		return nil, "", os.ErrNotExist
	}
	doc, err := s.Load(infos[0].Path)
	return doc, infos[0].Path, err
}

// List returns a world's snapshots, newest first. A world with no snapshot
// directory lists as empty, not as an error.
func (s *Store) List(worldID string) ([]Info, error) {
	entries, err := os.ReadDir(s.WorldDir(worldID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		savedAt, err := time.Parse("20060102_150405", strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json"))
		if err != nil {
			savedAt = fi.ModTime().UTC()
		}
		infos = append(infos, Info{
			Path:    filepath.Join(s.WorldDir(worldID), name),
			Name:    name,
			SavedAt: savedAt,
			Size:    fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name > infos[j].Name })
	return infos, nil
}

// Retain drops all but the newest keep snapshots for a world and returns
// how many files were removed. Deletion failures are logged, not fatal.
func (s *Store) Retain(worldID string, keep int) int {
	if keep < 1 {
		keep = 1
	}
	infos, err := s.List(worldID)
	if err != nil || len(infos) <= keep {
		return 0
	}
	removed := 0
	for _, old := range infos[keep:] {
		if err := os.Remove(old.Path); err != nil {
			s.logger.Warn().Err(err).Str("path", old.Path).Msg("Failed to prune snapshot")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Debug().
			Str("world_id", worldID).
			Int("removed", removed).
			Int("kept", keep).
			Msg("Pruned old snapshots")
	}
	return removed
}

// Drop removes a world's entire on-disk directory, snapshots included.
// Called on world deletion so the world does not resurrect at next startup.
func (s *Store) Drop(worldID string) error {
	if worldID == "" || worldID != filepath.Base(worldID) {
		return fmt.Errorf("invalid world id %q", worldID)
	}
	lock := s.saveLock(worldID)
	lock.Lock()
	defer lock.Unlock()
	dir := filepath.Join(s.root, "worlds", worldID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// DiscoverAll scans the data directory and returns the latest snapshot path
// per world, keyed by world id. Used once at startup.
func (s *Store) DiscoverAll() (map[string]string, error) {
	worldsDir := filepath.Join(s.root, "worlds")
	entries, err := os.ReadDir(worldsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	found := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Each world directory holds a snapshots/ subdir; List tolerates
		// worlds that never saved.
		infos, err := s.List(e.Name())
		if err != nil || len(infos) == 0 {
			continue
		}
		found[e.Name()] = infos[0].Path
	}
	return found, nil
}

// WriteAtomic writes data to path via a temp file in the same directory and
// an atomic rename. Shared by every component that persists under data/.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
