package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ember-trading/ember/internal/config"
	"github.com/ember-trading/ember/internal/position"
	"github.com/ember-trading/ember/internal/trader"
)

const (
	tradersFile   = "traders.json"
	positionsFile = "positions.json"
)

// tradersSnapshot is the on-disk envelope for trader state.
type tradersSnapshot struct {
	SavedAt time.Time        `json:"saved_at"`
	Traders []*trader.Trader `json:"traders"`
}

type positionsSnapshot struct {
	SavedAt   time.Time            `json:"saved_at"`
	Positions []*position.Position `json:"positions"`
}

// Store persists trader and position state as JSON files under a
// single directory. Writes go through a temp file and rename so a
// crash mid-save never corrupts the previous snapshot.
type Store struct {
	cfg config.SnapshotConfig

	mu        sync.Mutex
	lastSaved time.Time
}

// NewStore creates the snapshot directory if needed.
func NewStore(cfg config.SnapshotConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{cfg: cfg}, nil
}

// SaveTraders writes the trader snapshot.
func (s *Store) SaveTraders(traders []*trader.Trader, now time.Time) error {
	snap := tradersSnapshot{SavedAt: now, Traders: traders}
	if err := s.writeJSON(tradersFile, snap); err != nil {
		return err
	}
	s.markSaved(now)
	log.Debug().Int("traders", len(traders)).Msg("snapshot: traders saved")
	return nil
}

// LoadTraders reads the trader snapshot. A missing file is an empty
// state, not an error.
func (s *Store) LoadTraders() ([]*trader.Trader, error) {
	var snap tradersSnapshot
	ok, err := s.readJSON(tradersFile, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return snap.Traders, nil
}

// SavePositions writes the position snapshot.
func (s *Store) SavePositions(positions []*position.Position, now time.Time) error {
	snap := positionsSnapshot{SavedAt: now, Positions: positions}
	if err := s.writeJSON(positionsFile, snap); err != nil {
		return err
	}
	s.markSaved(now)
	log.Debug().Int("positions", len(positions)).Msg("snapshot: positions saved")
	return nil
}

// LoadPositions reads the position snapshot.
func (s *Store) LoadPositions() ([]*position.Position, error) {
	var snap positionsSnapshot
	ok, err := s.readJSON(positionsFile, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return snap.Positions, nil
}

// LastSaved reports when any snapshot was last written.
func (s *Store) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

func (s *Store) markSaved(now time.Time) {
	s.mu.Lock()
	s.lastSaved = now
	s.mu.Unlock()
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// readJSON returns false when the file does not exist.
func (s *Store) readJSON(name string, v any) (bool, error) {
	path := filepath.Join(s.cfg.Dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}
