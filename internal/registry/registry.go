// Package registry persists the combined agent and session record sets to
// disk so the daemon can resume in-flight work across a restart.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session"
)

// Snapshot is the on-disk shape of the registry file.
type Snapshot struct {
	Agents   map[string]*agent.Record   `json:"agents"`
	Sessions map[string]*session.Record `json:"sessions"`
}

// Store reads and atomically writes a Snapshot at a fixed path.
type Store struct {
	path   string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore constructs a Store rooted at <stateDir>/registry.json.
func NewStore(stateDir string, log *logger.Logger) *Store {
	return &Store{
		path:   filepath.Join(stateDir, "registry.json"),
		logger: log,
	}
}

// Load reads the persisted snapshot. A missing file is not an error: it
// yields an empty Snapshot, matching a first boot. A corrupt file is logged
// and treated as empty rather than failing daemon startup.
func (s *Store) Load() Snapshot {
	empty := Snapshot{
		Agents:   make(map[string]*agent.Record),
		Sessions: make(map[string]*session.Record),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read registry file, starting empty", zap.String("path", s.path), zap.Error(err))
		}
		return empty
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("registry file is corrupt, starting empty", zap.String("path", s.path), zap.Error(err))
		return empty
	}

	if snap.Agents == nil {
		snap.Agents = make(map[string]*agent.Record)
	}
	if snap.Sessions == nil {
		snap.Sessions = make(map[string]*session.Record)
	}
	return snap
}

// Save atomically writes the given agent and session record sets: it writes
// to a temp file in the same directory and renames over the destination, so
// a crash mid-write never leaves a half-written registry file behind.
func (s *Store) Save(agents map[string]*agent.Record, sessions map[string]*session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Agents: agents, Sessions: sessions}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "registry-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
