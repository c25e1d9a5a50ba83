package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/apperrors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/eventbus"
)

// AgentRecord is the subset of an agent.Record the Session Manager reports
// back to callers alongside the session it launched.
type AgentRecord struct {
	AgentID  string
	ConfigID string
	Status   string
}

// ContainerManager is the subset of agent.Manager the Session Manager drives.
type ContainerManager interface {
	Spawn(ctx context.Context, opts SpawnOptions) (AgentRecord, error)
	Stop(ctx context.Context, agentID string) error
	// Start reports whether the container had to be recreated from scratch,
	// so the caller can refresh anything keyed off the prior container.
	Start(ctx context.Context, agentID, ambientAPIKey string) (record AgentRecord, recreated bool, err error)
	Delete(ctx context.Context, agentID string) error
}

// SpawnOptions mirrors agent.SpawnOptions without importing the agent
// package, keeping session and agent as independent leaf packages.
type SpawnOptions struct {
	APIKey    string
	Config    map[string]interface{}
	MCPEnv    map[string]map[string]string
	SessionID string
}

// Manager is the Session Manager.
type Manager struct {
	cm          ContainerManager
	bus         eventbus.Bus
	logger      *logger.Logger
	idleTimeout time.Duration

	mu         sync.RWMutex
	sessions   map[string]*Record
	agentIndex map[string]string // agent_id -> session_id

	persist func() error
}

// NewManager constructs a Manager. initial seeds the in-memory session
// store, typically from the registry at boot.
func NewManager(cm ContainerManager, bus eventbus.Bus, log *logger.Logger, idleTimeout time.Duration, initial map[string]*Record) *Manager {
	if initial == nil {
		initial = make(map[string]*Record)
	}
	agentIndex := make(map[string]string, len(initial))
	for id, r := range initial {
		agentIndex[r.AgentID] = id
	}
	return &Manager{
		cm:          cm,
		bus:         bus,
		logger:      log,
		idleTimeout: idleTimeout,
		sessions:    initial,
		agentIndex:  agentIndex,
	}
}

// SetPersist installs the callback invoked after every mutating operation.
func (m *Manager) SetPersist(fn func() error) {
	m.persist = fn
}

func (m *Manager) maybePersist() {
	if m.persist == nil {
		return
	}
	if err := m.persist(); err != nil {
		m.logger.Error("failed to persist registry", zap.Error(err))
	}
}

// Snapshot returns a shallow copy of the current session set, for persistence.
func (m *Manager) Snapshot() map[string]*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Record, len(m.sessions))
	for k, v := range m.sessions {
		cp := *v
		out[k] = &cp
	}
	return out
}

// Launch spawns a new agent via the Container Manager and registers a
// session over it.
func (m *Manager) Launch(ctx context.Context, apiKey string, config map[string]interface{}, mcpEnv map[string]map[string]string) (*Record, AgentRecord, error) {
	sessionID := newSessionID()

	agentRecord, err := m.cm.Spawn(ctx, SpawnOptions{
		APIKey:    apiKey,
		Config:    config,
		MCPEnv:    mcpEnv,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, AgentRecord{}, err
	}

	now := time.Now().UTC()
	record := &Record{
		SessionID:    sessionID,
		SessionToken: newSessionToken(),
		AgentID:      agentRecord.AgentID,
		ConfigID:     agentRecord.ConfigID,
		CreatedAt:    now,
		LastActive:   now,
		APIKeyHash:   hashAPIKey(apiKey),
	}

	m.mu.Lock()
	m.sessions[sessionID] = record
	m.agentIndex[agentRecord.AgentID] = sessionID
	m.mu.Unlock()

	m.publish(ctx, eventbus.SubjectSessionLaunch, sessionID)
	m.maybePersist()

	return record, agentRecord, nil
}

// List returns all session records.
func (m *Manager) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Get returns the session record for sessionID.
func (m *Manager) Get(sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, apperrors.UnknownSession(sessionID)
	}
	cp := *r
	return &cp, nil
}

// GetForAgent returns the session record associated with agentID.
func (m *Manager) GetForAgent(agentID string) (*Record, error) {
	m.mu.RLock()
	sessionID, ok := m.agentIndex[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.UnknownSession(agentID)
	}
	return m.Get(sessionID)
}

// Touch updates last_active for sessionID. Unknown sessions are silently
// ignored: touch is a best-effort liveness signal, not a lookup.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[sessionID]; ok {
		r.LastActive = time.Now().UTC()
	}
}

// Authorize checks sessionToken (if non-empty) or an "Authorization: Bearer"
// header's API key against the session's stored secrets, both in constant time.
func (m *Manager) Authorize(sessionID, sessionToken, authorizationHeader string) (bool, error) {
	r, err := m.Get(sessionID)
	if err != nil {
		return false, err
	}

	if sessionToken != "" && constantTimeEqual(sessionToken, r.SessionToken) {
		return true, nil
	}

	if authorizationHeader != "" {
		const prefix = "bearer "
		lower := strings.ToLower(authorizationHeader)
		if strings.HasPrefix(lower, prefix) {
			candidate := strings.TrimSpace(authorizationHeader[len(prefix):])
			return constantTimeEqual(hashAPIKey(candidate), r.APIKeyHash), nil
		}
	}

	return false, nil
}

// Stop stops the session's agent container without deleting the session.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	r, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return m.cm.Stop(ctx, r.AgentID)
}

// Start restarts (or recreates) the session's agent container. If the
// container had to be recreated with a new ambient API key, the session's
// stored api_key_hash is updated to match so future Authorize calls against
// the Authorization header succeed with the new key. The session is touched
// on success.
func (m *Manager) Start(ctx context.Context, sessionID, ambientAPIKey string) (AgentRecord, error) {
	r, err := m.Get(sessionID)
	if err != nil {
		return AgentRecord{}, err
	}

	agentRecord, recreated, err := m.cm.Start(ctx, r.AgentID, ambientAPIKey)
	if err != nil {
		return AgentRecord{}, err
	}

	if recreated && ambientAPIKey != "" {
		m.mu.Lock()
		if existing, ok := m.sessions[sessionID]; ok {
			existing.APIKeyHash = hashAPIKey(ambientAPIKey)
		}
		m.mu.Unlock()
	}

	m.Touch(sessionID)
	m.maybePersist()
	return agentRecord, nil
}

// Delete stops and removes the session's agent, then forgets the session
// record regardless of whether agent deletion fully succeeded.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	r, err := m.Get(sessionID)
	if err != nil {
		return err
	}

	if err := m.cm.Delete(ctx, r.AgentID); err != nil {
		m.logger.Warn("agent deletion during session delete failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.agentIndex, r.AgentID)
	m.mu.Unlock()

	m.publish(ctx, eventbus.SubjectSessionDelete, sessionID)
	m.maybePersist()
	return nil
}

// RotateToken replaces the session's bearer token and returns the new value.
func (m *Manager) RotateToken(sessionID string) (string, error) {
	m.mu.Lock()
	r, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", apperrors.UnknownSession(sessionID)
	}
	r.SessionToken = newSessionToken()
	token := r.SessionToken
	m.mu.Unlock()

	m.maybePersist()
	return token, nil
}

// IdleSessions returns sessions whose last_active predates the configured
// idle timeout. Returns nil when idle eviction is disabled (timeout <= 0).
func (m *Manager) IdleSessions() []*Record {
	if m.idleTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-m.idleTimeout)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var idle []*Record
	for _, r := range m.sessions {
		if r.LastActive.Before(cutoff) {
			cp := *r
			idle = append(idle, &cp)
		}
	}
	return idle
}

func (m *Manager) publish(ctx context.Context, subject, sessionID string) {
	if m.bus == nil {
		return
	}
	event := eventbus.NewEvent(subject, "session-manager", map[string]interface{}{"session_id": sessionID})
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Debug("failed to publish lifecycle event", zap.String("subject", subject), zap.Error(err))
	}
}
