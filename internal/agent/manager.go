package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/apperrors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/containerhost"
	"github.com/agentdeck/agentdeck/internal/eventbus"
)

// Host is the subset of the container host adapter the Manager depends on.
type Host interface {
	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string, force bool) error
	CreateAndStart(ctx context.Context, spec containerhost.LaunchSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string, workerPort string) (containerhost.Info, error)
}

// Manager is the Container Manager: it owns the set of AgentRecords and
// drives the worker container lifecycle through a Host.
type Manager struct {
	host        Host
	bus         eventbus.Bus
	logger      *logger.Logger
	image       string
	stateDir    string
	workerPort  string

	mu      sync.RWMutex
	records map[string]*Record

	persist func() error
}

// NewManager constructs a Manager. initial seeds the in-memory record store,
// typically from the registry at boot.
func NewManager(host Host, bus eventbus.Bus, log *logger.Logger, image, stateDir, workerPort string, initial map[string]*Record) *Manager {
	if initial == nil {
		initial = make(map[string]*Record)
	}
	return &Manager{
		host:       host,
		bus:        bus,
		logger:     log,
		image:      image,
		stateDir:   stateDir,
		workerPort: workerPort,
		records:    initial,
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

// Snapshot returns a shallow copy of the current record set, for persistence.
func (m *Manager) Snapshot() map[string]*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Record, len(m.records))
	for k, v := range m.records {
		cp := *v
		out[k] = &cp
	}
	return out
}

func newAgentID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return "agent-" + hex.EncodeToString(buf)
}

// SpawnOptions carries the per-launch inputs to Spawn.
type SpawnOptions struct {
	APIKey    string
	Config    map[string]interface{}
	MCPEnv    map[string]map[string]string
	SessionID string
}

// Spawn normalizes the config, writes it to the agent's state directory,
// creates the workspace volume, and launches the worker container.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*Record, error) {
	if opts.APIKey == "" {
		return nil, apperrors.BadRequest("api_key is required")
	}

	rawConfig := make(map[string]interface{}, len(opts.Config))
	for k, v := range opts.Config {
		rawConfig[k] = v
	}

	agentID := newAgentID()

	configID, _ := rawConfig["id"].(string)
	if configID == "" {
		configID = agentID
		rawConfig["id"] = configID
	}
	if _, ok := rawConfig["name"]; !ok {
		rawConfig["name"] = fmt.Sprintf("Agent %s", agentID)
	}
	if _, ok := rawConfig["permission_mode"]; !ok {
		rawConfig["permission_mode"] = defaultPermissionMode
	}

	normalized, err := normalizeConfig(rawConfig)
	if err != nil {
		return nil, err
	}

	configPath, err := writeConfig(m.stateDir, agentID, normalized)
	if err != nil {
		return nil, apperrors.InternalError("failed to persist agent config", err)
	}

	env, err := buildEnv(agentID, opts.SessionID, opts.APIKey, opts.MCPEnv)
	if err != nil {
		return nil, err
	}

	workspaceVolume := fmt.Sprintf("agentdeck-workspace-%s", agentID)
	if err := m.host.CreateVolume(ctx, workspaceVolume); err != nil {
		return nil, apperrors.HostError("failed to create workspace volume", err)
	}

	containerName := fmt.Sprintf("agentdeck-%s", agentID)
	spec := containerhost.LaunchSpec{
		Name:  containerName,
		Image: m.image,
		Env:   env,
		Mounts: []containerhost.Mount{
			{Source: configPath, Target: "/config/agent-config.json", ReadOnly: true},
			{Source: workspaceVolume, Target: "/workspace", ReadOnly: false},
		},
		Labels: map[string]string{
			"agentdeck":            "true",
			"agentdeck.agent_id":   agentID,
			"agentdeck.config_id":  configID,
		},
		WorkerPort: m.workerPort,
	}

	containerID, err := m.host.CreateAndStart(ctx, spec)
	if err != nil {
		_ = m.host.RemoveVolume(ctx, workspaceVolume, true)
		return nil, apperrors.HostError("failed to launch worker container", err)
	}

	info, err := m.host.Inspect(ctx, containerID, m.workerPort)
	if err != nil {
		m.logger.Warn("failed to resolve host port after spawn", zap.String("agent_id", agentID), zap.Error(err))
	}

	record := &Record{
		AgentID:         agentID,
		ConfigID:        configID,
		ContainerID:     containerID,
		ContainerName:   containerName,
		Status:          StatusRunning,
		CreatedAt:       time.Now().UTC(),
		ConfigPath:      configPath,
		WorkspaceVolume: workspaceVolume,
		SessionID:       opts.SessionID,
		HostPort:        info.HostPort,
	}

	m.mu.Lock()
	m.records[agentID] = record
	m.mu.Unlock()

	m.publish(ctx, eventbus.SubjectAgentSpawned, agentID)
	m.maybePersist()

	return record, nil
}

// List returns all agent records. When refresh is true, each record's
// status is re-derived from the live container state first.
func (m *Manager) List(ctx context.Context, refresh bool) []*Record {
	if refresh {
		m.refreshAll(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) refreshAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	containerIDs := make(map[string]string, len(m.records))
	for id, r := range m.records {
		ids = append(ids, id)
		containerIDs[id] = r.ContainerID
	}
	m.mu.RUnlock()

	for _, id := range ids {
		info, err := m.host.Inspect(ctx, containerIDs[id], m.workerPort)
		if err != nil {
			continue
		}
		m.mu.Lock()
		if r, ok := m.records[id]; ok {
			r.Status = statusFromState(info.State)
			if info.HostPort != 0 {
				r.HostPort = info.HostPort
			}
		}
		m.mu.Unlock()
	}
}

func statusFromState(state string) Status {
	switch state {
	case "missing":
		return StatusMissing
	case "running":
		return StatusRunning
	case "exited", "dead":
		return StatusExited
	case "created":
		return StatusCreated
	default:
		return StatusStopped
	}
}

// Get returns the record for agentID.
func (m *Manager) Get(agentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[agentID]
	if !ok {
		return nil, apperrors.UnknownAgent(agentID)
	}
	cp := *r
	return &cp, nil
}

// GetContainer returns the live container Info for agentID.
func (m *Manager) GetContainer(ctx context.Context, agentID string) (containerhost.Info, error) {
	r, err := m.Get(agentID)
	if err != nil {
		return containerhost.Info{}, err
	}
	return m.host.Inspect(ctx, r.ContainerID, m.workerPort)
}

// Endpoint returns the worker's base URL, lazily re-resolving the host port
// if it was not yet known.
func (m *Manager) Endpoint(ctx context.Context, agentID string) (string, error) {
	r, err := m.Get(agentID)
	if err != nil {
		return "", err
	}
	if r.HostPort != 0 {
		return r.Endpoint(), nil
	}

	info, err := m.host.Inspect(ctx, r.ContainerID, m.workerPort)
	if err != nil {
		return "", apperrors.HostError("failed to resolve agent endpoint", err)
	}
	if info.State == "missing" || info.HostPort == 0 {
		return "", nil
	}

	m.mu.Lock()
	if existing, ok := m.records[agentID]; ok {
		existing.HostPort = info.HostPort
	}
	m.mu.Unlock()
	m.maybePersist()

	return fmt.Sprintf("http://localhost:%d", info.HostPort), nil
}

// Start starts a stopped agent's container, or recreates it from the stored
// config and an ambient API key if the container was externally removed.
// recreated reports whether the container had to be recreated from scratch.
func (m *Manager) Start(ctx context.Context, agentID, ambientAPIKey string) (*Record, bool, error) {
	r, err := m.Get(agentID)
	if err != nil {
		return nil, false, err
	}

	info, err := m.host.Inspect(ctx, r.ContainerID, m.workerPort)
	if err != nil {
		return nil, false, apperrors.HostError("failed to inspect agent container", err)
	}

	if info.State == "missing" {
		updated, err := m.recreate(ctx, r, ambientAPIKey)
		if err != nil {
			return nil, false, err
		}
		return updated, true, nil
	}

	if err := m.host.Start(ctx, r.ContainerID); err != nil {
		return nil, false, apperrors.HostError("failed to start agent container", err)
	}

	refreshed, _ := m.host.Inspect(ctx, r.ContainerID, m.workerPort)

	m.mu.Lock()
	if existing, ok := m.records[agentID]; ok {
		existing.Status = StatusRunning
		if refreshed.HostPort != 0 {
			existing.HostPort = refreshed.HostPort
		}
	}
	m.mu.Unlock()

	m.publish(ctx, eventbus.SubjectAgentStarted, agentID)
	m.maybePersist()

	updated, err := m.Get(agentID)
	if err != nil {
		return nil, false, err
	}
	return updated, false, nil
}

func (m *Manager) recreate(ctx context.Context, r *Record, ambientAPIKey string) (*Record, error) {
	if ambientAPIKey == "" {
		return nil, apperrors.MissingContainer(r.AgentID)
	}

	configBytes, err := os.ReadFile(r.ConfigPath)
	if err != nil {
		return nil, apperrors.MissingConfig(r.AgentID)
	}

	var storedConfig map[string]interface{}
	if err := json.Unmarshal(configBytes, &storedConfig); err != nil {
		return nil, apperrors.MissingConfig(r.AgentID)
	}

	env, err := buildEnv(r.AgentID, r.SessionID, ambientAPIKey, nil)
	if err != nil {
		return nil, err
	}

	spec := containerhost.LaunchSpec{
		Name:  r.ContainerName,
		Image: m.image,
		Env:   env,
		Mounts: []containerhost.Mount{
			{Source: r.ConfigPath, Target: "/config/agent-config.json", ReadOnly: true},
			{Source: r.WorkspaceVolume, Target: "/workspace", ReadOnly: false},
		},
		Labels: map[string]string{
			"agentdeck":           "true",
			"agentdeck.agent_id":  r.AgentID,
			"agentdeck.config_id": r.ConfigID,
		},
		WorkerPort: m.workerPort,
	}

	containerID, err := m.host.CreateAndStart(ctx, spec)
	if err != nil {
		return nil, apperrors.HostError("failed to recreate agent container", err)
	}

	info, _ := m.host.Inspect(ctx, containerID, m.workerPort)

	m.mu.Lock()
	if existing, ok := m.records[r.AgentID]; ok {
		existing.ContainerID = containerID
		existing.Status = StatusRunning
		existing.HostPort = info.HostPort
	}
	m.mu.Unlock()

	m.publish(ctx, eventbus.SubjectAgentStarted, r.AgentID)
	m.maybePersist()

	return m.Get(r.AgentID)
}

// Stop stops the agent's container. A container that no longer exists is
// not an error: the record's status is normalized to missing.
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	r, err := m.Get(agentID)
	if err != nil {
		return err
	}

	if err := m.host.Stop(ctx, r.ContainerID, 10*time.Second); err != nil {
		return apperrors.HostError("failed to stop agent container", err)
	}

	info, inspectErr := m.host.Inspect(ctx, r.ContainerID, m.workerPort)
	if inspectErr == nil && info.State == "missing" {
		m.setStatus(agentID, StatusMissing)
	} else {
		m.setStatus(agentID, StatusStopped)
	}

	m.publish(ctx, eventbus.SubjectAgentStopped, agentID)
	m.maybePersist()
	return nil
}

// Delete stops and removes the agent's container, volume, and stored
// config, then forgets the record entirely.
func (m *Manager) Delete(ctx context.Context, agentID string) error {
	r, err := m.Get(agentID)
	if err != nil {
		return err
	}

	if err := m.host.Stop(ctx, r.ContainerID, 10*time.Second); err != nil {
		m.logger.Warn("stop before delete failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := m.host.Remove(ctx, r.ContainerID, true); err != nil {
		m.logger.Warn("remove container during delete failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := m.host.RemoveVolume(ctx, r.WorkspaceVolume, true); err != nil {
		m.logger.Warn("remove volume during delete failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	_ = os.Remove(r.ConfigPath)
	_ = os.Remove(m.stateDir + "/" + agentID)

	m.mu.Lock()
	delete(m.records, agentID)
	m.mu.Unlock()

	m.publish(ctx, eventbus.SubjectAgentDeleted, agentID)
	m.maybePersist()
	return nil
}

// UpdateConfig rewrites the agent's config document and restarts the worker
// container against it. On failure to launch with the new config, the old
// config and container are restored and a HostError is returned.
func (m *Manager) UpdateConfig(ctx context.Context, agentID string, newConfig map[string]interface{}, apiKey string) (*Record, error) {
	r, err := m.Get(agentID)
	if err != nil {
		return nil, err
	}

	oldConfigBytes, readErr := os.ReadFile(r.ConfigPath)
	if readErr != nil {
		return nil, apperrors.MissingConfig(agentID)
	}

	normalized, err := normalizeConfig(newConfig)
	if err != nil {
		return nil, err
	}

	if _, err := writeConfig(m.stateDir, agentID, normalized); err != nil {
		return nil, apperrors.InternalError("failed to write new agent config", err)
	}

	if err := m.host.Stop(ctx, r.ContainerID, 10*time.Second); err != nil {
		m.logger.Warn("stop before config reload failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	_ = m.host.Remove(ctx, r.ContainerID, true)

	env, err := buildEnv(agentID, r.SessionID, apiKey, nil)
	if err != nil {
		return nil, err
	}

	spec := containerhost.LaunchSpec{
		Name:  r.ContainerName,
		Image: m.image,
		Env:   env,
		Mounts: []containerhost.Mount{
			{Source: r.ConfigPath, Target: "/config/agent-config.json", ReadOnly: true},
			{Source: r.WorkspaceVolume, Target: "/workspace", ReadOnly: false},
		},
		Labels: map[string]string{
			"agentdeck":           "true",
			"agentdeck.agent_id":  agentID,
			"agentdeck.config_id": r.ConfigID,
		},
		WorkerPort: m.workerPort,
	}

	containerID, err := m.host.CreateAndStart(ctx, spec)
	if err != nil {
		// Rollback: restore the old config and try to bring the old container shape back up.
		if writeErr := os.WriteFile(r.ConfigPath, oldConfigBytes, 0o644); writeErr != nil {
			m.logger.Error("rollback failed to restore old config", zap.String("agent_id", agentID), zap.Error(writeErr))
		}
		rollbackID, rollbackErr := m.host.CreateAndStart(ctx, spec)
		if rollbackErr != nil {
			m.setStatus(agentID, StatusExited)
			m.maybePersist()
			return nil, apperrors.HostError("config reload failed and rollback failed", err)
		}
		m.mu.Lock()
		if existing, ok := m.records[agentID]; ok {
			existing.ContainerID = rollbackID
			existing.Status = StatusRunning
		}
		m.mu.Unlock()
		m.maybePersist()
		return nil, apperrors.HostError("config reload failed, rolled back to previous config", err)
	}

	info, _ := m.host.Inspect(ctx, containerID, m.workerPort)

	m.mu.Lock()
	if existing, ok := m.records[agentID]; ok {
		existing.ContainerID = containerID
		existing.Status = StatusRunning
		existing.HostPort = info.HostPort
	}
	m.mu.Unlock()
	m.maybePersist()

	updated, _ := m.Get(agentID)
	return updated, nil
}

func (m *Manager) setStatus(agentID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[agentID]; ok {
		r.Status = status
	}
}

func (m *Manager) publish(ctx context.Context, subject, agentID string) {
	if m.bus == nil {
		return
	}
	event := eventbus.NewEvent(subject, "agent-manager", map[string]interface{}{"agent_id": agentID})
	if err := m.bus.Publish(ctx, subject, event); err != nil {
		m.logger.Debug("failed to publish lifecycle event", zap.String("subject", subject), zap.Error(err))
	}
}
