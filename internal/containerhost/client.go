// Package containerhost wraps the Docker Engine API to provide the
// container and volume operations the Container Manager needs to launch and
// supervise worker containers.
package containerhost

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/nat"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Mount describes a bind mount for a worker container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// LaunchSpec describes a worker container to create and start.
type LaunchSpec struct {
	Name       string
	Image      string
	Env        []string
	Mounts     []Mount
	Labels     map[string]string
	WorkerPort string // container-side port spec, e.g. "3000/tcp"
}

// Info holds the subset of container inspection state the Container Manager cares about.
type Info struct {
	ID       string
	Name     string
	State    string // created, running, paused, exited, dead, missing
	ExitCode int
	HostPort int // 0 if unpublished or not yet resolved
}

// Client wraps the Docker client with the operations the Container Manager needs.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// New creates a Client against the configured Docker daemon.
func New(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying Docker client connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// CreateVolume creates a named Docker volume, idempotently.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	_, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a named Docker volume. Missing volumes are not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	if err := c.cli.VolumeRemove(ctx, name, force); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

// CreateAndStart creates a worker container with a read-only config mount,
// a read-write workspace volume, and an ephemeral published port, then
// starts it. It returns the container ID.
func (c *Client) CreateAndStart(ctx context.Context, spec LaunchSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerPort, err := nat.NewPort("tcp", portNumber(spec.WorkerPort))
	if err != nil {
		return "", fmt.Errorf("invalid worker port %q: %w", spec.WorkerPort, err)
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	c.logger.Info("container created and started", zap.String("container_id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// Start starts a previously-created (but stopped) container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops a container, waiting up to timeout for a graceful exit.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove removes a container and its anonymous volumes. Missing containers are not an error.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns the current state of a container, including its resolved
// host port for the worker port spec. Returns a missing Info (no error) if
// the container no longer exists.
func (c *Client) Inspect(ctx context.Context, containerID string, workerPort string) (Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Info{ID: containerID, State: "missing"}, nil
		}
		return Info{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := Info{
		ID:       inspect.ID,
		Name:     inspect.Name,
		State:    inspect.State.Status,
		ExitCode: inspect.State.ExitCode,
	}

	if inspect.NetworkSettings != nil {
		if bindings, ok := inspect.NetworkSettings.Ports[nat.Port(workerPort)]; ok && len(bindings) > 0 {
			var port int
			if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &port); err == nil {
				info.HostPort = port
			}
		}
	}

	return info, nil
}

// Logs returns a reader over the container's combined stdout/stderr, with
// optional follow. Callers are responsible for closing it.
func (c *Client) Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow, Tail: "0"}
	reader, err := c.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// ListByLabel lists containers matching all of the given labels.
func (c *Client) ListByLabel(ctx context.Context, labels map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{ID: ctr.ID, Name: name, State: ctr.State})
	}
	return infos, nil
}

func portNumber(spec string) string {
	for i, r := range spec {
		if r == '/' {
			return spec[:i]
		}
	}
	return spec
}
