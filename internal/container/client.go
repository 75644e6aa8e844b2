// Package container wraps the Docker SDK to manage per-session worker containers.
package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
)

const (
	// LabelSessionID marks a container as belonging to an agentdock session.
	LabelSessionID = "agentdock.session_id"
	// LabelCreatedAt records the creation timestamp on the container.
	LabelCreatedAt = "agentdock.created_at"

	// workspaceMountPath is where the session workspace appears inside the container.
	workspaceMountPath = "/workspace"

	// stopGracePeriod is how long a container gets to shut down cleanly
	// before the daemon kills it.
	stopGracePeriod = 10 * time.Second

	// statusPollInterval is how often WaitForRunning re-inspects the container.
	statusPollInterval = 500 * time.Millisecond
)

// CreateOptions holds per-session container creation parameters.
type CreateOptions struct {
	SessionID     string
	WorkspacePath string            // host path bind-mounted at /workspace
	Env           map[string]string // injected as KEY=VALUE pairs
	ExtraMounts   []MountConfig
}

// MountConfig holds mount configuration.
type MountConfig struct {
	Source   string // Host path
	Target   string // Container path
	ReadOnly bool
}

// Info holds information about a session container.
type Info struct {
	ID        string
	Name      string
	Image     string
	SessionID string
	Status    Status
	StartedAt time.Time
	ExitCode  int
}

// Client wraps the Docker client for worker container lifecycle operations.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

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

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// Ping checks if the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls the worker image so session creation does not pay the cost.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the output to ensure the image is fully pulled.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled successfully", zap.String("image", imageName))
	return nil
}

// Create creates a worker container for a session. The container is labeled
// with the session ID so orphans can be found after a gateway restart.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (string, error) {
	name := "agentdock-" + opts.SessionID

	c.logger.Info("Creating container",
		zap.String("session_id", opts.SessionID),
		zap.String("name", name),
		zap.String("image", c.config.Image),
	)

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: opts.WorkspacePath,
			Target: workspaceMountPath,
		},
	}
	for _, m := range opts.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	memBytes, err := ParseMemory(c.config.MemoryLimit)
	if err != nil {
		return "", fmt.Errorf("invalid memory limit %q: %w", c.config.MemoryLimit, err)
	}

	containerCfg := &container.Config{
		Image:      c.config.Image,
		Env:        env,
		WorkingDir: workspaceMountPath,
		Labels: map[string]string{
			LabelSessionID: opts.SessionID,
			LabelCreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(c.config.Network),
		Resources: container.Resources{
			Memory:   memBytes,
			NanoCPUs: int64(c.config.CPULimit * 1e9),
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		c.logger.Error("Failed to create container",
			zap.String("session_id", opts.SessionID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	c.logger.Info("Container created",
		zap.String("container_id", resp.ID),
		zap.String("session_id", opts.SessionID),
	)
	return resp.ID, nil
}

// Start starts a container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	c.logger.Info("Starting container", zap.String("container_id", containerID))

	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// Stop stops a container gracefully. A missing container is not an error:
// stop is used during teardown, where the container may already be gone.
func (c *Client) Stop(ctx context.Context, containerID string) error {
	c.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Duration("grace", stopGracePeriod),
	)

	timeoutSeconds := int(stopGracePeriod.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			c.logger.Warn("Container not found during stop", zap.String("container_id", containerID))
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	c.logger.Info("Container stopped", zap.String("container_id", containerID))
	return nil
}

// Remove removes a container and its anonymous volumes. A missing container
// is not an error.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	c.logger.Info("Removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force),
	)

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			c.logger.Warn("Container not found during remove", zap.String("container_id", containerID))
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	return nil
}

// Status returns the lifecycle status of a container. An unreachable or
// missing container reports StatusFailed rather than an error so that
// reconciliation loops can treat both uniformly.
func (c *Client) Status(ctx context.Context, containerID string) (Status, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StatusFailed, nil
		}
		return StatusFailed, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return mapDockerState(inspect.State.Status), nil
}

// Inspect returns detailed information about a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (*Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	info := &Info{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		Image:    inspect.Config.Image,
		Status:   mapDockerState(inspect.State.Status),
		ExitCode: inspect.State.ExitCode,
	}
	if inspect.Config.Labels != nil {
		info.SessionID = inspect.Config.Labels[LabelSessionID]
	}
	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = startedAt
		}
	}

	return info, nil
}

// IPAddress returns the container's IP, preferring the configured worker
// network. The VNC bridge dials this address directly.
func (c *Client) IPAddress(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("no network settings for container %s", containerID)
	}

	if netSettings, ok := inspect.NetworkSettings.Networks[c.config.Network]; ok && netSettings.IPAddress != "" {
		return netSettings.IPAddress, nil
	}

	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress, nil
	}
	for netName, netSettings := range inspect.NetworkSettings.Networks {
		if netSettings.IPAddress != "" {
			c.logger.Debug("Found container IP on fallback network",
				zap.String("container_id", containerID),
				zap.String("network", netName),
			)
			return netSettings.IPAddress, nil
		}
	}

	return "", fmt.Errorf("no IP address found for container %s", containerID)
}

// WaitForRunning polls the container status until it is running, fails, or
// the timeout elapses. Returns true when the container reached running.
func (c *Client) WaitForRunning(ctx context.Context, containerID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, containerID)
		if err != nil {
			return false, err
		}
		switch status {
		case StatusRunning:
			return true, nil
		case StatusFailed, StatusStopped:
			return false, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Logs returns the last tail lines of combined stdout/stderr output.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}

	reader, err := c.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// List returns all session containers, identified by the session label.
func (c *Client) List(ctx context.Context) ([]Info, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", LabelSessionID)

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}

		infos = append(infos, Info{
			ID:        ctr.ID,
			Name:      name,
			Image:     ctr.Image,
			SessionID: ctr.Labels[LabelSessionID],
			Status:    mapDockerState(ctr.State),
		})
	}

	c.logger.Debug("Listed session containers", zap.Int("count", len(infos)))
	return infos, nil
}

// ParseMemory converts a human memory limit ("512m", "2g", "1048576") to bytes.
func ParseMemory(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'k':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'm':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", s, err)
	}
	return int64(value * float64(multiplier)), nil
}
