package scheduler

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/logger"
)

// DockerScheduler implements ContainerScheduler against a local Docker
// daemon, grounded on agents/docker-agent/agent_docker_operations.go:
// image pull-if-absent, ContainerConfig translation into
// container.Config/HostConfig, Kubernetes-quantity-style memory/cpu
// parsing, and the app/component/session_id label scheme.
type DockerScheduler struct {
	cli         *client.Client
	networkName string
}

// NewDockerScheduler wraps a docker client.Client configured from the
// environment (DOCKER_HOST, etc).
func NewDockerScheduler(cli *client.Client, networkName string) *DockerScheduler {
	if networkName == "" {
		networkName = "sandboxd-net"
	}
	return &DockerScheduler{cli: cli, networkName: networkName}
}

// EnsureNetwork creates the sandbox bridge network if it does not exist.
func (d *DockerScheduler) EnsureNetwork(ctx context.Context) error {
	networks, err := d.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return apperr.UpstreamUnavailable("list docker networks", err)
	}
	for _, n := range networks {
		if n.Name == d.networkName {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, d.networkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{"app": "sandboxd", "component": "session-network"},
	})
	if err != nil {
		return apperr.UpstreamUnavailable("create docker network", err)
	}
	return nil
}

// Create creates (but does not start) a container, pulling the image first
// if it is not already present locally.
func (d *DockerScheduler) Create(ctx context.Context, cfg ContainerConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateStartDeadline)
	defer cancel()

	// Idempotent on name: if a container with this name already exists,
	// return its id (spec §4.B).
	if existing, err := d.findByName(ctx, cfg.Name); err == nil {
		return existing, nil
	}

	if err := d.pullIfAbsent(ctx, cfg.Image); err != nil {
		return "", err
	}

	env := make([]string, 0, len(cfg.EnvVars))
	for k, v := range cfg.EnvVars {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Env:        env,
		Labels:     cfg.Labels,
		Entrypoint: cfg.Entrypoint,
		Cmd:        cfg.Command,
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	if cfg.MemoryLimit != "" {
		hostCfg.Resources.Memory = parseMemory(cfg.MemoryLimit)
	}
	if cfg.CPULimit != "" {
		hostCfg.Resources.NanoCPUs = parseCPU(cfg.CPULimit)
	}

	if cfg.WorkspaceURI != "" {
		// The workspace prefix is surfaced at /workspace via a named
		// volume keyed by session name; a sidecar sync process (out of
		// core scope) is responsible for populating it from object
		// storage.
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: "sandboxd-" + cfg.Name + "-workspace",
			Target: "/workspace",
		}}
	}

	var networkCfg *network.NetworkingConfig
	if cfg.Network != "" || d.networkName != "" {
		net := cfg.Network
		if net == "" {
			net = d.networkName
		}
		networkCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{net: {}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, cfg.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apperr.NotFound("docker image", cfg.Image)
		}
		return "", apperr.UpstreamUnavailable("create container", err)
	}
	logger.Scheduler().Info().Str("container_id", resp.ID).Str("name", cfg.Name).Msg("container created")
	return resp.ID, nil
}

func (d *DockerScheduler) findByName(ctx context.Context, name string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", apperr.NotFound("container", name)
	}
	return info.ID, nil
}

func (d *DockerScheduler) pullIfAbsent(ctx context.Context, image string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return apperr.UpstreamUnavailable("pull image", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperr.UpstreamUnavailable("read image pull stream", err)
	}
	return nil
}

// Start is idempotent: starting an already-running container is a no-op.
func (d *DockerScheduler) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, CreateStartDeadline)
	defer cancel()
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		if strings.Contains(err.Error(), "already started") {
			return nil
		}
		return apperr.UpstreamUnavailable("start container", err)
	}
	return nil
}

// Stop sends SIGTERM, then force-kills after graceSec.
func (d *DockerScheduler) Stop(ctx context.Context, id string, graceSec int) error {
	timeout := graceSec
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apperr.UpstreamUnavailable("stop container", err)
	}
	return nil
}

// Remove removes the container, tolerating an already-gone container.
func (d *DockerScheduler) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return apperr.UpstreamUnavailable("remove container", err)
	}
	return nil
}

// Inspect returns NotFound for an unknown container.
func (d *DockerScheduler) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerInfo{}, apperr.NotFound("container", id)
		}
		return ContainerInfo{}, apperr.UpstreamUnavailable("inspect container", err)
	}

	status := StatusUnknown
	switch info.State.Status {
	case "created":
		status = StatusCreated
	case "running":
		status = StatusRunning
	case "exited", "dead":
		status = StatusExited
	}

	ip := ""
	if info.NetworkSettings != nil {
		for _, net := range info.NetworkSettings.Networks {
			if net.IPAddress != "" {
				ip = net.IPAddress
				break
			}
		}
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	exitedAt, _ := time.Parse(time.RFC3339Nano, info.State.FinishedAt)

	return ContainerInfo{
		ID:        info.ID,
		Status:    status,
		ExitCode:  info.State.ExitCode,
		StartedAt: startedAt,
		ExitedAt:  exitedAt,
		IP:        ip,
		Image:     info.Config.Image,
	}, nil
}

// IsRunning returns false, not an error, when the container is unknown.
func (d *DockerScheduler) IsRunning(ctx context.Context, id string) (bool, error) {
	info, err := d.Inspect(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Status == StatusRunning, nil
}

// Logs returns the tail of combined stdout+stderr.
func (d *DockerScheduler) Logs(ctx context.Context, id string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, LogsDeadline)
	defer cancel()

	reader, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apperr.NotFound("container", id)
		}
		return "", apperr.UpstreamUnavailable("read container logs", err)
	}
	defer reader.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, reader); err != nil {
		return "", apperr.UpstreamUnavailable("copy container logs", err)
	}
	return sb.String(), nil
}

// Wait blocks until the container exits or the timeout elapses, never
// killing the container on timeout.
func (d *DockerScheduler) Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := d.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if waitCtx.Err() != nil {
			return WaitResult{TimedOut: true}, nil
		}
		return WaitResult{}, apperr.UpstreamUnavailable("wait for container", err)
	case st := <-statusCh:
		return WaitResult{ExitCode: int(st.StatusCode)}, nil
	case <-waitCtx.Done():
		return WaitResult{TimedOut: true}, nil
	}
}

// Ping checks the Docker daemon is reachable.
func (d *DockerScheduler) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingDeadline)
	defer cancel()
	if _, err := d.cli.Ping(ctx); err != nil {
		return apperr.UpstreamUnavailable("ping docker daemon", err)
	}
	return nil
}

// parseMemory converts a Kubernetes-style quantity ("2Gi", "512Mi") to
// bytes, grounded verbatim on agent_docker_operations.go's parseMemory.
func parseMemory(memory string) int64 {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		return 0
	}
	switch {
	case strings.HasSuffix(memory, "Gi"):
		if n, err := strconv.ParseFloat(strings.TrimSuffix(memory, "Gi"), 64); err == nil {
			return int64(n * 1024 * 1024 * 1024)
		}
	case strings.HasSuffix(memory, "Mi"):
		if n, err := strconv.ParseFloat(strings.TrimSuffix(memory, "Mi"), 64); err == nil {
			return int64(n * 1024 * 1024)
		}
	case strings.HasSuffix(memory, "G"):
		if n, err := strconv.ParseFloat(strings.TrimSuffix(memory, "G"), 64); err == nil {
			return int64(n * 1000 * 1000 * 1000)
		}
	case strings.HasSuffix(memory, "M"):
		if n, err := strconv.ParseFloat(strings.TrimSuffix(memory, "M"), 64); err == nil {
			return int64(n * 1000 * 1000)
		}
	}
	return 0
}

// parseCPU converts a Kubernetes-style quantity ("1000m", "2") to nano-CPUs.
func parseCPU(cpu string) int64 {
	cpu = strings.TrimSpace(cpu)
	if cpu == "" {
		return 0
	}
	if strings.HasSuffix(cpu, "m") {
		if n, err := strconv.ParseFloat(strings.TrimSuffix(cpu, "m"), 64); err == nil {
			return int64(n * 1000000)
		}
		return 0
	}
	if n, err := strconv.ParseFloat(cpu, 64); err == nil {
		return int64(n * 1000000000)
	}
	return 0
}
