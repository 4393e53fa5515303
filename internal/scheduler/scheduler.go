// Package scheduler implements the Container Scheduler Port (spec §4.B): a
// uniform set of operations over a container runtime, with a local Docker
// daemon variant and a cluster (Kubernetes) variant. Both mount a volume at
// /workspace when workspace_uri is set; neither copies the object-storage
// prefix into that volume. Dependency installation is wired as a
// pre-exec entrypoint step by the Scheduling Service, not by this package.
package scheduler

import (
	"context"
	"time"
)

// ContainerConfig is the runtime-agnostic container specification produced
// by the Scheduling Service (spec §4.B).
type ContainerConfig struct {
	Image        string
	Name         string
	EnvVars      map[string]string
	CPULimit     string // e.g. "1" or "500m"
	MemoryLimit  string // e.g. "512Mi"
	DiskLimit    string // e.g. "1Gi"
	WorkspaceURI string
	Labels       map[string]string
	Network      string

	// Entrypoint, when set, overrides the image's default entrypoint; used
	// by the Scheduling Service to wrap dependency installation around the
	// executor's startup (spec §4.E.3).
	Entrypoint []string
	Command    []string
}

// ContainerStatus mirrors the runtime's reported lifecycle phase.
type ContainerStatus string

const (
	StatusCreated ContainerStatus = "created"
	StatusRunning ContainerStatus = "running"
	StatusExited  ContainerStatus = "exited"
	StatusUnknown ContainerStatus = "unknown"
)

// ContainerInfo is the result of Inspect (spec §4.B).
type ContainerInfo struct {
	ID        string
	Status    ContainerStatus
	ExitCode  int
	StartedAt time.Time
	ExitedAt  time.Time
	IP        string
	Image     string
}

// WaitResult is the result of Wait (spec §4.B).
type WaitResult struct {
	ExitCode int
	TimedOut bool
}

// ContainerScheduler is the uniform capability both the local and cluster
// variants implement (spec §4.B).
type ContainerScheduler interface {
	// Create creates but does not start a container. Idempotent on
	// cfg.Name: a second call with the same name returns the same id.
	Create(ctx context.Context, cfg ContainerConfig) (string, error)
	// Start is idempotent.
	Start(ctx context.Context, id string) error
	// Stop sends a graceful stop, then force-kills after graceSec.
	Stop(ctx context.Context, id string, graceSec int) error
	// Remove removes the container record. Idempotent.
	Remove(ctx context.Context, id string, force bool) error
	// Inspect returns NotFound (via apperr) if id is unknown.
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	// IsRunning reports false, not error, for an unknown id.
	IsRunning(ctx context.Context, id string) (bool, error)
	// Logs returns the tail of stdout+stderr.
	Logs(ctx context.Context, id string, tail int) (string, error)
	// Wait blocks until exit; on timeout returns a TIMEOUT result without
	// killing the container.
	Wait(ctx context.Context, id string, timeout time.Duration) (WaitResult, error)
	// Ping checks reachability of the underlying runtime.
	Ping(ctx context.Context) error
}

// Deadlines from spec §5.
const (
	CreateStartDeadline = 60 * time.Second
	LogsDeadline        = 10 * time.Second
	PingDeadline        = 5 * time.Second
)
