// Package models defines the control plane's core entities (spec §3).
package models

import "time"

// SessionStatus is the Session state-machine position (spec §4.F).
type SessionStatus string

const (
	SessionCreating   SessionStatus = "CREATING"
	SessionRunning    SessionStatus = "RUNNING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
	SessionTimeout    SessionStatus = "TIMEOUT"
	SessionTerminated SessionStatus = "TERMINATED"
)

// TerminalSessionStatuses is the set of statuses a Session never leaves.
var TerminalSessionStatuses = map[SessionStatus]bool{
	SessionCompleted:  true,
	SessionFailed:     true,
	SessionTimeout:    true,
	SessionTerminated: true,
}

// sessionTransitions enumerates the only legal Session edges (spec §4.F).
var sessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionCreating: {
		SessionRunning: true,
		SessionFailed:  true,
	},
	SessionRunning: {
		SessionTerminated: true,
		SessionCompleted:  true,
		SessionFailed:     true,
		SessionTimeout:    true,
	},
}

// CanTransitionSession reports whether from->to is a legal Session edge.
func CanTransitionSession(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	edges, ok := sessionTransitions[from]
	return ok && edges[to]
}

// DependencyInstallStatus tracks the per-session dependency install step.
type DependencyInstallStatus string

const (
	DepPending    DependencyInstallStatus = "PENDING"
	DepInstalling DependencyInstallStatus = "INSTALLING"
	DepCompleted  DependencyInstallStatus = "COMPLETED"
	DepFailed     DependencyInstallStatus = "FAILED"
)

// RuntimeKind distinguishes the container-scheduler backend a Session runs on.
type RuntimeKind string

const (
	RuntimeLocal   RuntimeKind = "local"
	RuntimeCluster RuntimeKind = "cluster"
)

// ResourceLimit is a session's or template's resource envelope.
type ResourceLimit struct {
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	Disk         string `json:"disk"`
	MaxProcesses int    `json:"max_processes,omitempty"`
}

// Session is the aggregate root of spec §3.
type Session struct {
	ID           string
	TemplateID   string
	Status       SessionStatus
	Resources    ResourceLimit
	WorkspaceURI string
	Runtime      RuntimeKind
	RuntimeNode  string
	ContainerID  string
	ExecutorPort int
	EnvVars      map[string]string
	TimeoutSec   int

	RequestedDependencies  []string
	InstalledDependencies  []string
	DependencyInstallStatus DependencyInstallStatus
	InstallTimeoutSec      int
	FailOnDependencyError  bool
	AllowVersionConflicts  bool

	FailureReason string

	// OwnerLabel is an opaque pass-through used by a REST layer to scope
	// listings; the core never interprets it (spec §3 supplement).
	OwnerLabel string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	CompletedAt    *time.Time

	// Version supports optimistic-concurrency writes (spec §9).
	Version int
}

// IsTerminal reports whether the session has reached a terminal status.
func (s *Session) IsTerminal() bool { return TerminalSessionStatuses[s.Status] }

// ExecutionStatus is the Execution state-machine position (spec §4.F).
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimeout   ExecutionStatus = "TIMEOUT"
	ExecutionCrashed   ExecutionStatus = "CRASHED"
)

// TerminalExecutionStatuses is the set an Execution cannot leave (except
// CRASHED, which may retry to PENDING).
var TerminalExecutionStatuses = map[ExecutionStatus]bool{
	ExecutionCompleted: true,
	ExecutionFailed:    true,
	ExecutionTimeout:   true,
}

var executionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionPending: {ExecutionRunning: true},
	ExecutionRunning: {
		ExecutionCompleted: true,
		ExecutionFailed:    true,
		ExecutionTimeout:   true,
		ExecutionCrashed:   true,
	},
	ExecutionCrashed: {ExecutionPending: true},
}

// CanTransitionExecution reports whether from->to is a legal Execution edge.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	if from == to {
		return true
	}
	edges, ok := executionTransitions[from]
	return ok && edges[to]
}

// Language is the code-execution language of an Execution.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangShell      Language = "shell"
)

// ExecutionMetrics is the runtime telemetry reported by the executor.
type ExecutionMetrics struct {
	DurationMS    int64 `json:"duration_ms"`
	CPUTimeMS     int64 `json:"cpu_time_ms"`
	MemoryPeakMB  int64 `json:"memory_peak_mb"`
}

// Execution is a child entity of Session (spec §3).
type Execution struct {
	ID         string
	SessionID  string
	Code       string
	Language   Language
	TimeoutSec int
	Event      []byte // arbitrary JSON value, forwarded opaquely (spec §9)

	Status     ExecutionStatus
	ExitCode   *int
	Stdout     string
	Stderr     string
	ReturnValue []byte // arbitrary JSON value

	Metrics ExecutionMetrics

	RetryCount      int
	LastHeartbeatAt *time.Time

	// IdempotencyKey is "sessionID|executionID|kind-counter"; replaying a
	// callback with an already-seen key is a no-op (spec §4.I).
	IdempotencyKey string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// IsTerminal reports whether the execution has reached a terminal status.
func (e *Execution) IsTerminal() bool { return TerminalExecutionStatuses[e.Status] }

// SecurityContext carries the template's container security defaults.
type SecurityContext struct {
	RunAsNonRoot bool     `json:"run_as_non_root"`
	ReadOnlyRoot bool     `json:"read_only_root_fs"`
	DropCaps     []string `json:"drop_caps,omitempty"`
}

// Template is a reusable session blueprint (spec §3).
type Template struct {
	ID                 string
	Name               string
	Image              string
	DefaultResources   ResourceLimit
	DefaultTimeoutSec  int
	PreInstalledPackages []string
	Security           SecurityContext
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// RuntimeNodeStatus is a RuntimeNode's health/availability state.
type RuntimeNodeStatus string

const (
	NodeOnline      RuntimeNodeStatus = "ONLINE"
	NodeOffline     RuntimeNodeStatus = "OFFLINE"
	NodeDraining    RuntimeNodeStatus = "DRAINING"
	NodeMaintenance RuntimeNodeStatus = "MAINTENANCE"
)

// RuntimeNode is a scheduling target (spec §3).
type RuntimeNode struct {
	ID               string
	Hostname         string
	Kind             RuntimeKind
	Endpoint         string
	Status           RuntimeNodeStatus
	TotalCPU         float64 // cores
	TotalMemoryMB    int64
	AllocatedCPU     float64
	AllocatedMemoryMB int64
	RunningContainers int
	MaxContainers    int
	CachedImages     []string
	LastHeartbeat    time.Time
}

// HasCapacity reports whether the node can accept another container with
// the given resource footprint, per the invariants of spec §3.
func (n *RuntimeNode) HasCapacity(cpu float64, memMB int64) bool {
	if n.Status != NodeOnline {
		return false
	}
	if n.RunningContainers >= n.MaxContainers {
		return false
	}
	return n.AllocatedCPU+cpu <= n.TotalCPU && n.AllocatedMemoryMB+memMB <= n.TotalMemoryMB
}

// Utilization is used for node tie-breaking in scheduling (spec §4.E).
func (n *RuntimeNode) Utilization() float64 {
	cpuFrac := 0.0
	if n.TotalCPU > 0 {
		cpuFrac = n.AllocatedCPU / n.TotalCPU
	}
	memFrac := 0.0
	if n.TotalMemoryMB > 0 {
		memFrac = float64(n.AllocatedMemoryMB) / float64(n.TotalMemoryMB)
	}
	return cpuFrac + memFrac
}
