// Package session implements the Session Service (spec §4.F): the central
// orchestrator that creates sessions, dispatches executions to the
// executor, and enforces the Session/Execution state machines. Grounded on
// the orchestration shape of api/internal/db/sessions.go (state transition
// methods) and agent_handlers.go's async "acknowledge, then run in the
// background" flow, adapted from the teacher's WebSocket-hub dispatch to
// direct calls across the scheduler/scheduling/executor packages.
package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/executor"
	"github.com/streamspace/sandboxd/internal/logger"
	"github.com/streamspace/sandboxd/internal/models"
	"github.com/streamspace/sandboxd/internal/objectstore"
	"github.com/streamspace/sandboxd/internal/scheduler"
	"github.com/streamspace/sandboxd/internal/scheduling"
	"github.com/streamspace/sandboxd/internal/sessionlock"
)

// SessionRepository is the persistence surface the Session Service needs.
type SessionRepository interface {
	Save(ctx context.Context, s *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, status models.SessionStatus, templateID string, limit, offset int) ([]*models.Session, error)
}

// ExecutionRepository is the persistence surface for Execution records.
type ExecutionRepository interface {
	Save(ctx context.Context, e *models.Execution) error
	FindByID(ctx context.Context, id string) (*models.Execution, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error)
}

// TemplateRepository is the read surface for Template lookups.
type TemplateRepository interface {
	FindByID(ctx context.Context, id string) (*models.Template, error)
}

// Workspace is the surface the Session Service needs onto the Object
// Storage Port to provision and tear down each session's workspace
// bucket prefix (spec §4.D workspace_uri).
type Workspace interface {
	Upload(ctx context.Context, uri objectstore.URI, data io.Reader) error
	DeletePrefix(ctx context.Context, bucket, prefix string) error
}

// Service is the Session Service (component F).
type Service struct {
	sessions   SessionRepository
	executions ExecutionRepository
	templates  TemplateRepository
	scheduling *scheduling.Service
	runtime    scheduler.ContainerScheduler
	exec       *executor.Client
	workspace  Workspace
	locks      *sessionlock.Registry

	workspaceBucket string
	defaultTimeout  time.Duration
	maxTimeout      time.Duration
}

// Deps bundles the Service's collaborators.
type Deps struct {
	Sessions   SessionRepository
	Executions ExecutionRepository
	Templates  TemplateRepository
	Scheduling *scheduling.Service
	Runtime    scheduler.ContainerScheduler
	Executor   *executor.Client
	Workspace  Workspace
	Locks      *sessionlock.Registry

	WorkspaceBucket string
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
}

// New builds a Session Service.
func New(d Deps) *Service {
	return &Service{
		sessions:        d.Sessions,
		executions:      d.Executions,
		templates:       d.Templates,
		scheduling:      d.Scheduling,
		runtime:         d.Runtime,
		exec:            d.Executor,
		workspace:       d.Workspace,
		locks:           d.Locks,
		workspaceBucket: d.WorkspaceBucket,
		defaultTimeout:  d.DefaultTimeout,
		maxTimeout:      d.MaxTimeout,
	}
}

// ReasonClientInitiated is the container_exited reason the executor
// reports when a container's exit followed F's own terminate_session
// stop signal, as opposed to an unexpected crash (spec §4.I).
const ReasonClientInitiated = "client_initiated"

// CreateSessionRequest is the input to CreateSession (spec §6, §4.F).
type CreateSessionRequest struct {
	TemplateID            string
	EnvVars               map[string]string
	TimeoutSec            int
	Dependencies          []string
	OwnerLabel            string
	ResourceLimit         *models.ResourceLimit
	InstallTimeoutSec     int
	FailOnDependencyError bool
	AllowVersionConflicts bool
}

// CreateSession persists a new Session in CREATING and asynchronously
// provisions its container, transitioning to RUNNING or FAILED once the
// container reports ready (spec §4.F.1, §4.I container_ready callback).
// It returns immediately with the CREATING session; provisioning happens
// in the background.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	tmpl, err := s.templates.FindByID(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	timeout := req.TimeoutSec
	if timeout <= 0 {
		timeout = int(s.defaultTimeout.Seconds())
	}
	if timeout > int(s.maxTimeout.Seconds()) {
		return nil, apperr.ValidationError(fmt.Sprintf("timeout_sec exceeds maximum of %d", int(s.maxTimeout.Seconds())))
	}

	resources := tmpl.DefaultResources
	if rl := req.ResourceLimit; rl != nil {
		if rl.CPU != "" {
			resources.CPU = rl.CPU
		}
		if rl.Memory != "" {
			resources.Memory = rl.Memory
		}
		if rl.Disk != "" {
			resources.Disk = rl.Disk
		}
		if rl.MaxProcesses != 0 {
			resources.MaxProcesses = rl.MaxProcesses
		}
	}

	depStatus := models.DepCompleted
	if len(req.Dependencies) > 0 {
		depStatus = models.DepPending
	}

	now := time.Now()
	sessionID := uuid.NewString()
	sess := &models.Session{
		ID:                      sessionID,
		TemplateID:              req.TemplateID,
		Status:                  models.SessionCreating,
		Resources:               resources,
		Runtime:                 models.RuntimeLocal,
		WorkspaceURI:            s.workspaceURI(sessionID),
		EnvVars:                 req.EnvVars,
		TimeoutSec:              timeout,
		RequestedDependencies:   req.Dependencies,
		DependencyInstallStatus: depStatus,
		InstallTimeoutSec:       req.InstallTimeoutSec,
		FailOnDependencyError:   req.FailOnDependencyError,
		AllowVersionConflicts:   req.AllowVersionConflicts,
		OwnerLabel:              req.OwnerLabel,
		CreatedAt:               now,
		UpdatedAt:               now,
		LastActivityAt:          now,
		Version:                 0,
	}

	if s.workspace != nil {
		marker := objectstore.URI{Bucket: s.workspaceBucket, Key: sessionID + "/.keep"}
		if err := s.workspace.Upload(ctx, marker, strings.NewReader("")); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "provision session workspace", err)
		}
	}

	if err := s.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	logger.Session().Info().Str("session_id", sess.ID).Str("template_id", tmpl.ID).Msg("session creating")

	go s.provision(context.Background(), sess, tmpl)

	return sess, nil
}

// provision schedules a node and creates the underlying container. Failures
// transition the session to FAILED; success leaves it in CREATING until the
// executor's container_ready callback (handled by internal/callback) moves
// it to RUNNING.
func (s *Service) provision(ctx context.Context, sess *models.Session, tmpl *models.Template) {
	cpu := parseCoresBestEffort(sess.Resources.CPU)
	memMB := parseMemMBBestEffort(sess.Resources.Memory)

	node, err := s.scheduling.SelectNode(ctx, scheduling.ResourceRequest{CPUCores: cpu, MemoryMB: memMB})
	if err != nil {
		s.fail(ctx, sess.ID, fmt.Sprintf("no capacity available: %v", err))
		return
	}

	containerName := "sandboxd-" + sess.ID
	cfg := scheduling.BuildContainerConfig(sess, tmpl, containerName)

	containerID, err := s.runtime.Create(ctx, cfg)
	if err != nil {
		s.fail(ctx, sess.ID, fmt.Sprintf("container create failed: %v", err))
		return
	}
	if err := s.runtime.Start(ctx, containerID); err != nil {
		s.fail(ctx, sess.ID, fmt.Sprintf("container start failed: %v", err))
		return
	}

	err = s.locks.WithLock(sess.ID, func() error {
		current, err := s.sessions.FindByID(ctx, sess.ID)
		if err != nil {
			return err
		}
		current.ContainerID = containerID
		current.RuntimeNode = node.ID
		current.UpdatedAt = time.Now()
		return s.sessions.Save(ctx, current)
	})
	if err != nil {
		logger.Session().Error().Err(err).Str("session_id", sess.ID).Msg("failed to record container assignment")
	}
}

// MarkRunning transitions a session to RUNNING on a container_ready
// callback (spec §4.I), recording its executor port.
func (s *Service) MarkRunning(ctx context.Context, sessionID string, executorPort int) error {
	return s.locks.WithLock(sessionID, func() error {
		sess, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionCreating {
			return nil // idempotent: already observed
		}
		if !models.CanTransitionSession(sess.Status, models.SessionRunning) {
			return apperr.Conflict(fmt.Sprintf("cannot transition session from %s to RUNNING", sess.Status))
		}
		sess.Status = models.SessionRunning
		sess.ExecutorPort = executorPort
		sess.UpdatedAt = time.Now()
		sess.LastActivityAt = time.Now()
		return s.sessions.Save(ctx, sess)
	})
}

// FailSession transitions a session to FAILED, enforcing the state
// machine. Exported so the State-Sync and Cleanup Services can route a
// session past unrecoverable provisioning (spec §4.G) or a stuck CREATING
// session (spec §4.H.3) through the Session Service rather than writing
// the repository directly.
func (s *Service) FailSession(ctx context.Context, sessionID, reason string) error {
	return s.locks.WithLock(sessionID, func() error {
		sess, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.IsTerminal() {
			return nil
		}
		if !models.CanTransitionSession(sess.Status, models.SessionFailed) {
			return apperr.Conflict(fmt.Sprintf("cannot fail session in status %s", sess.Status))
		}
		sess.Status = models.SessionFailed
		sess.FailureReason = reason
		now := time.Now()
		sess.UpdatedAt = now
		sess.CompletedAt = &now
		return s.sessions.Save(ctx, sess)
	})
}

// fail is provision's best-effort variant of FailSession: there is no
// caller left to hand an error to, so it logs instead.
func (s *Service) fail(ctx context.Context, sessionID, reason string) {
	if err := s.FailSession(ctx, sessionID, reason); err != nil {
		logger.Session().Error().Err(err).Str("session_id", sessionID).Msg("failed to record session failure")
	}
	logger.Session().Warn().Str("session_id", sessionID).Str("reason", reason).Msg("session failed")
}

// ReportContainerExited handles the executor's container_exited callback
// (spec §4.I): a client-initiated exit (following F's own
// terminate_session stop signal) transitions to TERMINATED; any other
// nonzero exit code transitions to FAILED; a clean exit transitions to
// COMPLETED. A session already in a terminal state is left unchanged
// (idempotent replay).
func (s *Service) ReportContainerExited(ctx context.Context, sessionID string, exitCode int, reason string) error {
	return s.locks.WithLock(sessionID, func() error {
		sess, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.IsTerminal() {
			return nil
		}

		if reason == ReasonClientInitiated {
			return s.terminateLocked(ctx, sess)
		}

		target := models.SessionCompleted
		if exitCode != 0 {
			target = models.SessionFailed
		}
		if !models.CanTransitionSession(sess.Status, target) {
			return apperr.Conflict(fmt.Sprintf("cannot transition session from %s to %s", sess.Status, target))
		}

		sess.Status = target
		if target == models.SessionFailed {
			sess.FailureReason = fmt.Sprintf("container exited with code %d", exitCode)
		}
		now := time.Now()
		sess.UpdatedAt = now
		sess.CompletedAt = &now
		return s.sessions.Save(ctx, sess)
	})
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return s.sessions.FindByID(ctx, id)
}

// ListSessions lists sessions, optionally filtered.
func (s *Service) ListSessions(ctx context.Context, status models.SessionStatus, templateID string, limit, offset int) ([]*models.Session, error) {
	return s.sessions.List(ctx, status, templateID, limit, offset)
}

// ExecuteRequest is the input to Execute (spec §6).
type ExecuteRequest struct {
	Code           string
	Language       models.Language
	TimeoutSec     int
	Event          []byte
	IdempotencyKey string
}

// Execute submits code for execution in a RUNNING session's container,
// enforcing the Execution state machine and forwarding to the executor
// (spec §4.F.2, §4.C).
func (s *Service) Execute(ctx context.Context, sessionID string, req ExecuteRequest) (*models.Execution, error) {
	var exec *models.Execution

	err := s.locks.WithLock(sessionID, func() error {
		sess, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionRunning {
			return apperr.Conflict(fmt.Sprintf("session is %s, not RUNNING", sess.Status))
		}

		if req.TimeoutSec <= 0 {
			return apperr.ValidationError("timeout must be a positive number of seconds")
		}
		if req.TimeoutSec > int(s.maxTimeout.Seconds()) {
			return apperr.ValidationError(fmt.Sprintf("timeout exceeds maximum of %d seconds", int(s.maxTimeout.Seconds())))
		}
		timeout := req.TimeoutSec

		now := time.Now()
		exec = &models.Execution{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			Code:           req.Code,
			Language:       req.Language,
			TimeoutSec:     timeout,
			Event:          req.Event,
			Status:         models.ExecutionPending,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := s.executions.Save(ctx, exec); err != nil {
			return err
		}

		sess.LastActivityAt = now
		sess.UpdatedAt = now
		if err := s.sessions.Save(ctx, sess); err != nil {
			return err
		}

		// The execution is recorded as RUNNING before it is handed to the
		// executor, so both a result callback and a submit failure leave
		// it through a legal RUNNING edge in completeExecution.
		running := *exec
		running.Status = models.ExecutionRunning
		if err := s.executions.Save(ctx, &running); err != nil {
			return err
		}

		targetURL := fmt.Sprintf("http://%s-executor:%d", sessionID, sess.ExecutorPort)
		go s.dispatch(context.Background(), &running, targetURL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *Service) dispatch(ctx context.Context, exec *models.Execution, targetURL string) {
	resp, err := s.exec.Submit(ctx, targetURL, executor.SubmitRequest{
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		Code:        exec.Code,
		Language:    string(exec.Language),
		Event:       exec.Event,
		Timeout:     exec.TimeoutSec,
	})
	if err != nil {
		logger.Session().Error().Err(err).Str("execution_id", exec.ID).Msg("executor submit failed")
		s.completeExecution(ctx, exec.ID, models.ExecutionFailed, nil, "", err.Error(), nil)
		return
	}
	logger.Session().Debug().Str("execution_id", exec.ID).Str("status", resp.Status).Msg("execution submitted")
}

// completeExecution records a terminal execution result, enforcing the
// Execution state machine (spec §4.F.2). Called from the Callback Handler
// on an execution_result callback, and internally on a dispatch failure.
func (s *Service) completeExecution(ctx context.Context, executionID string, status models.ExecutionStatus, exitCode *int, stdout, stderr string, metrics *models.ExecutionMetrics) error {
	exec, err := s.executions.FindByID(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return nil // idempotent replay
	}
	if !models.CanTransitionExecution(exec.Status, status) {
		return apperr.Conflict(fmt.Sprintf("cannot transition execution from %s to %s", exec.Status, status))
	}

	exec.Status = status
	exec.ExitCode = exitCode
	exec.Stdout = stdout
	exec.Stderr = stderr
	if metrics != nil {
		exec.Metrics = *metrics
	}
	now := time.Now()
	exec.CompletedAt = &now
	return s.executions.Save(ctx, exec)
}

// CompleteExecution is the exported entry point used by the Callback
// Handler (spec §4.I).
func (s *Service) CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, exitCode *int, stdout, stderr string, metrics *models.ExecutionMetrics) error {
	return s.completeExecution(ctx, executionID, status, exitCode, stdout, stderr, metrics)
}

// GetExecution returns an execution by id.
func (s *Service) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return s.executions.FindByID(ctx, id)
}

// ListExecutions lists the executions of a session, most recent first.
func (s *Service) ListExecutions(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error) {
	return s.executions.ListBySession(ctx, sessionID, limit)
}

// TerminateSession stops and removes a session's container and marks it
// TERMINATED, tolerating a container that is already gone (spec §4.F.3).
func (s *Service) TerminateSession(ctx context.Context, sessionID string) error {
	return s.locks.WithLock(sessionID, func() error {
		sess, err := s.sessions.FindByID(ctx, sessionID)
		if err != nil {
			return err
		}
		return s.terminateLocked(ctx, sess)
	})
}

// terminateLocked performs the actual teardown and TERMINATED transition.
// Callers must already hold sess's per-session lock (via s.locks.WithLock)
// before calling this, since it is also used by ReportContainerExited's
// client-initiated-exit branch nested inside an already-held lock.
func (s *Service) terminateLocked(ctx context.Context, sess *models.Session) error {
	if sess.IsTerminal() {
		return nil
	}
	if !models.CanTransitionSession(sess.Status, models.SessionTerminated) {
		return apperr.Conflict(fmt.Sprintf("cannot terminate session in status %s", sess.Status))
	}

	if sess.ContainerID != "" {
		if err := scheduling.Destroy(ctx, s.runtime, sess.ContainerID, 10); err != nil {
			logger.Session().Warn().Err(err).Str("session_id", sess.ID).Msg("container teardown failed, marking terminated anyway")
		}
	}

	if s.workspace != nil {
		if err := s.workspace.DeletePrefix(ctx, s.workspaceBucket, sess.ID+"/"); err != nil {
			logger.Session().Warn().Err(err).Str("session_id", sess.ID).Msg("workspace teardown failed")
		}
	}

	sess.Status = models.SessionTerminated
	now := time.Now()
	sess.UpdatedAt = now
	sess.CompletedAt = &now
	return s.sessions.Save(ctx, sess)
}

// workspaceURI builds the objstore:// URI for a session's workspace
// prefix (spec §3 workspace_uri, §4.D).
func (s *Service) workspaceURI(sessionID string) string {
	return objectstore.URI{Bucket: s.workspaceBucket, Key: sessionID + "/"}.String()
}

func parseCoresBestEffort(cpu string) float64 {
	var n float64
	if _, err := fmt.Sscanf(cpu, "%g", &n); err == nil {
		return n
	}
	return 1
}

func parseMemMBBestEffort(mem string) int64 {
	var n float64
	var unit string
	if _, err := fmt.Sscanf(mem, "%g%s", &n, &unit); err == nil {
		switch unit {
		case "Gi":
			return int64(n * 1024)
		case "Mi":
			return int64(n)
		case "G":
			return int64(n * 1000)
		case "M":
			return int64(n)
		}
	}
	return 512
}
