// Package statesync implements the State-Sync Service (spec §4.G): a
// startup reconciliation pass over CREATING/RUNNING sessions plus a
// periodic health loop, self-correcting sessions whose database state has
// drifted from the container runtime's actual state. Grounded on the
// reconcile-observed-vs-desired shape of
// k8s-controller/controllers/session_controller.go's Reconcile, narrowed
// from a CRD-watch loop to a poll loop since this control plane owns the
// container lifecycle directly rather than through Kubernetes events.
package statesync

import (
	"context"
	"fmt"
	"time"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/logger"
	"github.com/streamspace/sandboxd/internal/models"
	"github.com/streamspace/sandboxd/internal/scheduler"
	"github.com/streamspace/sandboxd/internal/scheduling"
)

// SessionRepository is the persistence surface State-Sync needs.
type SessionRepository interface {
	FindByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	FindByID(ctx context.Context, id string) (*models.Session, error)
	Save(ctx context.Context, s *models.Session) error
}

// TemplateRepository is the read surface State-Sync needs to rebuild a
// recovered session's ContainerConfig.
type TemplateRepository interface {
	FindByID(ctx context.Context, id string) (*models.Template, error)
}

// SessionFailer lets State-Sync route an unrecoverable session through
// the Session Service's own FAILED transition, rather than writing the
// repository directly and risking an illegal edge (a CREATING session can
// never reach TERMINATED; only RUNNING can).
type SessionFailer interface {
	FailSession(ctx context.Context, sessionID, reason string) error
}

// Service is the State-Sync Service (component G).
type Service struct {
	sessions  SessionRepository
	templates TemplateRepository
	failer    SessionFailer
	runtime   scheduler.ContainerScheduler
}

// New builds a State-Sync Service.
func New(sessions SessionRepository, templates TemplateRepository, failer SessionFailer, runtime scheduler.ContainerScheduler) *Service {
	return &Service{sessions: sessions, templates: templates, failer: failer, runtime: runtime}
}

// ReconcileOnStartup reconciles every CREATING and RUNNING session against
// the container runtime once, at process start (spec §4.G.1): a session
// whose container is missing or exited is recovered, or failed if
// recovery itself fails.
func (s *Service) ReconcileOnStartup(ctx context.Context) error {
	logger.StateSync().Info().Msg("startup reconciliation starting")

	for _, status := range []models.SessionStatus{models.SessionCreating, models.SessionRunning} {
		sessions, err := s.sessions.FindByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			s.reconcileOne(ctx, sess)
		}
	}

	logger.StateSync().Info().Msg("startup reconciliation complete")
	return nil
}

// RunPeriodic reconciles RUNNING sessions on the given interval until ctx
// is canceled (spec §4.G.2, default 30s from config HealthCheckInterval).
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, err := s.sessions.FindByStatus(ctx, models.SessionRunning)
			if err != nil {
				logger.StateSync().Error().Err(err).Msg("periodic reconcile: list failed")
				continue
			}
			for _, sess := range sessions {
				s.reconcileOne(ctx, sess)
			}
		}
	}
}

// reconcileOne compares one session's database state against its
// container's actual runtime state and self-corrects drift (spec §4.G,
// scenario 4: a session is never left RUNNING or CREATING with a dead
// container).
func (s *Service) reconcileOne(ctx context.Context, sess *models.Session) {
	if sess.ContainerID == "" {
		// Still being provisioned by the Session Service; nothing to
		// reconcile against yet unless it has been stuck far longer than
		// any provisioning should take, which Cleanup Services handle.
		return
	}

	info, err := s.runtime.Inspect(ctx, sess.ContainerID)
	dead := false
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		dead = true
	case err != nil:
		logger.StateSync().Error().Err(err).Str("session_id", sess.ID).Msg("inspect failed during reconciliation")
		return
	case info.Status == scheduler.StatusExited:
		dead = true
	}
	if !dead {
		return
	}

	logger.StateSync().Warn().Str("session_id", sess.ID).Str("container_id", sess.ContainerID).Msg("container dead, attempting recovery")
	if err := s.recover(ctx, sess); err != nil {
		logger.StateSync().Error().Err(err).Str("session_id", sess.ID).Msg("recovery failed")
		if ferr := s.failer.FailSession(ctx, sess.ID, fmt.Sprintf("state-sync recovery failed: %v", err)); ferr != nil {
			logger.StateSync().Error().Err(ferr).Str("session_id", sess.ID).Msg("failed to record session failure")
		}
		return
	}
	logger.StateSync().Info().Str("session_id", sess.ID).Msg("session recovered with a new container")
}

// recover destroys a dead container's remains and creates a fresh one
// reusing the session's workspace_uri and env, updating container_id in
// place (spec §4.G). The session is reloaded immediately before the
// update to avoid clobbering a concurrent write to an unrelated field,
// mirroring the Session Service's own provision step.
func (s *Service) recover(ctx context.Context, sess *models.Session) error {
	if sess.ContainerID != "" {
		if err := scheduling.Destroy(ctx, s.runtime, sess.ContainerID, 10); err != nil {
			logger.StateSync().Warn().Err(err).Str("session_id", sess.ID).Msg("failed to destroy dead container remains, continuing recovery")
		}
	}

	tmpl, err := s.templates.FindByID(ctx, sess.TemplateID)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}

	containerName := "sandboxd-" + sess.ID
	cfg := scheduling.BuildContainerConfig(sess, tmpl, containerName)

	containerID, err := s.runtime.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := s.runtime.Start(ctx, containerID); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	current, err := s.sessions.FindByID(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	current.ContainerID = containerID
	current.UpdatedAt = time.Now()
	return s.sessions.Save(ctx, current)
}
