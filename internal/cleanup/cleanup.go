// Package cleanup implements the Cleanup Services (spec §4.H): idle and
// max-lifetime reaping, stuck-creating detection, and orphaned-container
// sweeps. Every teardown routes through the Session Service so the Session
// state machine is always respected; grounded on the teacher's
// hibernation_controller.go idle-detection shape (timestamp-threshold scan,
// one resource acted on at a time, partial failures logged and skipped
// rather than aborting the sweep).
package cleanup

import (
	"context"
	"time"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/logger"
	"github.com/streamspace/sandboxd/internal/models"
	"github.com/streamspace/sandboxd/internal/scheduler"
	"github.com/streamspace/sandboxd/internal/scheduling"
)

// SessionRepository is the persistence surface Cleanup needs.
type SessionRepository interface {
	FindIdle(ctx context.Context, activityBefore time.Time) ([]*models.Session, error)
	FindExpired(ctx context.Context, createdBefore time.Time) ([]*models.Session, error)
	FindByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
}

// SessionTerminator routes teardown through the Session Service. A RUNNING
// session is torn down with TerminateSession (legal RUNNING→TERMINATED); a
// CREATING session has never reached RUNNING and so can only be reaped with
// FailSession (the only legal CREATING edge is to FAILED).
type SessionTerminator interface {
	TerminateSession(ctx context.Context, sessionID string) error
	FailSession(ctx context.Context, sessionID, reason string) error
}

// Service implements the Cleanup Services (component H).
type Service struct {
	sessions   SessionRepository
	terminator SessionTerminator
	runtime    scheduler.ContainerScheduler

	idleTimeout     time.Duration
	maxLifetime     time.Duration
	creatingTimeout time.Duration
}

// Config tunes the cleanup thresholds (spec §6: IDLE_TIMEOUT_MINUTES,
// MAX_LIFETIME_HOURS, CREATING_TIMEOUT_SECONDS; either of the first two
// may be disabled with a non-positive value).
type Config struct {
	IdleTimeout     time.Duration
	MaxLifetime     time.Duration
	CreatingTimeout time.Duration
}

// New builds a Cleanup Service.
func New(sessions SessionRepository, terminator SessionTerminator, runtime scheduler.ContainerScheduler, cfg Config) *Service {
	return &Service{
		sessions:        sessions,
		terminator:      terminator,
		runtime:         runtime,
		idleTimeout:     cfg.IdleTimeout,
		maxLifetime:     cfg.MaxLifetime,
		creatingTimeout: cfg.CreatingTimeout,
	}
}

// SweepIdle terminates RUNNING sessions whose last activity predates the
// idle timeout (spec §4.H.1). A non-positive idle timeout disables this
// sweep.
func (s *Service) SweepIdle(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.idleTimeout)
	sessions, err := s.sessions.FindIdle(ctx, cutoff)
	if err != nil {
		logger.Cleanup().Error().Err(err).Msg("idle sweep: list failed")
		return
	}
	for _, sess := range sessions {
		logger.Cleanup().Info().Str("session_id", sess.ID).Time("last_activity", sess.LastActivityAt).Msg("reaping idle session")
		s.reap(ctx, sess, "idle timeout exceeded")
	}
}

// SweepLifetime terminates sessions that have exceeded their maximum
// lifetime regardless of activity (spec §4.H.2). A non-positive max
// lifetime disables this sweep.
func (s *Service) SweepLifetime(ctx context.Context) {
	if s.maxLifetime <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.maxLifetime)
	sessions, err := s.sessions.FindExpired(ctx, cutoff)
	if err != nil {
		logger.Cleanup().Error().Err(err).Msg("lifetime sweep: list failed")
		return
	}
	for _, sess := range sessions {
		logger.Cleanup().Info().Str("session_id", sess.ID).Time("created_at", sess.CreatedAt).Msg("reaping session past max lifetime")
		s.reap(ctx, sess, "max lifetime exceeded")
	}
}

// reap tears a session down via whichever Session Service transition is
// legal for its current status: RUNNING sessions are terminated, CREATING
// sessions (FindIdle and FindExpired both return CREATING alongside
// RUNNING) are failed, since CREATING can never transition to TERMINATED.
func (s *Service) reap(ctx context.Context, sess *models.Session, reason string) {
	var err error
	if sess.Status == models.SessionCreating {
		err = s.terminator.FailSession(ctx, sess.ID, reason)
	} else {
		err = s.terminator.TerminateSession(ctx, sess.ID)
	}
	if err != nil {
		logger.Cleanup().Error().Err(err).Str("session_id", sess.ID).Str("status", string(sess.Status)).Msg("reap failed, continuing sweep")
	}
}

// SweepStuckCreating fails sessions that have sat in CREATING longer than
// creatingTimeout, on the assumption that provisioning has hung or the
// process that was provisioning them crashed (spec §4.H.3).
func (s *Service) SweepStuckCreating(ctx context.Context) {
	if s.creatingTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.creatingTimeout)
	sessions, err := s.sessions.FindByStatus(ctx, models.SessionCreating)
	if err != nil {
		logger.Cleanup().Error().Err(err).Msg("stuck-creating sweep: list failed")
		return
	}
	for _, sess := range sessions {
		if sess.CreatedAt.After(cutoff) {
			continue
		}
		logger.Cleanup().Warn().Str("session_id", sess.ID).Msg("session stuck in CREATING, failing")
		if err := s.terminator.FailSession(ctx, sess.ID, "provisioning did not complete within creating_timeout"); err != nil {
			logger.Cleanup().Error().Err(err).Str("session_id", sess.ID).Msg("stuck-creating failure failed, continuing sweep")
		}
	}
}

// SweepOrphans destroys containers still referenced by a FAILED or TIMEOUT
// session's container_id that the Session Service's own teardown never
// reached (spec §4.H.4) — e.g. the control plane crashed between marking a
// session terminal and tearing down its container. The Session row's
// status is left untouched; only the leaked container is removed.
func (s *Service) SweepOrphans(ctx context.Context) {
	for _, status := range []models.SessionStatus{models.SessionFailed, models.SessionTimeout} {
		sessions, err := s.sessions.FindByStatus(ctx, status)
		if err != nil {
			logger.Cleanup().Error().Err(err).Str("status", string(status)).Msg("orphan sweep: list failed")
			continue
		}
		for _, sess := range sessions {
			s.sweepOrphanContainer(ctx, sess)
		}
	}
}

func (s *Service) sweepOrphanContainer(ctx context.Context, sess *models.Session) {
	if sess.ContainerID == "" {
		return
	}
	if _, err := s.runtime.Inspect(ctx, sess.ContainerID); err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			logger.Cleanup().Error().Err(err).Str("session_id", sess.ID).Str("container_id", sess.ContainerID).Msg("orphan inspect failed, continuing sweep")
		}
		return
	}
	logger.Cleanup().Warn().Str("session_id", sess.ID).Str("container_id", sess.ContainerID).Msg("destroying orphaned container left behind by a terminal session")
	if err := scheduling.Destroy(ctx, s.runtime, sess.ContainerID, 5); err != nil {
		logger.Cleanup().Error().Err(err).Str("session_id", sess.ID).Str("container_id", sess.ContainerID).Msg("orphan teardown failed, continuing sweep")
	}
}
