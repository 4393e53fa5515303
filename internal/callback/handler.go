// Package callback implements the Callback Handler (spec §4.I): gin
// handlers receiving container_ready, container_exited, and
// execution_result callbacks from the executor, authenticated by a shared
// bearer token and made idempotent by a replay cache keyed on each
// callback's idempotency key. Grounded on the gin-handler-struct-wrapping-
// a-dependency shape of api/internal/handlers and the Bearer-token
// extraction of api/internal/middleware/orgcontext.go, narrowed from JWT
// validation to a single shared secret (spec §4.I: "a static bearer token
// shared with the executor image, not per-user auth").
package callback

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/cache"
	"github.com/streamspace/sandboxd/internal/logger"
	"github.com/streamspace/sandboxd/internal/models"
)

// SessionNotifier is the surface the Callback Handler needs onto the
// Session Service.
type SessionNotifier interface {
	MarkRunning(ctx context.Context, sessionID string, executorPort int) error
	ReportContainerExited(ctx context.Context, sessionID string, exitCode int, reason string) error
	CompleteExecution(ctx context.Context, executionID string, status models.ExecutionStatus, exitCode *int, stdout, stderr string, metrics *models.ExecutionMetrics) error
}

// replayTTL bounds how long an idempotency key is remembered, comfortably
// longer than any plausible executor retry window.
const replayTTL = 24 * time.Hour

// Handler serves the executor's callback endpoints.
type Handler struct {
	sessions SessionNotifier
	cache    *cache.Cache
	token    string
}

// New builds a Callback Handler. token is the shared bearer secret every
// executor container is configured with (spec §4.I).
func New(sessions SessionNotifier, replayCache *cache.Cache, token string) *Handler {
	return &Handler{sessions: sessions, cache: replayCache, token: token}
}

// Register attaches the callback routes to a gin router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.Use(h.authenticate)
	rg.POST("/container_ready", h.containerReady)
	rg.POST("/container_exited", h.containerExited)
	rg.POST("/execution_result", h.executionResult)
}

func (h *Handler) authenticate(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	if h.token == "" || auth != "Bearer "+h.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.New(apperr.KindValidation, "invalid or missing callback token").ToResponse())
		return
	}
	c.Next()
}

// containerReadyRequest is the executor's "I'm up" callback body.
type containerReadyRequest struct {
	SessionID      string `json:"session_id" binding:"required"`
	ExecutorPort   int    `json:"executor_port" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func (h *Handler) containerReady(c *gin.Context) {
	var req containerReadyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperr.ValidationError(err.Error()).ToResponse())
		return
	}

	if h.seen(c, req.IdempotencyKey) {
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	if err := h.sessions.MarkRunning(c.Request.Context(), req.SessionID, req.ExecutorPort); err != nil {
		h.respondError(c, err)
		return
	}
	h.remember(c, req.IdempotencyKey)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// containerExitedRequest is the executor's container-exit callback body.
// reason distinguishes a client-initiated stop (following F's own
// terminate_session) from an unexpected crash (spec §4.I).
type containerExitedRequest struct {
	SessionID      string `json:"session_id" binding:"required"`
	ExitCode       int    `json:"exit_code"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func (h *Handler) containerExited(c *gin.Context) {
	var req containerExitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperr.ValidationError(err.Error()).ToResponse())
		return
	}

	if h.seen(c, req.IdempotencyKey) {
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	if err := h.sessions.ReportContainerExited(c.Request.Context(), req.SessionID, req.ExitCode, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	h.remember(c, req.IdempotencyKey)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
	logger.Callback().Info().Str("session_id", req.SessionID).Int("exit_code", req.ExitCode).Str("reason", req.Reason).Msg("container exited")
}

// executionResultRequest is the executor's terminal-result callback body.
type executionResultRequest struct {
	ExecutionID    string `json:"execution_id" binding:"required"`
	Status         string `json:"status" binding:"required"`
	ExitCode       *int   `json:"exit_code"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	DurationMS     int64  `json:"duration_ms"`
	CPUTimeMS      int64  `json:"cpu_time_ms"`
	MemoryPeakMB   int64  `json:"memory_peak_mb"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func (h *Handler) executionResult(c *gin.Context) {
	var req executionResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperr.ValidationError(err.Error()).ToResponse())
		return
	}

	if h.seen(c, req.IdempotencyKey) {
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	status := models.ExecutionStatus(strings.ToUpper(req.Status))
	metrics := &models.ExecutionMetrics{
		DurationMS:   req.DurationMS,
		CPUTimeMS:    req.CPUTimeMS,
		MemoryPeakMB: req.MemoryPeakMB,
	}

	if err := h.sessions.CompleteExecution(c.Request.Context(), req.ExecutionID, status, req.ExitCode, req.Stdout, req.Stderr, metrics); err != nil {
		h.respondError(c, err)
		return
	}
	h.remember(c, req.IdempotencyKey)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// seen reports whether idempotencyKey has already been processed, making
// every callback handler safe against at-least-once executor delivery
// (spec §4.I).
func (h *Handler) seen(c *gin.Context, idempotencyKey string) bool {
	var marker string
	found, err := h.cache.Get(c.Request.Context(), replayKey(idempotencyKey), &marker)
	if err != nil {
		logger.Callback().Warn().Err(err).Msg("idempotency cache read failed, proceeding without replay protection")
		return false
	}
	return found
}

func (h *Handler) remember(c *gin.Context, idempotencyKey string) {
	if err := h.cache.Set(c.Request.Context(), replayKey(idempotencyKey), "done", replayTTL); err != nil {
		logger.Callback().Warn().Err(err).Msg("failed to record idempotency marker")
	}
}

func replayKey(idempotencyKey string) string {
	return "sandboxd:callback-seen:" + idempotencyKey
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if ae, ok := apperr.As(err); ok {
		c.JSON(ae.StatusCode, ae.ToResponse())
		return
	}
	c.JSON(http.StatusInternalServerError, apperr.Internal("callback", err).ToResponse())
}
