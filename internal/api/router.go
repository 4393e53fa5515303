// Package api implements the control plane's external HTTP surface (spec
// §6): sessions, executions, templates, and read-only container/ health
// endpoints, over gin. Grounded on the handler-struct-plus-RegisterRoutes
// shape of api/internal/handlers/sessiontemplates.go, with AppError
// translated into the spec's {error_code, description, error_detail,
// suggested_remediation} envelope instead of the teacher's ad-hoc
// gin.H{"error": ...} bodies.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/models"
	"github.com/streamspace/sandboxd/internal/scheduler"
	"github.com/streamspace/sandboxd/internal/session"
)

// SessionCreateInput and ExecuteInput are aliases onto the Session
// Service's own request types so this layer has no DTO translation to
// maintain as that service evolves.
type SessionCreateInput = session.CreateSessionRequest
type ExecuteInput = session.ExecuteRequest

// SessionService is the surface the REST layer needs onto the Session
// Service.
type SessionService interface {
	CreateSession(ctx context.Context, req SessionCreateInput) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, status models.SessionStatus, templateID string, limit, offset int) ([]*models.Session, error)
	TerminateSession(ctx context.Context, id string) error
	Execute(ctx context.Context, sessionID string, req ExecuteInput) (*models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	ListExecutions(ctx context.Context, sessionID string, limit int) ([]*models.Execution, error)
}

// TemplateService is the surface the REST layer needs for template CRUD,
// matching internal/repository.TemplateRepository's method set directly.
type TemplateService interface {
	Save(ctx context.Context, t *models.Template) error
	FindByID(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context, limit, offset int) ([]*models.Template, error)
	Delete(ctx context.Context, id string) error
}

// NodeService is the surface for read-only container/node introspection.
type NodeService interface {
	ListOnline(ctx context.Context) ([]*models.RuntimeNode, error)
}

// Router wires the §6 resource table onto a gin engine.
type Router struct {
	sessions  SessionService
	templates TemplateService
	nodes     NodeService
	runtime   scheduler.ContainerScheduler
}

// New builds a Router.
func New(sessions SessionService, templates TemplateService, nodes NodeService, runtime scheduler.ContainerScheduler) *Router {
	return &Router{sessions: sessions, templates: templates, nodes: nodes, runtime: runtime}
}

// Register attaches every route to engine.
func (rt *Router) Register(engine *gin.Engine) {
	engine.GET("/health", rt.health)

	v1 := engine.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		sessions.POST("", rt.createSession)
		sessions.GET("", rt.listSessions)
		sessions.GET("/:id", rt.getSession)
		sessions.DELETE("/:id", rt.terminateSession)
		sessions.POST("/:id/executions/execute", rt.execute)
		sessions.GET("/:id/executions", rt.listExecutions)

		executions := v1.Group("/executions")
		executions.GET("/:id/status", rt.executionStatus)
		executions.GET("/:id/result", rt.executionResult)

		templates := v1.Group("/templates")
		templates.POST("", rt.createTemplate)
		templates.GET("", rt.listTemplates)
		templates.GET("/:id", rt.getTemplate)
		templates.DELETE("/:id", rt.deleteTemplate)

		v1.GET("/containers", rt.listContainers)
		v1.GET("/containers/:id", rt.getContainer)
	}
}

func (rt *Router) health(c *gin.Context) {
	if err := rt.runtime.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "runtime": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	TemplateID            string            `json:"template_id" binding:"required"`
	EnvVars               map[string]string `json:"env_vars"`
	TimeoutSec            int               `json:"timeout_sec"`
	Dependencies          []string          `json:"dependencies"`
	OwnerLabel            string            `json:"owner_label"`
	CPU                   string            `json:"cpu"`
	Memory                string            `json:"memory"`
	Disk                  string            `json:"disk"`
	MaxProcesses          int               `json:"max_processes"`
	InstallTimeoutSec     int               `json:"install_timeout"`
	FailOnDependencyError bool              `json:"fail_on_dependency_error"`
	AllowVersionConflicts bool              `json:"allow_version_conflicts"`
}

func (rt *Router) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.ValidationError(err.Error()))
		return
	}

	var resourceLimit *models.ResourceLimit
	if req.CPU != "" || req.Memory != "" || req.Disk != "" || req.MaxProcesses != 0 {
		resourceLimit = &models.ResourceLimit{
			CPU:          req.CPU,
			Memory:       req.Memory,
			Disk:         req.Disk,
			MaxProcesses: req.MaxProcesses,
		}
	}

	sess, err := rt.sessions.CreateSession(c.Request.Context(), SessionCreateInput{
		TemplateID:            req.TemplateID,
		EnvVars:               req.EnvVars,
		TimeoutSec:            req.TimeoutSec,
		Dependencies:          req.Dependencies,
		OwnerLabel:            req.OwnerLabel,
		ResourceLimit:         resourceLimit,
		InstallTimeoutSec:     req.InstallTimeoutSec,
		FailOnDependencyError: req.FailOnDependencyError,
		AllowVersionConflicts: req.AllowVersionConflicts,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (rt *Router) getSession(c *gin.Context) {
	sess, err := rt.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (rt *Router) listSessions(c *gin.Context) {
	status := models.SessionStatus(c.Query("status"))
	templateID := c.Query("template_id")
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	sessions, err := rt.sessions.ListSessions(c.Request.Context(), status, templateID, limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (rt *Router) terminateSession(c *gin.Context) {
	if err := rt.sessions.TerminateSession(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

type executeRequest struct {
	Code           string      `json:"code" binding:"required"`
	Language       string      `json:"language" binding:"required"`
	TimeoutSec     int         `json:"timeout_sec"`
	Event          interface{} `json:"event"`
	IdempotencyKey string      `json:"idempotency_key"`
}

func (rt *Router) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.ValidationError(err.Error()))
		return
	}

	var eventBytes []byte
	if req.Event != nil {
		eventBytes, _ = json.Marshal(req.Event)
	}

	exec, err := rt.sessions.Execute(c.Request.Context(), c.Param("id"), ExecuteInput{
		Code:           req.Code,
		Language:       models.Language(req.Language),
		TimeoutSec:     req.TimeoutSec,
		Event:          eventBytes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

func (rt *Router) listExecutions(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	execs, err := rt.sessions.ListExecutions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (rt *Router) executionStatus(c *gin.Context) {
	exec, err := rt.sessions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": exec.ID, "status": exec.Status})
}

func (rt *Router) executionResult(c *gin.Context) {
	exec, err := rt.sessions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !exec.IsTerminal() {
		respondErr(c, apperr.Conflict("execution has not completed"))
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (rt *Router) createTemplate(c *gin.Context) {
	var t models.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		respondErr(c, apperr.ValidationError(err.Error()))
		return
	}
	if err := rt.templates.Save(c.Request.Context(), &t); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (rt *Router) getTemplate(c *gin.Context) {
	t, err := rt.templates.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (rt *Router) listTemplates(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	templates, err := rt.templates.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (rt *Router) deleteTemplate(c *gin.Context) {
	if err := rt.templates.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (rt *Router) listContainers(c *gin.Context) {
	nodes, err := rt.nodes.ListOnline(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (rt *Router) getContainer(c *gin.Context) {
	info, err := rt.runtime.Inspect(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func respondErr(c *gin.Context, err error) {
	if ae, ok := apperr.As(err); ok {
		c.JSON(ae.StatusCode, ae.ToResponse())
		return
	}
	c.JSON(http.StatusInternalServerError, apperr.Internal("request", err).ToResponse())
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
