// Package scheduling implements the Scheduling Service (spec §4.E): node
// selection over RuntimeNode capacity, ContainerConfig construction for the
// Container Scheduler Port, and dependency-install entrypoint wrapping.
// Node selection is grounded on api/internal/handlers/loadbalancing.go's
// SelectNode (candidate filtering on free capacity, then strategy-based
// pick) narrowed to the spec's single "lowest utilization among capable
// nodes" strategy.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/streamspace/sandboxd/internal/apperr"
	"github.com/streamspace/sandboxd/internal/logger"
	"github.com/streamspace/sandboxd/internal/models"
	"github.com/streamspace/sandboxd/internal/scheduler"
)

// NodeLister is the read surface onto RuntimeNode state that the Scheduling
// Service needs; satisfied by internal/repository.RuntimeNodeRepository.
type NodeLister interface {
	ListOnline(ctx context.Context) ([]*models.RuntimeNode, error)
}

// Service selects a RuntimeNode for a new session and constructs the
// ContainerConfig the Container Scheduler Port consumes.
type Service struct {
	nodes NodeLister
}

// New builds a Scheduling Service.
func New(nodes NodeLister) *Service {
	return &Service{nodes: nodes}
}

// ResourceRequest is what the caller (Session Service) needs scheduled.
type ResourceRequest struct {
	CPUCores float64
	MemoryMB int64
}

// SelectNode returns the ONLINE node with sufficient free capacity with the
// lowest utilization, breaking ties by RunningContainers then ID (spec
// §4.E.1).
func (s *Service) SelectNode(ctx context.Context, req ResourceRequest) (*models.RuntimeNode, error) {
	nodes, err := s.nodes.ListOnline(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*models.RuntimeNode
	for _, n := range nodes {
		if n.HasCapacity(req.CPUCores, req.MemoryMB) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.ResourceExhausted("no runtime node has sufficient capacity")
	}

	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := candidates[i].Utilization(), candidates[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		if candidates[i].RunningContainers != candidates[j].RunningContainers {
			return candidates[i].RunningContainers < candidates[j].RunningContainers
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	logger.Scheduler().Info().
		Str("node_id", chosen.ID).
		Float64("utilization", chosen.Utilization()).
		Int("candidates", len(candidates)).
		Msg("node selected")
	return chosen, nil
}

// DependencyInstallOptions configures the entrypoint wrapper (spec §4.E.3).
type DependencyInstallOptions struct {
	Packages    []string
	Language    models.Language
	StatusPath  string // file the entrypoint writes INSTALLING/COMPLETED/FAILED into
	VenvPath    string
}

// BuildContainerConfig translates a Session + Template into the runtime-
// agnostic ContainerConfig the Container Scheduler Port consumes (spec
// §4.B, §4.E.2). When requested packages are non-empty, the entrypoint is
// wrapped to install them into a venv before execing the executor's normal
// entrypoint (spec §4.E.3).
func BuildContainerConfig(session *models.Session, tmpl *models.Template, containerName string) scheduler.ContainerConfig {
	cfg := scheduler.ContainerConfig{
		Image:        tmpl.Image,
		Name:         containerName,
		EnvVars:      session.EnvVars,
		CPULimit:     session.Resources.CPU,
		MemoryLimit:  session.Resources.Memory,
		DiskLimit:    session.Resources.Disk,
		WorkspaceURI: session.WorkspaceURI,
		Labels: map[string]string{
			"app":         "sandboxd",
			"component":   "session",
			"session_id":  session.ID,
			"template_id": session.TemplateID,
		},
	}

	if len(session.RequestedDependencies) > 0 {
		// Sessions are polyglot at the Execution level; a single
		// venv/package-root is prepared per session targeting its
		// template's primary runtime (spec §9 open question, resolved in
		// DESIGN.md: dependency install targets python by default, with
		// npm used only when the template declares a node runtime image).
		installer := "pip"
		if strings.Contains(tmpl.Image, "node") {
			installer = "npm"
		}
		cfg.Entrypoint, cfg.Command = wrapDependencyInstall(session.RequestedDependencies, installer)
	}

	return cfg
}

// wrapDependencyInstall builds an entrypoint/command pair that installs
// packages into /opt/sandbox-venv, records progress to a status file, and
// then execs the image's original command (spec §4.E.3). Grounded on the
// teacher's agent_docker_operations.go entrypoint-override pattern.
func wrapDependencyInstall(packages []string, installer string) (entrypoint, command []string) {
	venv := "/opt/sandbox-venv"
	statusFile := "/tmp/sandboxd-dep-status"
	var installCmd string
	switch installer {
	case "npm":
		installCmd = fmt.Sprintf("npm install --prefix %s %s", venv, strings.Join(packages, " "))
	case "pip":
		installCmd = fmt.Sprintf("python3 -m venv %s && %s/bin/pip install --quiet %s", venv, venv, strings.Join(packages, " "))
	default:
		// No package manager for this language: nothing to install, status
		// goes straight to COMPLETED.
		installCmd = ""
	}

	script := strings.Builder{}
	script.WriteString(fmt.Sprintf("echo INSTALLING > %s\n", statusFile))
	if installCmd != "" {
		script.WriteString(fmt.Sprintf("if %s; then echo COMPLETED > %s; else echo FAILED > %s; exit 1; fi\n", installCmd, statusFile, statusFile))
	} else {
		script.WriteString(fmt.Sprintf("echo COMPLETED > %s\n", statusFile))
	}
	script.WriteString(`exec "$@"`)

	return []string{"/bin/sh", "-c", script.String(), "--"}, nil
}

// Destroy asks the Container Scheduler Port to stop then remove a
// container, tolerating a container that no longer exists (spec §4.E.4).
func Destroy(ctx context.Context, runtime scheduler.ContainerScheduler, containerID string, graceSec int) error {
	if err := runtime.Stop(ctx, containerID, graceSec); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if err := runtime.Remove(ctx, containerID, true); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	return nil
}
