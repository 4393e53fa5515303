// Package tasks implements the Background Task Manager (spec §4.J): named
// periodic tasks with graceful shutdown, gated by leader election so that
// only one control-plane replica runs reconciliation/cleanup loops.
// Grounded on the worker-pool start/stop shape of
// api/internal/services/command_dispatcher.go (stopChan-closed shutdown,
// per-task goroutine, structured start/stop logging), adapted from a
// shared work queue to independently-ticking named tasks.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/streamspace/sandboxd/internal/leaderelection"
	"github.com/streamspace/sandboxd/internal/logger"
)

// Task is a single named periodic job.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Func         func(ctx context.Context)
}

// Manager runs a fixed set of named periodic tasks, starting/stopping them
// in lockstep with leadership (spec §4.J: "only the elected leader runs
// the background tasks").
type Manager struct {
	tasks   []Task
	elector *leaderelection.Elector

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown time.Duration
}

// New builds a Background Task Manager. shutdownDeadline bounds how long
// StopAll waits for in-flight ticks to finish (spec §4.J: 30s).
func New(elector *leaderelection.Elector, shutdownDeadline time.Duration, tasks ...Task) *Manager {
	if shutdownDeadline <= 0 {
		shutdownDeadline = 30 * time.Second
	}
	return &Manager{tasks: tasks, elector: elector, shutdown: shutdownDeadline}
}

// Run blocks running the leader election loop, starting the task set
// whenever this instance becomes leader and stopping it when leadership is
// lost, until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	m.elector.Run(ctx, m.startAll, m.stopAll)
}

func (m *Manager) startAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return // already running
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, t := range m.tasks {
		m.wg.Add(1)
		go m.runTask(runCtx, t)
	}
	logger.Tasks().Info().Int("count", len(m.tasks)).Msg("background tasks started")
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Tasks().Info().Msg("background tasks stopped")
	case <-time.After(m.shutdown):
		logger.Tasks().Warn().Msg("background tasks did not stop within deadline, abandoning")
	}
}

// StopAll is exposed for use during process shutdown, independent of
// leader-election transitions.
func (m *Manager) StopAll() {
	m.stopAll()
}

func (m *Manager) runTask(ctx context.Context, t Task) {
	defer m.wg.Done()

	if t.InitialDelay > 0 {
		select {
		case <-time.After(t.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, t)
		}
	}
}

// tick runs one task invocation, recovering from and logging panics so a
// single misbehaving task never takes down the others (spec §4.J).
func (m *Manager) tick(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Tasks().Error().Interface("panic", r).Str("task", t.Name).Msg("task panicked")
		}
	}()
	start := time.Now()
	t.Func(ctx)
	logger.Tasks().Debug().Str("task", t.Name).Dur("duration", time.Since(start)).Msg("task tick complete")
}
