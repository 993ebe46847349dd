package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/privacy"
	"github.com/xkilldash9x/webpilot/internal/resolver"
	"github.com/xkilldash9x/webpilot/internal/vision"
)

// DriverFactory builds the browser driver backing one task. Each task
// gets its own driver; the manager closes it when the task ends.
type DriverFactory func(ctx context.Context) (schemas.Driver, error)

// Manager owns task lifecycles: it caps concurrency, provisions a fresh
// driver and event stream per task, and runs each task on its own
// orchestrator.
type Manager struct {
	cfg       *config.Config
	logger    *zap.Logger
	planner   schemas.PlanningCapability
	memory    schemas.MemoryStore
	redactor  *privacy.Redactor
	verifier  *vision.Verifier
	resolver  *resolver.Resolver
	newDriver DriverFactory

	group   *errgroup.Group
	mu      sync.Mutex
	reports map[string]*schemas.TaskReport
}

// ManagerDeps bundles the shared collaborators a Manager runs tasks
// against.
type ManagerDeps struct {
	Planner   schemas.PlanningCapability
	Memory    schemas.MemoryStore
	Redactor  *privacy.Redactor
	Verifier  *vision.Verifier
	Resolver  *resolver.Resolver
	NewDriver DriverFactory
}

func NewManager(cfg *config.Config, deps ManagerDeps, logger *zap.Logger) *Manager {
	g := &errgroup.Group{}
	limit := cfg.Engine.MaxConcurrentTasks
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	return &Manager{
		cfg:       cfg,
		logger:    logger.Named("manager"),
		planner:   deps.Planner,
		memory:    deps.Memory,
		redactor:  deps.Redactor,
		verifier:  deps.Verifier,
		resolver:  deps.Resolver,
		newDriver: deps.NewDriver,
		group:     g,
		reports:   make(map[string]*schemas.TaskReport),
	}
}

// Run executes a goal synchronously and returns its report. Progress
// events are drained internally.
func (m *Manager) Run(ctx context.Context, goal schemas.Goal) (*schemas.TaskReport, error) {
	taskID, stream, err := m.Start(ctx, goal)
	if err != nil {
		return nil, err
	}

	var report *schemas.TaskReport
	for ev := range stream.Events() {
		if ev.Type == schemas.EventDone {
			report = ev.Report
		}
	}
	if report == nil {
		return nil, fmt.Errorf("task %s produced no report", taskID)
	}
	return report, nil
}

// Start launches a goal asynchronously. The returned stream carries the
// task's ordered progress events and closes when the task ends. Start
// fails fast when the concurrency cap is reached.
func (m *Manager) Start(ctx context.Context, goal schemas.Goal) (string, *Stream, error) {
	if goal.Objective == "" {
		return "", nil, schemas.NewTaskError(schemas.KindPlanning, -1, "goal objective is empty", nil)
	}
	if goal.Mode == "" {
		goal.Mode = schemas.ModeGuided
	}

	taskID := uuid.NewString()
	stream := NewStream()

	started := m.group.TryGo(func() error {
		defer stream.Close()
		m.runTask(ctx, taskID, goal, stream)
		return nil
	})
	if !started {
		stream.Close()
		return "", nil, fmt.Errorf("task rejected: concurrency limit of %d reached", m.cfg.Engine.MaxConcurrentTasks)
	}

	return taskID, stream, nil
}

func (m *Manager) runTask(ctx context.Context, taskID string, goal schemas.Goal, stream *Stream) {
	drv, err := m.newDriver(ctx)
	if err != nil {
		m.logger.Error("Driver provisioning failed", zap.String("task_id", taskID), zap.Error(err))
		report := &schemas.TaskReport{TaskID: taskID, Status: schemas.TaskFailed}
		m.storeReport(taskID, report)
		_ = stream.Publish(ctx, schemas.Event{
			Type:    schemas.EventError,
			TaskID:  taskID,
			Message: schemas.NewTaskError(schemas.KindFatal, -1, "browser session could not be started", err).Error(),
		})
		_ = stream.Publish(ctx, schemas.Event{Type: schemas.EventDone, TaskID: taskID, Report: report})
		return
	}
	defer func() {
		closeTimeout := m.cfg.Server.ShutdownTimeout
		if closeTimeout <= 0 {
			closeTimeout = 10 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := drv.Close(closeCtx); err != nil {
			m.logger.Warn("Driver close failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}()

	orch := NewOrchestrator(m.cfg.Engine, Collaborators{
		Driver:   drv,
		Resolver: m.resolver,
		Redactor: m.redactor,
		Verifier: m.verifier,
		Planner:  m.planner,
		Memory:   m.memory,
	}, stream, m.logger)

	report, err := orch.Run(ctx, taskID, goal)
	if err != nil {
		m.logger.Warn("Task ended with error", zap.String("task_id", taskID), zap.Error(err))
	}
	m.storeReport(taskID, report)
}

func (m *Manager) storeReport(taskID string, report *schemas.TaskReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[taskID] = report
}

// Report returns the finished report for a task id, if any.
func (m *Manager) Report(taskID string) (*schemas.TaskReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[taskID]
	return r, ok
}

// Wait blocks until every running task has finished. Call during
// shutdown after the listener stops accepting new work.
func (m *Manager) Wait() {
	_ = m.group.Wait()
}
