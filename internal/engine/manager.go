package engine

import (
	"context"
	"sync"

	"redline/internal/domain"
	"redline/internal/events"
)

// Manager tracks in-process executions so the API surface can pause, resume
// and stop them by id. Each execution's concurrency bound is its own; the
// manager imposes no global limit.
type Manager struct {
	eng *Engine

	mu     sync.Mutex
	active map[string]*Controller
}

func NewManager(eng *Engine) *Manager {
	return &Manager{eng: eng, active: map[string]*Controller{}}
}

// Start prepares an execution and runs it in the background. The returned
// execution is in pending state; poll or Wait for the terminal status.
func (m *Manager) Start(ctx context.Context, orchestratorID string, opts RunOptions) (domain.Execution, error) {
	run, err := m.eng.Prepare(ctx, orchestratorID, opts)
	if err != nil {
		return domain.Execution{}, err
	}
	ctrl := run.Controller()
	m.mu.Lock()
	m.active[run.Execution().ID] = ctrl
	m.mu.Unlock()
	go func() {
		// Detach from the request context: the execution outlives the
		// HTTP call that started it.
		_, _ = run.Execute(context.Background())
		m.mu.Lock()
		delete(m.active, run.Execution().ID)
		m.mu.Unlock()
	}()
	return run.Execution(), nil
}

// RunSync executes an orchestrator and blocks until terminal; used by the CLI.
func (m *Manager) RunSync(ctx context.Context, orchestratorID string, opts RunOptions) (domain.Execution, error) {
	run, err := m.eng.Prepare(ctx, orchestratorID, opts)
	if err != nil {
		return domain.Execution{}, err
	}
	ctrl := run.Controller()
	m.mu.Lock()
	m.active[run.Execution().ID] = ctrl
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, run.Execution().ID)
		m.mu.Unlock()
	}()
	return run.Execute(ctx)
}

func (m *Manager) controller(executionID string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.active[executionID]
	if !ok {
		return nil, ErrNotActive
	}
	return ctrl, nil
}

// Pause gates new dispatch for a running execution and persists the paused
// status; in-flight calls drain.
func (m *Manager) Pause(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	ctrl, err := m.controller(executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	exec, err := m.eng.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return exec, err
	}
	if err := m.eng.transition(ctx, &exec, StatusPaused, actorID, nil); err != nil {
		return exec, err
	}
	ctrl.Pause()
	return exec, nil
}

// Resume reopens dispatch for a paused execution.
func (m *Manager) Resume(ctx context.Context, executionID, actorID string) (domain.Execution, error) {
	ctrl, err := m.controller(executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	exec, err := m.eng.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return exec, err
	}
	if err := m.eng.transition(ctx, &exec, StatusRunning, actorID, nil); err != nil {
		return exec, err
	}
	ctrl.Resume()
	return exec, nil
}

// Stop cancels an execution. force abandons in-flight calls; the execution
// transitions to cancelled once workers wind down. Pieces already written are
// retained regardless of save_partial_results; committed evidence is never
// deleted retroactively.
func (m *Manager) Stop(ctx context.Context, executionID, actorID string, force bool) (domain.Execution, error) {
	ctrl, err := m.controller(executionID)
	if err != nil {
		// Never-started executions can still be cancelled directly.
		exec, cerr := m.eng.CancelPending(ctx, executionID, actorID)
		if cerr != nil {
			return exec, err
		}
		return exec, nil
	}
	tx, err := m.eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()
	if err := m.eng.Events.Append(ctx, tx, "execution.stop_requested", "execution", executionID, actorID, events.EventPayload{"force": force}); err != nil {
		return domain.Execution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	ctrl.Stop(force)
	ctrl.Wait()
	return m.eng.Repo.GetExecution(ctx, executionID)
}

// Active lists ids of executions currently running in this process.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}
