package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner is implemented by Orchestrator.
type Runner interface {
	RunWith(ctx context.Context, request string, ro RunOptions) *RunResult
}

// RunInfo summarises a run tracked by the Manager.
type RunInfo struct {
	RunID     string     `json:"run_id"`
	Request   string     `json:"request"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	Result    *RunResult `json:"result,omitempty"`
}

// StatusRunning is reported for runs still in progress.
const StatusRunning = "running"

type managedRun struct {
	request   string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	result    *RunResult
}

// Manager starts runs in the background and tracks them by run id.
type Manager struct {
	runner Runner
	mu     sync.RWMutex
	runs   map[string]*managedRun
	keep   int
	logger *zap.Logger
}

// NewManager creates a manager. At most keep finished runs are retained in
// memory; older ones are evicted.
func NewManager(runner Runner, keep int, logger *zap.Logger) *Manager {
	if keep <= 0 {
		keep = 100
	}
	return &Manager{
		runner: runner,
		runs:   make(map[string]*managedRun),
		keep:   keep,
		logger: logger,
	}
}

// Start launches a run detached from the caller's lifetime and returns its
// id. parent supplies values only; cancel the run with Cancel.
func (m *Manager) Start(parent context.Context, request string, confirm Confirmer) string {
	runID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	mr := &managedRun{
		request:   request,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[runID] = mr
	m.evictLocked()
	m.mu.Unlock()

	go func() {
		defer close(mr.done)
		defer cancel()
		res := m.runner.RunWith(ctx, request, RunOptions{RunID: runID, Confirmer: confirm})
		m.mu.Lock()
		mr.result = res
		m.mu.Unlock()
	}()

	m.logger.Info("run dispatched", zap.String("run", runID))
	return runID
}

// Get returns the run's info. ok is false for unknown ids.
func (m *Manager) Get(runID string) (RunInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mr, ok := m.runs[runID]
	if !ok {
		return RunInfo{}, false
	}
	return mr.info(runID), true
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (*RunResult, bool) {
	m.mu.RLock()
	mr, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	select {
	case <-mr.done:
	case <-ctx.Done():
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return mr.result, true
}

// Cancel interrupts a running run. It reports false for unknown or already
// finished runs.
func (m *Manager) Cancel(runID string) bool {
	m.mu.RLock()
	mr, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-mr.done:
		return false
	default:
	}
	mr.cancel()
	m.logger.Info("run cancel requested", zap.String("run", runID))
	return true
}

// List returns every tracked run, newest first.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunInfo, 0, len(m.runs))
	for id, mr := range m.runs {
		info := mr.info(id)
		info.Result = nil
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Shutdown cancels every active run and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	active := make([]*managedRun, 0, len(m.runs))
	for _, mr := range m.runs {
		active = append(active, mr)
	}
	m.mu.RUnlock()

	for _, mr := range active {
		mr.cancel()
	}
	for _, mr := range active {
		select {
		case <-mr.done:
		case <-ctx.Done():
			return
		}
	}
}

func (mr *managedRun) info(id string) RunInfo {
	info := RunInfo{RunID: id, Request: mr.request, StartedAt: mr.startedAt, Status: StatusRunning}
	if mr.result != nil {
		info.Status = string(mr.result.Status)
		info.Result = mr.result
	}
	return info
}

// evictLocked drops the oldest finished runs beyond the retention limit.
func (m *Manager) evictLocked() {
	if len(m.runs) <= m.keep {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	var finished []entry
	for id, mr := range m.runs {
		if mr.result != nil {
			finished = append(finished, entry{id, mr.startedAt})
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
	for _, e := range finished {
		if len(m.runs) <= m.keep {
			return
		}
		delete(m.runs, e.id)
	}
}
