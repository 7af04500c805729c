package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nholik/deployguard/internal/deploy"
)

type index map[string]map[string]struct{}

func (ix index) add(key, id string) {
	if key == "" {
		return
	}
	set, ok := ix[key]
	if !ok {
		set = make(map[string]struct{})
		ix[key] = set
	}
	set[id] = struct{}{}
}

func (ix index) remove(key, id string) {
	if set, ok := ix[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(ix, key)
		}
	}
}

// Memory is the default in-process store with workspace and user indices.
type Memory struct {
	mu sync.RWMutex

	executions      map[string]*deploy.Execution
	execByWorkspace index
	execByUser      index

	statuses          map[string]*deploy.DeploymentStatus
	statusByWorkspace index
	statusByUser      index
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		executions:        make(map[string]*deploy.Execution),
		execByWorkspace:   make(index),
		execByUser:        make(index),
		statuses:          make(map[string]*deploy.DeploymentStatus),
		statusByWorkspace: make(index),
		statusByUser:      make(index),
	}
}

// SaveExecution implements Executions.
func (m *Memory) SaveExecution(ctx context.Context, exec *deploy.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.executions[exec.ID]; ok {
		m.execByWorkspace.remove(prev.WorkspaceID, prev.ID)
		m.execByUser.remove(prev.UserID, prev.ID)
	}
	m.executions[exec.ID] = exec.Clone()
	m.execByWorkspace.add(exec.WorkspaceID, exec.ID)
	m.execByUser.add(exec.UserID, exec.ID)
	return nil
}

// GetExecution implements Executions.
func (m *Memory) GetExecution(ctx context.Context, id string) (*deploy.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

// ListExecutions implements Executions. Results are ordered by start time.
func (m *Memory) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*deploy.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*deploy.Execution, 0)
	for _, id := range m.candidates(m.executionIDs, m.execByWorkspace, m.execByUser, filter.WorkspaceID, filter.UserID) {
		exec := m.executions[id]
		if exec != nil && filter.matches(exec) {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// SaveStatus implements Statuses.
func (m *Memory) SaveStatus(ctx context.Context, status *deploy.DeploymentStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := status.DeploymentID
	if prev, ok := m.statuses[id]; ok {
		m.statusByWorkspace.remove(prev.WorkspaceID, id)
		m.statusByUser.remove(prev.UserID, id)
	}
	m.statuses[id] = status.Clone()
	m.statusByWorkspace.add(status.WorkspaceID, id)
	m.statusByUser.add(status.UserID, id)
	return nil
}

// GetStatus implements Statuses.
func (m *Memory) GetStatus(ctx context.Context, deploymentID string) (*deploy.DeploymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return status.Clone(), nil
}

// ListStatuses implements Statuses. Results are ordered by deployment id.
func (m *Memory) ListStatuses(ctx context.Context, filter StatusFilter) ([]*deploy.DeploymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*deploy.DeploymentStatus, 0)
	for _, id := range m.candidates(m.statusIDs, m.statusByWorkspace, m.statusByUser, filter.WorkspaceID, filter.UserID) {
		status := m.statuses[id]
		if status != nil && filter.matches(status) {
			out = append(out, status.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) executionIDs() []string {
	ids := make([]string, 0, len(m.executions))
	for id := range m.executions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Memory) statusIDs() []string {
	ids := make([]string, 0, len(m.statuses))
	for id := range m.statuses {
		ids = append(ids, id)
	}
	return ids
}

// candidates narrows the scan using the smallest applicable index.
func (m *Memory) candidates(all func() []string, byWorkspace, byUser index, workspaceID, userID string) []string {
	var set map[string]struct{}
	switch {
	case workspaceID != "" && userID != "":
		set = byWorkspace[workspaceID]
		if len(byUser[userID]) < len(set) {
			set = byUser[userID]
		}
	case workspaceID != "":
		set = byWorkspace[workspaceID]
	case userID != "":
		set = byUser[userID]
	default:
		return all()
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
