// Package store keeps execution and status records behind repository
// interfaces. Records are copied on the way in and out.
package store

import (
	"context"
	"errors"

	"github.com/nholik/deployguard/internal/deploy"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ExecutionFilter narrows ListExecutions. Empty fields match everything.
type ExecutionFilter struct {
	WorkspaceID  string
	UserID       string
	DeploymentID string
	Status       deploy.Status
}

func (f ExecutionFilter) matches(e *deploy.Execution) bool {
	return (f.WorkspaceID == "" || e.WorkspaceID == f.WorkspaceID) &&
		(f.UserID == "" || e.UserID == f.UserID) &&
		(f.DeploymentID == "" || e.DeploymentID == f.DeploymentID) &&
		(f.Status == "" || e.Status == f.Status)
}

// StatusFilter narrows ListStatuses. Empty fields match everything.
type StatusFilter struct {
	WorkspaceID string
	UserID      string
}

func (f StatusFilter) matches(s *deploy.DeploymentStatus) bool {
	return (f.WorkspaceID == "" || s.WorkspaceID == f.WorkspaceID) &&
		(f.UserID == "" || s.UserID == f.UserID)
}

// Executions persists deployment executions.
type Executions interface {
	SaveExecution(ctx context.Context, exec *deploy.Execution) error
	GetExecution(ctx context.Context, id string) (*deploy.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*deploy.Execution, error)
}

// Statuses persists deployment status records keyed by deployment id.
type Statuses interface {
	SaveStatus(ctx context.Context, status *deploy.DeploymentStatus) error
	GetStatus(ctx context.Context, deploymentID string) (*deploy.DeploymentStatus, error)
	ListStatuses(ctx context.Context, filter StatusFilter) ([]*deploy.DeploymentStatus, error)
}

// Store is both repositories plus lifecycle.
type Store interface {
	Executions
	Statuses
	Close() error
}
