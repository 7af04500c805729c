package store

import (
	"context"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{InMemory: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	persistent, err := OpenBadger(BadgerConfig{Path: t.TempDir(), SyncWrites: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = persistent.Close() })

	return map[string]Store{
		"memory":        NewMemory(),
		"badger-memory": b,
		"badger-disk":   persistent,
	}
}

func execution(id, workspace, user string, started time.Time, status deploy.Status) *deploy.Execution {
	return &deploy.Execution{
		ID:           id,
		DeploymentID: "dep-" + id,
		WorkspaceID:  workspace,
		UserID:       user,
		Status:       status,
		Phase:        deploy.PhaseInitializing,
		StartedAt:    started,
	}
}

func TestExecutionsRoundTripAndFilters(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveExecution(ctx, execution("b", "ws-1", "u-1", base.Add(time.Minute), deploy.StatusRunning)))
			require.NoError(t, s.SaveExecution(ctx, execution("a", "ws-1", "u-2", base, deploy.StatusSuccess)))
			require.NoError(t, s.SaveExecution(ctx, execution("c", "ws-2", "u-1", base.Add(2*time.Minute), deploy.StatusRunning)))

			got, err := s.GetExecution(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "ws-1", got.WorkspaceID)
			assert.True(t, got.StartedAt.Equal(base))

			_, err = s.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := s.ListExecutions(ctx, ExecutionFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, execIDs(all))

			ws, err := s.ListExecutions(ctx, ExecutionFilter{WorkspaceID: "ws-1"})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, execIDs(ws))

			user, err := s.ListExecutions(ctx, ExecutionFilter{UserID: "u-1", Status: deploy.StatusRunning})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, execIDs(user))

			both, err := s.ListExecutions(ctx, ExecutionFilter{WorkspaceID: "ws-2", UserID: "u-1"})
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, execIDs(both))
		})
	}
}

func TestSaveExecutionCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	exec := execution("a", "ws", "u", time.Now(), deploy.StatusRunning)
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.Status = deploy.StatusCancelled
	got, err := s.GetExecution(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusRunning, got.Status)
}

func TestStatusesRoundTripAndFilters(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.SaveStatus(ctx, &deploy.DeploymentStatus{DeploymentID: "d2", WorkspaceID: "ws-1", Level: deploy.LevelHealthy}))
			require.NoError(t, s.SaveStatus(ctx, &deploy.DeploymentStatus{
				DeploymentID:   "d1",
				WorkspaceID:    "ws-2",
				UserID:         "u-9",
				Level:          deploy.LevelDegraded,
				Infrastructure: []deploy.InfrastructureStatus{{ID: "srv-1", MonthlyCost: 24}},
			}))

			got, err := s.GetStatus(ctx, "d1")
			require.NoError(t, err)
			require.Len(t, got.Infrastructure, 1)
			assert.Equal(t, 24.0, got.Infrastructure[0].MonthlyCost)

			_, err = s.GetStatus(ctx, "nope")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := s.ListStatuses(ctx, StatusFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "d1", all[0].DeploymentID)

			byUser, err := s.ListStatuses(ctx, StatusFilter{UserID: "u-9"})
			require.NoError(t, err)
			require.Len(t, byUser, 1)
			assert.Equal(t, "d1", byUser[0].DeploymentID)
		})
	}
}

func TestMemoryReindexesOnWorkspaceChange(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveStatus(ctx, &deploy.DeploymentStatus{DeploymentID: "d", WorkspaceID: "old"}))
	require.NoError(t, s.SaveStatus(ctx, &deploy.DeploymentStatus{DeploymentID: "d", WorkspaceID: "new"}))

	old, err := s.ListStatuses(ctx, StatusFilter{WorkspaceID: "old"})
	require.NoError(t, err)
	assert.Empty(t, old)
	moved, err := s.ListStatuses(ctx, StatusFilter{WorkspaceID: "new"})
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{}, zerolog.Nop())
	require.Error(t, err)
}

func execIDs(execs []*deploy.Execution) []string {
	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		ids = append(ids, e.ID)
	}
	return ids
}
