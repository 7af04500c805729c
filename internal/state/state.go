package state

import (
	"context"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
)

// DeploymentSnapshot is the persisted health view of one deployment from the
// previous reconciliation cycle.
type DeploymentSnapshot struct {
	Level             deploy.Level            `json:"level"`
	LastNotifiedLevel deploy.Level            `json:"last_notified_level,omitempty"`
	Score             float64                 `json:"score"`
	Resources         map[string]deploy.Level `json:"resources"`
	EvaluatedAt       time.Time               `json:"evaluated_at"`
}

// SchemaVersion is the snapshot layout written by this build.
const SchemaVersion = 1

// State stores snapshots for all deployments.
type State struct {
	Version     int                           `json:"version"`
	Deployments map[string]DeploymentSnapshot `json:"deployments"`
}

func empty() State {
	return State{Version: SchemaVersion, Deployments: map[string]DeploymentSnapshot{}}
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// MemoryStore keeps state in process memory; used when no state path is configured.
type MemoryStore struct {
	state State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: empty()}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	out := State{Version: m.state.Version, Deployments: make(map[string]DeploymentSnapshot, len(m.state.Deployments))}
	for k, v := range m.state.Deployments {
		out.Deployments[k] = v
	}
	return out, nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.Deployments == nil {
		state.Deployments = map[string]DeploymentSnapshot{}
	}
	m.state = state
	return nil
}
