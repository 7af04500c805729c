package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/deploy"
)

// OperationCollectDiagnostics is the deployment operation that snapshots a
// server after a failure: load, running services and recent log lines.
const OperationCollectDiagnostics = "collect_diagnostics"

type diagnosticsSnapshot struct {
	CPUPercent      float64           `json:"cpu_percent"`
	MemoryPercent   float64           `json:"memory_percent"`
	DiskPercent     float64           `json:"disk_percent"`
	RunningServices []string          `json:"running_services"`
	RecentLogs      []string          `json:"recent_logs"`
	Extra           map[string]string `json:"extra"`
}

// Collect snapshots the server behind infra for failure analysis. authToken
// overrides the prober's token when set.
func (p *AgentProber) Collect(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus, authToken string) (*deploy.Diagnostics, error) {
	if authToken == "" {
		authToken = p.authToken
	}
	args := map[string]any{
		"deployment_id": deploymentID,
		"server_id":     infra.ID,
	}
	if infra.Connection.Host != "" {
		args["host"] = infra.Connection.Host
	}

	result, err := p.caller.Call(ctx, agent.ServiceDeployment, OperationCollectDiagnostics, args, authToken)
	if err != nil {
		return nil, err
	}

	var snap diagnosticsSnapshot
	if err := result.Decode(&snap); err != nil {
		return nil, fmt.Errorf("diagnostics for %s: %w", infra.ID, err)
	}
	host := infra.Connection.Host
	if host == "" {
		host = infra.ID
	}
	return &deploy.Diagnostics{
		CollectedAt:     time.Now().UTC(),
		Host:            host,
		CPUPercent:      snap.CPUPercent,
		MemoryPercent:   snap.MemoryPercent,
		DiskPercent:     snap.DiskPercent,
		RunningServices: snap.RunningServices,
		RecentLogs:      snap.RecentLogs,
		Extra:           snap.Extra,
	}, nil
}
