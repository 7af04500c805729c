package probe

import (
	"context"
	"fmt"

	"github.com/nholik/deployguard/internal/agent"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/status"
)

// OperationServerMetrics is the infrastructure operation that samples a server.
const OperationServerMetrics = "get_server_metrics"

// AgentProber samples utilization through the infrastructure service.
type AgentProber struct {
	caller    agent.Caller
	authToken string
}

// NewAgentProber returns a prober that calls the infrastructure service with
// the given token. An empty token defers to the caller's default.
func NewAgentProber(caller agent.Caller, authToken string) *AgentProber {
	return &AgentProber{caller: caller, authToken: authToken}
}

type serverMetrics struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	NetworkInBytes  uint64  `json:"network_in_bytes"`
	NetworkOutBytes uint64  `json:"network_out_bytes"`
	Services        []struct {
		Name  string `json:"name"`
		State string `json:"state"`
		Image string `json:"image"`
	} `json:"services"`
}

// Probe implements status.Prober.
func (p *AgentProber) Probe(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) (status.ProbeReport, error) {
	args := map[string]any{
		"deployment_id": deploymentID,
		"server_id":     infra.ID,
		"provider":      infra.Provider,
	}
	if infra.Connection.Host != "" {
		args["host"] = infra.Connection.Host
	}

	result, err := p.caller.Call(ctx, agent.ServiceInfrastructure, OperationServerMetrics, args, p.authToken)
	if err != nil {
		return status.ProbeReport{}, err
	}

	var m serverMetrics
	if err := result.Decode(&m); err != nil {
		return status.ProbeReport{}, fmt.Errorf("server metrics for %s: %w", infra.ID, err)
	}

	report := status.ProbeReport{
		Utilization: &deploy.Utilization{
			CPUPercent:      m.CPUPercent,
			MemoryPercent:   m.MemoryPercent,
			DiskPercent:     m.DiskPercent,
			NetworkInBytes:  m.NetworkInBytes,
			NetworkOutBytes: m.NetworkOutBytes,
		},
	}
	if m.Services != nil {
		report.Services = make([]deploy.ServiceStatus, 0, len(m.Services))
		for _, svc := range m.Services {
			report.Services = append(report.Services, deploy.ServiceStatus{
				Name:  svc.Name,
				State: serviceState(svc.State),
				Image: svc.Image,
			})
		}
	}
	return report, nil
}

func serviceState(raw string) deploy.ServiceState {
	switch deploy.ServiceState(raw) {
	case deploy.ServiceRunning, deploy.ServiceFailed, deploy.ServiceStopped:
		return deploy.ServiceState(raw)
	}
	return deploy.ServiceUnknown
}
