// Package probe implements the health probes the status monitor runs against
// provisioned resources.
package probe

import (
	"context"
	"errors"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/status"
	"github.com/rs/zerolog"
)

// ErrNoEndpoint is returned when a resource carries no address the prober can use.
var ErrNoEndpoint = errors.New("resource has no probe endpoint")

var (
	_ status.Prober = (*DockerProber)(nil)
	_ status.Prober = (*AgentProber)(nil)
	_ status.Prober = (*Composite)(nil)
)

// Composite combines a utilization prober with a process prober. The
// utilization probe decides reachability; a failing process probe is logged and
// leaves the stored services unchanged.
type Composite struct {
	logger   zerolog.Logger
	metrics  status.Prober
	services status.Prober
}

// NewComposite returns a prober that merges both reports. Either side may be nil.
func NewComposite(logger zerolog.Logger, metrics, services status.Prober) *Composite {
	return &Composite{
		logger:   logger.With().Str("component", "probe").Logger(),
		metrics:  metrics,
		services: services,
	}
}

// Probe implements status.Prober.
func (c *Composite) Probe(ctx context.Context, deploymentID string, infra deploy.InfrastructureStatus) (status.ProbeReport, error) {
	var report status.ProbeReport
	if c.metrics != nil {
		r, err := c.metrics.Probe(ctx, deploymentID, infra)
		if err != nil {
			return status.ProbeReport{}, err
		}
		report = r
	}
	if c.services == nil {
		return report, nil
	}

	r, err := c.services.Probe(ctx, deploymentID, infra)
	switch {
	case err == nil:
		report.Services = r.Services
		if report.Utilization == nil {
			report.Utilization = r.Utilization
		}
	case c.metrics == nil:
		return status.ProbeReport{}, err
	case errors.Is(err, ErrNoEndpoint):
	default:
		c.logger.Warn().
			Err(err).
			Str("deployment_id", deploymentID).
			Str("resource_id", infra.ID).
			Msg("process probe failed; keeping last known services")
	}
	return report, nil
}
