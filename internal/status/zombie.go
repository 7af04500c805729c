package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/store"
)

const (
	failedConfidence    = 0.9
	abandonedConfidence = 0.7
)

// FindZombies derives zombie candidates from status records. Completed
// deployments never produce candidates.
func FindZombies(statuses []*deploy.DeploymentStatus, now time.Time, s Settings) []deploy.ZombieCandidate {
	out := make([]deploy.ZombieCandidate, 0)
	for _, st := range statuses {
		if len(st.Infrastructure) == 0 {
			continue
		}
		idle := now.Sub(st.LastUpdated)

		var (
			reason     deploy.ZombieReason
			confidence float64
			rec        deploy.Recommendation
		)
		switch {
		case st.Phase == deploy.PhaseFailed && idle > s.FailedDwell:
			reason, confidence, rec = deploy.ZombieDeploymentFailed, failedConfidence, deploy.RecommendTerminate
		case !st.Phase.Terminal() && idle > s.AbandonAfter:
			reason, confidence, rec = deploy.ZombieDeploymentAbandoned, abandonedConfidence, deploy.RecommendInvestigate
		default:
			continue
		}

		for _, infra := range st.Infrastructure {
			out = append(out, deploy.ZombieCandidate{
				ResourceID:     infra.ID,
				DeploymentID:   st.DeploymentID,
				CreatedAt:      infra.CreatedAt,
				LastActivity:   st.LastUpdated,
				MonthlyCost:    infra.MonthlyCost,
				Reason:         reason,
				Confidence:     confidence,
				Recommendation: rec,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeploymentID == out[j].DeploymentID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].DeploymentID < out[j].DeploymentID
	})
	return out
}

// DetectZombies runs zombie detection over all deployments and publishes a
// zombie_servers_detected event when any are found.
func (m *Monitor) DetectZombies(ctx context.Context) ([]deploy.ZombieCandidate, error) {
	all, err := m.store.ListStatuses(ctx, store.StatusFilter{})
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	zombies := FindZombies(all, m.now(), m.settings)
	savings := float64(len(zombies)) * m.settings.AssumedServerMonthlyCost
	m.metrics.SetZombies(len(zombies), savings)

	if len(zombies) > 0 {
		m.logger.Warn().Int("zombies", len(zombies)).Float64("potential_savings", savings).Msg("zombie servers detected")
		m.publisher.Publish(ctx, events.Event{
			Name:    events.ZombieServersDetected,
			Zombies: zombies,
			Message: fmt.Sprintf("%d zombie servers detected, potential savings %.2f/month", len(zombies), savings),
		})
	}
	return zombies, nil
}

// Summary aggregates the monitor state.
type Summary struct {
	Deployments        int                      `json:"deployments"`
	ByLevel            map[deploy.Level]int     `json:"by_level"`
	TotalMonthlyCost   float64                  `json:"total_monthly_cost"`
	AverageHealthScore float64                  `json:"average_health_score"`
	ZombieCount        int                      `json:"zombie_count"`
	PotentialSavings   float64                  `json:"potential_savings"`
	Zombies            []deploy.ZombieCandidate `json:"zombies,omitempty"`
}

// Summarize computes counts by level, cost, mean health and zombie savings.
func (m *Monitor) Summarize(ctx context.Context, filter store.StatusFilter) (Summary, error) {
	list, err := m.store.ListStatuses(ctx, filter)
	if err != nil {
		return Summary{}, fmt.Errorf("list statuses: %w", err)
	}
	return summarize(list, m.now(), m.settings), nil
}

func summarize(list []*deploy.DeploymentStatus, now time.Time, s Settings) Summary {
	out := Summary{
		Deployments:        len(list),
		ByLevel:            make(map[deploy.Level]int),
		AverageHealthScore: 100,
	}
	total := 0.0
	for _, st := range list {
		out.ByLevel[st.Level]++
		out.TotalMonthlyCost += st.TotalMonthlyCost
		total += st.HealthScore
	}
	if len(list) > 0 {
		out.AverageHealthScore = total / float64(len(list))
	}
	out.Zombies = FindZombies(list, now, s)
	out.ZombieCount = len(out.Zombies)
	out.PotentialSavings = float64(out.ZombieCount) * s.AssumedServerMonthlyCost
	return out
}
