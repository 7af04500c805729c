package status

import (
	"fmt"
	"math"
	"time"

	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/deploy"
)

// ResourceScore computes the 0..100 health score of one resource.
func ResourceScore(infra deploy.InfrastructureStatus, s config.Scoring) float64 {
	score := 100.0
	u := infra.Utilization
	if u.CPUPercent > s.CPUThreshold {
		score -= (u.CPUPercent - s.CPUThreshold) * s.CPUMultiplier
	}
	if u.MemoryPercent > s.MemoryThreshold {
		score -= (u.MemoryPercent - s.MemoryThreshold) * s.MemoryMultiplier
	}
	if u.DiskPercent > s.DiskThreshold {
		score -= (u.DiskPercent - s.DiskThreshold) * s.DiskMultiplier
	}
	score -= float64(infra.FailedServices()) * s.FailedServicePenalty
	switch infra.LastCheckResult {
	case deploy.ProbeFailed:
		score -= s.ProbeFailedPenalty
	case deploy.ProbeTimeout:
		score -= s.ProbeTimeoutPenalty
	}
	return clamp(score)
}

// OverallScore is the mean of the resource scores, or 100 with no resources.
func OverallScore(infra []deploy.InfrastructureStatus, s config.Scoring) float64 {
	if len(infra) == 0 {
		return 100
	}
	total := 0.0
	for _, i := range infra {
		total += ResourceScore(i, s)
	}
	return clamp(total / float64(len(infra)))
}

// DeriveLevel maps a score and the open issues to a level. The first match wins.
func DeriveLevel(score float64, issues []deploy.Issue, s config.Scoring) deploy.Level {
	worst := 0
	for _, issue := range issues {
		if r := issue.Severity.Rank(); r > worst {
			worst = r
		}
	}
	switch {
	case worst >= deploy.SeverityCritical.Rank() || score < s.CriticalBelow:
		return deploy.LevelCritical
	case worst >= deploy.SeverityHigh.Rank() || score < s.DegradedBelow:
		return deploy.LevelDegraded
	case len(issues) > 0 || score < s.WarningBelow:
		return deploy.LevelWarning
	default:
		return deploy.LevelHealthy
	}
}

// Warnings lists utilization advisories for the resources. They never affect the level.
func Warnings(infra []deploy.InfrastructureStatus, s config.Scoring, now time.Time) []deploy.Warning {
	out := make([]deploy.Warning, 0)
	for _, i := range infra {
		u := i.Utilization
		if u.CPUPercent > s.CPUThreshold {
			out = append(out, deploy.Warning{Component: i.ID, Message: fmt.Sprintf("cpu at %.0f%%", u.CPUPercent), DetectedAt: now})
		}
		if u.MemoryPercent > s.MemoryThreshold {
			out = append(out, deploy.Warning{Component: i.ID, Message: fmt.Sprintf("memory at %.0f%%", u.MemoryPercent), DetectedAt: now})
		}
		if u.DiskPercent > s.DiskThreshold {
			out = append(out, deploy.Warning{Component: i.ID, Message: fmt.Sprintf("disk at %.0f%%", u.DiskPercent), DetectedAt: now})
		}
	}
	return out
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
