package diagnosis

import (
	"context"
	"fmt"
	"math"

	"github.com/nholik/deployguard/internal/deploy"
)

const (
	matchedConfidence   = 0.7
	unmatchedConfidence = 0.3
)

var repairMinutes = map[deploy.ErrorType]int{
	deploy.ErrSSHConnection:        15,
	deploy.ErrPackageManager:       10,
	deploy.ErrServiceConfiguration: 20,
	deploy.ErrNetworkConnectivity:  15,
	deploy.ErrDependencyResolution: 25,
	deploy.ErrInfrastructure:       30,
	deploy.ErrApplicationRuntime:   30,
	deploy.ErrDNSPropagation:       60,
	deploy.ErrSSLCertificate:       20,
	deploy.ErrCloudInitTiming:      10,
}

var standardActions = map[deploy.ErrorType][]string{
	deploy.ErrSSHConnection: {
		"provision a replacement server",
		"generate fresh SSH credentials",
		"test SSH connectivity",
	},
	deploy.ErrPackageManager: {
		"wait for running apt or dpkg processes to finish",
		"clear stale dpkg locks",
		"retry the failed step",
	},
	deploy.ErrServiceConfiguration: {
		"validate the service configuration",
		"redeploy with a simplified configuration",
		"check service health",
	},
	deploy.ErrNetworkConnectivity: {
		"check firewall rules and security groups",
		"retry the failed step",
	},
	deploy.ErrDependencyResolution: {
		"pin conflicting dependency versions",
		"retry the install with a clean cache",
	},
	deploy.ErrInfrastructure: {
		"check provider account limits",
		"provision a replacement server in another size or region",
		"generate fresh SSH credentials",
	},
	deploy.ErrApplicationRuntime: {
		"inspect application logs",
		"redeploy with a simplified configuration",
	},
	deploy.ErrDNSPropagation: {
		"verify DNS records at the registrar",
		"wait for propagation and recheck",
	},
	deploy.ErrSSLCertificate: {
		"confirm the domain resolves to the server",
		"request the certificate again",
	},
	deploy.ErrCloudInitTiming: {
		"wait for cloud-init to finish",
		"retry the failed step",
	},
}

var suggestions = map[deploy.ErrorType][]string{
	deploy.ErrSSHConnection:        {"verify the SSH key is registered with the provider", "check that port 22 is open"},
	deploy.ErrPackageManager:       {"retry once unattended upgrades have finished", "use an image without automatic upgrades"},
	deploy.ErrServiceConfiguration: {"run the service's config test locally", "review recent configuration changes"},
	deploy.ErrNetworkConnectivity:  {"check firewall rules", "verify outbound network access from the server"},
	deploy.ErrDependencyResolution: {"commit a lock file", "resolve peer dependency conflicts"},
	deploy.ErrInfrastructure:       {"check provider account limits", "verify token permissions"},
	deploy.ErrApplicationRuntime:   {"check application logs", "confirm the configured port is free"},
	deploy.ErrDNSPropagation:       {"verify nameserver delegation", "lower the record TTL before deploying"},
	deploy.ErrSSLCertificate:       {"check that DNS points at the server", "check certificate authority rate limits"},
	deploy.ErrCloudInitTiming:      {"wait a few minutes before retrying", "check the cloud-init log on the server"},
}

// RepairMinutes returns the fixed repair estimate for an error type.
func RepairMinutes(t deploy.ErrorType) int {
	if m, ok := repairMinutes[t]; ok {
		return m
	}
	return 30
}

// StandardActions returns the recommended recovery actions for an error type.
func StandardActions(t deploy.ErrorType) []string {
	return append([]string(nil), standardActions[t]...)
}

// Suggestions returns actionable advice shown to users once recovery gives up.
func Suggestions(t deploy.ErrorType) []string {
	if s, ok := suggestions[t]; ok {
		return append([]string(nil), s...)
	}
	return []string{"review the deployment logs"}
}

// RuleBased derives an analysis from the classification alone.
type RuleBased struct {
	costs Costs
}

// NewRuleBased returns a rule-based diagnoser.
func NewRuleBased(costs Costs) RuleBased {
	return RuleBased{costs: costs}
}

// Diagnose implements Diagnoser.
func (r RuleBased) Diagnose(_ context.Context, in Input) deploy.Analysis {
	var (
		errType  deploy.ErrorType
		severity deploy.Severity
		message  string
	)
	if in.Error != nil {
		errType, severity, message = in.Error.Type, in.Error.Severity, in.Error.Message
	} else {
		errType, severity = in.Classification.Type, in.Classification.Severity
	}

	rootCause := message
	if len(in.Classification.CommonCauses) > 0 {
		rootCause = in.Classification.CommonCauses[0]
	}
	confidence := unmatchedConfidence
	reason := fmt.Sprintf("no known pattern matched; classified as %s", errType)
	if in.Classification.Matched() {
		confidence = matchedConfidence
		reason = fmt.Sprintf("message matched known pattern %q", in.Classification.Pattern)
	}

	minutes := RepairMinutes(errType)
	return deploy.Analysis{
		RootCause:           rootCause,
		Confidence:          confidence,
		Reasoning:           reason,
		RecommendedActions:  StandardActions(errType),
		EstimatedRepairTime: minutes,
		RiskAssessment:      riskFor(severity),
		CostImpact:          r.CostImpact(errType, minutes),
		Source:              SourceRules,
	}
}

// CostImpact estimates downtime cost plus a replacement server for provisioning failures.
func (r RuleBased) CostImpact(t deploy.ErrorType, repairMinutes int) float64 {
	cost := r.costs.HourlyDowntime * float64(repairMinutes) / 60
	if t == deploy.ErrInfrastructure {
		cost += r.costs.ServerMonthly
	}
	return math.Round(cost*100) / 100
}

func riskFor(s deploy.Severity) string {
	switch s {
	case deploy.SeverityCritical:
		return "critical: deployment cannot continue without intervention"
	case deploy.SeverityHigh:
		return "high: automated recovery replaces resources"
	case deploy.SeverityLow:
		return "low: recovery is safe to retry"
	default:
		return "medium: recovery retries or simplifies the failed step"
	}
}
