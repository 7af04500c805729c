// Package classify maps raw deployment failures onto the error taxonomy.
//
// Classification is deterministic: a fixed, ordered pattern table is checked
// first, then keyword heuristics, then a per-phase default.
package classify

import (
	"strings"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
)

// Source names which rule produced a classification.
type Source string

const (
	SourcePattern Source = "pattern"
	SourceKeyword Source = "keyword"
	SourceDefault Source = "default"
)

// Pattern is one row of the fixed pattern table.
type Pattern struct {
	Match        string
	Type         deploy.ErrorType
	Severity     deploy.Severity
	CommonCauses []string
	Strategies   []string
}

// Classification is the outcome of Classify.
type Classification struct {
	Type         deploy.ErrorType
	Severity     deploy.Severity
	Source       Source
	Pattern      string
	CommonCauses []string
	Strategies   []string
}

// Matched reports whether a fixed pattern matched.
func (c Classification) Matched() bool {
	return c.Source == SourcePattern
}

var patterns = []Pattern{
	{
		Match:    "Could not get lock /var/lib/dpkg/lock",
		Type:     deploy.ErrPackageManager,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"another apt or dpkg process (unattended-upgrades or cloud-init) holds the dpkg lock",
			"a previous package operation was interrupted and left a stale lock",
		},
		Strategies: []string{"retry_current_step"},
	},
	{
		Match:    "dpkg was interrupted",
		Type:     deploy.ErrPackageManager,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"a previous dpkg run was interrupted and needs 'dpkg --configure -a'",
		},
		Strategies: []string{"retry_current_step"},
	},
	{
		Match:    "nginx: configuration file /etc/nginx/nginx.conf test failed",
		Type:     deploy.ErrServiceConfiguration,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"generated nginx site configuration contains a syntax error",
			"an upstream or server_name directive references an undefined value",
		},
		Strategies: []string{"simplified_deployment"},
	},
	{
		Match:    "nginx: [emerg]",
		Type:     deploy.ErrServiceConfiguration,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"nginx refused to start because of an invalid directive or a port conflict",
		},
		Strategies: []string{"simplified_deployment"},
	},
	{
		Match:    "Host key verification failed",
		Type:     deploy.ErrSSHConnection,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"the server was recreated at the same address and its host key changed",
			"known_hosts contains a stale entry for the server address",
		},
		Strategies: []string{"provision_new_server"},
	},
	{
		Match:    "Permission denied (publickey",
		Type:     deploy.ErrSSHConnection,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"the generated SSH key was not installed on the server before first login",
			"the deploy user does not exist yet because cloud-init has not finished",
		},
		Strategies: []string{"provision_new_server"},
	},
	{
		Match:    "ssh: connect to host",
		Type:     deploy.ErrSSHConnection,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"sshd is not yet listening on the new server",
			"a firewall rule blocks port 22",
		},
		Strategies: []string{"provision_new_server"},
	},
	{
		Match:    "status: error",
		Type:     deploy.ErrCloudInitTiming,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"cloud-init finished with an error while bootstrapping the server",
		},
		Strategies: []string{"retry"},
	},
	{
		Match:    "cloud-init is still running",
		Type:     deploy.ErrCloudInitTiming,
		Severity: deploy.SeverityLow,
		CommonCauses: []string{
			"deployment started before cloud-init completed first-boot configuration",
		},
		Strategies: []string{"retry"},
	},
	{
		Match:    "limit exceeded",
		Type:     deploy.ErrInfrastructure,
		Severity: deploy.SeverityCritical,
		CommonCauses: []string{
			"the provider account reached its server or resource limit",
		},
		Strategies: []string{"provision_new_server"},
	},
	{
		Match:    "failed to create server",
		Type:     deploy.ErrInfrastructure,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"the requested size or image is unavailable in the selected region",
			"the provider API token lacks write permissions",
		},
		Strategies: []string{"provision_new_server"},
	},
	{
		Match:    "Failed authorization procedure",
		Type:     deploy.ErrSSLCertificate,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"the ACME HTTP-01 challenge could not reach the server",
			"the domain does not yet resolve to the server address",
		},
		Strategies: []string{"retry"},
	},
	{
		Match:    "NXDOMAIN",
		Type:     deploy.ErrDNSPropagation,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"the DNS record was created recently and has not propagated",
		},
		Strategies: []string{"retry"},
	},
	{
		Match:    "Temporary failure in name resolution",
		Type:     deploy.ErrNetworkConnectivity,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"the server resolver is not configured yet",
			"outbound DNS traffic is blocked",
		},
		Strategies: []string{"retry"},
	},
	{
		Match:    "Connection timed out",
		Type:     deploy.ErrNetworkConnectivity,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"the remote host is unreachable or a firewall drops traffic",
		},
		Strategies: []string{"retry"},
	},
	{
		Match:    "npm ERR! code ERESOLVE",
		Type:     deploy.ErrDependencyResolution,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"peer dependency versions in package.json conflict",
		},
		Strategies: []string{"retry", "simplified_deployment"},
	},
	{
		Match:    "Could not find a version that satisfies the requirement",
		Type:     deploy.ErrDependencyResolution,
		Severity: deploy.SeverityMedium,
		CommonCauses: []string{
			"a pinned Python dependency does not exist for the server interpreter version",
		},
		Strategies: []string{"retry", "simplified_deployment"},
	},
	{
		Match:    "EADDRINUSE",
		Type:     deploy.ErrApplicationRuntime,
		Severity: deploy.SeverityHigh,
		CommonCauses: []string{
			"another process already listens on the application port",
		},
		Strategies: []string{"retry", "simplified_deployment"},
	},
}

// Patterns returns a copy of the fixed pattern table in match order.
func Patterns() []Pattern {
	out := make([]Pattern, len(patterns))
	copy(out, patterns)
	return out
}

// Classify maps a failure message to a type and severity. It is a pure function
// of its inputs.
func Classify(phase deploy.Phase, message string) Classification {
	for _, p := range patterns {
		if strings.Contains(message, p.Match) {
			return Classification{
				Type:         p.Type,
				Severity:     p.Severity,
				Source:       SourcePattern,
				Pattern:      p.Match,
				CommonCauses: append([]string(nil), p.CommonCauses...),
				Strategies:   append([]string(nil), p.Strategies...),
			}
		}
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "ssh"):
		return keyword(deploy.ErrSSHConnection, deploy.SeverityHigh)
	case strings.Contains(lower, "apt") || strings.Contains(lower, "dpkg"):
		return keyword(deploy.ErrPackageManager, deploy.SeverityMedium)
	case strings.Contains(lower, "nginx"):
		return keyword(deploy.ErrServiceConfiguration, deploy.SeverityMedium)
	case strings.Contains(lower, "dns"):
		return keyword(deploy.ErrDNSPropagation, deploy.SeverityMedium)
	}

	return Classification{
		Type:     defaultTypeFor(phase),
		Severity: deploy.SeverityMedium,
		Source:   SourceDefault,
	}
}

func keyword(errType deploy.ErrorType, severity deploy.Severity) Classification {
	return Classification{Type: errType, Severity: severity, Source: SourceKeyword}
}

func defaultTypeFor(phase deploy.Phase) deploy.ErrorType {
	switch phase {
	case deploy.PhaseProvisioning:
		return deploy.ErrInfrastructure
	case deploy.PhaseCredentials:
		return deploy.ErrSSHConnection
	default:
		return deploy.ErrApplicationRuntime
	}
}

// Failure is the raw input to BuildError.
type Failure struct {
	Phase   deploy.Phase
	Service string
	Message string
	Context map[string]any
}

// BuildError classifies a failure and wraps it in a deploy.Error with the given id and time.
func BuildError(id string, at time.Time, failure Failure) (*deploy.Error, Classification) {
	c := Classify(failure.Phase, failure.Message)
	ctx := make(map[string]any, len(failure.Context)+1)
	for k, v := range failure.Context {
		ctx[k] = v
	}
	ctx["classification_source"] = string(c.Source)
	if c.Pattern != "" {
		ctx["matched_pattern"] = c.Pattern
	}
	return &deploy.Error{
		ID:        id,
		Timestamp: at,
		Type:      c.Type,
		Severity:  c.Severity,
		Phase:     failure.Phase,
		Service:   failure.Service,
		Message:   failure.Message,
		Context:   ctx,
	}, c
}
