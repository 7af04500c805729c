package deploy

import "time"

// ErrorType is the failure taxonomy.
type ErrorType string

const (
	ErrSSHConnection        ErrorType = "ssh_connection_failure"
	ErrPackageManager       ErrorType = "package_manager_conflict"
	ErrServiceConfiguration ErrorType = "service_configuration_error"
	ErrNetworkConnectivity  ErrorType = "network_connectivity_error"
	ErrDependencyResolution ErrorType = "dependency_resolution_error"
	ErrInfrastructure       ErrorType = "infrastructure_provisioning_error"
	ErrApplicationRuntime   ErrorType = "application_runtime_error"
	ErrDNSPropagation       ErrorType = "dns_propagation_error"
	ErrSSLCertificate       ErrorType = "ssl_certificate_error"
	ErrCloudInitTiming      ErrorType = "cloud_init_timing_error"
)

// ErrorTypes lists every taxonomy member.
var ErrorTypes = []ErrorType{
	ErrSSHConnection,
	ErrPackageManager,
	ErrServiceConfiguration,
	ErrNetworkConnectivity,
	ErrDependencyResolution,
	ErrInfrastructure,
	ErrApplicationRuntime,
	ErrDNSPropagation,
	ErrSSLCertificate,
	ErrCloudInitTiming,
}

// Severity rates how bad a failure or issue is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Diagnostics is a point-in-time snapshot of the target system.
type Diagnostics struct {
	CollectedAt     time.Time         `json:"collected_at"`
	Host            string            `json:"host,omitempty"`
	CPUPercent      float64           `json:"cpu_percent,omitempty"`
	MemoryPercent   float64           `json:"memory_percent,omitempty"`
	DiskPercent     float64           `json:"disk_percent,omitempty"`
	RunningServices []string          `json:"running_services,omitempty"`
	RecentLogs      []string          `json:"recent_logs,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Analysis is the root-cause analysis attached to an error.
type Analysis struct {
	RootCause           string   `json:"rootCause"`
	Confidence          float64  `json:"confidence"`
	Reasoning           string   `json:"reasoning"`
	RecommendedActions  []string `json:"recommendedActions"`
	EstimatedRepairTime int      `json:"estimatedRepairTime"`
	RiskAssessment      string   `json:"riskAssessment"`
	CostImpact          float64  `json:"costImpact"`
	Source              string   `json:"source"`
}

// RecoveryAttempt records one recovery try. It is never mutated after creation.
type RecoveryAttempt struct {
	ID        string        `json:"id"`
	Strategy  string        `json:"strategy"`
	Actions   []string      `json:"actions"`
	Success   bool          `json:"success"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`
	StartedAt time.Time     `json:"started_at"`
}

// Error is one classified failure.
type Error struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Type        ErrorType         `json:"type"`
	Severity    Severity          `json:"severity"`
	Phase       Phase             `json:"phase"`
	Service     string            `json:"service"`
	Message     string            `json:"message"`
	Context     map[string]any    `json:"context,omitempty"`
	Diagnostics *Diagnostics      `json:"diagnostics,omitempty"`
	Analysis    *Analysis         `json:"analysis,omitempty"`
	Attempts    []RecoveryAttempt `json:"recovery_attempts"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

// Resolve marks the error resolved. Resolving twice is a no-op.
func (e *Error) Resolve(at time.Time) {
	if e.Resolved {
		return
	}
	resolvedAt := at
	e.Resolved = true
	e.ResolvedAt = &resolvedAt
}

// AddAttempt appends a recovery attempt.
func (e *Error) AddAttempt(attempt RecoveryAttempt) {
	attempt.Actions = append([]string(nil), attempt.Actions...)
	e.Attempts = append(e.Attempts, attempt)
}

// Clone returns a deep copy.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	out := *e
	out.Context = cloneMap(e.Context)
	out.Attempts = append([]RecoveryAttempt(nil), e.Attempts...)
	if e.Diagnostics != nil {
		diag := *e.Diagnostics
		out.Diagnostics = &diag
	}
	if e.Analysis != nil {
		analysis := *e.Analysis
		analysis.RecommendedActions = append([]string(nil), e.Analysis.RecommendedActions...)
		out.Analysis = &analysis
	}
	if e.ResolvedAt != nil {
		resolved := *e.ResolvedAt
		out.ResolvedAt = &resolved
	}
	return &out
}
