package deploy

import "time"

// Level is the coarse health classification of a deployment or resource.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
	LevelFailed   Level = "failed"
	LevelUnknown  Level = "unknown"
)

// Rank orders levels by badness; unknown ranks 0.
func (l Level) Rank() int {
	switch l {
	case LevelHealthy:
		return 1
	case LevelWarning:
		return 2
	case LevelDegraded:
		return 3
	case LevelCritical:
		return 4
	case LevelFailed:
		return 5
	default:
		return 0
	}
}

// ProbeResult is the outcome of the last health probe against a resource.
type ProbeResult string

const (
	ProbeNone    ProbeResult = ""
	ProbeOK      ProbeResult = "ok"
	ProbeFailed  ProbeResult = "failed"
	ProbeTimeout ProbeResult = "timeout"
)

// ServiceState is the state of one process on a resource.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceFailed  ServiceState = "failed"
	ServiceStopped ServiceState = "stopped"
	ServiceUnknown ServiceState = "unknown"
)

// ServiceStatus is one process expected on a resource.
type ServiceStatus struct {
	Name      string       `json:"name"`
	State     ServiceState `json:"state"`
	Image     string       `json:"image,omitempty"`
	CheckedAt *time.Time   `json:"checked_at,omitempty"`
}

// ConnectionInfo tells probes how to reach a resource.
type ConnectionInfo struct {
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user,omitempty"`
	DockerHost string `json:"docker_host,omitempty"`
}

// Utilization is a resource usage sample.
type Utilization struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	NetworkInBytes  uint64  `json:"network_in_bytes"`
	NetworkOutBytes uint64  `json:"network_out_bytes"`
}

// InfrastructureStatus is one provisioned resource.
type InfrastructureStatus struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Provider        string          `json:"provider"`
	Region          string          `json:"region"`
	Level           Level           `json:"level"`
	Score           float64         `json:"score"`
	Connection      ConnectionInfo  `json:"connection"`
	Utilization     Utilization     `json:"utilization"`
	HourlyCost      float64         `json:"hourly_cost"`
	MonthlyCost     float64         `json:"monthly_cost"`
	Services        []ServiceStatus `json:"services,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastHealthCheck *time.Time      `json:"last_health_check,omitempty"`
	LastCheckResult ProbeResult     `json:"last_check_result,omitempty"`
}

// FailedServices counts processes in the failed state.
func (i InfrastructureStatus) FailedServices() int {
	n := 0
	for _, s := range i.Services {
		if s.State == ServiceFailed {
			n++
		}
	}
	return n
}

// Issue is an open, trackable health problem. Issues are added and removed,
// never edited.
type Issue struct {
	ID                 string    `json:"id"`
	Severity           Severity  `json:"severity"`
	Type               string    `json:"type"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	DetectedAt         time.Time `json:"detected_at"`
	AffectedComponents []string  `json:"affected_components,omitempty"`
	MitigationSteps    []string  `json:"mitigation_steps,omitempty"`
	AutoResolvable     bool      `json:"auto_resolvable"`
	// ExecutionID is set on issues raised by a failed execution.
	ExecutionID string `json:"execution_id,omitempty"`
}

// Warning is an advisory note that never changes the level.
type Warning struct {
	Component  string    `json:"component"`
	Message    string    `json:"message"`
	DetectedAt time.Time `json:"detected_at"`
}

// HistoryEntry is one line of the append-only status history.
type HistoryEntry struct {
	At    time.Time `json:"at"`
	Phase Phase     `json:"phase"`
	Level Level     `json:"level"`
	Score float64   `json:"score"`
	Note  string    `json:"note,omitempty"`
}

// DeploymentStatus is the monitor's view of one deployment.
type DeploymentStatus struct {
	DeploymentID     string                 `json:"deployment_id"`
	ExecutionID      string                 `json:"execution_id,omitempty"`
	WorkspaceID      string                 `json:"workspace_id,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	Phase            Phase                  `json:"phase"`
	Level            Level                  `json:"level"`
	HealthScore      float64                `json:"health_score"`
	Uptime           time.Duration          `json:"uptime"`
	CreatedAt        time.Time              `json:"created_at"`
	LastUpdated      time.Time              `json:"last_updated"`
	LastHealthCheck  *time.Time             `json:"last_health_check,omitempty"`
	Infrastructure   []InfrastructureStatus `json:"infrastructure"`
	TotalMonthlyCost float64                `json:"total_monthly_cost"`
	Issues           []Issue                `json:"issues"`
	Warnings         []Warning              `json:"warnings"`
	History          []HistoryEntry         `json:"history"`
}

// Clone returns a deep copy.
func (s *DeploymentStatus) Clone() *DeploymentStatus {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastHealthCheck != nil {
		t := *s.LastHealthCheck
		out.LastHealthCheck = &t
	}
	out.Infrastructure = make([]InfrastructureStatus, len(s.Infrastructure))
	for i, infra := range s.Infrastructure {
		c := infra
		c.Services = append([]ServiceStatus(nil), infra.Services...)
		if infra.LastHealthCheck != nil {
			t := *infra.LastHealthCheck
			c.LastHealthCheck = &t
		}
		out.Infrastructure[i] = c
	}
	out.Issues = make([]Issue, len(s.Issues))
	for i, issue := range s.Issues {
		c := issue
		c.AffectedComponents = append([]string(nil), issue.AffectedComponents...)
		c.MitigationSteps = append([]string(nil), issue.MitigationSteps...)
		out.Issues[i] = c
	}
	out.Warnings = append([]Warning(nil), s.Warnings...)
	out.History = append([]HistoryEntry(nil), s.History...)
	return &out
}

// ZombieReason explains why a resource looks abandoned.
type ZombieReason string

const (
	ZombieDeploymentFailed    ZombieReason = "deployment_failed"
	ZombieDeploymentAbandoned ZombieReason = "deployment_abandoned"
	ZombieDuplicate           ZombieReason = "duplicate"
	ZombieTest                ZombieReason = "test"
)

// Recommendation is the suggested handling of a zombie candidate.
type Recommendation string

const (
	RecommendTerminate   Recommendation = "terminate"
	RecommendInvestigate Recommendation = "investigate"
	RecommendKeep        Recommendation = "keep"
)

// ZombieCandidate is a derived record; it is never stored.
type ZombieCandidate struct {
	ResourceID     string         `json:"resource_id"`
	DeploymentID   string         `json:"deployment_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
	MonthlyCost    float64        `json:"monthly_cost"`
	Reason         ZombieReason   `json:"reason"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
}
