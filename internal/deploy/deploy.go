// Package deploy defines the deployment execution model shared by the
// orchestrator, the recovery engine and the status monitor.
package deploy

import (
	"time"
)

// Phase is a named stage of the deployment pipeline.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseAnalyzing    Phase = "analyzing_input"
	PhaseProvisioning Phase = "provisioning_infrastructure"
	PhaseCredentials  Phase = "generating_credentials"
	PhaseDeploying    Phase = "executing_deployment"
	PhaseVerifying    Phase = "verifying_health"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseRecovering   Phase = "recovering"
)

// PipelinePhases lists the work phases in execution order.
var PipelinePhases = []Phase{
	PhaseAnalyzing,
	PhaseProvisioning,
	PhaseCredentials,
	PhaseDeploying,
	PhaseVerifying,
}

// Index returns the position of the phase in the strict ordering, or -1 for
// failed and recovering which sit outside of it.
func (p Phase) Index() int {
	switch p {
	case PhaseInitializing:
		return 0
	case PhaseCompleted:
		return len(PipelinePhases) + 1
	}
	for i, phase := range PipelinePhases {
		if phase == p {
			return i + 1
		}
	}
	return -1
}

// Terminal reports whether no further phase follows.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Status is the lifecycle status of an execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusRecovering Status = "recovering"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// Cancellable reports whether a cancel request is accepted in this status.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusRunning || s == StatusRecovering
}

// Request describes a deployment to run.
type Request struct {
	ID           string            `json:"id"`
	DeploymentID string            `json:"deployment_id"`
	WorkspaceID  string            `json:"workspace_id,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	AppName      string            `json:"app_name"`
	RepoURL      string            `json:"repo_url"`
	Branch       string            `json:"branch,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Region       string            `json:"region,omitempty"`
	Size         string            `json:"size,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	AuthToken    string            `json:"-"`
}

// Step records one phase operation.
type Step struct {
	Name       string        `json:"name"`
	Phase      Phase         `json:"phase"`
	Service    string        `json:"service"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
}

// Results holds the payloads of completed phases.
type Results struct {
	Analysis     map[string]any `json:"analysis,omitempty"`
	Provisioning map[string]any `json:"provisioning,omitempty"`
	Credentials  map[string]any `json:"credentials,omitempty"`
	Deployment   map[string]any `json:"deployment,omitempty"`
	Verification map[string]any `json:"verification,omitempty"`
}

// Set stores a phase result payload.
func (r *Results) Set(phase Phase, result map[string]any) {
	switch phase {
	case PhaseAnalyzing:
		r.Analysis = result
	case PhaseProvisioning:
		r.Provisioning = result
	case PhaseCredentials:
		r.Credentials = result
	case PhaseDeploying:
		r.Deployment = result
	case PhaseVerifying:
		r.Verification = result
	}
}

// Get returns the stored payload for a phase.
func (r Results) Get(phase Phase) map[string]any {
	switch phase {
	case PhaseAnalyzing:
		return r.Analysis
	case PhaseProvisioning:
		return r.Provisioning
	case PhaseCredentials:
		return r.Credentials
	case PhaseDeploying:
		return r.Deployment
	case PhaseVerifying:
		return r.Verification
	}
	return nil
}

// Execution is one run of the phase state machine for a single request.
type Execution struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	DeploymentID     string          `json:"deployment_id"`
	WorkspaceID      string          `json:"workspace_id,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	Phase            Phase           `json:"phase"`
	Status           Status          `json:"status"`
	StartedAt        time.Time       `json:"started_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	Steps            []Step          `json:"steps"`
	Errors           []*Error        `json:"errors"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	Progress         float64         `json:"progress"`
	Results          Results         `json:"results"`
	Simplified       bool            `json:"simplified"`
	FailureSummary   *FailureSummary `json:"failure_summary,omitempty"`
}

// FailureSummary is attached once an execution ends in error.
type FailureSummary struct {
	RootCause           string   `json:"root_cause"`
	LastAttemptedFix    string   `json:"last_attempted_fix,omitempty"`
	EstimatedRepairMins int      `json:"estimated_repair_minutes"`
	EstimatedCostImpact float64  `json:"estimated_cost_impact"`
	Suggestions         []string `json:"suggestions,omitempty"`
}

// LastError returns the most recently recorded error, if any.
func (e *Execution) LastError() *Error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// CompletedSteps counts successful steps, one per phase.
func (e *Execution) CompletedSteps() int {
	seen := make(map[Phase]struct{})
	for _, step := range e.Steps {
		if step.Success {
			seen[step.Phase] = struct{}{}
		}
	}
	return len(seen)
}

// RecomputeProgress sets progress as completed/(completed+remaining), in percent.
func (e *Execution) RecomputeProgress() {
	completed := e.CompletedSteps()
	remaining := len(PipelinePhases) - completed
	if remaining < 0 {
		remaining = 0
	}
	if completed+remaining == 0 {
		e.Progress = 0
		return
	}
	e.Progress = float64(completed) / float64(completed+remaining) * 100
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Steps = append([]Step(nil), e.Steps...)
	out.Errors = make([]*Error, len(e.Errors))
	for i, derr := range e.Errors {
		out.Errors[i] = derr.Clone()
	}
	out.Results = Results{
		Analysis:     cloneMap(e.Results.Analysis),
		Provisioning: cloneMap(e.Results.Provisioning),
		Credentials:  cloneMap(e.Results.Credentials),
		Deployment:   cloneMap(e.Results.Deployment),
		Verification: cloneMap(e.Results.Verification),
	}
	if e.EndedAt != nil {
		ended := *e.EndedAt
		out.EndedAt = &ended
	}
	if e.FailureSummary != nil {
		summary := *e.FailureSummary
		summary.Suggestions = append([]string(nil), e.FailureSummary.Suggestions...)
		out.FailureSummary = &summary
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
