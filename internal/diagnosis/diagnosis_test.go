package diagnosis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/classify"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/reasoning"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCosts = Costs{HourlyDowntime: 50, ServerMonthly: 24}

func inputFor(t *testing.T, phase deploy.Phase, message string) Input {
	t.Helper()
	e, c := classify.BuildError("err-1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), classify.Failure{
		Phase:   phase,
		Service: "infrastructure",
		Message: message,
	})
	return Input{Error: e, Classification: c, Provider: "digitalocean", Attempt: 1}
}

func TestRuleBasedMatchedPattern(t *testing.T) {
	in := inputFor(t, deploy.PhaseProvisioning, "E: Could not get lock /var/lib/dpkg/lock-frontend")

	got := NewRuleBased(testCosts).Diagnose(context.Background(), in)

	assert.Equal(t, in.Classification.CommonCauses[0], got.RootCause)
	assert.Equal(t, 0.7, got.Confidence)
	assert.Equal(t, 10, got.EstimatedRepairTime)
	assert.InDelta(t, 8.33, got.CostImpact, 0.001)
	assert.Equal(t, SourceRules, got.Source)
	assert.NotEmpty(t, got.RecommendedActions)
}

func TestRuleBasedUnmatchedUsesMessage(t *testing.T) {
	in := inputFor(t, deploy.PhaseDeploying, "something odd happened")

	got := NewRuleBased(testCosts).Diagnose(context.Background(), in)

	assert.Equal(t, "something odd happened", got.RootCause)
	assert.Equal(t, 0.3, got.Confidence)
}

func TestCostImpactAddsServerForInfrastructure(t *testing.T) {
	r := NewRuleBased(testCosts)

	assert.Equal(t, 49.0, r.CostImpact(deploy.ErrInfrastructure, 30))
	assert.Equal(t, 25.0, r.CostImpact(deploy.ErrApplicationRuntime, 30))
}

func TestParseAnalysis(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    deploy.Analysis
		wantErr bool
	}{
		{
			name: "bare object",
			text: `{"rootCause":"lock held","confidence":0.8,"reasoning":"r","recommendedActions":["a"],"estimatedRepairTime":12,"riskAssessment":"low"}`,
			want: deploy.Analysis{RootCause: "lock held", Confidence: 0.8, Reasoning: "r", RecommendedActions: []string{"a"}, EstimatedRepairTime: 12, RiskAssessment: "low"},
		},
		{
			name: "fenced with prose and string minutes",
			text: "Here you go:\n```json\n{\"rootCause\":\"quota\",\"confidence\":1.4,\"estimatedRepairTime\":\"20 minutes\"}\n```",
			want: deploy.Analysis{RootCause: "quota", Confidence: 1, EstimatedRepairTime: 20},
		},
		{name: "no json", text: "I think the server is down.", wantErr: true},
		{name: "malformed", text: "{rootCause: nope}", wantErr: true},
		{name: "missing root cause", text: `{"confidence":0.5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalysis(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAIDiagnoserUsesResponse(t *testing.T) {
	stub := &reasoning.Static{Response: `{"rootCause":"droplet limit reached","confidence":0.9,"estimatedRepairTime":30}`}
	d := NewAIDiagnoser(zerolog.Nop(), stub, testCosts)
	in := inputFor(t, deploy.PhaseProvisioning, "422 droplet limit exceeded")

	got := d.Diagnose(context.Background(), in)

	assert.Equal(t, SourceAI, got.Source)
	assert.Equal(t, "droplet limit reached", got.RootCause)
	assert.Equal(t, 49.0, got.CostImpact)
	assert.Equal(t, StandardActions(deploy.ErrInfrastructure), got.RecommendedActions)
	require.Len(t, stub.Prompts, 1)
	assert.Contains(t, stub.Prompts[0], "422 droplet limit exceeded")
	assert.Contains(t, stub.Prompts[0], "Provider digitalocean")
	assert.NotContains(t, stub.Prompts[0], "Provider hetzner")
}

func TestAIDiagnoserFallsBack(t *testing.T) {
	in := inputFor(t, deploy.PhaseProvisioning, "E: Could not get lock /var/lib/dpkg/lock-frontend")

	for name, r := range map[string]reasoning.Reasoner{
		"call error": &reasoning.Static{Err: errors.New("timeout")},
		"not json":   &reasoning.Static{Response: "the lock is held"},
		"nil":        nil,
	} {
		t.Run(name, func(t *testing.T) {
			got := NewAIDiagnoser(zerolog.Nop(), r, testCosts).Diagnose(context.Background(), in)
			assert.Equal(t, SourceRules, got.Source)
			assert.Equal(t, 0.7, got.Confidence)
		})
	}
}

func TestBuildPromptIncludesDiagnosticsAndAttempts(t *testing.T) {
	in := inputFor(t, deploy.PhaseDeploying, "nginx: [emerg] unknown directive")
	in.Error.Diagnostics = &deploy.Diagnostics{Host: "10.0.0.5", DiskPercent: 91, RecentLogs: []string{"nginx failed"}}
	in.Error.AddAttempt(deploy.RecoveryAttempt{Strategy: "simplified_deployment", Outcome: "still failing"})

	prompt := BuildPrompt(in, DefaultKnowledge())

	for _, want := range []string{"10.0.0.5", "disk: 91.0%", "log: nginx failed", "simplified_deployment (success=false)", "\"rootCause\""} {
		assert.True(t, strings.Contains(prompt, want), "prompt missing %q", want)
	}
}

func TestParseKnowledgeRequiresProviderName(t *testing.T) {
	_, err := ParseKnowledge([]byte("providers:\n  - errors: []\n"))
	require.Error(t, err)

	kb := DefaultKnowledge()
	assert.NotEmpty(t, kb.Providers)
	assert.NotEmpty(t, kb.General)
}

func TestSuggestionsDefault(t *testing.T) {
	assert.Contains(t, Suggestions(deploy.ErrInfrastructure), "check provider account limits")
	assert.Equal(t, []string{"review the deployment logs"}, Suggestions(deploy.ErrorType("other")))
}
