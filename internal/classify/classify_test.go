package classify

import (
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_PatternTable(t *testing.T) {
	cases := []struct {
		name     string
		phase    deploy.Phase
		message  string
		wantType deploy.ErrorType
		wantSev  deploy.Severity
	}{
		{
			name:     "dpkg frontend lock",
			phase:    deploy.PhaseProvisioning,
			message:  "E: Could not get lock /var/lib/dpkg/lock-frontend. It is held by process 1234 (apt-get)",
			wantType: deploy.ErrPackageManager,
			wantSev:  deploy.SeverityMedium,
		},
		{
			name:     "nginx config test",
			phase:    deploy.PhaseDeploying,
			message:  "nginx: configuration file /etc/nginx/nginx.conf test failed",
			wantType: deploy.ErrServiceConfiguration,
			wantSev:  deploy.SeverityHigh,
		},
		{
			name:     "host key",
			phase:    deploy.PhaseDeploying,
			message:  "Host key verification failed.",
			wantType: deploy.ErrSSHConnection,
			wantSev:  deploy.SeverityHigh,
		},
		{
			name:     "cloud-init error",
			phase:    deploy.PhaseDeploying,
			message:  "cloud-init status --wait returned status: error",
			wantType: deploy.ErrCloudInitTiming,
			wantSev:  deploy.SeverityMedium,
		},
		{
			name:     "account limit",
			phase:    deploy.PhaseProvisioning,
			message:  "droplet limit exceeded for this account",
			wantType: deploy.ErrInfrastructure,
			wantSev:  deploy.SeverityCritical,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.phase, tc.message)
			assert.Equal(t, tc.wantType, got.Type)
			assert.Equal(t, tc.wantSev, got.Severity)
			assert.True(t, got.Matched())
			assert.NotEmpty(t, got.CommonCauses)
		})
	}
}

func TestClassify_KeywordHeuristics(t *testing.T) {
	cases := []struct {
		message  string
		wantType deploy.ErrorType
	}{
		{"ssh handshake aborted", deploy.ErrSSHConnection},
		{"APT repository unreachable", deploy.ErrPackageManager},
		{"nginx returned 502", deploy.ErrServiceConfiguration},
		{"dns record mismatch", deploy.ErrDNSPropagation},
	}

	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			got := Classify(deploy.PhaseDeploying, tc.message)
			assert.Equal(t, tc.wantType, got.Type)
			assert.Equal(t, SourceKeyword, got.Source)
			assert.False(t, got.Matched())
		})
	}
}

func TestClassify_DefaultsByPhase(t *testing.T) {
	got := Classify(deploy.PhaseProvisioning, "boom")
	assert.Equal(t, deploy.ErrInfrastructure, got.Type)
	assert.Equal(t, deploy.SeverityMedium, got.Severity)
	assert.Equal(t, SourceDefault, got.Source)

	got = Classify(deploy.PhaseVerifying, "boom")
	assert.Equal(t, deploy.ErrApplicationRuntime, got.Type)
}

func TestClassify_Deterministic(t *testing.T) {
	messages := []string{
		"Could not get lock /var/lib/dpkg/lock-frontend",
		"something odd happened",
		"ssh: connect to host 10.0.0.1 port 22: Connection refused",
	}
	for _, msg := range messages {
		first := Classify(deploy.PhaseDeploying, msg)
		for i := 0; i < 20; i++ {
			again := Classify(deploy.PhaseDeploying, msg)
			require.Equal(t, first, again)
		}
	}
}

func TestBuildError_CarriesContext(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	derr, c := BuildError("err-1", at, Failure{
		Phase:   deploy.PhaseProvisioning,
		Service: "infrastructure",
		Message: "E: Could not get lock /var/lib/dpkg/lock-frontend",
		Context: map[string]any{"server_id": "srv-1"},
	})

	assert.Equal(t, "err-1", derr.ID)
	assert.Equal(t, at, derr.Timestamp)
	assert.Equal(t, deploy.ErrPackageManager, derr.Type)
	assert.Equal(t, c.Type, derr.Type)
	assert.Equal(t, "srv-1", derr.Context["server_id"])
	assert.Equal(t, "pattern", derr.Context["classification_source"])
	assert.False(t, derr.Resolved)
}

func TestPatterns_ReturnsCopy(t *testing.T) {
	table := Patterns()
	require.NotEmpty(t, table)
	table[0].Match = "mutated"
	assert.NotEqual(t, "mutated", Patterns()[0].Match)
}
