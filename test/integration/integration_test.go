//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/compose"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/logging"
	"github.com/nholik/deployguard/internal/probe"
	"github.com/nholik/deployguard/internal/status"
	"github.com/nholik/deployguard/internal/store"
)

// TestIntegrationComposeAndDocker verifies compose fetching and container
// probing against real services.
//
// Prerequisites:
//   - Docker daemon reachable at TEST_DOCKER_HOST (a docker socket proxy works)
//   - a compose file served at TEST_COMPOSE_URL
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationComposeAndDocker(t *testing.T) {
	composeURL := getEnv("TEST_COMPOSE_URL", "http://localhost:8888/healthy-stack.yml")
	dockerHost := getEnv("TEST_DOCKER_HOST", "tcp://localhost:2375")
	dockerPing := getEnv("TEST_DOCKER_PROXY_URL", "http://localhost:2375")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkEndpoint(ctx, composeURL); err != nil {
		t.Skipf("compose server not reachable: %v", err)
	}
	if err := checkEndpoint(ctx, dockerPing+"/_ping"); err != nil {
		t.Skipf("docker proxy not reachable: %v", err)
	}

	var expected []deploy.ServiceStatus
	t.Run("ComposeFetch", func(t *testing.T) {
		fetcher, err := compose.NewHTTPFetcher(10*time.Second, 0)
		if err != nil {
			t.Fatalf("create fetcher: %v", err)
		}

		body, err := fetcher.Fetch(context.Background(), composeURL)
		if err != nil {
			t.Fatalf("fetch compose: %v", err)
		}

		manifest, err := compose.ParseManifest(context.Background(), "integration", body)
		if err != nil {
			t.Fatalf("parse compose: %v", err)
		}
		if len(manifest.Services) == 0 {
			t.Fatal("expected at least one service in compose")
		}
		expected = manifest.Services
		t.Logf("Parsed %d services from compose (fingerprint %s)", len(manifest.Services), manifest.Fingerprint)
	})

	t.Run("DockerProbe", func(t *testing.T) {
		prober := probe.NewDockerProber(logging.New(), 10*time.Second)
		defer prober.Close()

		infra := deploy.InfrastructureStatus{
			ID:         "local",
			Connection: deploy.ConnectionInfo{DockerHost: dockerHost},
		}
		report, err := prober.Probe(context.Background(), "integration", infra)
		if err != nil {
			t.Fatalf("probe docker: %v", err)
		}
		merged := status.MergeServices(expected, report.Services, time.Now().UTC())
		t.Logf("Observed %d containers, %d services after merge", len(report.Services), len(merged))
	})

	t.Run("Reconcile", func(t *testing.T) {
		prober := probe.NewDockerProber(logging.New(), 10*time.Second)
		defer prober.Close()

		monitor := status.New(logging.New(), store.NewMemory(), status.WithProber(prober))
		if _, err := monitor.Register(context.Background(), status.Registration{DeploymentID: "integration"}); err != nil {
			t.Fatalf("register: %v", err)
		}
		infra := deploy.InfrastructureStatus{
			ID:         "local",
			Type:       "server",
			Connection: deploy.ConnectionInfo{DockerHost: dockerHost},
		}
		if err := monitor.UpdateInfrastructure(context.Background(), "integration", infra); err != nil {
			t.Fatalf("update infrastructure: %v", err)
		}
		if err := monitor.SeedServices(context.Background(), "integration", expected); err != nil {
			t.Fatalf("seed services: %v", err)
		}

		result, err := monitor.Reconcile(context.Background())
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if result.Resources != 1 {
			t.Fatalf("expected 1 probed resource, got %d", result.Resources)
		}
		got, err := monitor.Get(context.Background(), "integration")
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		t.Logf("Health score %.0f, level %s", got.HealthScore, got.Level)
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func checkEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
