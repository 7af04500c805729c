package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/metrics"
)

func TestPlanSharesPort(t *testing.T) {
	listeners := plan(Options{
		HealthPort:     9000,
		MetricsPort:    9000,
		HealthInterval: time.Minute,
		Tracker:        healthcheck.NewTracker(),
		Metrics:        metrics.New(),
	})
	if len(listeners) != 1 {
		t.Fatalf("expected one shared listener, got %d", len(listeners))
	}
	if got := listeners[0].labels; len(got) != 2 || got[0] != "health" || got[1] != "metrics" {
		t.Fatalf("unexpected labels: %v", got)
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		listeners[0].mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code == http.StatusNotFound {
			t.Fatalf("expected %s to be routed", path)
		}
	}
}

func TestPlanSeparatePorts(t *testing.T) {
	listeners := plan(Options{
		HealthPort:  9001,
		MetricsPort: 9000,
		Metrics:     metrics.New(),
	})
	if len(listeners) != 2 {
		t.Fatalf("expected two listeners, got %d", len(listeners))
	}
	if listeners[0].port != 9000 || listeners[1].port != 9001 {
		t.Fatalf("expected listeners ordered by port, got %d and %d", listeners[0].port, listeners[1].port)
	}

	rec := httptest.NewRecorder()
	listeners[0].mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics listener must not serve /healthz, got %d", rec.Code)
	}
}

func TestPlanSkipsDisabledEndpoints(t *testing.T) {
	if got := plan(Options{}); len(got) != 0 {
		t.Fatalf("expected no listeners, got %d", len(got))
	}
	if got := plan(Options{MetricsPort: 9000}); len(got) != 0 {
		t.Fatalf("metrics without a collector must not start a listener, got %d", len(got))
	}
}
