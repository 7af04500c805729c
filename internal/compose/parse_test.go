package compose

import (
	"context"
	"strings"
	"testing"

	"github.com/nholik/deployguard/internal/deploy"
)

func TestParseManifest_Basic(t *testing.T) {
	composeYAML := `
services:
  worker:
    image: busybox:latest
  web:
    image: nginx:1.23
    deploy:
      replicas: 3
  app:
    build: .
`

	m, err := ParseManifest(context.Background(), "My Shop", []byte(composeYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := make([]string, 0, len(m.Services))
	for _, svc := range m.Services {
		names = append(names, svc.Name)
		if svc.State != deploy.ServiceUnknown {
			t.Fatalf("service %s: expected unknown state, got %s", svc.Name, svc.State)
		}
	}
	if got, want := strings.Join(names, ","), "app,web,worker"; got != want {
		t.Fatalf("unexpected services: %s", got)
	}
	if m.Services[1].Image != "nginx:1.23" {
		t.Fatalf("unexpected web image: %q", m.Services[1].Image)
	}
	if m.Replicas["web"] != 3 || m.Replicas["worker"] != 1 || m.Replicas["app"] != 1 {
		t.Fatalf("unexpected replicas: %v", m.Replicas)
	}
	if len(m.Fingerprint) != 64 {
		t.Fatalf("unexpected fingerprint: %q", m.Fingerprint)
	}
}

func TestParseManifest_GlobalMode(t *testing.T) {
	composeYAML := `
services:
  agent:
    image: busybox:latest
    deploy:
      mode: global
`

	m, err := ParseManifest(context.Background(), "", []byte(composeYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Replicas["agent"] != 1 {
		t.Fatalf("unexpected replicas for global mode: %d", m.Replicas["agent"])
	}
}

func TestParseManifest_Empty(t *testing.T) {
	_, err := ParseManifest(context.Background(), "", nil)
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("expected empty body error, got %v", err)
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	_, err := ParseManifest(context.Background(), "", []byte("services: ["))
	if err == nil {
		t.Fatalf("expected error for invalid yaml")
	}
}

func TestParseManifest_NoServices(t *testing.T) {
	_, err := ParseManifest(context.Background(), "", []byte("services: {}"))
	if err == nil || !strings.Contains(err.Error(), "no services") {
		t.Fatalf("expected no services error, got %v", err)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	first, err := Fingerprint([]byte("services: {}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := Fingerprint([]byte("services: {}"))
	other, _ := Fingerprint([]byte("services: {web: {}}"))
	if first != second {
		t.Fatalf("expected identical fingerprints")
	}
	if first == other {
		t.Fatalf("expected different fingerprints for different content")
	}
	if _, err := Fingerprint(nil); err == nil {
		t.Fatalf("expected error for empty body")
	}
}
