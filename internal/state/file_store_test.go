package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/rs/zerolog"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := State{
		Deployments: map[string]DeploymentSnapshot{
			"dep-a": {
				Level:             deploy.LevelDegraded,
				LastNotifiedLevel: deploy.LevelDegraded,
				Score:             40,
				Resources:         map[string]deploy.Level{"srv-1": deploy.LevelDegraded},
				EvaluatedAt:       now,
			},
			"dep-b": {
				Level:       deploy.LevelHealthy,
				Score:       100,
				EvaluatedAt: now.Add(time.Minute),
			},
		},
	}

	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if len(got.Deployments) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(got.Deployments))
	}
	a := got.Deployments["dep-a"]
	if a.Level != deploy.LevelDegraded || a.Score != 40 {
		t.Fatalf("unexpected dep-a snapshot: %+v", a)
	}
	if a.Resources["srv-1"] != deploy.LevelDegraded {
		t.Fatalf("unexpected resource level: %s", a.Resources["srv-1"])
	}
	if !a.EvaluatedAt.Equal(now) {
		t.Fatalf("unexpected evaluated time: %s", a.EvaluatedAt)
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), zerolog.Nop())

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got.Deployments == nil || len(got.Deployments) != 0 {
		t.Fatalf("expected empty state, got %v", got.Deployments)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	got, err := NewFileStore(path, zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(got.Deployments) != 0 {
		t.Fatalf("expected empty state, got %v", got.Deployments)
	}
}

func TestFileStoreCreatesNestedDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := store.Save(context.Background(), State{}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected state file: %v", err)
	}
}

func TestFileStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())

	if err := store.Save(ctx, State{}); err == nil {
		t.Fatal("expected save to fail on cancelled context")
	}
	if _, err := store.Load(ctx); err == nil {
		t.Fatal("expected load to fail on cancelled context")
	}
}

func TestMemoryStoreCopiesOnLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, State{Deployments: map[string]DeploymentSnapshot{"d": {Level: deploy.LevelWarning}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded.Deployments["other"] = DeploymentSnapshot{}

	again, _ := store.Load(ctx)
	if len(again.Deployments) != 1 {
		t.Fatalf("expected stored state to be unaffected, got %d entries", len(again.Deployments))
	}
}

func TestFileStoreStampsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())

	if err := store.Save(context.Background(), State{}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got.Version != SchemaVersion {
		t.Fatalf("expected version %d, got %d", SchemaVersion, got.Version)
	}
}

func TestFileStoreIgnoresNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	body := []byte(`{"version": 99, "deployments": {"dep-a": {"level": "critical", "score": 10}}}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}

	got, err := NewFileStore(path, zerolog.Nop()).Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(got.Deployments) != 0 {
		t.Fatalf("expected newer schema to be ignored, got %v", got.Deployments)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "state.json"), zerolog.Nop())
	for i := 0; i < 3; i++ {
		if err := store.Save(context.Background(), State{}); err != nil {
			t.Fatalf("save state: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the state file, got %d entries", len(entries))
	}
}
