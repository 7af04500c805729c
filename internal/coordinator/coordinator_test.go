package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/deployguard/internal/config"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/healthcheck"
	"github.com/nholik/deployguard/internal/status"
	"github.com/nholik/deployguard/internal/store"
	"github.com/rs/zerolog"
)

type fakeMonitor struct {
	reconciles int32
	scans      int32
}

func (f *fakeMonitor) Reconcile(context.Context) (status.CycleResult, error) {
	atomic.AddInt32(&f.reconciles, 1)
	return status.CycleResult{Deployments: 2}, nil
}

func (f *fakeMonitor) DetectZombies(context.Context) ([]deploy.ZombieCandidate, error) {
	atomic.AddInt32(&f.scans, 1)
	return nil, nil
}

type fakeService struct {
	started int32
	stopped int32
}

func (s *fakeService) Run(ctx context.Context) error {
	atomic.AddInt32(&s.started, 1)
	<-ctx.Done()
	atomic.AddInt32(&s.stopped, 1)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		HealthInterval: 50 * time.Millisecond,
		ZombieInterval: 50 * time.Millisecond,
	}
}

func TestCoordinator_RunsBothLoops(t *testing.T) {
	monitor := &fakeMonitor{}
	tracker := healthcheck.NewTracker()

	coord := New(zerolog.Nop(), testConfig(), monitor, WithTracker(tracker))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := coord.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runners := coord.GetRunners()
	if len(runners) != 2 {
		t.Fatalf("expected 2 runners, got %d", len(runners))
	}
	for _, name := range []string{"health", "zombie"} {
		if _, ok := runners[name]; !ok {
			t.Fatalf("expected %s runner", name)
		}
	}

	if atomic.LoadInt32(&monitor.reconciles) == 0 {
		t.Fatal("expected at least one reconciliation")
	}
	if atomic.LoadInt32(&monitor.scans) == 0 {
		t.Fatal("expected at least one zombie scan")
	}
	if !tracker.Ready() {
		t.Fatal("expected tracker to be ready after a reconciliation")
	}
	if got := tracker.Snapshot().DeploymentsChecked; got != 2 {
		t.Fatalf("expected 2 deployments checked, got %d", got)
	}
}

func TestCoordinator_RunsServices(t *testing.T) {
	svc := &fakeService{}
	coord := New(zerolog.Nop(), testConfig(), &fakeMonitor{}, WithService("notify", svc), WithService("nil", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := coord.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&svc.started) != 1 || atomic.LoadInt32(&svc.stopped) != 1 {
		t.Fatalf("expected service to start and stop once, got %d/%d", svc.started, svc.stopped)
	}
}

func TestCoordinator_ZeroIntervalFails(t *testing.T) {
	cfg := testConfig()
	cfg.ZombieInterval = 0
	coord := New(zerolog.Nop(), cfg, &fakeMonitor{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- coord.Run(ctx)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error for zero zombie interval")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after runner failure")
	}
}

func TestCoordinator_GracefulShutdown(t *testing.T) {
	monitor := status.New(zerolog.Nop(), store.NewMemory())
	coord := New(zerolog.Nop(), testConfig(), monitor)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- coord.Run(ctx)
	}()

	// Let runners start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("coordinator did not stop after context cancellation")
	}
}
