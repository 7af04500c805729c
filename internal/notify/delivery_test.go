package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name  string
		value string
		want  time.Duration
		ok    bool
	}{
		{name: "empty", value: ""},
		{name: "seconds", value: "3", want: 3 * time.Second, ok: true},
		{name: "zero seconds", value: "0"},
		{name: "http date", value: now.Add(2 * time.Second).Format(http.TimeFormat), want: 2 * time.Second, ok: true},
		{name: "past date", value: now.Add(-time.Minute).Format(http.TimeFormat)},
		{name: "garbage", value: "soon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tc.value, now)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("parseRetryAfter(%q) = %s, %v; want %s, %v", tc.value, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestRetryAfterBackOffUsesHintOnce(t *testing.T) {
	policy := &retryAfterBackOff{BackOff: backoff.NewConstantBackOff(5 * time.Millisecond)}
	policy.hint = time.Second

	if got := policy.NextBackOff(); got != time.Second {
		t.Fatalf("expected hinted wait, got %s", got)
	}
	if got := policy.NextBackOff(); got != 5*time.Millisecond {
		t.Fatalf("expected fallback to wrapped policy, got %s", got)
	}
}

func TestRetryAfterBackOffRespectsStop(t *testing.T) {
	policy := &retryAfterBackOff{BackOff: &backoff.StopBackOff{}, hint: time.Second}
	if got := policy.NextBackOff(); got != backoff.Stop {
		t.Fatalf("expected stop, got %s", got)
	}
}

func TestDelivererReportsFailingPart(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 2 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newDeliverer(zerolog.Nop(), "webhook", server.URL, deliveryTiming{
		requestTimeout: time.Second,
		perKeyEvery:    time.Millisecond,
		perKeyBurst:    1,
		retryInitial:   time.Millisecond,
		retryMax:       time.Millisecond,
		retryBudget:    10 * time.Millisecond,
	})

	err := d.deliver(context.Background(), "dep-1", []byte(`{}`), []byte(`{}`), []byte(`{}`))
	if err == nil {
		t.Fatalf("expected delivery error")
	}
	if err.Error() != "part 2/3: webhook responded 403" {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected delivery to stop after the failing part, got %d calls", got)
	}
}
