package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const responseSnippetLimit = 1024

// deliveryTiming bounds how often one alert key may be delivered and how long
// a failing delivery keeps retrying.
type deliveryTiming struct {
	requestTimeout time.Duration
	perKeyEvery    time.Duration
	perKeyBurst    int
	retryInitial   time.Duration
	retryMax       time.Duration
	retryBudget    time.Duration
}

var defaultDeliveryTiming = deliveryTiming{
	requestTimeout: 10 * time.Second,
	perKeyEvery:    time.Second,
	perKeyBurst:    1,
	retryInitial:   time.Second,
	retryMax:       10 * time.Second,
	retryBudget:    30 * time.Second,
}

// deliveryError is a failed POST. Transport errors, 429 and 5xx responses are
// retryable; other statuses are final.
type deliveryError struct {
	target     string
	status     int
	snippet    string
	retryable  bool
	retryAfter time.Duration
	err        error
}

func (e *deliveryError) Error() string {
	switch {
	case e.err != nil:
		return fmt.Sprintf("%s request failed: %v", e.target, e.err)
	case e.snippet != "":
		return fmt.Sprintf("%s responded %d: %s", e.target, e.status, e.snippet)
	default:
		return fmt.Sprintf("%s responded %d", e.target, e.status)
	}
}

func (e *deliveryError) Unwrap() error {
	return e.err
}

// deliverer posts JSON payloads to one endpoint with a per-key rate limit and
// exponential retry.
type deliverer struct {
	logger zerolog.Logger
	target string
	url    string
	client *retryablehttp.Client
	timing deliveryTiming

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDeliverer(logger zerolog.Logger, target, url string, timing deliveryTiming) *deliverer {
	client := retryablehttp.NewClient()
	// Retries are driven by postWithRetry so Retry-After and the retry budget apply.
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.requestTimeout}

	return &deliverer{
		logger:   logger.With().Str("target", target).Logger(),
		target:   target,
		url:      url,
		client:   client,
		timing:   timing,
		limiters: make(map[string]*rate.Limiter),
	}
}

// deliver waits for key's rate budget, then posts each payload in order and
// stops at the first one that cannot be delivered.
func (d *deliverer) deliver(ctx context.Context, key string, payloads ...[]byte) error {
	if err := d.limiterFor(key).Wait(ctx); err != nil {
		return err
	}
	for i, payload := range payloads {
		if err := d.postWithRetry(ctx, payload); err != nil {
			if len(payloads) > 1 {
				return fmt.Errorf("part %d/%d: %w", i+1, len(payloads), err)
			}
			return err
		}
	}
	return nil
}

func (d *deliverer) limiterFor(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limiter, ok := d.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Every(d.timing.perKeyEvery), d.timing.perKeyBurst)
	d.limiters[key] = limiter
	return limiter
}

func (d *deliverer) postWithRetry(ctx context.Context, payload []byte) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.timing.retryInitial
	exp.MaxInterval = d.timing.retryMax
	exp.MaxElapsedTime = d.timing.retryBudget
	policy := &retryAfterBackOff{BackOff: exp}

	attempt := func() error {
		err := d.post(ctx, payload)
		if err == nil {
			return nil
		}
		var failed *deliveryError
		if !errors.As(err, &failed) || !failed.retryable {
			return backoff.Permanent(err)
		}
		policy.hint = failed.retryAfter
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		d.logger.Debug().Err(err).Dur("wait", wait).Msg("notification delivery failed; retrying")
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), onRetry)
}

func (d *deliverer) post(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.timing.requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", d.target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &deliveryError{target: d.target, retryable: true, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseSnippetLimit))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetLimit))
	failed := &deliveryError{
		target:  d.target,
		status:  resp.StatusCode,
		snippet: strings.TrimSpace(string(body)),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		failed.retryable = true
		failed.retryAfter, _ = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode >= http.StatusInternalServerError:
		failed.retryable = true
	}
	return failed
}

// retryAfterBackOff prefers a server-provided wait over the exponential
// interval while staying inside the wrapped policy's elapsed budget.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > 0 {
		next, b.hint = b.hint, 0
	}
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.BackOff.Reset()
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := when.Sub(now); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}
