package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxBytes int64 = 5 << 20
	defaultRetries        = 2
)

// Fetcher retrieves a compose file published at a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher retrieves compose files over HTTP. Server errors and transport
// failures are retried with exponential backoff; other statuses are not.
type HTTPFetcher struct {
	client     *http.Client
	maxBytes   int64
	maxRetries uint64
	initial    time.Duration
}

// NewHTTPFetcher constructs an HTTPFetcher with the given timeout and body limit.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) (*HTTPFetcher, error) {
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &HTTPFetcher{
		client:     &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		maxRetries: defaultRetries,
		initial:    200 * time.Millisecond,
	}, nil
}

// Fetch downloads the compose file at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("compose url must not be empty")
	}

	var body []byte
	op := func() error {
		b, err := f.fetchOnce(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, f.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(fmt.Errorf("fetch compose: %w", err))
		}
		return nil, fmt.Errorf("fetch compose: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status: %s", resp.Status))
	}

	body, err := readWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if len(body) == 0 {
		return nil, backoff.Permanent(errors.New("compose body is empty"))
	}
	return body, nil
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read compose: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("compose body exceeds %d bytes", maxBytes)
	}
	return body, nil
}
