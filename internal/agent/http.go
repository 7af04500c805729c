package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const responseBodyLimit = 4 << 20

type retryConfig struct {
	initial    time.Duration
	max        time.Duration
	maxElapsed time.Duration
}

var defaultRetry = retryConfig{
	initial:    500 * time.Millisecond,
	max:        5 * time.Second,
	maxElapsed: 30 * time.Second,
}

type envelope struct {
	Service   string         `json:"service"`
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args"`
}

type response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// HTTPCaller posts operations to an agent gateway as JSON envelopes.
type HTTPCaller struct {
	logger  zerolog.Logger
	url     string
	token   string
	timeout time.Duration
	client  *retryablehttp.Client
	retry   retryConfig
}

// Option configures an HTTPCaller.
type Option func(*HTTPCaller)

// WithDefaultToken sets the bearer token used when a call passes none.
func WithDefaultToken(token string) Option {
	return func(c *HTTPCaller) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPCaller) {
		if client != nil {
			c.client.HTTPClient = client
		}
	}
}

func withRetry(retry retryConfig) Option {
	return func(c *HTTPCaller) {
		c.retry = retry
	}
}

// NewHTTPCaller returns a caller for the gateway at rawURL.
func NewHTTPCaller(logger zerolog.Logger, rawURL string, timeout time.Duration, opts ...Option) (*HTTPCaller, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid agent url %q", rawURL)
	}
	if timeout <= 0 {
		return nil, errors.New("agent timeout must be positive")
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timeout}

	c := &HTTPCaller{
		logger:  logger.With().Str("component", "agent").Logger(),
		url:     parsed.String(),
		timeout: timeout,
		client:  client,
		retry:   defaultRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Call implements Caller. Transport failures and 5xx responses are retried with
// exponential backoff; a response with success=false is returned as *OperationError.
func (c *HTTPCaller) Call(ctx context.Context, service, operation string, args map[string]any, authToken string) (Result, error) {
	payload, err := json.Marshal(envelope{Service: service, Operation: operation, Args: args})
	if err != nil {
		return nil, &CallError{Service: service, Operation: operation, Err: fmt.Errorf("encode args: %w", err)}
	}
	if authToken == "" {
		authToken = c.token
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.initial
	policy.MaxInterval = c.retry.max
	policy.MaxElapsedTime = c.retry.maxElapsed

	var resp response
	attempt := 0
	op := func() error {
		attempt++
		r, err := c.post(ctx, payload, authToken)
		if err != nil {
			c.logger.Debug().Err(err).Str("service", service).Str("operation", operation).Int("attempt", attempt).Msg("agent call failed")
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, &CallError{Service: service, Operation: operation, Err: err}
	}

	if !resp.Success {
		return nil, &OperationError{Service: service, Operation: operation, Message: resp.Error}
	}

	result := Result{}
	if len(resp.Result) > 0 && string(resp.Result) != "null" {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, &CallError{Service: service, Operation: operation, Err: fmt.Errorf("decode result: %w", err)}
		}
	}
	return result, nil
}

func (c *HTTPCaller) post(ctx context.Context, payload []byte, token string) (response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return response{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return response{}, backoff.Permanent(ctx.Err())
		}
		return response{}, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, responseBodyLimit))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= http.StatusInternalServerError:
		return response{}, fmt.Errorf("gateway returned %s", httpResp.Status)
	case httpResp.StatusCode < 200 || httpResp.StatusCode >= 300:
		var r response
		if json.Unmarshal(body, &r) == nil && r.Error != "" {
			return r, nil
		}
		return response{}, backoff.Permanent(fmt.Errorf("gateway returned %s: %s", httpResp.Status, strings.TrimSpace(string(body))))
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return response{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return r, nil
}
