package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = retryConfig{initial: time.Millisecond, max: 5 * time.Millisecond, maxElapsed: 200 * time.Millisecond}

func newTestCaller(t *testing.T, url string, opts ...Option) *HTTPCaller {
	t.Helper()
	opts = append(opts, withRetry(fastRetry))
	c, err := NewHTTPCaller(zerolog.Nop(), url, time.Second, opts...)
	require.NoError(t, err)
	return c
}

func TestHTTPCallerSuccess(t *testing.T) {
	var got envelope
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true,"result":{"server_id":"srv-1","ip":"10.0.0.2"}}`))
	}))
	defer srv.Close()

	c := newTestCaller(t, srv.URL, WithDefaultToken("default"))
	res, err := c.Call(context.Background(), ServiceInfrastructure, "provision_server", map[string]any{"region": "fra1"}, "tok")

	require.NoError(t, err)
	assert.Equal(t, "srv-1", res.String("server_id"))
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, ServiceInfrastructure, got.Service)
	assert.Equal(t, "provision_server", got.Operation)
	assert.Equal(t, "fra1", got.Args["region"])
}

func TestHTTPCallerDefaultToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	res, err := newTestCaller(t, srv.URL, WithDefaultToken("default")).Call(context.Background(), "s", "o", nil, "")
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, "Bearer default", auth)
}

func TestHTTPCallerOperationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"E: Could not get lock /var/lib/dpkg/lock-frontend"}`))
	}))
	defer srv.Close()

	_, err := newTestCaller(t, srv.URL).Call(context.Background(), ServiceDeployment, "execute_deployment", nil, "")

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "E: Could not get lock /var/lib/dpkg/lock-frontend", err.Error())
	assert.Equal(t, ServiceDeployment, opErr.Service)
}

func TestHTTPCallerRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	res, err := newTestCaller(t, srv.URL).Call(context.Background(), "s", "o", nil, "")
	require.NoError(t, err)
	assert.True(t, res.Bool("ok"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPCallerClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestCaller(t, srv.URL).Call(context.Background(), "s", "o", nil, "")

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPCallerGivesUpAfterBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestCaller(t, srv.URL).Call(context.Background(), "s", "o", nil, "")

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Contains(t, err.Error(), "503")
}

func TestNewHTTPCallerValidates(t *testing.T) {
	_, err := NewHTTPCaller(zerolog.Nop(), "not a url", time.Second)
	require.Error(t, err)
	_, err = NewHTTPCaller(zerolog.Nop(), "http://gateway", 0)
	require.Error(t, err)
}

func TestScriptedRepeatsLastReply(t *testing.T) {
	s := NewScripted().On("infrastructure", "provision_server",
		Fail("infrastructure", "provision_server", "boom"),
		OK(Result{"server_id": "srv-2"}),
	)
	ctx := context.Background()

	_, err := s.Call(ctx, "infrastructure", "provision_server", nil, "")
	require.Error(t, err)
	for i := 0; i < 2; i++ {
		res, err := s.Call(ctx, "infrastructure", "provision_server", nil, "")
		require.NoError(t, err)
		assert.Equal(t, "srv-2", res.String("server_id"))
	}
	res, err := s.Call(ctx, "credentials", "test_connection", nil, "")
	require.NoError(t, err)
	assert.Empty(t, res)

	assert.Equal(t, 3, s.Count("infrastructure", "provision_server"))
	assert.Len(t, s.Calls(), 4)
}

func TestResultDecode(t *testing.T) {
	var out struct {
		Resources []struct {
			ID string `json:"id"`
		} `json:"resources"`
	}
	r := Result{"resources": []any{map[string]any{"id": "r1"}}}
	require.NoError(t, r.Decode(&out))
	require.Len(t, out.Resources, 1)
	assert.Equal(t, "r1", out.Resources[0].ID)
}

func TestCallErrorUnwraps(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := error(&CallError{Service: "s", Operation: "o", Err: base})
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "s.o: dial tcp: refused", err.Error())
}
