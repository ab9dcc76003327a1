package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		RequestTimeout:   2 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      5 * time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
		CircuitThreshold: 5,
		CircuitCooldown:  100 * time.Millisecond,
	}
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(fastConfig())
	data, err := c.Get(context.Background(), srv.URL, map[string]string{"Authorization": "Bearer tok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(fastConfig())
	data, err := c.Post(context.Background(), srv.URL, nil, []byte(`{}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(fastConfig())
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindHTTPError, te.Kind)
	assert.Equal(t, http.StatusUnauthorized, te.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExhaustedAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(fastConfig())
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindExhausted, te.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSingleAttemptWhenMaxAttemptsIsOne(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	c := NewClient(cfg)

	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Failures are still counted toward the breaker.
	b := c.breakerFor(hostOf(t, srv.URL))
	b.mu.Lock()
	count := b.failureCount
	b.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	c := NewClient(cfg)
	host := hostOf(t, srv.URL)

	// Five exhausted calls open the circuit.
	for i := 0; i < 5; i++ {
		_, err := c.Get(context.Background(), srv.URL, nil)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, c.CircuitState(host))

	// While open: fail fast, no I/O.
	srv.Close()
	_, err := c.Get(context.Background(), srv.URL, nil)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.CircuitThreshold = 2
	cfg.CircuitCooldown = 30 * time.Millisecond
	c := NewClient(cfg)
	host := hostOf(t, srv.URL)

	for i := 0; i < 2; i++ {
		c.Get(context.Background(), srv.URL, nil)
	}
	require.Equal(t, CircuitOpen, c.CircuitState(host))

	// After the cooldown the next call is the half-open trial.
	healthy.Store(true)
	time.Sleep(50 * time.Millisecond)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, c.CircuitState(host))
}

func TestHalfOpenTrialReopensOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.CircuitThreshold = 2
	cfg.CircuitCooldown = 30 * time.Millisecond
	c := NewClient(cfg)
	host := hostOf(t, srv.URL)

	for i := 0; i < 2; i++ {
		c.Get(context.Background(), srv.URL, nil)
	}
	require.Equal(t, CircuitOpen, c.CircuitState(host))

	time.Sleep(50 * time.Millisecond)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, c.CircuitState(host))

	// Re-opened with a fresh cooldown: immediately rejected again.
	_, err = c.Get(context.Background(), srv.URL, nil)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}

func TestResetClosesCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	c := NewClient(cfg)
	host := hostOf(t, srv.URL)

	b := c.breakerFor(host)
	b.recordFailure(time.Now())
	for i := 0; i < 5; i++ {
		b.recordFailure(time.Now())
	}
	require.Equal(t, CircuitOpen, c.CircuitState(host))

	c.Reset(host)
	assert.Equal(t, CircuitClosed, c.CircuitState(host))

	_, err := c.Get(context.Background(), srv.URL, nil)
	assert.NoError(t, err)
}

func TestConnectionRefused(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	c := NewClient(cfg)

	// Reserved port with nothing listening.
	_, err := c.Get(context.Background(), "http://127.0.0.1:1/none", nil)
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindExhausted, te.Kind)
}

func TestTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.RequestTimeout = 20 * time.Millisecond
	c := NewClient(cfg)

	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KindExhausted, te.Kind)
	var inner *Error
	require.True(t, errors.As(te.Err, &inner))
	assert.Equal(t, KindTimeout, inner.Kind)
}
