package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
)

const (
	// maxErrorBody bounds how much of an error response is carried in the
	// returned Error.
	maxErrorBody = 4 << 10
)

// Config tunes the client. Zero values fall back to the documented defaults.
type Config struct {
	RequestTimeout   time.Duration // default 30s
	MaxAttempts      int           // default 3
	BackoffBase      time.Duration // default 2s, doubled per attempt
	BackoffCap       time.Duration // default 30s
	CircuitThreshold int           // default 5 consecutive failures
	CircuitCooldown  time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 60 * time.Second
	}
	return c
}

// Client is an HTTP client with retry, exponential backoff, and a circuit
// breaker keyed by host:port. It returns a single terminal outcome per
// call; retries never leak to the caller.
type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewClient creates a client with the given config.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg: cfg,
		http: &http.Client{
			// Per-request deadlines come from the request context; failed
			// deadlines must not reuse the connection.
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breakers: make(map[string]*breaker),
	}
}

// Get performs a GET with retries and breaker protection.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, headers, nil, 0)
}

// Post performs a POST with retries and breaker protection. A positive
// timeoutOverride replaces the configured per-request timeout for this call
// (long-running installs use this).
func (c *Client) Post(ctx context.Context, rawURL string, headers map[string]string, body []byte, timeoutOverride time.Duration) ([]byte, error) {
	return c.do(ctx, http.MethodPost, rawURL, headers, body, timeoutOverride)
}

// Reset closes the circuit for a host:port; operator use.
func (c *Client) Reset(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		b.reset()
		logger := log.WithComponent("transport")
		logger.Info().Str("host", host).Msg("circuit reset by operator")
	}
}

// CircuitState returns the current breaker state for a host:port.
func (c *Client) CircuitState(host string) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b.currentState()
	}
	return CircuitClosed
}

func (c *Client) breakerFor(host string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = newBreaker(c.cfg.CircuitThreshold, c.cfg.CircuitCooldown)
		c.breakers[host] = b
	}
	return b
}

func (c *Client) do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, timeoutOverride time.Duration) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindConnectionFailed, Err: err}
	}
	host := u.Host
	b := c.breakerFor(host)
	logger := log.WithComponent("transport")

	if !b.allow(time.Now()) {
		metrics.TransportCircuitRejections.Inc()
		return nil, &Error{Kind: KindCircuitOpen, Host: host}
	}

	timeout := c.cfg.RequestTimeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}

	var lastErr *Error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			// base * 2^(attempt-1), capped.
			delay := c.cfg.BackoffBase << (attempt - 2)
			if delay > c.cfg.BackoffCap {
				delay = c.cfg.BackoffCap
			}
			metrics.TransportRetries.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &Error{Kind: KindTimeout, Host: host, Err: ctx.Err()}
			}
		}

		data, attemptErr := c.attempt(ctx, method, rawURL, headers, body, timeout)
		if attemptErr == nil {
			if from := b.recordSuccess(); from != CircuitClosed {
				logger.Info().Str("host", host).Str("from", from.String()).Msg("circuit closed")
				metrics.CircuitTransitions.WithLabelValues("closed").Inc()
			}
			return data, nil
		}

		attemptErr.Host = host
		lastErr = attemptErr
		logger.Warn().
			Str("host", host).
			Int("attempt", attempt).
			Str("kind", string(attemptErr.Kind)).
			Msg("request attempt failed")

		if !IsRetryable(attemptErr) {
			// 4xx and friends: terminal, and not a host-liveness signal.
			return nil, attemptErr
		}
	}

	// One consecutive-failure tick per exhausted call, not per attempt;
	// otherwise a single slow dispatch could trip the breaker alone.
	if opened := b.recordFailure(time.Now()); opened {
		logger.Warn().Str("host", host).Msg("circuit opened")
		metrics.CircuitTransitions.WithLabelValues("open").Inc()
	}
	return nil, &Error{Kind: KindExhausted, Host: host, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, headers map[string]string, body []byte, timeout time.Duration) ([]byte, *Error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return nil, &Error{Kind: KindConnectionFailed, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			// Do not reuse a connection whose deadline expired.
			c.http.CloseIdleConnections()
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, &Error{Kind: KindConnectionFailed, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnectionFailed, Err: err}
	}

	if resp.StatusCode >= 400 {
		trimmed := data
		if len(trimmed) > maxErrorBody {
			trimmed = trimmed[:maxErrorBody]
		}
		return nil, &Error{Kind: KindHTTPError, Status: resp.StatusCode, Body: string(trimmed)}
	}

	return data, nil
}
