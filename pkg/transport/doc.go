/*
Package transport provides the robust HTTP client used for all master-to-slave
communication.

Every call wraps GET/POST with:

  - a per-request timeout (default 30s, overridable per call)
  - bounded retries (default 3 attempts) with exponential backoff
    (base 2s, doubled per attempt, capped at 30s)
  - a circuit breaker keyed by host:port

Connection errors, timeouts and 5xx responses are retried; 4xx responses are
not. One consecutive-failure tick is recorded per exhausted call; after the
threshold (default 5) the circuit opens and calls fail fast with
ErrCircuitOpen for the cooldown (default 60s). The first call after the
cooldown is the half-open trial: success closes the circuit, failure re-opens
it with a fresh cooldown.

Callers receive exactly one terminal outcome per call, drawn from the
taxonomy in errors.go: Timeout, ConnectionFailed, CircuitOpen,
HTTPError(status, body), TransportExhausted(last error).
*/
package transport
