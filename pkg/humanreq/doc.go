// Package humanreq is the durable queue of approval items surfaced when
// automation cannot proceed on its own: cost approvals, quarantined
// slaves, version drift. Items persist as an append-only JSON-lines file
// compacted on load; an injected notifier fans transitions out to
// whatever channel the operator wires in.
package humanreq
