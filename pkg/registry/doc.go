// Package registry tracks local workers attached to the master: their
// registration, heartbeats, capability sets, and the long-poll hand-off
// channel the orchestrator uses to deliver assignments.
package registry
