// Package orchestrator is the scheduling core of the master: a single
// assignment loop placing queued tasks onto idle local workers or healthy
// remote slaves, a timeout sweep reclaiming stuck assignments, a liveness
// scan expiring silent workers, and per-task completion handles resolved
// exactly once.
package orchestrator
