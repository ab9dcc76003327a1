// Package slaves manages the durable registry of remote executors: their
// persistence, the periodic health and version probing that gates
// assignment eligibility, remote command dispatch, and the staged
// bootstrap installer for new slave hosts.
package slaves
