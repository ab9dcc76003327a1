// Package api is the master's HTTP surface: worker registration,
// heartbeats, long-poll assignment delivery, result reports, task
// submission, and observability endpoints.
package api
