// Package supervisor keeps the master's component processes alive: it
// owns the single-instance lockfile, starts children with a stagger,
// restarts crashed ones under a bounded budget, and tears everything
// down gracefully on shutdown signals.
package supervisor
