// Package storage persists terminal task records to a local BoltDB
// archive so completed and failed work survives master restarts and can
// be inspected from the status CLI.
package storage
