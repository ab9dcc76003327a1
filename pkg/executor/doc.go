// Package executor implements the slave-side HTTP server: authenticated
// remote command execution with tiered backends (container, virtualenv,
// ambient interpreter), file upload, and health and version reporting.
package executor
