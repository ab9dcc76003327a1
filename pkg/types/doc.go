/*
Package types defines the shared data structures used across Hive components.

Ownership rules:

  - pkg/queue exclusively owns Task objects; other components hold id
    references only.
  - pkg/registry exclusively owns Worker records; pkg/slaves exclusively owns
    Slave records. The orchestrator borrows read access; updates go through
    each registry's API under its own lock.
  - pkg/supervisor exclusively owns SupervisedProcess handles.
  - pkg/humanreq exclusively owns HumanRequest records; notifiers receive
    opaque snapshots.

State machines:

	Task:         Pending -> Assigned -> (Completed | Failed | Pending)
	Worker:       Idle <-> Busy, either -> Offline on heartbeat loss
	Slave:        Unknown | Healthy | Unhealthy | VersionMismatch
	HumanRequest: Pending -> Approved|Rejected|Cancelled, Approved -> Completed|Cancelled

Task payloads and results are opaque json.RawMessage blobs; typed variants
belong to the producer layer.
*/
package types
