// Package fileserver implements Component F, the File-Server Manager:
// on-demand per-user WebDAV pod lifecycle. The package runs no Job/Pod
// watch of its own; a Job's end is acted on when a caller invokes
// HandleJobTerminal.
package fileserver

import (
	"sync"
	"time"
)

// Status is one of the four file-server lifecycle states (spec.md §3).
type Status string

const (
	StatusAbsent      Status = "absent"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
)

// CreatedResource records one object created for a user's file-server
// set, so cleanup can proceed idempotently regardless of how far
// creation got.
type CreatedResource struct {
	Kind string
	Name string
}

// FileServerState is the per-user file-server record (spec.md §3).
type FileServerState struct {
	Mu sync.Mutex

	Username     string
	Status       Status
	JobName      string
	PodName      string
	LastActivity time.Time
	CreatedAt    time.Time
	Resources    []CreatedResource
	IngressValid bool // true once the Ingress has received an address
}

// Snapshot is the race-free, externally visible view.
type Snapshot struct {
	Username  string
	Status    Status
	CreatedAt time.Time
}

func (s *FileServerState) Snapshot() Snapshot {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return Snapshot{Username: s.Username, Status: s.Status, CreatedAt: s.CreatedAt}
}

// inCreationTimeoutWindow reports whether a state stuck in starting is
// still within the configured creation timeout, used by the reconcile
// sweep to decide whether it's a legitimate in-flight creation or an
// orphan.
func inCreationTimeoutWindow(createdAt time.Time, timeout time.Duration) bool {
	return time.Since(createdAt) < timeout
}
