// Package lab implements Component E, the Lab Manager: the per-user lab
// state machine, manifest builders, and the create/delete/status/events/
// list operations, orchestrating the Kubernetes Adapter and the Progress
// Event Bus.
package lab

import (
	"context"
	"sync"
	"time"

	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/images"
)

// Status is one of the five lab lifecycle states (spec.md §3/§4.E).
type Status string

const (
	StatusAbsent      Status = "absent"
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusFailed      Status = "failed"
)

// ImageChoice mirrors images.ImageChoice without requiring callers of
// this package to import pkg/images directly for request decoding.
type ImageChoice = images.ImageChoice

// Options carries the per-request spawn options (spec.md §6 POST body).
type Options struct {
	Env          map[string]string
	Debug        bool
	ResetUserEnv bool
}

// Request is the full input to create (spec.md §4.E create(user, request):
// "user identity + {image_choice, size, options}"). Identity is the
// identity-service user record; this package only consumes it.
type Request struct {
	Identity UserIdentity
	Image    ImageChoice
	Size     string
	Options  Options
}

// ResolvedSize is the chosen size's computed resource figures (spec.md
// §6: CPU_LIMIT, MEM_LIMIT, CPU_GUARANTEE, MEM_GUARANTEE).
type ResolvedSize struct {
	Name          string
	CPULimit      float64
	CPUGuarantee  float64
	MemLimitBytes int64
	MemGuarBytes  int64
}

// CreatedResource records one object created for a user's lab, in
// creation order, so deletion (or a failed-creation cleanup) can proceed
// idempotently regardless of how far the creation protocol got.
type CreatedResource struct {
	Kind string
	Name string
}

// UserLabState is the per-user lab record (spec.md §3). Every field
// mutation happens under Mu; readers of a snapshot should call Snapshot
// rather than touching fields directly from another goroutine.
type UserLabState struct {
	Mu sync.Mutex

	Username  string
	Status    Status
	Image     images.RSPImage
	Size      ResolvedSize
	Options   Options
	Identity  UserIdentity
	Namespace string
	PodUID    string
	StartedAt time.Time
	Resources []CreatedResource
	LastError string

	bus    *events.Bus
	cancel context.CancelFunc // cancels any in-flight creation task
}

// Snapshot is the race-free, externally visible view of a UserLabState,
// returned by status(user) and list() (spec.md §6 GET /labs/{user}:
// status, pod_info, resources, image, size, options, quota, started_at).
type Snapshot struct {
	Username      string
	Status        Status
	Image         images.RSPImage
	Size          ResolvedSize
	Options       Options
	Resources     []CreatedResource
	QuotaMemBytes int64
	Namespace     string
	PodUID        string
	StartedAt     time.Time
	LastError     string
}

// Snapshot copies out a race-free view under the per-user lock.
func (s *UserLabState) Snapshot() Snapshot {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return Snapshot{
		Username:      s.Username,
		Status:        s.Status,
		Image:         s.Image,
		Size:          s.Size,
		Options:       s.Options,
		Resources:     append([]CreatedResource(nil), s.Resources...),
		QuotaMemBytes: s.Identity.QuotaMemBytes,
		Namespace:     s.Namespace,
		PodUID:        s.PodUID,
		StartedAt:     s.StartedAt,
		LastError:     s.LastError,
	}
}

// transitionErr names the sentinel errors returned by the state machine's
// guard checks, matching spec.md §4.E's documented error set.
type transitionErr string

func (e transitionErr) Error() string { return string(e) }

const (
	ErrAlreadyExists transitionErr = "lab already exists for this user"
	ErrConflict      transitionErr = "lab is terminating; retry after teardown completes"
	ErrNotFound      transitionErr = "no lab exists for this user"
)

// canCreate reports whether a create() call is legal from the current
// status, per the state diagram in spec.md §4.E: pending is exclusive
// (AlreadyExists), terminating is exclusive (Conflict), failed blocks new
// creates until explicitly deleted.
func canCreate(s Status) error {
	switch s {
	case StatusAbsent:
		return nil
	case StatusPending:
		return ErrAlreadyExists
	case StatusTerminating:
		return ErrConflict
	case StatusRunning:
		return ErrAlreadyExists
	case StatusFailed:
		return ErrAlreadyExists
	default:
		return ErrAlreadyExists
	}
}

// canDelete reports whether delete() is legal: delete is idempotent
// against absent, and allowed from every other state (including pending,
// which cancels in-flight creation, and failed, which is "present but
// broken").
func canDelete(s Status) bool {
	return s != StatusAbsent
}
