package lab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/images"
	"github.com/lsst-sqre/nublado/pkg/k8s"
	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

// ImageResolver is the narrow slice of the Image Service the Lab Manager
// needs: resolving a request's image choice against the current catalog.
type ImageResolver interface {
	Resolve(choice images.ImageChoice) (images.RSPImage, bool)
}

// Manager is Component E, the Lab Manager. It owns the full map of
// UserLabState, guarded by a top-level mutex for insert/remove and a
// per-entry mutex for mutation (spec.md §5 "Shared resources").
type Manager struct {
	cfg    config.LabSettings
	client k8s.Client
	images ImageResolver
	busReg *events.Registry
	log    logr.Logger

	mapMu sync.Mutex
	users map[string]*UserLabState
}

// NewManager constructs an empty Manager.
func NewManager(cfg config.LabSettings, client k8s.Client, imageResolver ImageResolver, busReg *events.Registry, log logr.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		client: client,
		images: imageResolver,
		busReg: busReg,
		log:    log,
		users:  make(map[string]*UserLabState),
	}
}

// lookupOrInsert finds the user's state, inserting an absent one if
// missing, entirely inside the single top-level critical section — this
// is the "double-insert audit" resolution (SPEC_FULL.md): one lock
// acquisition covers both the lookup and the insert, so two concurrent
// create(user) calls can never both observe "missing" and both insert.
func (m *Manager) lookupOrInsert(username string) *UserLabState {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	u, ok := m.users[username]
	if !ok {
		u = &UserLabState{Username: username, Status: StatusAbsent, bus: m.busReg.BusFor(username)}
		m.users[username] = u
	}
	return u
}

// Create implements create(user, request) (spec.md §4.E). It validates,
// transitions absent -> pending, and launches the background creation
// protocol, returning immediately.
func (m *Manager) Create(ctx context.Context, username string, req Request) error {
	if req.Identity.Forbidden {
		return fmt.Errorf("%w: identity service denies %s permission to spawn a lab", apierrors.ErrAuthorization, username)
	}
	img, ok := m.images.Resolve(req.Image)
	if !ok {
		return fmt.Errorf("%w: image choice did not resolve to a known image", apierrors.ErrImageUnknown)
	}
	size, err := m.resolveSize(req.Size, img, req.Identity)
	if err != nil {
		return err
	}

	u := m.lookupOrInsert(username)
	u.Mu.Lock()
	if err := canCreate(u.Status); err != nil {
		u.Mu.Unlock()
		return err
	}
	u.Status = StatusPending
	u.Image = img
	u.Size = size
	u.Options = req.Options
	u.Identity = req.Identity
	u.Identity.Name = username
	u.Namespace = labNamespaceName(m.cfg.NamespacePrefix, username)
	u.Resources = nil
	u.LastError = ""

	taskCtx, cancel := context.WithTimeout(context.Background(), m.cfg.SpawnTimeout)
	u.cancel = cancel
	u.Mu.Unlock()

	requestID := uuid.New().String()
	m.log.Info("lab creation requested", "user", username, "request_id", requestID, "size", size.Name)
	go m.runCreation(taskCtx, u, requestID)
	return nil
}

// resolveSize looks up the named size and checks it against the user's
// quota (spec.md §4.E "Size selection"). One lab per user, so quota
// comparison is simply the size's own memory limit against QuotaMemBytes
// when a quota is configured. This runs before the absent->pending
// transition, so a quota-exceeded size is rejected before any Kubernetes
// write (spec.md §5 boundary properties).
func (m *Manager) resolveSize(name string, img images.RSPImage, identity UserIdentity) (ResolvedSize, error) {
	sz, ok := m.cfg.Sizes[name]
	if !ok {
		return ResolvedSize{}, fmt.Errorf("%w: unknown size %q", apierrors.ErrValidation, name)
	}
	resolved := ResolvedSize{
		Name:          name,
		CPULimit:      sz.CPULimit,
		CPUGuarantee:  sz.CPULimit * sz.CPUFraction,
		MemLimitBytes: sz.MemLimit,
		MemGuarBytes:  int64(float64(sz.MemLimit) * sz.MemFraction),
	}
	if identity.QuotaMemBytes > 0 && resolved.MemLimitBytes > identity.QuotaMemBytes {
		return ResolvedSize{}, fmt.Errorf("%w: size %q needs %d bytes, quota allows %d", apierrors.ErrQuotaExceeded, name, resolved.MemLimitBytes, identity.QuotaMemBytes)
	}
	return resolved, nil
}

// Delete implements delete(user): transitions any non-absent state to
// terminating then absent. Idempotent against absent.
func (m *Manager) Delete(ctx context.Context, username string) error {
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return nil // delete is idempotent; spec.md marks NotFound optional
	}

	u.Mu.Lock()
	if !canDelete(u.Status) {
		u.Mu.Unlock()
		return nil
	}
	if u.cancel != nil {
		u.cancel() // cancel any in-flight creation task
	}
	u.Status = StatusTerminating
	ns := u.Namespace
	u.Mu.Unlock()

	go m.runDeletion(context.Background(), u, ns)
	return nil
}

// Status implements status(user).
func (m *Manager) Status(username string) (Snapshot, error) {
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return u.Snapshot(), nil
}

// Events implements events(user): a lazy subscription starting from
// afterID (0 replays everything buffered).
func (m *Manager) Events(username string, afterID uint64) (*events.Subscription, error) {
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return u.bus.Subscribe(afterID), nil
}

// List implements list(): every known user with their current status.
func (m *Manager) List() []Snapshot {
	m.mapMu.Lock()
	users := make([]*UserLabState, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mapMu.Unlock()

	out := make([]Snapshot, 0, len(users))
	for _, u := range users {
		out = append(out, u.Snapshot())
	}
	return out
}

func (m *Manager) emit(u *UserLabState, kind events.EventKind, msg string, percent int, ready bool) {
	_ = ready // fold into message severity; ready=true is carried by KindComplete
	u.bus.Publish(events.Event{Kind: kind, Message: msg, Progress: percent})
}

// runCreation executes the 11-step creation protocol (spec.md §4.E),
// emitting a progress event per step. An unrecoverable error cancels
// remaining steps, marks failed, and deliberately leaves partial
// resources in place for a later delete to clean up idempotently.
func (m *Manager) runCreation(ctx context.Context, u *UserLabState, requestID string) {
	steps := []struct {
		name string
		fn   func(context.Context, *UserLabState) error
	}{
		{"ensure namespace", m.stepNamespace},
		{"create network policy", m.stepNetworkPolicy},
		{"create pull secret", m.stepPullSecret},
		{"create projected secret", m.stepProjectedSecret},
		{"create config maps", m.stepConfigMaps},
		{"create volumes", m.stepVolumes},
		{"create resource quota", m.stepResourceQuota},
		{"wait for service account", m.stepServiceAccount},
		{"create service", m.stepService},
		{"create pod", m.stepPod},
	}

	total := len(steps) + 1
	for i, step := range steps {
		if ctx.Err() != nil {
			m.failCreation(u, fmt.Sprintf("creation cancelled during %s", step.name))
			return
		}
		m.emit(u, events.KindProgress, step.name, (i*100)/total, false)
		if err := step.fn(ctx, u); err != nil {
			m.log.Error(err, "lab creation step failed", "user", u.Username, "request_id", requestID, "step", step.name)
			m.failCreation(u, fmt.Sprintf("%s: %v", step.name, err))
			return
		}
	}

	m.emit(u, events.KindProgress, "waiting for pod to become ready", (len(steps)*100)/total, false)
	if err := m.awaitPodReady(ctx, u); err != nil {
		m.failCreation(u, err.Error())
		return
	}

	u.Mu.Lock()
	u.Status = StatusRunning
	u.StartedAt = time.Now()
	u.Mu.Unlock()
	m.emit(u, events.KindComplete, "lab is ready", 100, true)
}

func (m *Manager) failCreation(u *UserLabState, msg string) {
	u.Mu.Lock()
	u.Status = StatusFailed
	u.LastError = msg
	u.Mu.Unlock()
	m.emit(u, events.KindError, msg, 0, false)
}

// runDeletion deletes the namespace (foreground propagation) and waits
// up to deleteTimeout; on timeout it records TeardownTimeout and retains
// failed, otherwise it transitions to absent. The user's bus stays
// registered, so a later Create for the same user publishes on it.
func (m *Manager) runDeletion(ctx context.Context, u *UserLabState, ns string) {
	m.emit(u, events.KindProgress, "tearing down namespace", 0, false)

	deleteCtx, cancel := context.WithTimeout(ctx, m.cfg.DeleteTimeout)
	defer cancel()

	if err := m.client.DeleteNamespace(deleteCtx, ns); err != nil {
		u.Mu.Lock()
		u.Status = StatusFailed
		u.LastError = "TeardownTimeout: " + err.Error()
		u.Mu.Unlock()
		m.emit(u, events.KindError, "teardown did not complete in time", 0, false)
		return
	}

	if err := m.waitNamespaceGone(deleteCtx, ns); err != nil {
		u.Mu.Lock()
		u.Status = StatusFailed
		u.LastError = "TeardownTimeout"
		u.Mu.Unlock()
		m.emit(u, events.KindError, "TeardownTimeout", 0, false)
		return
	}

	u.Mu.Lock()
	u.Status = StatusAbsent
	u.Mu.Unlock()
	m.emit(u, events.KindComplete, "lab removed", 100, false)
}

func (m *Manager) waitNamespaceGone(ctx context.Context, ns string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		if _, err := m.client.GetNamespace(ctx, ns); err != nil {
			return nil // gone (classified NotFound) is success
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) awaitPodReady(ctx context.Context, u *UserLabState) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		pod, err := m.client.GetPod(ctx, u.Namespace, "nb-"+u.Username)
		if err == nil {
			switch pod.Status.Phase {
			case "Running":
				u.Mu.Lock()
				u.PodUID = string(pod.UID)
				u.Mu.Unlock()
				return nil
			case "Failed", "Unknown":
				return fmt.Errorf("pod entered phase %s", pod.Status.Phase)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("spawn timed out waiting for pod readiness")
		case <-ticker.C:
		}
	}
}
