package fileserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"

	"github.com/lsst-sqre/nublado/internal/config"
)

// Client is the narrow slice of the Kubernetes Adapter the File-Server
// Manager needs.
type Client interface {
	CreateNamespace(ctx context.Context, ns *corev1.Namespace) error
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	ListNamespaces(ctx context.Context, labelSelector string) ([]corev1.Namespace, error)

	CreateJob(ctx context.Context, ns string, j *batchv1.Job) error
	GetJob(ctx context.Context, ns, name string) (*batchv1.Job, error)
	DeleteJob(ctx context.Context, ns, name string) error

	CreateService(ctx context.Context, ns string, s *corev1.Service) error
	CreateIngress(ctx context.Context, ns string, ing *networkingv1.Ingress) error
	GetIngress(ctx context.Context, ns, name string) (*networkingv1.Ingress, error)
}

// Manager is Component F, the File-Server Manager. It owns the full map
// of FileServerState, guarded by a top-level mutex for insert/remove.
type Manager struct {
	cfg    config.FileServerSettings
	prefix string
	client Client
	log    logr.Logger

	mapMu sync.Mutex
	users map[string]*FileServerState
}

// NewManager constructs an empty Manager.
func NewManager(cfg config.FileServerSettings, client Client, log logr.Logger) *Manager {
	return &Manager{cfg: cfg, prefix: cfg.NamespacePrefix, client: client, log: log, users: make(map[string]*FileServerState)}
}

func (m *Manager) lookupOrInsert(username string) *FileServerState {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	u, ok := m.users[username]
	if !ok {
		u = &FileServerState{Username: username, Status: StatusAbsent}
		m.users[username] = u
	}
	return u
}

// Create requests a file server for username. If one already exists in
// running or starting, it is reused (spec.md §4.F).
func (m *Manager) Create(ctx context.Context, username string) error {
	u := m.lookupOrInsert(username)
	u.Mu.Lock()
	if u.Status == StatusRunning || u.Status == StatusStarting {
		u.Mu.Unlock()
		return nil // reuse existing entry
	}
	u.Status = StatusStarting
	u.CreatedAt = time.Now()
	u.Resources = nil
	u.IngressValid = false
	u.Mu.Unlock()

	go m.runCreation(context.Background(), u)
	return nil
}

func (m *Manager) runCreation(ctx context.Context, u *FileServerState) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CreationTimeout)
	defer cancel()

	ns := namespaceName(m.prefix, u.Username)
	nsObj := &corev1.Namespace{ObjectMeta: objectMetaFor(ns, u.Username)}
	if err := m.client.CreateNamespace(ctx, nsObj); err != nil {
		m.log.Error(err, "file-server namespace creation failed", "user", u.Username)
		m.markFailed(ctx, u, ns)
		return
	}

	job := BuildJob(ns, u.Username, m.cfg)
	if err := m.client.CreateJob(ctx, ns, job); err != nil {
		m.log.Error(err, "file-server job creation failed", "user", u.Username)
		m.markFailed(ctx, u, ns)
		return
	}
	m.recordResource(u, "Job", job.Name)

	svc := BuildService(ns, u.Username)
	if err := m.client.CreateService(ctx, ns, svc); err != nil {
		m.log.Error(err, "file-server service creation failed", "user", u.Username)
		m.markFailed(ctx, u, ns)
		return
	}
	m.recordResource(u, "Service", svc.Name)

	ing := BuildIngress(ns, u.Username, m.cfg)
	if err := m.client.CreateIngress(ctx, ns, ing); err != nil {
		m.log.Error(err, "file-server ingress creation failed", "user", u.Username)
		m.markFailed(ctx, u, ns)
		return
	}
	m.recordResource(u, "Ingress", ing.Name)

	if err := m.awaitIngressAddress(ctx, ns, ing.Name); err != nil {
		m.log.Error(err, "file-server creation timed out waiting for ingress address", "user", u.Username)
		m.markFailed(ctx, u, ns)
		return
	}

	u.Mu.Lock()
	u.Status = StatusRunning
	u.JobName = job.Name
	u.IngressValid = true
	u.LastActivity = time.Now()
	u.Mu.Unlock()
}

// markFailed transitions a failed creation to terminating and immediately
// attempts teardown of whatever namespace got created, instead of
// leaving the entry stuck in terminating until something else collects
// it. If the delete itself fails (e.g. a transient API error), the entry
// stays terminating and ReconcileSweep retries it.
func (m *Manager) markFailed(ctx context.Context, u *FileServerState, ns string) {
	u.Mu.Lock()
	u.Status = StatusTerminating
	u.Mu.Unlock()

	if err := m.client.DeleteNamespace(ctx, ns); err != nil {
		m.log.Error(err, "teardown after a failed file-server creation did not complete; reconcile sweep will retry", "user", u.Username)
		return
	}
	u.Mu.Lock()
	u.Status = StatusAbsent
	u.Mu.Unlock()
}

func (m *Manager) awaitIngressAddress(ctx context.Context, ns, name string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		ing, err := m.client.GetIngress(ctx, ns, name)
		if err == nil && len(ing.Status.LoadBalancer.Ingress) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for ingress %s/%s to receive an address", ns, name)
		case <-ticker.C:
		}
	}
}

func (m *Manager) recordResource(u *FileServerState, kind, name string) {
	u.Mu.Lock()
	u.Resources = append(u.Resources, CreatedResource{Kind: kind, Name: name})
	u.Mu.Unlock()
}

// Delete tears down username's file-server set.
func (m *Manager) Delete(ctx context.Context, username string) error {
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return nil
	}
	u.Mu.Lock()
	if u.Status == StatusAbsent {
		u.Mu.Unlock()
		return nil
	}
	u.Status = StatusTerminating
	u.Mu.Unlock()

	ns := namespaceName(m.prefix, username)
	if err := m.client.DeleteNamespace(ctx, ns); err != nil {
		return err
	}
	u.Mu.Lock()
	u.Status = StatusAbsent
	u.Mu.Unlock()
	return nil
}

// Status returns username's current file-server snapshot.
func (m *Manager) Status(username string) (Snapshot, bool) {
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return u.Snapshot(), true
}

// HandleJobTerminal triggers full cleanup of the user's resource set
// after a file-server Job reaches Succeeded or Failed: the server exited
// (its own idle timeout fired, or it crashed) (spec.md §4.F). Nothing in
// this package watches Jobs or Pods; the caller reports the Job's end.
func (m *Manager) HandleJobTerminal(ctx context.Context, username string) {
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return
	}
	u.Mu.Lock()
	alreadyGone := u.Status == StatusAbsent || u.Status == StatusTerminating
	u.Mu.Unlock()
	if alreadyGone {
		return
	}
	if err := m.Delete(ctx, username); err != nil {
		m.log.Error(err, "cleanup after file-server job termination failed", "user", username)
	}
}

// ReconcileSweep walks the users this manager already tracks. An entry
// stuck in terminating because a prior teardown attempt (markFailed or
// Delete) failed partway has its namespace deleted again. An entry in
// starting is left alone while its Ingress is valid or while it is still
// inside the creation timeout, which is also the creation goroutine's own
// budget, so in-flight creations are exempt (spec.md §4.F); past the
// timeout it is deleted. Resource sets in Kubernetes that belong to no
// tracked user are not looked for.
func (m *Manager) ReconcileSweep(ctx context.Context) {
	m.mapMu.Lock()
	users := make([]*FileServerState, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	m.mapMu.Unlock()

	for _, u := range users {
		u.Mu.Lock()
		status, createdAt, ingressValid, username := u.Status, u.CreatedAt, u.IngressValid, u.Username
		u.Mu.Unlock()

		switch status {
		case StatusTerminating:
			ns := namespaceName(m.prefix, username)
			m.log.Info("file-server reconcile sweep retrying teardown of a stuck terminating entry", "user", username)
			if err := m.client.DeleteNamespace(ctx, ns); err != nil {
				m.log.Error(err, "reconcile sweep teardown retry failed", "user", username)
				continue
			}
			u.Mu.Lock()
			u.Status = StatusAbsent
			u.Mu.Unlock()
		case StatusStarting:
			if ingressValid {
				continue
			}
			if inCreationTimeoutWindow(createdAt, m.cfg.CreationTimeout) {
				continue // still within budget and ingress not yet valid: exempt, the previously-observed bug
			}
			m.log.Info("file-server reconcile sweep removing stale starting entry past its creation timeout", "user", username)
			if err := m.Delete(ctx, username); err != nil {
				m.log.Error(err, "reconcile sweep cleanup failed", "user", username)
			}
		}
	}
}
