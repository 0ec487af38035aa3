package lab

import (
	"context"
	"strings"
	"time"

	"github.com/lsst-sqre/nublado/pkg/events"
)

const ownerAnnotation = "nublado.lsst.io/owner"
const freshCreationWindow = 30 * time.Second

// Reconcile implements spec.md §4.E "Reconciliation": list all lab
// namespaces, diff against in-memory UserLabState. Labs present in
// Kubernetes but absent from memory are synthesized as running
// (controller restart recovery); labs in memory but absent from
// Kubernetes transition to failed (or absent if terminating). Users in
// pending are never acted on. Namespaces carrying the owner annotation
// with a creation timestamp under freshCreationWindow old are skipped;
// BuildNamespace does not write that annotation, so this check does not
// apply to namespaces this controller creates.
func (m *Manager) Reconcile(ctx context.Context) error {
	nsPrefix := m.cfg.NamespacePrefix + "-"
	namespaces, err := m.client.ListNamespaces(ctx, "category=lab")
	if err != nil {
		return err
	}

	liveUsers := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		username := strings.TrimPrefix(ns.Name, nsPrefix)
		if username == ns.Name {
			continue // doesn't match our naming convention; not ours
		}
		if isFreshlyCreating(ns.Annotations, ns.CreationTimestamp.Time) {
			continue
		}
		liveUsers[username] = true
		m.reconcileDiscovered(ctx, username, ns.Name)
	}

	m.mapMu.Lock()
	tracked := make([]*UserLabState, 0, len(m.users))
	for _, u := range m.users {
		tracked = append(tracked, u)
	}
	m.mapMu.Unlock()

	for _, u := range tracked {
		u.Mu.Lock()
		status, username := u.Status, u.Username
		u.Mu.Unlock()
		if status == StatusPending {
			continue // an in-flight creation owns this user; never race it
		}
		if liveUsers[username] {
			continue
		}
		m.reconcileVanished(u, status)
	}
	return nil
}

func isFreshlyCreating(annotations map[string]string, created time.Time) bool {
	if annotations[ownerAnnotation] == "" {
		return false
	}
	return time.Since(created) < freshCreationWindow
}

// reconcileDiscovered synthesizes a running entry for a lab namespace
// found in Kubernetes but not yet known to this process (e.g. after a
// controller restart).
func (m *Manager) reconcileDiscovered(ctx context.Context, username, namespace string) {
	u := m.lookupOrInsert(username)
	u.Mu.Lock()
	defer u.Mu.Unlock()
	if u.Status != StatusAbsent {
		return // already tracked by this process; reconciliation only reports
	}
	pod, err := m.client.GetPod(ctx, namespace, "nb-"+username)
	if err != nil {
		return // namespace exists but pod not found yet; leave for next tick
	}
	u.Status = StatusRunning
	u.Namespace = namespace
	u.PodUID = string(pod.UID)
	if pod.Status.StartTime != nil {
		u.StartedAt = pod.Status.StartTime.Time
	}
}

// reconcileVanished transitions a tracked user whose namespace has
// disappeared from Kubernetes: to failed from running (node failure,
// manual deletion), or to absent if it was already terminating.
func (m *Manager) reconcileVanished(u *UserLabState, status Status) {
	u.Mu.Lock()
	switch status {
	case StatusTerminating:
		u.Status = StatusAbsent
	case StatusRunning, StatusFailed:
		u.Status = StatusFailed
		u.LastError = "namespace vanished outside the controller"
	}
	newStatus := u.Status
	u.Mu.Unlock()
	if newStatus == StatusFailed {
		m.emit(u, events.KindError, "lab namespace vanished outside the controller", 0, false)
	}
}
