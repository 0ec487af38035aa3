package lab

import (
	"context"

	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/k8s"
)

// RunPodWatch starts the long-lived pod watch over labeled lab pods
// (spec.md §4.E "Watch integration"): phase changes feed into the
// per-user state asynchronously. WatchPods itself handles 410 Gone /
// resourceVersion-expiry relisting, so this loop only needs to range
// over the event channel until ctx is cancelled.
func (m *Manager) RunPodWatch(ctx context.Context) error {
	ch, err := m.client.WatchPods(ctx, "", "category=lab")
	if err != nil {
		return err
	}
	for ev := range ch {
		m.handlePodEvent(ev)
	}
	return ctx.Err()
}

func (m *Manager) handlePodEvent(ev k8s.PodEvent) {
	if ev.Pod == nil {
		return
	}
	username := ev.Pod.Labels["user"]
	if username == "" {
		return
	}
	m.mapMu.Lock()
	u, ok := m.users[username]
	m.mapMu.Unlock()
	if !ok {
		return
	}

	switch ev.Pod.Status.Phase {
	case "Running":
		u.Mu.Lock()
		alreadyRunning := u.Status == StatusRunning
		if !alreadyRunning && u.Status == StatusPending {
			u.Status = StatusRunning
		}
		u.PodUID = string(ev.Pod.UID)
		u.Mu.Unlock()
		if !alreadyRunning {
			m.emit(u, events.KindComplete, "pod is running", 100, true)
		}
	case "Failed", "Unknown":
		u.Mu.Lock()
		wasTerminating := u.Status == StatusTerminating
		if !wasTerminating {
			u.Status = StatusFailed
			u.LastError = "pod entered phase " + string(ev.Pod.Status.Phase)
		}
		u.Mu.Unlock()
		if !wasTerminating {
			m.emit(u, events.KindError, "pod entered phase "+string(ev.Pod.Status.Phase), 0, false)
		}
	}
}

// RunNamespaceEventWatch folds Kubernetes Events scoped to ns into
// progress events for the duration of a single pending spawn (spec.md
// §4.E step 11). The event kind follows the watch event type (info for an
// added Event, progress for a modified one); the Kubernetes Event's own
// Normal/Warning type is not consulted. The caller is
// expected to derive ctx from the spawn's own timeout/cancellation so the
// watch terminates with the spawn.
func (m *Manager) RunNamespaceEventWatch(ctx context.Context, u *UserLabState, ns string) error {
	ch, err := m.client.WatchNamespaceEvents(ctx, ns)
	if err != nil {
		return err
	}
	for rec := range ch {
		kind := events.KindInfo
		if rec.Type == k8s.EventModified {
			kind = events.KindProgress
		}
		m.emit(u, kind, rec.Reason+": "+rec.Message, -1, false)
	}
	return ctx.Err()
}
