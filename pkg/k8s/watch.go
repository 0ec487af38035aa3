package k8s

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// PodEvent is a single pod-phase transition observed on a watch, folded
// into the shape the Lab Manager and File-Server Manager want to consume
// without depending on watch.Event directly.
type PodEvent struct {
	Type EventType
	Pod  *corev1.Pod
}

// EventRecord is a single namespace-scoped Kubernetes Event, surfaced to
// the Lab Manager's progress stream (spec.md §4.E step "watch namespace
// events").
type EventRecord struct {
	Type    EventType
	Reason  string
	Message string
	Object  string
}

// EventType mirrors watch.EventType without exposing it, so callers never
// need to import k8s.io/apimachinery/pkg/watch themselves.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

func fromWatchType(t watch.EventType) EventType {
	switch t {
	case watch.Added:
		return EventAdded
	case watch.Deleted:
		return EventDeleted
	default:
		return EventModified
	}
}

// WatchPods opens a watch over pods matching labelSelector in ns and
// relists transparently whenever the server expires the watch's
// resourceVersion (410 Gone) or the underlying channel closes, so callers
// never see a watch "end" except via ctx cancellation. This mirrors the
// controller-runtime informer's relist-on-expiry behavior without
// pulling in the full informer machinery, which this design has no other
// use for (see DESIGN.md).
func (c *UnifiedClient) WatchPods(ctx context.Context, ns, labelSelector string) (<-chan PodEvent, error) {
	out := make(chan PodEvent)
	go func() {
		defer close(out)
		resourceVersion := ""
		for {
			if ctx.Err() != nil {
				return
			}
			w, err := c.clientset.CoreV1().Pods(ns).Watch(ctx, metav1.ListOptions{
				LabelSelector:   labelSelector,
				ResourceVersion: resourceVersion,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Error(err, "pod watch failed, retrying after backoff", "namespace", ns)
				if !sleepOrDone(ctx, 2*time.Second) {
					return
				}
				resourceVersion = "" // force a fresh list+watch
				continue
			}
			resourceVersion = c.drainPodWatch(ctx, w, out)
		}
	}()
	return out, nil
}

// drainPodWatch consumes a single watch.Interface until it closes or
// reports a resourceVersion-expired Gone error, returning the last known
// resourceVersion to resume from (empty if a full relist is required).
func (c *UnifiedClient) drainPodWatch(ctx context.Context, w watch.Interface, out chan<- PodEvent) string {
	defer w.Stop()
	lastRV := ""
	for {
		select {
		case <-ctx.Done():
			return lastRV
		case ev, ok := <-w.ResultChan():
			if !ok {
				return lastRV
			}
			if ev.Type == watch.Error {
				if status, ok := ev.Object.(*metav1.Status); ok && status.Code == 410 {
					c.log.V(1).Info("pod watch resourceVersion expired, relisting", "namespace", "")
					return ""
				}
				continue
			}
			pod, ok := ev.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			lastRV = pod.ResourceVersion
			select {
			case out <- PodEvent{Type: fromWatchType(ev.Type), Pod: pod}:
			case <-ctx.Done():
				return lastRV
			}
		}
	}
}

// WatchNamespaceEvents watches core Event objects scoped to ns, folding
// them into EventRecord for the Lab Manager's progress bus. Same
// relist-on-expiry discipline as WatchPods.
func (c *UnifiedClient) WatchNamespaceEvents(ctx context.Context, ns string) (<-chan EventRecord, error) {
	out := make(chan EventRecord)
	go func() {
		defer close(out)
		resourceVersion := ""
		for {
			if ctx.Err() != nil {
				return
			}
			w, err := c.clientset.CoreV1().Events(ns).Watch(ctx, metav1.ListOptions{ResourceVersion: resourceVersion})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !sleepOrDone(ctx, 2*time.Second) {
					return
				}
				resourceVersion = ""
				continue
			}
			resourceVersion = c.drainEventWatch(ctx, w, out)
		}
	}()
	return out, nil
}

func (c *UnifiedClient) drainEventWatch(ctx context.Context, w watch.Interface, out chan<- EventRecord) string {
	defer w.Stop()
	lastRV := ""
	for {
		select {
		case <-ctx.Done():
			return lastRV
		case ev, ok := <-w.ResultChan():
			if !ok {
				return lastRV
			}
			if ev.Type == watch.Error {
				if status, ok := ev.Object.(*metav1.Status); ok && status.Code == 410 {
					return ""
				}
				continue
			}
			kubeEvent, ok := ev.Object.(*corev1.Event)
			if !ok {
				continue
			}
			lastRV = kubeEvent.ResourceVersion
			record := EventRecord{
				Type:    fromWatchType(ev.Type),
				Reason:  kubeEvent.Reason,
				Message: kubeEvent.Message,
				Object:  kubeEvent.InvolvedObject.Name,
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return lastRV
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
