package k8s

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

func newTestClient() (*UnifiedClient, *fake.Clientset) {
	cs := fake.NewSimpleClientset()
	return NewUnifiedClient(cs, Config{RequestTimeout: 5 * time.Second}, logr.Discard()), cs
}

func TestUnifiedClient_ImplementsClient(t *testing.T) {
	c, _ := newTestClient()
	var _ BasicClient = c
	var _ AdvancedClient = c
	var _ Client = c
}

func TestUnifiedClient_IsHealthy(t *testing.T) {
	c, _ := newTestClient()
	if !c.IsHealthy() {
		t.Error("fake clientset should always report healthy")
	}
}

func TestUnifiedClient_PodLifecycle(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "nb-rachel", Namespace: "userlabs-rachel"},
		Spec:       corev1.PodSpec{Containers: []corev1.Container{{Name: "notebook", Image: "registry/lab:r23_1_0"}}},
	}
	if err := c.CreatePod(ctx, "userlabs-rachel", pod); err != nil {
		t.Fatalf("CreatePod() error = %v", err)
	}

	got, err := c.GetPod(ctx, "userlabs-rachel", "nb-rachel")
	if err != nil {
		t.Fatalf("GetPod() error = %v", err)
	}
	if got.Name != "nb-rachel" {
		t.Errorf("GetPod() name = %q", got.Name)
	}

	if err := c.DeletePod(ctx, "userlabs-rachel", "nb-rachel"); err != nil {
		t.Fatalf("DeletePod() error = %v", err)
	}
	if err := c.DeletePod(ctx, "userlabs-rachel", "nb-rachel"); err != nil {
		t.Errorf("DeletePod() on an already-deleted pod should be idempotent, got %v", err)
	}
}

func TestUnifiedClient_GetPod_NotFoundClassification(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.GetPod(context.Background(), "userlabs-rachel", "does-not-exist")
	if err == nil {
		t.Fatal("expected an error for a missing pod")
	}
	if !errors.Is(err, apierrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUnifiedClient_DeleteNamespace_IdempotentOnNotFound(t *testing.T) {
	c, _ := newTestClient()
	if err := c.DeleteNamespace(context.Background(), "userlabs-ghost"); err != nil {
		t.Errorf("DeleteNamespace() on a namespace that never existed should be idempotent, got %v", err)
	}
}

func TestUnifiedClient_CreateSecret_AlreadyExistsIsIdempotent(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()
	s := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: "pull-secret", Namespace: "userlabs-rachel"}}
	if err := c.CreateSecret(ctx, "userlabs-rachel", s); err != nil {
		t.Fatalf("first CreateSecret() error = %v", err)
	}
	if err := c.CreateSecret(ctx, "userlabs-rachel", s); err != nil {
		t.Errorf("second CreateSecret() should be idempotent, got %v", err)
	}
}

func TestUnifiedClient_JobLifecycle(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()
	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "prepull-n1-abc123", Namespace: "prepuller"}}
	if err := c.CreateJob(ctx, "prepuller", job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	got, err := c.GetJob(ctx, "prepuller", "prepull-n1-abc123")
	if err != nil || got.Name != "prepull-n1-abc123" {
		t.Fatalf("GetJob() = %+v, err = %v", got, err)
	}
	if err := c.DeleteJob(ctx, "prepuller", "prepull-n1-abc123"); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
}

func TestUnifiedClient_ListNodes(t *testing.T) {
	c, cs := newTestClient()
	ctx := context.Background()
	cs.CoreV1().Nodes().Create(ctx, &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n1"}}, metav1.CreateOptions{})
	cs.CoreV1().Nodes().Create(ctx, &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "n2"}}, metav1.CreateOptions{})

	nodes, err := c.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("ListNodes() = %d nodes, want 2", len(nodes))
	}
}

func TestUnifiedClient_IngressLifecycle(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()
	pathType := networkingv1.PathTypePrefix
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "fs-rachel", Namespace: "fileservers-rachel"},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{Paths: []networkingv1.HTTPIngressPath{
					{Path: "/files/rachel", PathType: &pathType},
				}},
			}}},
		},
	}
	if err := c.CreateIngress(ctx, "fileservers-rachel", ing); err != nil {
		t.Fatalf("CreateIngress() error = %v", err)
	}
	got, err := c.GetIngress(ctx, "fileservers-rachel", "fs-rachel")
	if err != nil || got.Name != "fs-rachel" {
		t.Fatalf("GetIngress() = %+v, err = %v", got, err)
	}
	if err := c.DeleteIngress(ctx, "fileservers-rachel", "fs-rachel"); err != nil {
		t.Fatalf("DeleteIngress() error = %v", err)
	}
}

func TestUnifiedClient_WatchPods_DeliversAddedEvent(t *testing.T) {
	c, cs := newTestClient()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := c.WatchPods(ctx, "userlabs-rachel", "")
	if err != nil {
		t.Fatalf("WatchPods() error = %v", err)
	}

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "nb-rachel", Namespace: "userlabs-rachel"}}
	if _, err := cs.CoreV1().Pods("userlabs-rachel").Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		t.Fatalf("fake Create() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventAdded || ev.Pod.Name != "nb-rachel" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pod watch event")
	}
}
