// Package k8s implements Component G, the Kubernetes Adapter: typed
// create/get/delete/watch primitives over core and batch resources, with
// default timeouts, error classification into pkg/shared/apierrors, and
// cancellation propagation. It owns no durable state; it is a façade.
package k8s

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/kubernetes"

	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

// BasicClient covers the single-object CRUD operations every component
// needs, split from AdvancedClient the way the teacher splits its own
// unified client interface into composable pieces.
type BasicClient interface {
	CreateNamespace(ctx context.Context, ns *corev1.Namespace) error
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error
	ListNamespaces(ctx context.Context, labelSelector string) ([]corev1.Namespace, error)

	CreateSecret(ctx context.Context, ns string, s *corev1.Secret) error
	GetSecret(ctx context.Context, ns, name string) (*corev1.Secret, error)

	CreateConfigMap(ctx context.Context, ns string, cm *corev1.ConfigMap) error

	CreatePVC(ctx context.Context, ns string, pvc *corev1.PersistentVolumeClaim) error

	CreateResourceQuota(ctx context.Context, ns string, q *corev1.ResourceQuota) error

	CreateService(ctx context.Context, ns string, s *corev1.Service) error

	CreatePod(ctx context.Context, ns string, p *corev1.Pod) error
	GetPod(ctx context.Context, ns, name string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, ns, name string) error
	ListPods(ctx context.Context, ns, labelSelector string) ([]corev1.Pod, error)

	CreateNetworkPolicy(ctx context.Context, ns string, np *networkingv1.NetworkPolicy) error

	CreateJob(ctx context.Context, ns string, j *batchv1.Job) error
	GetJob(ctx context.Context, ns, name string) (*batchv1.Job, error)
	DeleteJob(ctx context.Context, ns, name string) error

	ListNodes(ctx context.Context) ([]corev1.Node, error)

	GetServiceAccount(ctx context.Context, ns, name string) (*corev1.ServiceAccount, error)

	CreateIngress(ctx context.Context, ns string, ing *networkingv1.Ingress) error
	GetIngress(ctx context.Context, ns, name string) (*networkingv1.Ingress, error)
	DeleteIngress(ctx context.Context, ns, name string) error
}

// AdvancedClient covers watch primitives and health/readiness.
type AdvancedClient interface {
	WatchPods(ctx context.Context, ns, labelSelector string) (<-chan PodEvent, error)
	WatchNamespaceEvents(ctx context.Context, ns string) (<-chan EventRecord, error)
	IsHealthy() bool
}

// Client is the full Kubernetes Adapter surface.
type Client interface {
	BasicClient
	AdvancedClient
}

// UnifiedClient is the concrete Client implementation, backed by a real
// or fake client-go clientset (grounded on the teacher's
// NewUnifiedClient(clientset, config, logger) constructor shape).
type UnifiedClient struct {
	clientset kubernetes.Interface
	timeout   time.Duration
	log       logr.Logger
}

// Config is the adapter's own tunables, independent of internal/config so
// this package has no import-cycle on the rest of the module.
type Config struct {
	RequestTimeout time.Duration
}

// NewUnifiedClient builds the adapter over an existing clientset (real or
// fake.NewSimpleClientset() in tests).
func NewUnifiedClient(clientset kubernetes.Interface, cfg Config, log logr.Logger) *UnifiedClient {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &UnifiedClient{clientset: clientset, timeout: timeout, log: log}
}

func (c *UnifiedClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// classify converts a client-go/apimachinery error into the controller's
// taxonomy (spec.md §7).
func classify(operation, resource string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierr.IsNotFound(err):
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrNotFound, err))
	case apierr.IsAlreadyExists(err):
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrAlreadyExists, err))
	case apierr.IsConflict(err):
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrConflict, err))
	case apierr.IsTimeout(err), apierr.IsServerTimeout(err):
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrTimeout, err))
	case apierr.IsUnauthorized(err), apierr.IsForbidden(err):
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrAuthorization, err))
	case isTransient(err):
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrUpstreamTransient, err))
	default:
		return apierrors.FailedToWithDetails(operation, "kubernetes", resource, fmt.Errorf("%w: %s", apierrors.ErrUpstreamPermanent, err))
	}
}

// isTransient reports whether err is a retryable server error: 5xx
// responses, connection resets, and watch resourceVersion expiry (410
// Gone), per spec.md §7.
func isTransient(err error) bool {
	if apierr.IsInternalError(err) || apierr.IsServiceUnavailable(err) || apierr.IsTooManyRequests(err) {
		return true
	}
	if utilnet.IsConnectionReset(err) {
		return true
	}
	if status, ok := err.(apierr.APIStatus); ok {
		code := status.Status().Code
		return code >= 500 || code == 410
	}
	return false
}

func (c *UnifiedClient) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.clientset.Discovery().ServerVersion()
	_ = ctx
	return err == nil
}

// Namespace operations.

func (c *UnifiedClient) CreateNamespace(ctx context.Context, ns *corev1.Namespace) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	return classify("create namespace", ns.Name, err)
}

func (c *UnifiedClient) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ns, err := c.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	return ns, classify("get namespace", name, err)
}

func (c *UnifiedClient) DeleteNamespace(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	policy := metav1.DeletePropagationForeground
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierr.IsNotFound(err) {
		return nil // delete is idempotent
	}
	return classify("delete namespace", name, err)
}

func (c *UnifiedClient) ListNamespaces(ctx context.Context, labelSelector string) ([]corev1.Namespace, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	list, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, classify("list namespaces", labelSelector, err)
	}
	return list.Items, nil
}

// Secret operations.

func (c *UnifiedClient) CreateSecret(ctx context.Context, ns string, s *corev1.Secret) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().Secrets(ns).Create(ctx, s, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create secret", s.Name, err)
}

func (c *UnifiedClient) GetSecret(ctx context.Context, ns, name string) (*corev1.Secret, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	s, err := c.clientset.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{})
	return s, classify("get secret", name, err)
}

// ConfigMap, PVC, ResourceQuota, Service, NetworkPolicy creation.

func (c *UnifiedClient) CreateConfigMap(ctx context.Context, ns string, cm *corev1.ConfigMap) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create configmap", cm.Name, err)
}

func (c *UnifiedClient) CreatePVC(ctx context.Context, ns string, pvc *corev1.PersistentVolumeClaim) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create pvc", pvc.Name, err)
}

func (c *UnifiedClient) CreateResourceQuota(ctx context.Context, ns string, q *corev1.ResourceQuota) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().ResourceQuotas(ns).Create(ctx, q, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create resourcequota", q.Name, err)
}

func (c *UnifiedClient) CreateService(ctx context.Context, ns string, s *corev1.Service) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().Services(ns).Create(ctx, s, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create service", s.Name, err)
}

func (c *UnifiedClient) CreateNetworkPolicy(ctx context.Context, ns string, np *networkingv1.NetworkPolicy) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.NetworkingV1().NetworkPolicies(ns).Create(ctx, np, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create networkpolicy", np.Name, err)
}

// Pod operations.

func (c *UnifiedClient) CreatePod(ctx context.Context, ns string, p *corev1.Pod) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.CoreV1().Pods(ns).Create(ctx, p, metav1.CreateOptions{})
	return classify("create pod", p.Name, err)
}

func (c *UnifiedClient) GetPod(ctx context.Context, ns, name string) (*corev1.Pod, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	p, err := c.clientset.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	return p, classify("get pod", name, err)
}

func (c *UnifiedClient) DeletePod(ctx context.Context, ns, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	err := c.clientset.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if apierr.IsNotFound(err) {
		return nil
	}
	return classify("delete pod", name, err)
}

func (c *UnifiedClient) ListPods(ctx context.Context, ns, labelSelector string) ([]corev1.Pod, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	list, err := c.clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, classify("list pods", labelSelector, err)
	}
	return list.Items, nil
}

// Job operations (prepull pods and file-server jobs).

func (c *UnifiedClient) CreateJob(ctx context.Context, ns string, j *batchv1.Job) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.BatchV1().Jobs(ns).Create(ctx, j, metav1.CreateOptions{})
	return classify("create job", j.Name, err)
}

func (c *UnifiedClient) GetJob(ctx context.Context, ns, name string) (*batchv1.Job, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	j, err := c.clientset.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	return j, classify("get job", name, err)
}

func (c *UnifiedClient) DeleteJob(ctx context.Context, ns, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	policy := metav1.DeletePropagationForeground
	err := c.clientset.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierr.IsNotFound(err) {
		return nil
	}
	return classify("delete job", name, err)
}

// Node and ServiceAccount operations.

func (c *UnifiedClient) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify("list nodes", "", err)
	}
	return list.Items, nil
}

func (c *UnifiedClient) GetServiceAccount(ctx context.Context, ns, name string) (*corev1.ServiceAccount, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	sa, err := c.clientset.CoreV1().ServiceAccounts(ns).Get(ctx, name, metav1.GetOptions{})
	return sa, classify("get serviceaccount", name, err)
}

// Ingress operations (file-server external exposure).

func (c *UnifiedClient) CreateIngress(ctx context.Context, ns string, ing *networkingv1.Ingress) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.clientset.NetworkingV1().Ingresses(ns).Create(ctx, ing, metav1.CreateOptions{})
	if apierr.IsAlreadyExists(err) {
		return nil
	}
	return classify("create ingress", ing.Name, err)
}

func (c *UnifiedClient) GetIngress(ctx context.Context, ns, name string) (*networkingv1.Ingress, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ing, err := c.clientset.NetworkingV1().Ingresses(ns).Get(ctx, name, metav1.GetOptions{})
	return ing, classify("get ingress", name, err)
}

func (c *UnifiedClient) DeleteIngress(ctx context.Context, ns, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	err := c.clientset.NetworkingV1().Ingresses(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if apierr.IsNotFound(err) {
		return nil
	}
	return classify("delete ingress", name, err)
}

var _ Client = (*UnifiedClient)(nil)
