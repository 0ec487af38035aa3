package prepuller

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/util/workqueue"

	"github.com/lsst-sqre/nublado/pkg/images"
)

// JobClient is the subset of the Kubernetes Adapter the prepuller needs,
// narrowed so this package doesn't depend on the whole pkg/k8s.Client
// surface.
type JobClient interface {
	CreateJob(ctx context.Context, ns string, j *batchv1.Job) error
	GetJob(ctx context.Context, ns, name string) (*batchv1.Job, error)
	DeleteJob(ctx context.Context, ns, name string) error
	ListNodes(ctx context.Context) ([]corev1.Node, error)
}

// Config bundles the Runner's static configuration.
type Config struct {
	Namespace      string
	ConcurrencyCap int
	Tolerations    []corev1.Toleration
	PullSecretName string
	Labels         map[string]string
}

// Runner is Component D, the Prepuller: on each tick it computes the gap
// against the current catalog/node view and schedules pull Jobs for gap
// elements not already in flight, bounded by a concurrency cap, grounded
// on kube-fledged's ImageManager work-queue/work-status pattern
// (workqueue.RateLimitingInterface for exponential-backoff retry, a
// status map guarded by a mutex for in-flight tracking).
type Runner struct {
	client JobClient
	cfg    Config
	log    logr.Logger

	queue workqueue.RateLimitingInterface

	mu       sync.Mutex
	inFlight map[GapElement]bool
}

// NewRunner constructs a Runner with its own rate-limiting workqueue.
func NewRunner(client JobClient, cfg Config, log logr.Logger) *Runner {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 10
	}
	return &Runner{
		client:   client,
		cfg:      cfg,
		log:      log,
		queue:    workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
		inFlight: make(map[GapElement]bool),
	}
}

// Tick runs one gap-scan-and-schedule cycle: compute the gap against cat
// and nodes, enqueue every element not already in flight, then drain up
// to ConcurrencyCap elements from the queue, submitting a pull Job for
// each. Nodes that vanished between planning and now are tolerated
// silently (spec.md §4.D).
func (r *Runner) Tick(ctx context.Context, cat *images.ImageCatalog, nodes images.NodeView) {
	gap := ComputeGap(cat, nodes)
	liveNodes := make(map[string]bool, len(nodes.Nodes))
	for name := range nodes.Nodes {
		liveNodes[name] = true
	}

	r.mu.Lock()
	for _, g := range gap {
		if !r.inFlight[g] {
			r.inFlight[g] = true
			r.queue.Add(g)
		}
	}
	r.mu.Unlock()

	for i := 0; i < r.cfg.ConcurrencyCap && r.queue.Len() > 0; i++ {
		item, shutdown := r.queue.Get()
		if shutdown {
			return
		}
		g := item.(GapElement)
		if !liveNodes[g.Node] {
			// Node vanished between planning and execution: drop silently,
			// never raise it as a scheduling error.
			r.forget(g)
			continue
		}
		img, ok := cat.FindByDigest(g.Digest)
		if !ok {
			r.forget(g)
			continue
		}
		if err := r.submit(ctx, g, img.Reference()); err != nil {
			r.log.Error(err, "prepull job submission failed, will retry with backoff", "node", g.Node, "digest", g.Digest)
			r.queue.AddRateLimited(g)
			r.queue.Done(item)
			continue
		}
		r.forget(g)
	}
}

func (r *Runner) forget(g GapElement) {
	r.queue.Forget(g)
	r.queue.Done(g)
	r.mu.Lock()
	delete(r.inFlight, g)
	r.mu.Unlock()
}

func (r *Runner) submit(ctx context.Context, g GapElement, reference string) error {
	job := BuildPrepullJob(g, reference, PodSpecConfig{
		Namespace:      r.cfg.Namespace,
		Tolerations:    r.cfg.Tolerations,
		PullSecretName: r.cfg.PullSecretName,
		Labels:         r.cfg.Labels,
	})
	err := r.client.CreateJob(ctx, r.cfg.Namespace, job)
	if err != nil && !apierr.IsAlreadyExists(err) {
		return fmt.Errorf("create prepull job for node %s digest %s: %w", g.Node, g.Digest, err)
	}
	return nil
}

// ReapCompleted deletes prepull Jobs that have finished (Succeeded or
// Failed past their retry budget), keeping the prepuller namespace from
// accumulating terminal Jobs indefinitely.
func (r *Runner) ReapCompleted(ctx context.Context, jobNames []string) {
	for _, name := range jobNames {
		job, err := r.client.GetJob(ctx, r.cfg.Namespace, name)
		if err != nil {
			continue
		}
		if job.Status.Succeeded > 0 || job.Status.Failed > 0 {
			if err := r.client.DeleteJob(ctx, r.cfg.Namespace, name); err != nil {
				r.log.Error(err, "failed to reap completed prepull job", "job", name)
			}
		}
	}
}

// ShutdownQueue releases the Runner's internal workqueue; call once on
// process shutdown.
func (r *Runner) ShutdownQueue() {
	r.queue.ShutDown()
}
