package images

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
)

// NodeLister is the subset of the Kubernetes Adapter the Image Service
// needs: a way to list current nodes on every refresh.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]corev1.Node, error)
}

// Service is Component C, the Image Service: it owns the published
// ImageCatalog, refreshed on each call to Refresh (driven externally by
// the Background Scheduler at images.refreshInterval). Readers call
// Snapshot and may hold the returned pointer indefinitely without
// blocking writers — publication is an atomic pointer swap.
type Service struct {
	source         ImageSource
	nodes          NodeLister
	repoPrefix     string
	recommendedTag string
	numPerClass    map[TagClass]int
	pins           []string
	cycleFilter    *int
	nodeSelector   map[string]string
	tolerations    []corev1.Toleration

	current  atomic.Pointer[ImageCatalog]
	lastView atomic.Pointer[NodeView]
	log      logr.Logger
}

// ServiceConfig bundles the Image Service's static configuration.
type ServiceConfig struct {
	RepoPrefix     string
	RecommendedTag string
	NumPerClass    map[TagClass]int
	Pins           []string
	CycleFilter    *int
	NodeSelector   map[string]string
	Tolerations    []corev1.Toleration
}

// NewService constructs an Image Service with an empty initial catalog;
// callers should call Refresh at least once before serving traffic (the
// Background Scheduler's startup hook does this).
func NewService(source ImageSource, nodes NodeLister, cfg ServiceConfig, log logr.Logger) *Service {
	s := &Service{
		source:         source,
		nodes:          nodes,
		repoPrefix:     cfg.RepoPrefix,
		recommendedTag: cfg.RecommendedTag,
		numPerClass:    cfg.NumPerClass,
		pins:           cfg.Pins,
		cycleFilter:    cfg.CycleFilter,
		nodeSelector:   cfg.NodeSelector,
		tolerations:    cfg.Tolerations,
		log:            log,
	}
	s.current.Store(&ImageCatalog{ByClass: map[TagClass][]RSPImage{}, ByDigest: map[string]RSPImage{}, ToPrepull: map[string]RSPImage{}})
	return s
}

// Snapshot returns the most recently published catalog. Never nil.
func (s *Service) Snapshot() *ImageCatalog {
	return s.current.Load()
}

// NodeView returns the node cache view computed on the most recent
// Refresh. Zero value (no nodes) before the first successful refresh.
func (s *Service) NodeView() NodeView {
	v := s.lastView.Load()
	if v == nil {
		return NodeView{Nodes: map[string]*NodeEntry{}}
	}
	return *v
}

// Refresh runs one cycle of the refresh protocol (spec.md §4.C). On any
// source or node-list error, it logs and returns the error but leaves the
// previously published snapshot live — "No partial update is ever
// visible," per spec.md.
func (s *Service) Refresh(ctx context.Context) error {
	listing, err := s.source.ListImages(ctx)
	if err != nil {
		s.log.Error(err, "image source list failed, retaining previous catalog", "component", "image-service")
		return err
	}

	nodeList, err := s.nodes.ListNodes(ctx)
	if err != nil {
		s.log.Error(err, "node list failed, retaining previous catalog", "component", "image-service")
		return err
	}

	view := BuildNodeView(nodeList, s.nodeSelector, s.tolerations)
	cat := BuildCatalog(RefreshInput{
		Source:         listing,
		RepoPrefix:     s.repoPrefix,
		Nodes:          view,
		RecommendedTag: s.recommendedTag,
		NumPerClass:    s.numPerClass,
		Pins:           s.pins,
		CycleFilter:    s.cycleFilter,
	})
	s.current.Store(cat)
	s.lastView.Store(&view)
	s.log.V(1).Info("image catalog refreshed", "images", len(cat.ByDigest), "toPrepull", len(cat.ToPrepull))
	return nil
}

// ImageChoice is the three ways a caller may pick an image, per spec.md
// §4.E "Resolution": by-class (with index), by-tag, or by-digest.
type ImageChoice struct {
	Class  TagClass
	Index  int
	Tag    string
	Digest string
}

// Resolve resolves an ImageChoice against the current snapshot to a
// concrete RSPImage. Returns false if the choice does not match any
// known image (the caller maps this to ImageUnknown).
func (s *Service) Resolve(choice ImageChoice) (RSPImage, bool) {
	cat := s.Snapshot()
	switch {
	case choice.Digest != "":
		return cat.FindByDigest(choice.Digest)
	case choice.Tag != "":
		return cat.FindByTag(choice.Tag)
	case choice.Class != "":
		return cat.FindByClass(choice.Class, choice.Index)
	default:
		if cat.Recommended != nil {
			return *cat.Recommended, true
		}
		return RSPImage{}, false
	}
}
