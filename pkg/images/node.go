package images

import (
	corev1 "k8s.io/api/core/v1"
)

// NodeView is the pure-function output of Component B, the Node Cache
// View: for each node, which digests it already has cached, and whether
// the node is eligible (matches the lab's nodeSelector/tolerations) and
// ready.
type NodeView struct {
	Nodes map[string]*NodeEntry
}

// NodeEntry describes one node's cache state and eligibility.
type NodeEntry struct {
	Name     string
	Cached   map[string]bool // digest -> present
	Eligible bool
	Ready    bool
}

// BuildNodeView computes a NodeView from a list of Kubernetes Node
// objects. It is a pure function recomputed on every refresh (spec.md
// §4.B): a reported image without a digest is ignored, and eligibility is
// nodeSelector-match AND every configured toleration covers the node's
// taints.
func BuildNodeView(nodes []corev1.Node, nodeSelector map[string]string, tolerations []corev1.Toleration) NodeView {
	view := NodeView{Nodes: make(map[string]*NodeEntry, len(nodes))}
	for i := range nodes {
		n := &nodes[i]
		entry := &NodeEntry{
			Name:     n.Name,
			Cached:   digestsOf(n),
			Eligible: matchesSelector(n.Labels, nodeSelector) && tolerationsCoverTaints(tolerations, n.Spec.Taints),
			Ready:    isReady(n),
		}
		view.Nodes[n.Name] = entry
	}
	return view
}

func digestsOf(n *corev1.Node) map[string]bool {
	digests := make(map[string]bool)
	for _, img := range n.Status.Images {
		for _, name := range img.Names {
			if d, ok := splitDigest(name); ok {
				digests[d] = true
			}
		}
	}
	return digests
}

// splitDigest extracts a "sha256:..." digest from an image name string of
// the form "repo@sha256:...". Names without an "@digest" suffix (tag-only
// references) are ignored, per spec.md §4.B: "a reported image without a
// digest is ignored."
func splitDigest(imageName string) (string, bool) {
	for i := len(imageName) - 1; i >= 0; i-- {
		if imageName[i] == '@' {
			return imageName[i+1:], true
		}
	}
	return "", false
}

func matchesSelector(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func tolerationsCoverTaints(tolerations []corev1.Toleration, taints []corev1.Taint) bool {
	for _, taint := range taints {
		if taint.Effect == corev1.TaintEffectPreferNoSchedule {
			continue // PreferNoSchedule never blocks scheduling
		}
		covered := false
		for _, tol := range tolerations {
			if tol.ToleratesTaint(&taint) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

func isReady(n *corev1.Node) bool {
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// EligibleNodes returns the subset of node names that are eligible and
// ready, used by the Prepuller to compute the gap and by the Image
// Service to decide "prepulled" status.
func (v NodeView) EligibleNodes() []string {
	var out []string
	for name, e := range v.Nodes {
		if e.Eligible && e.Ready {
			out = append(out, name)
		}
	}
	return out
}

// Caches reports whether node has digest cached. Missing nodes (vanished
// between planning and execution) report false rather than panicking,
// per spec.md §4.D: "update events for vanished nodes are ignored rather
// than raised."
func (v NodeView) Caches(node, digest string) bool {
	e, ok := v.Nodes[node]
	if !ok {
		return false
	}
	return e.Cached[digest]
}
