// Package prepuller implements Component D: it consumes image catalog
// snapshots and node views, computes the prepull gap, and schedules
// single-purpose pull pods to close it.
package prepuller

import (
	"sort"

	"github.com/lsst-sqre/nublado/pkg/images"
)

// GapElement is one (node, digest) pair that needs a prepull pod: the
// node is eligible, the digest is in the catalog's to-prepull set, and
// the digest is not already cached on that node.
type GapElement struct {
	Node   string
	Digest string
}

// ComputeGap implements spec.md §4.D's gap formula:
// {(node, digest) : node.eligible ∧ digest ∈ to_prepull ∧ digest ∉ node.cached}.
// Pure and deterministically ordered so callers get stable scheduling
// order across ticks.
func ComputeGap(cat *images.ImageCatalog, nodes images.NodeView) []GapElement {
	var gap []GapElement
	for _, node := range nodes.EligibleNodes() {
		for digest := range cat.ToPrepull {
			if !nodes.Caches(node, digest) {
				gap = append(gap, GapElement{Node: node, Digest: digest})
			}
		}
	}
	sort.Slice(gap, func(i, j int) bool {
		if gap[i].Node != gap[j].Node {
			return gap[i].Node < gap[j].Node
		}
		return gap[i].Digest < gap[j].Digest
	})
	return gap
}
