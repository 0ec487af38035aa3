package prepuller

import (
	"sort"

	"github.com/lsst-sqre/nublado/pkg/images"
)

// ImageStatus is the API-facing per-digest prepull status (spec.md §6
// GET /prepulls: `images[]: {digest, missing_on_nodes[], present_on_nodes[]}`).
type ImageStatus struct {
	Digest         string
	MissingOnNodes []string
	PresentOnNodes []string
}

// Status reports, for every digest in the catalog's to-prepull set, which
// eligible nodes already cache it and which are still missing it.
func Status(cat *images.ImageCatalog, nodes images.NodeView) []ImageStatus {
	eligible := nodes.EligibleNodes()
	out := make([]ImageStatus, 0, len(cat.ToPrepull))
	for digest := range cat.ToPrepull {
		st := ImageStatus{Digest: digest}
		for _, node := range eligible {
			if nodes.Caches(node, digest) {
				st.PresentOnNodes = append(st.PresentOnNodes, node)
			} else {
				st.MissingOnNodes = append(st.MissingOnNodes, node)
			}
		}
		sort.Strings(st.PresentOnNodes)
		sort.Strings(st.MissingOnNodes)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out
}
