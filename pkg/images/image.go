package images

import "sort"

// RSPImage maps a (repository, digest) identity to every tag that
// resolves to it, per spec.md §3. Identity is by digest: at most one
// RSPImage exists per digest in a given snapshot.
type RSPImage struct {
	Repository    string
	Digest        string
	Tags          []string // every tag string resolving to Digest
	Class         TagClass // best-known class; aliases adopt their target's class
	Description   string
	Nodes         map[string]bool // node names currently caching Digest
	Prepulled     bool            // cached on every eligible node
	IsRecommended bool
	bestTag       RSPTag // the tag used for ordering/description purposes
}

// Reference returns the fully-qualified repo@digest reference used in
// pod specs and API responses.
func (img RSPImage) Reference() string {
	return img.Repository + "@" + img.Digest
}

// Aliases returns the subset of Tags that are alias names (e.g.
// "recommended") rather than versioned tags.
func (img RSPImage) Aliases() []string {
	var out []string
	for _, t := range img.Tags {
		if aliasNames[t] {
			out = append(out, t)
		}
	}
	return out
}

// NodeNames returns the sorted slice of node names caching this image, for
// deterministic API responses.
func (img RSPImage) NodeNames() []string {
	out := make([]string, 0, len(img.Nodes))
	for n := range img.Nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// byRecency sorts RSPImages within a single class, newest first, with a
// final tie-break on digest for a total order (spec.md §4.C step 9's
// ordering rule).
func byRecency(images []RSPImage) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].bestTag.Less(images[j].bestTag) {
			return false // i is older -> sorts after j
		}
		if images[j].bestTag.Less(images[i].bestTag) {
			return true
		}
		return images[i].Digest < images[j].Digest
	})
}
