package images

import (
	"sort"
	"strings"
)

// MenuEntry is the API-facing view of one RSPImage, matching spec.md §6's
// GET /images shape: {reference, description, digest, tag_class, aliases[]}.
type MenuEntry struct {
	Reference   string
	Description string
	Digest      string
	TagClass    TagClass
	Aliases     []string
}

func menuEntry(img RSPImage) MenuEntry {
	return MenuEntry{
		Reference:   img.Reference(),
		Description: img.Description,
		Digest:      img.Digest,
		TagClass:    img.Class,
		Aliases:     img.Aliases(),
	}
}

// ImageCatalog is the merged, immutable-by-swap snapshot produced by the
// Image Service (spec.md §3): class-partitioned ordered lists, the
// recommended image, the prepulled/dropdown menu split, and the
// to-prepull set. A published ImageCatalog is never mutated.
type ImageCatalog struct {
	ByClass     map[TagClass][]RSPImage
	ByDigest    map[string]RSPImage
	Recommended *RSPImage
	Prepulled   []MenuEntry // radio options, ordered: recommended, releases, weeklies, dailies, pins
	Dropdown    []MenuEntry
	ToPrepull   map[string]RSPImage // digest -> image, the prepull target set
}

// FindByDigest looks up an image by its resolved digest.
func (c *ImageCatalog) FindByDigest(digest string) (RSPImage, bool) {
	img, ok := c.ByDigest[digest]
	return img, ok
}

// FindByTag looks up an image by any tag string it carries.
func (c *ImageCatalog) FindByTag(tag string) (RSPImage, bool) {
	for _, img := range c.ByDigest {
		for _, t := range img.Tags {
			if t == tag {
				return img, true
			}
		}
	}
	return RSPImage{}, false
}

// FindByClass returns the Nth-from-newest image in a class (index 0 is
// the newest), used to resolve image choices like {class: weekly, index: 1}.
func (c *ImageCatalog) FindByClass(class TagClass, index int) (RSPImage, bool) {
	list := c.ByClass[class]
	if index < 0 || index >= len(list) {
		return RSPImage{}, false
	}
	return list[index], true
}

// RefreshInput bundles the pieces a single refresh cycle needs: the raw
// source listing and the current node list, so BuildCatalog is a pure
// function over its inputs and trivially testable.
type RefreshInput struct {
	Source         ListResult
	RepoPrefix     string // identity/repository string images belong to
	Nodes          NodeView
	RecommendedTag string
	NumPerClass    map[TagClass]int
	Pins           []string
	CycleFilter    *int
}

// BuildCatalog runs the Image Service's refresh protocol (spec.md §4.C
// steps 2-8) over a single ListResult + NodeView, producing a new
// ImageCatalog. It never mutates its inputs and never touches any
// previously-published catalog, so callers can always fall back to the
// prior snapshot on error without any partial-update risk.
func BuildCatalog(in RefreshInput) *ImageCatalog {
	byDigest := groupByDigest(in.Source)
	for _, img := range byDigest {
		img.Repository = in.RepoPrefix
	}
	resolveAliases(byDigest, in.Source.Aliases, in.RecommendedTag)
	applyNodePresence(byDigest, in.Nodes)
	suppressPlatformSpecificTags(byDigest)

	cat := &ImageCatalog{
		ByClass:  make(map[TagClass][]RSPImage),
		ByDigest: make(map[string]RSPImage, len(byDigest)),
	}
	for digest, img := range byDigest {
		cat.ByDigest[digest] = *img
		if img.Class == ClassAlias || img.Class == ClassUnknown {
			continue
		}
		cat.ByClass[img.Class] = append(cat.ByClass[img.Class], *img)
	}
	for class := range cat.ByClass {
		byRecency(cat.ByClass[class])
	}

	recDigest, hasRec := in.Source.TagDigests[in.RecommendedTag]
	if !hasRec {
		if d, ok := in.Source.Aliases[in.RecommendedTag]; ok {
			recDigest = in.Source.TagDigests[d]
			hasRec = recDigest != ""
		}
	}
	if hasRec {
		if img, ok := cat.ByDigest[recDigest]; ok {
			img.IsRecommended = true
			cat.ByDigest[recDigest] = img
			cat.Recommended = &img
		}
	}

	cat.ToPrepull = selectToPrepull(cat, in)
	for digest, img := range cat.ToPrepull {
		_ = digest
		marked := img
		marked.Prepulled = isPrepulledOnAllEligible(img, in.Nodes)
		cat.ByDigest[img.Digest] = marked
		cat.ToPrepull[img.Digest] = marked
	}

	cat.Prepulled, cat.Dropdown = buildMenu(cat, in)
	return cat
}

// groupByDigest parses every tag and groups the resulting RSPTags by
// digest into RSPImage values (spec.md §4.C steps 1-2).
func groupByDigest(src ListResult) map[string]*RSPImage {
	byDigest := make(map[string]*RSPImage)
	for tag, digest := range src.TagDigests {
		if digest == "" {
			continue
		}
		parsed := ParseTag(tag)
		img, ok := byDigest[digest]
		if !ok {
			img = &RSPImage{Digest: digest, Nodes: make(map[string]bool)}
			byDigest[digest] = img
		}
		img.Tags = append(img.Tags, tag)
		// Adopt the best (most informative) tag seen so far for class/
		// description/ordering purposes: a non-alias, non-unknown tag
		// always wins over one that is.
		if shouldReplaceBestTag(img.bestTag, parsed) {
			img.bestTag = parsed
			img.Class = parsed.Class
			img.Description = parsed.Description
		}
	}
	return byDigest
}

func shouldReplaceBestTag(current, candidate RSPTag) bool {
	if current.Raw == "" {
		return true
	}
	rank := func(c TagClass) int {
		switch c {
		case ClassAlias, ClassUnknown:
			return 0
		default:
			return 1
		}
	}
	return rank(candidate.Class) > rank(current.Class)
}

// resolveAliases folds alias tag -> target tag edges into the target's
// RSPImage: the alias's class/version is inherited from whatever image
// the Source told us it points at (spec.md §4.C step 3). Aliases that
// point at nothing resolvable stay ClassAlias and are simply not
// actionable (dropped from the class-partitioned lists, never crash the
// refresh).
func resolveAliases(byDigest map[string]*RSPImage, aliases map[string]string, recommendedTag string) {
	for alias, target := range aliases {
		targetDigest := findDigestForTag(byDigest, target)
		if targetDigest == "" {
			continue
		}
		img := byDigest[targetDigest]
		img.Tags = append(img.Tags, alias)
		if alias == recommendedTag {
			img.IsRecommended = true
		}
	}
}

func findDigestForTag(byDigest map[string]*RSPImage, tag string) string {
	for digest, img := range byDigest {
		for _, t := range img.Tags {
			if t == tag {
				return digest
			}
		}
	}
	return ""
}

// applyNodePresence fills in each image's Nodes set (spec.md §4.C step 5
// relies on NodeView already having been computed by the caller over
// eligible nodes only).
func applyNodePresence(byDigest map[string]*RSPImage, nodes NodeView) {
	for digest, img := range byDigest {
		for name, entry := range nodes.Nodes {
			if entry.Cached[digest] {
				img.Nodes[name] = true
			}
		}
	}
}

// isPrepulledOnAllEligible reports whether digest is cached on every
// eligible node (spec.md §4.C step 6).
func isPrepulledOnAllEligible(img RSPImage, nodes NodeView) bool {
	eligible := nodes.EligibleNodes()
	if len(eligible) == 0 {
		return false
	}
	for _, n := range eligible {
		if !img.Nodes[n] {
			return false
		}
	}
	return true
}

// suppressPlatformSpecificTags drops tags that are purely
// architecture-qualified duplicates of a generic tag when both exist. Per
// spec.md §9's resolved Open Question, when a platform-specific tag and
// its generic counterpart map to *different* digests, the generic tag's
// image is canonical and the platform-specific one is dropped from the
// menu entirely.
func suppressPlatformSpecificTags(byDigest map[string]*RSPImage) {
	genericDigest := make(map[string]string) // base tag -> digest
	for digest, img := range byDigest {
		for _, tag := range img.Tags {
			if base, isPlatform := platformBase(tag); isPlatform {
				_ = base
			} else {
				genericDigest[tag] = digest
			}
		}
	}
	for _, img := range byDigest {
		kept := img.Tags[:0:0]
		for _, tag := range img.Tags {
			base, isPlatform := platformBase(tag)
			if !isPlatform {
				kept = append(kept, tag)
				continue
			}
			if _, ok := genericDigest[base]; ok {
				continue // generic tag exists (on this or the canonical image): drop
			}
			kept = append(kept, tag)
		}
		img.Tags = kept
	}
}

var platformSuffixes = []string{"-amd64", "-arm64", "-linux-amd64", "-linux-arm64"}

func platformBase(tag string) (string, bool) {
	for _, suffix := range platformSuffixes {
		if strings.HasSuffix(tag, suffix) {
			return strings.TrimSuffix(tag, suffix), true
		}
	}
	return tag, false
}

// selectToPrepull implements spec.md §4.C step 7: top-N per class, plus
// all explicit pins, plus recommended, restricted to cycle-filtered
// images.
func selectToPrepull(cat *ImageCatalog, in RefreshInput) map[string]RSPImage {
	out := make(map[string]RSPImage)
	add := func(img RSPImage) {
		if in.CycleFilter != nil && img.bestTag.Cycle != nil && *img.bestTag.Cycle != *in.CycleFilter {
			return
		}
		out[img.Digest] = img
	}

	for class, n := range in.NumPerClass {
		list := cat.ByClass[class]
		for i := 0; i < n && i < len(list); i++ {
			add(list[i])
		}
	}
	if cat.Recommended != nil {
		add(*cat.Recommended)
	}
	for _, pin := range in.Pins {
		if digest, ok := in.Source.TagDigests[pin]; ok {
			if img, ok := cat.ByDigest[digest]; ok {
				add(img)
			}
		}
	}
	return out
}

// buildMenu implements spec.md §4.C step 8: prepulled targets become
// radio options ordered recommended/releases/weeklies/dailies/pins;
// everything else is dropdown.
func buildMenu(cat *ImageCatalog, in RefreshInput) (prepulled, dropdown []MenuEntry) {
	seen := make(map[string]bool)
	order := func(img RSPImage) {
		if seen[img.Digest] {
			return
		}
		seen[img.Digest] = true
		prepulled = append(prepulled, menuEntry(img))
	}

	if cat.Recommended != nil {
		order(*cat.Recommended)
	}
	for _, class := range []TagClass{ClassRelease, ClassWeekly, ClassDaily} {
		n := in.NumPerClass[class]
		list := cat.ByClass[class]
		for i := 0; i < n && i < len(list); i++ {
			if _, isTarget := cat.ToPrepull[list[i].Digest]; isTarget {
				order(list[i])
			}
		}
	}
	for _, pin := range in.Pins {
		if digest, ok := in.Source.TagDigests[pin]; ok {
			if img, ok := cat.ByDigest[digest]; ok {
				if _, isTarget := cat.ToPrepull[digest]; isTarget {
					order(img)
				}
			}
		}
	}

	for digest, img := range cat.ByDigest {
		if seen[digest] {
			continue
		}
		dropdown = append(dropdown, menuEntry(img))
	}
	sort.Slice(dropdown, func(i, j int) bool { return dropdown[i].Reference < dropdown[j].Reference })
	return prepulled, dropdown
}
