package images

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func eligibleReadyNode(name string, images ...string) corev1.Node {
	var imgs []corev1.ContainerImage
	for _, d := range images {
		imgs = append(imgs, corev1.ContainerImage{Names: []string{"repo@" + d}})
	}
	return corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Images:     imgs,
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

func TestBuildCatalog_HappyPath(t *testing.T) {
	nodes := BuildNodeView([]corev1.Node{
		eligibleReadyNode("n1", "sha256:abc"),
	}, nil, nil)

	in := RefreshInput{
		Source: ListResult{
			TagDigests: map[string]string{
				"r23_1_0":   "sha256:abc",
				"w_2024_10": "sha256:def",
			},
			Aliases: map[string]string{"recommended": "r23_1_0"},
		},
		RecommendedTag: "recommended",
		Nodes:          nodes,
		NumPerClass:    map[TagClass]int{ClassRelease: 3, ClassWeekly: 3, ClassDaily: 3},
	}

	cat := BuildCatalog(in)

	if cat.Recommended == nil || cat.Recommended.Digest != "sha256:abc" {
		t.Fatalf("Recommended = %+v", cat.Recommended)
	}
	img, ok := cat.FindByDigest("sha256:abc")
	if !ok || !img.Prepulled {
		t.Errorf("expected sha256:abc to be prepulled (cached on the only eligible node), got %+v", img)
	}
	weekly, ok := cat.FindByDigest("sha256:def")
	if !ok || weekly.Prepulled {
		t.Errorf("expected sha256:def to not be prepulled (not cached anywhere)")
	}
	if len(cat.Prepulled) == 0 {
		t.Error("expected at least one prepulled menu entry")
	}
}

func TestBuildCatalog_AtomicSnapshot(t *testing.T) {
	in := RefreshInput{
		Source:      ListResult{TagDigests: map[string]string{"r1_0_0": "sha256:a"}},
		NumPerClass: map[TagClass]int{ClassRelease: 1},
	}
	cat1 := BuildCatalog(in)
	in.Source.TagDigests["r2_0_0"] = "sha256:b"
	cat2 := BuildCatalog(in)

	if _, ok := cat1.FindByDigest("sha256:b"); ok {
		t.Error("cat1 must not observe images added after it was built (no partial/shared mutation)")
	}
	if _, ok := cat2.FindByDigest("sha256:b"); !ok {
		t.Error("cat2 should observe the newly added image")
	}
}

func TestBuildCatalog_UnknownDigestIgnored(t *testing.T) {
	in := RefreshInput{
		Source: ListResult{TagDigests: map[string]string{"garbage": ""}},
	}
	cat := BuildCatalog(in)
	if len(cat.ByDigest) != 0 {
		t.Errorf("tags with empty digest must be dropped, got %+v", cat.ByDigest)
	}
}

func TestBuildCatalog_PlatformTagSuppressedWhenDigestsDiffer(t *testing.T) {
	in := RefreshInput{
		Source: ListResult{TagDigests: map[string]string{
			"r23_1_0":       "sha256:generic",
			"r23_1_0-amd64": "sha256:platform",
		}},
		NumPerClass: map[TagClass]int{ClassRelease: 5},
	}
	cat := BuildCatalog(in)
	platformImg, ok := cat.FindByDigest("sha256:platform")
	if !ok {
		t.Fatal("platform image should still exist as its own RSPImage")
	}
	for _, tag := range platformImg.Tags {
		if tag == "r23_1_0-amd64" {
			t.Error("platform-specific tag should be suppressed when the generic tag resolves to a different digest")
		}
	}
}

func TestSelectToPrepull_IncludesPinsAndRecommended(t *testing.T) {
	in := RefreshInput{
		Source: ListResult{
			TagDigests: map[string]string{
				"r23_1_0": "sha256:abc",
				"pinned":  "sha256:zzz",
			},
			Aliases: map[string]string{"recommended": "r23_1_0"},
		},
		RecommendedTag: "recommended",
		Pins:           []string{"pinned"},
		NumPerClass:    map[TagClass]int{},
	}
	cat := BuildCatalog(in)
	if _, ok := cat.ToPrepull["sha256:abc"]; !ok {
		t.Error("recommended image should be in the to-prepull set")
	}
	if _, ok := cat.ToPrepull["sha256:zzz"]; !ok {
		t.Error("pinned image should be in the to-prepull set")
	}
}
