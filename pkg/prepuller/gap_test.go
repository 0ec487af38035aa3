package prepuller

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lsst-sqre/nublado/pkg/images"
)

func readyNode(name string, cachedDigests ...string) corev1.Node {
	var imgs []corev1.ContainerImage
	for _, d := range cachedDigests {
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

func TestComputeGap_OnlyMissingEligiblePairs(t *testing.T) {
	nodes := images.BuildNodeView([]corev1.Node{
		readyNode("n1", "sha256:cached"),
		readyNode("n2"),
	}, nil, nil)

	cat := &images.ImageCatalog{
		ToPrepull: map[string]images.RSPImage{
			"sha256:cached": {Digest: "sha256:cached"},
			"sha256:new":    {Digest: "sha256:new"},
		},
	}

	gap := ComputeGap(cat, nodes)

	want := map[GapElement]bool{
		{Node: "n1", Digest: "sha256:new"}:    true,
		{Node: "n2", Digest: "sha256:cached"}: true,
		{Node: "n2", Digest: "sha256:new"}:    true,
	}
	if len(gap) != len(want) {
		t.Fatalf("ComputeGap() = %+v, want %d elements", gap, len(want))
	}
	for _, g := range gap {
		if !want[g] {
			t.Errorf("unexpected gap element %+v", g)
		}
	}
}

func TestComputeGap_IneligibleNodeExcluded(t *testing.T) {
	notReady := readyNode("n1")
	notReady.Status.Conditions = []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionFalse}}
	nodes := images.BuildNodeView([]corev1.Node{notReady}, nil, nil)

	cat := &images.ImageCatalog{ToPrepull: map[string]images.RSPImage{"sha256:x": {Digest: "sha256:x"}}}
	gap := ComputeGap(cat, nodes)
	if len(gap) != 0 {
		t.Errorf("ComputeGap() should exclude not-ready nodes, got %+v", gap)
	}
}
