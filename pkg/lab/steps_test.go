package lab

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/k8s"
)

func newStepsTestManager(cfg config.LabSettings) (*Manager, *fake.Clientset) {
	cs := fake.NewSimpleClientset()
	client := k8s.NewUnifiedClient(cs, k8s.Config{RequestTimeout: 5 * time.Second}, logr.Discard())
	mgr := NewManager(cfg, client, &fakeResolver{}, events.NewRegistry(10), logr.Discard())
	return mgr, cs
}

// TestStepConfigMaps_NSSCarriesTheRealIdentity guards against the NSS
// ConfigMap going degenerate: production must thread the identity
// resolved at create time through to the ConfigMap builder, not a
// placeholder with a zero uid/gid and no supplemental groups.
func TestStepConfigMaps_NSSCarriesTheRealIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.NSSBasePasswd = "root:x:0:0::/root:/bin/bash\n"
	cfg.NSSBaseGroup = "root:x:0:\n"
	mgr, cs := newStepsTestManager(cfg)

	u := &UserLabState{
		Username:  "rachel",
		Namespace: "userlabs-rachel",
		Size:      ResolvedSize{Name: "small"},
		Identity: UserIdentity{
			UID:              1001,
			PrimaryGID:       1001,
			SupplementalGIDs: []int64{2000},
			Groups:           []string{"astro"},
		},
	}

	if err := mgr.stepConfigMaps(context.Background(), u); err != nil {
		t.Fatalf("stepConfigMaps() error = %v", err)
	}

	cm, err := cs.CoreV1().ConfigMaps(u.Namespace).Get(context.Background(), "lab-nss", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected the nss configmap to exist, got %v", err)
	}

	if got := cm.Data["passwd"]; got != "root:x:0:0::/root:/bin/bash\nrachel:x:1001:1001::/home/rachel:/bin/bash\n" {
		t.Errorf("passwd = %q, want base text plus the real uid/gid", got)
	}
	if got := cm.Data["group"]; got != "root:x:0:\nastro:x:2000:rachel\n" {
		t.Errorf("group = %q, want base text plus the supplemental group entry", got)
	}
}
