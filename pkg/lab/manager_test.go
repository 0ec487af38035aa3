package lab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/images"
	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

type fakeResolver struct {
	img images.RSPImage
	ok  bool
}

func (r *fakeResolver) Resolve(choice images.ImageChoice) (images.RSPImage, bool) {
	return r.img, r.ok
}

func testConfig() config.LabSettings {
	return config.LabSettings{
		NamespacePrefix: "userlabs",
		SpawnTimeout:    2 * time.Second,
		DeleteTimeout:   2 * time.Second,
		Sizes: map[string]config.Size{
			"small": {CPULimit: 1, CPUFraction: 0.25, MemLimit: 1 << 30, MemFraction: 0.25},
		},
	}
}

func TestManager_Create_RejectsUnknownImage(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{ok: false}, events.NewRegistry(10), logr.Discard())
	err := mgr.Create(context.Background(), "rachel", Request{Size: "small"})
	if err == nil {
		t.Fatal("expected an error for an unresolvable image choice")
	}
}

func TestManager_Create_RejectsUnknownSize(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{ok: true, img: images.RSPImage{Digest: "sha256:a"}}, events.NewRegistry(10), logr.Discard())
	err := mgr.Create(context.Background(), "rachel", Request{Size: "does-not-exist"})
	if err == nil {
		t.Fatal("expected an error for an unknown size")
	}
}

func TestManager_Create_RejectsForbiddenIdentity(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{ok: true, img: images.RSPImage{Digest: "sha256:a"}}, events.NewRegistry(10), logr.Discard())
	err := mgr.Create(context.Background(), "rachel", Request{Size: "small", Identity: UserIdentity{Forbidden: true}})
	if !errors.Is(err, apierrors.ErrAuthorization) {
		t.Errorf("Create() error = %v, want apierrors.ErrAuthorization", err)
	}
	if _, statusErr := mgr.Status("rachel"); statusErr != ErrNotFound {
		t.Errorf("a forbidden create must not insert any state, got Status() error = %v", statusErr)
	}
}

func TestManager_Create_RejectsSizeOverQuota(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{ok: true, img: images.RSPImage{Digest: "sha256:a"}}, events.NewRegistry(10), logr.Discard())
	err := mgr.Create(context.Background(), "rachel", Request{Size: "small", Identity: UserIdentity{QuotaMemBytes: 1 << 20}})
	if !errors.Is(err, apierrors.ErrQuotaExceeded) {
		t.Errorf("Create() error = %v, want apierrors.ErrQuotaExceeded", err)
	}
	if _, statusErr := mgr.Status("rachel"); statusErr != ErrNotFound {
		t.Errorf("a quota-exceeded create must not insert any state (rejected before any Kubernetes write), got Status() error = %v", statusErr)
	}
}

func TestManager_Create_AllowsSizeWithinQuota(t *testing.T) {
	mgr, _ := newStepsTestManager(testConfig())
	mgr.images = &fakeResolver{ok: true, img: images.RSPImage{Digest: "sha256:a"}}
	err := mgr.Create(context.Background(), "rachel", Request{Size: "small", Identity: UserIdentity{QuotaMemBytes: 1 << 30}})
	if err != nil {
		t.Fatalf("Create() error = %v, want success for a size within quota", err)
	}
}

func TestManager_Status_NotFoundForUnknownUser(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{}, events.NewRegistry(10), logr.Discard())
	if _, err := mgr.Status("ghost"); err != ErrNotFound {
		t.Errorf("Status() error = %v, want ErrNotFound", err)
	}
}

func TestManager_Delete_IdempotentForUnknownUser(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{}, events.NewRegistry(10), logr.Discard())
	if err := mgr.Delete(context.Background(), "ghost"); err != nil {
		t.Errorf("Delete() on an unknown user should be a no-op, got %v", err)
	}
}

func TestManager_List_ReflectsInsertedUsers(t *testing.T) {
	mgr := NewManager(testConfig(), nil, &fakeResolver{}, events.NewRegistry(10), logr.Discard())
	mgr.lookupOrInsert("rachel")
	mgr.lookupOrInsert("sam")
	list := mgr.List()
	if len(list) != 2 {
		t.Errorf("List() = %d entries, want 2", len(list))
	}
}
