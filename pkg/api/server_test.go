package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/fileserver"
	"github.com/lsst-sqre/nublado/pkg/images"
	"github.com/lsst-sqre/nublado/pkg/lab"
	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

type fakeImageService struct {
	cat   *images.ImageCatalog
	nodes images.NodeView
}

func (f *fakeImageService) Snapshot() *images.ImageCatalog { return f.cat }
func (f *fakeImageService) NodeView() images.NodeView      { return f.nodes }

type fakeLabManager struct {
	createErr error
	statusErr error
	snap      lab.Snapshot
	bus       *events.Bus
	list      []lab.Snapshot
}

func (f *fakeLabManager) Create(ctx context.Context, username string, req lab.Request) error {
	return f.createErr
}
func (f *fakeLabManager) Delete(ctx context.Context, username string) error { return nil }
func (f *fakeLabManager) Status(username string) (lab.Snapshot, error) {
	if f.statusErr != nil {
		return lab.Snapshot{}, f.statusErr
	}
	return f.snap, nil
}
func (f *fakeLabManager) Events(username string, afterID uint64) (*events.Subscription, error) {
	if f.bus == nil {
		return nil, lab.ErrNotFound
	}
	return f.bus.Subscribe(afterID), nil
}
func (f *fakeLabManager) List() []lab.Snapshot { return f.list }

type fakeFileServerManager struct {
	snap fileserver.Snapshot
	ok   bool
}

func (f *fakeFileServerManager) Create(ctx context.Context, username string) error { return nil }
func (f *fakeFileServerManager) Delete(ctx context.Context, username string) error { return nil }
func (f *fakeFileServerManager) Status(username string) (fileserver.Snapshot, bool) {
	return f.snap, f.ok
}

func testCatalog() *images.ImageCatalog {
	return &images.ImageCatalog{
		ByClass:   map[images.TagClass][]images.RSPImage{},
		ByDigest:  map[string]images.RSPImage{},
		ToPrepull: map[string]images.RSPImage{},
		Prepulled: []images.MenuEntry{{Reference: "repo@sha256:abc", Digest: "sha256:abc", TagClass: images.ClassRelease}},
		Dropdown:  []images.MenuEntry{},
	}
}

func newTestServer(lm LabManager, fm FileServerManager, is ImageService) *Server {
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewServer(lm, fm, is, config.PrepullerSettings{ConcurrencyLimit: 10, Tick: 30 * time.Second}, metrics, logr.Discard())
}

func TestHandleImages_ReturnsMenu(t *testing.T) {
	srv := newTestServer(&fakeLabManager{}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	req := httptest.NewRequest(http.MethodGet, "/images", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp menuResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(resp.Options) != 1 || resp.Options[0].Digest != "sha256:abc" {
		t.Errorf("unexpected options: %+v", resp.Options)
	}
}

func TestHandleCreateLab_RejectsMissingSize(t *testing.T) {
	srv := newTestServer(&fakeLabManager{}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	body := strings.NewReader(`{"image":{"class":"release"}}`)
	req := httptest.NewRequest(http.MethodPost, "/labs/rachel", body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing required size", w.Code)
	}
}

func TestHandleCreateLab_MapsImageUnknownTo422(t *testing.T) {
	srv := newTestServer(&fakeLabManager{createErr: apierrors.ErrImageUnknown}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	body := strings.NewReader(`{"image":{"tag":"w_2024_01"},"size":"small"}`)
	req := httptest.NewRequest(http.MethodPost, "/labs/rachel", body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleCreateLab_MapsQuotaExceededTo422(t *testing.T) {
	srv := newTestServer(&fakeLabManager{createErr: apierrors.ErrQuotaExceeded}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	body := strings.NewReader(`{"image":{"tag":"w_2024_01"},"size":"huge","identity":{"quota_mem_bytes":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/labs/rachel", body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestHandleCreateLab_MapsAuthorizationErrorTo403(t *testing.T) {
	srv := newTestServer(&fakeLabManager{createErr: apierrors.ErrAuthorization}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	body := strings.NewReader(`{"image":{"tag":"w_2024_01"},"size":"small","identity":{"forbidden":true}}`)
	req := httptest.NewRequest(http.MethodPost, "/labs/rachel", body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestHandleCreateLab_Succeeds(t *testing.T) {
	srv := newTestServer(&fakeLabManager{}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	body := strings.NewReader(`{"image":{"tag":"w_2024_01"},"size":"small"}`)
	req := httptest.NewRequest(http.MethodPost, "/labs/rachel", body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
}

func TestHandleGetLab_NotFoundMapsTo404(t *testing.T) {
	srv := newTestServer(&fakeLabManager{statusErr: lab.ErrNotFound}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	req := httptest.NewRequest(http.MethodGet, "/labs/ghost", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleGetLab_IncludesResourcesOptionsAndQuota(t *testing.T) {
	snap := lab.Snapshot{
		Username:      "rachel",
		Status:        lab.StatusRunning,
		Options:       lab.Options{Debug: true},
		Resources:     []lab.CreatedResource{{Kind: "Namespace", Name: "userlabs-rachel"}},
		QuotaMemBytes: 1 << 30,
	}
	srv := newTestServer(&fakeLabManager{snap: snap}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	req := httptest.NewRequest(http.MethodGet, "/labs/rachel", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var out labStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if !out.Options.Debug {
		t.Error("expected options.debug to round-trip")
	}
	if len(out.Resources) != 1 || out.Resources[0].Name != "userlabs-rachel" {
		t.Errorf("unexpected resources: %+v", out.Resources)
	}
	if out.QuotaMemBytes != 1<<30 {
		t.Errorf("quota_mem_bytes = %d, want %d", out.QuotaMemBytes, int64(1<<30))
	}
}

func TestHandleListLabs_ReturnsAllUsers(t *testing.T) {
	srv := newTestServer(&fakeLabManager{list: []lab.Snapshot{{Username: "rachel", Status: lab.StatusRunning}}}, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})
	req := httptest.NewRequest(http.MethodGet, "/labs", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var out []labListEntry
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(out) != 1 || out[0].User != "rachel" {
		t.Errorf("unexpected list: %+v", out)
	}
}

func TestHandleLabEvents_StreamsBufferedThenLiveEvents(t *testing.T) {
	bus := events.NewBus(10)
	bus.Publish(events.Event{Kind: events.KindProgress, Message: "step one"})

	lm := &fakeLabManager{bus: bus}
	srv := newTestServer(lm, &fakeFileServerManager{}, &fakeImageService{cat: testCatalog()})

	req := httptest.NewRequest(http.MethodGet, "/labs/rachel/events", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 200*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var sawData bool
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data:") && strings.Contains(scanner.Text(), "step one") {
			sawData = true
		}
	}
	if !sawData {
		t.Errorf("expected buffered event to be replayed in the SSE stream, got body: %q", w.Body.String())
	}
}

func TestHandlePrepulls_ReturnsConfigAndImages(t *testing.T) {
	cat := testCatalog()
	cat.ToPrepull["sha256:abc"] = images.RSPImage{Digest: "sha256:abc"}
	nodes := images.NodeView{Nodes: map[string]*images.NodeEntry{
		"n1": {Name: "n1", Eligible: true, Ready: true, Cached: map[string]bool{"sha256:abc": true}},
	}}
	srv := newTestServer(&fakeLabManager{}, &fakeFileServerManager{}, &fakeImageService{cat: cat, nodes: nodes})

	req := httptest.NewRequest(http.MethodGet, "/prepulls", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var resp prepullsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.Config.ConcurrencyLimit != 10 {
		t.Errorf("ConcurrencyLimit = %d, want 10", resp.Config.ConcurrencyLimit)
	}
	if len(resp.Images) != 1 || len(resp.Images[0].PresentOnNodes) != 1 {
		t.Errorf("unexpected images: %+v", resp.Images)
	}
}

func TestHandleFileServer_CreateGetDelete(t *testing.T) {
	fm := &fakeFileServerManager{snap: fileserver.Snapshot{Username: "rachel", Status: fileserver.StatusRunning}, ok: true}
	srv := newTestServer(&fakeLabManager{}, fm, &fakeImageService{cat: testCatalog()})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/files/rachel", nil))
	if w.Code != http.StatusCreated {
		t.Errorf("create status = %d, want 201", w.Code)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/rachel", nil))
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/files/rachel", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
}
