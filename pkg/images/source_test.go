package images

import (
	"context"
	"errors"
	"testing"

	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

type fakeSource struct {
	result  ListResult
	err     error
	calls   int
	resolve func(tag string) (string, error)
}

func (f *fakeSource) ListImages(ctx context.Context) (ListResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeSource) ResolveTag(ctx context.Context, tag string) (string, error) {
	if f.resolve != nil {
		return f.resolve(tag)
	}
	return "", apierrors.ErrNotFound
}

func TestWithCircuitBreaker_PassesThroughOnSuccess(t *testing.T) {
	fake := &fakeSource{result: ListResult{TagDigests: map[string]string{"r23_1_0": "sha256:abc"}}}
	src := WithCircuitBreaker(fake, 3)

	res, err := src.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}
	if res.TagDigests["r23_1_0"] != "sha256:abc" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestWithCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	fake := &fakeSource{err: errors.New("connection refused")}
	src := WithCircuitBreaker(fake, 2)

	for i := 0; i < 2; i++ {
		if _, err := src.ListImages(context.Background()); err == nil {
			t.Fatal("expected error from failing source")
		}
	}

	_, err := src.ListImages(context.Background())
	if !errors.Is(err, apierrors.ErrUpstreamTransient) {
		t.Errorf("expected ErrUpstreamTransient once circuit opens, got %v", err)
	}
}

func TestGARSource_ResolveTag_FallsBackToNotFound(t *testing.T) {
	src := &GARSource{Lister: func(ctx context.Context) (ListResult, error) {
		return ListResult{TagDigests: map[string]string{"recommended": "sha256:xyz"}}, nil
	}}

	if _, err := src.ResolveTag(context.Background(), "missing"); !errors.Is(err, apierrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	digest, err := src.ResolveTag(context.Background(), "recommended")
	if err != nil || digest != "sha256:xyz" {
		t.Errorf("ResolveTag() = %q, %v", digest, err)
	}
}

func TestGARSource_NoListerConfigured(t *testing.T) {
	src := &GARSource{}
	if _, err := src.ListImages(context.Background()); !errors.Is(err, apierrors.ErrInternal) {
		t.Errorf("expected ErrInternal for unconfigured lister, got %v", err)
	}
}

func TestNewRegistrySource_RejectsInvalidRepository(t *testing.T) {
	if _, err := NewRegistrySource(RegistryConfig{Repository: "::::not a repo"}); err == nil {
		t.Error("expected error for invalid repository reference")
	}
}
