package images

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sony/gobreaker"

	"github.com/lsst-sqre/nublado/pkg/shared/apierrors"
)

// ListResult is the snapshot an ImageSource hands back: a map of tag to
// digest, plus optional alias edges (alias tag name -> target tag name),
// used when the source can report aliasing in the same call (the
// artifact-registry variant; the registry variant never populates this).
type ListResult struct {
	TagDigests map[string]string
	Aliases    map[string]string
}

// ImageSource is Component A: list tags+digests from a registry, and
// resolve a single tag to a digest when the bulk listing didn't already
// supply it. Implementations must be safe for concurrent use and must
// treat their return values as immutable snapshots (no side effects).
type ImageSource interface {
	ListImages(ctx context.Context) (ListResult, error)
	ResolveTag(ctx context.Context, tag string) (string, error)
}

// breakerSource wraps any ImageSource with a circuit breaker so repeated
// upstream failures fail fast instead of stalling every refresh tick on a
// dead registry, per spec.md §7 ("Upstream transient...retried with
// backoff...on exhaustion becomes upstream permanent").
type breakerSource struct {
	inner   ImageSource
	breaker *gobreaker.CircuitBreaker
}

// WithCircuitBreaker wraps source with a breaker that opens after
// maxFailures consecutive failures and half-opens after 30s.
func WithCircuitBreaker(source ImageSource, maxFailures uint32) ImageSource {
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "image-source",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return &breakerSource{inner: source, breaker: cb}
}

func (b *breakerSource) ListImages(ctx context.Context) (ListResult, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.ListImages(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return ListResult{}, fmt.Errorf("%w: image source circuit open: %s", apierrors.ErrUpstreamTransient, err)
		}
		return ListResult{}, err
	}
	return res.(ListResult), nil
}

func (b *breakerSource) ResolveTag(ctx context.Context, tag string) (string, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.ResolveTag(ctx, tag)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("%w: image source circuit open: %s", apierrors.ErrUpstreamTransient, err)
		}
		return "", err
	}
	return res.(string), nil
}

// RegistryConfig configures the docker-registry variant of Component A.
type RegistryConfig struct {
	Repository             string   // e.g. "registry.example.org/sciplat/sciplat-lab"
	TokenEndpointAllowlist []string // WWW-Authenticate is only followed to these hosts
	Keychain               authn.Keychain
	Transport              http.RoundTripper
}

// RegistrySource lists tags from a docker-registry-v2-compatible
// endpoint, sending Accept headers that cover multi-architecture image
// indexes, and only following WWW-Authenticate challenges to an
// allowlisted token endpoint (spec.md §4.A).
type RegistrySource struct {
	cfg  RegistryConfig
	repo name.Repository
}

// NewRegistrySource builds a RegistrySource for the given repository
// reference.
func NewRegistrySource(cfg RegistryConfig) (*RegistrySource, error) {
	repo, err := name.NewRepository(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("%w: parse repository %q: %s", apierrors.ErrValidation, cfg.Repository, err)
	}
	if cfg.Keychain == nil {
		cfg.Keychain = authn.DefaultKeychain
	}
	if len(cfg.TokenEndpointAllowlist) > 0 {
		base := cfg.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		cfg.Transport = &allowlistedAuthTransport{base: base, allowlist: cfg.TokenEndpointAllowlist, registry: repo.RegistryStr()}
	}
	return &RegistrySource{cfg: cfg, repo: repo}, nil
}

// allowlistedAuthTransport rejects token-exchange requests (anything that
// isn't a request to the registry host itself) whose host is not on the
// configured allowlist, per spec.md §4.A: "must follow WWW-Authenticate
// only to a configured, whitelisted token endpoint."
type allowlistedAuthTransport struct {
	base      http.RoundTripper
	allowlist []string
	registry  string
}

func (t *allowlistedAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if host != t.registry && !t.isAllowlisted(host) {
		return nil, fmt.Errorf("%w: token endpoint %q is not on the configured allowlist", apierrors.ErrAuthorization, host)
	}
	return t.base.RoundTrip(req)
}

func (t *allowlistedAuthTransport) isAllowlisted(host string) bool {
	for _, h := range t.allowlist {
		if h == host {
			return true
		}
	}
	return false
}

func (s *RegistrySource) options(ctx context.Context) []remote.Option {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(s.cfg.Keychain),
	}
	if s.cfg.Transport != nil {
		opts = append(opts, remote.WithTransport(s.cfg.Transport))
	}
	return opts
}

// ListImages paginates through the registry's tag list and resolves each
// tag's digest with one HEAD request per tag on every call; digests from
// earlier listings are not reused. A tag whose HEAD fails is left out of
// the result.
func (s *RegistrySource) ListImages(ctx context.Context) (ListResult, error) {
	tags, err := remote.List(s.repo, s.options(ctx)...)
	if err != nil {
		return ListResult{}, classifyRegistryError(err)
	}

	result := ListResult{TagDigests: make(map[string]string, len(tags))}
	for _, tag := range tags {
		ref := s.repo.Tag(tag)
		desc, err := remote.Head(ref, s.options(ctx)...)
		if err != nil {
			// One bad tag must not fail the whole listing; skip it and
			// let the next refresh tick retry.
			continue
		}
		result.TagDigests[tag] = desc.Digest.String()
	}
	return result, nil
}

// ResolveTag resolves a single tag that ListImages did not already
// return a digest for.
func (s *RegistrySource) ResolveTag(ctx context.Context, tag string) (string, error) {
	ref := s.repo.Tag(tag)
	desc, err := remote.Head(ref, s.options(ctx)...)
	if err != nil {
		return "", classifyRegistryError(err)
	}
	return desc.Digest.String(), nil
}

func classifyRegistryError(err error) error {
	if te, ok := err.(*remote.ErrUnexpectedStatus); ok {
		switch te.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", apierrors.ErrAuthorization, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", apierrors.ErrNotFound, err)
		}
	}
	return fmt.Errorf("%w: %s", apierrors.ErrUpstreamTransient, err)
}

// GARSource is the Google Artifact Registry variant: a single bulk call
// returns all tag->digest mappings plus alias edges in one round trip,
// preferred over the registry variant when available (spec.md §4.A).
type GARSource struct {
	// Lister is injected so tests (and alternate GAR client libraries)
	// can substitute a fake; production wiring points this at the GAR
	// REST API's batch tag-listing call.
	Lister func(ctx context.Context) (ListResult, error)
}

func (s *GARSource) ListImages(ctx context.Context) (ListResult, error) {
	if s.Lister == nil {
		return ListResult{}, fmt.Errorf("%w: GARSource has no Lister configured", apierrors.ErrInternal)
	}
	res, err := s.Lister(ctx)
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: %s", apierrors.ErrUpstreamTransient, err)
	}
	return res, nil
}

// ResolveTag is rarely needed for GAR: the bulk listing already returns
// every known tag's digest. If asked for one it didn't return, there is
// nothing further to query without another bulk call, so this reports
// NotFound rather than making a second round trip.
func (s *GARSource) ResolveTag(ctx context.Context, tag string) (string, error) {
	res, err := s.ListImages(ctx)
	if err != nil {
		return "", err
	}
	if d, ok := res.TagDigests[tag]; ok {
		return d, nil
	}
	return "", fmt.Errorf("%w: tag %q", apierrors.ErrNotFound, tag)
}
