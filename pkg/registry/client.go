package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/platforms"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"
	"resenje.org/singleflight"

	"crate/pkg/content"
	"crate/pkg/errdefs"
	"crate/pkg/metrics"
	"crate/pkg/oci"
)

type ClientConfig struct {
	Client      *http.Client
	Log         logr.Logger
	Credentials CredentialProvider
	Platform    ocispec.Platform
	Hosts       HostsConfig
	Concurrency int
}

func (cfg *ClientConfig) Apply(opts ...ClientOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type ClientOption func(cfg *ClientConfig) error

func WithTransport(transport http.RoundTripper) ClientOption {
	return func(cfg *ClientConfig) error {
		if cfg.Client == nil {
			cfg.Client = &http.Client{}
		}
		cfg.Client.Transport = transport
		return nil
	}
}

func WithLogger(log logr.Logger) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Log = log
		return nil
	}
}

// WithCredentials sets the default credential provider used when a pull does
// not supply its own.
func WithCredentials(creds CredentialProvider) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Credentials = creds
		return nil
	}
}

func WithPlatform(platform ocispec.Platform) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Platform = platforms.Normalize(platform)
		return nil
	}
}

func WithHosts(hosts HostsConfig) ClientOption {
	return func(cfg *ClientConfig) error {
		cfg.Hosts = hosts
		return nil
	}
}

// WithConcurrency limits the number of blobs fetched in parallel per pull.
func WithConcurrency(n int) ClientOption {
	return func(cfg *ClientConfig) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be at least 1: %w", errdefs.ErrInvalidArgument)
		}
		cfg.Concurrency = n
		return nil
	}
}

type PullConfig struct {
	Credentials CredentialProvider
}

type PullOption func(cfg *PullConfig) error

// WithPullCredentials overrides the client credentials for a single pull.
func WithPullCredentials(creds CredentialProvider) PullOption {
	return func(cfg *PullConfig) error {
		cfg.Credentials = creds
		return nil
	}
}

// PullResult describes the content written to the store by a pull.
type PullResult struct {
	Reference oci.Reference
	// Target is the descriptor the reference resolved to, either an index or a manifest.
	Target ocispec.Descriptor
	// Manifest is the image manifest for the client platform.
	Manifest ocispec.Descriptor
	Config   ocispec.Descriptor
	Layers   []ocispec.Descriptor
}

// Client pulls images from registries implementing the OCI distribution API
// into a content store.
type Client struct {
	log            logr.Logger
	store          content.Store
	client         *http.Client
	clients        map[string]*http.Client
	credentials    CredentialProvider
	authorizations map[string]string
	flight         singleflight.Group[digest.Digest, struct{}]
	hosts          HostsConfig
	platform       ocispec.Platform
	concurrency    int
	mx             sync.Mutex
}

func NewClient(store content.Store, opts ...ClientOption) (*Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("default transport is not of type http.Transport")
	}
	cfg := ClientConfig{
		Client: &http.Client{
			Transport: transport.Clone(),
		},
		Log:         logr.Discard(),
		Platform:    platforms.DefaultSpec(),
		Concurrency: 3,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	clients, err := cfg.Hosts.httpClients(cfg.Client)
	if err != nil {
		return nil, err
	}
	credentials := cfg.Credentials
	if len(cfg.Hosts.Registries) > 0 {
		credentials = ChainCredentials(cfg.Hosts, cfg.Credentials)
	}

	return &Client{
		log:            cfg.Log,
		store:          store,
		client:         cfg.Client,
		clients:        clients,
		credentials:    credentials,
		authorizations: map[string]string{},
		hosts:          cfg.Hosts,
		platform:       cfg.Platform,
		concurrency:    cfg.Concurrency,
	}, nil
}

func (c *Client) httpClient(ref oci.Reference) *http.Client {
	if client, ok := c.clients[ref.Registry]; ok {
		return client
	}
	return c.client
}

// Resolve returns the descriptor the reference currently points to upstream.
func (c *Client) Resolve(ctx context.Context, ref oci.Reference, opts ...PullOption) (ocispec.Descriptor, error) {
	cfg := c.pullConfig()
	if err := cfg.Apply(opts...); err != nil {
		return ocispec.Descriptor{}, err
	}
	return c.resolve(ctx, ref, c.newPullCredentials(ref, cfg.Credentials))
}

// Pull fetches the manifest, config and layers for the reference. Blobs
// already present in the store are not fetched again and concurrent pulls
// share fetches of the same digest.
func (c *Client) Pull(ctx context.Context, ref oci.Reference, opts ...PullOption) (result PullResult, err error) {
	cfg := c.pullConfig()
	if err := cfg.Apply(opts...); err != nil {
		return PullResult{}, err
	}
	log := c.log.WithValues("reference", ref.String())
	creds := c.newPullCredentials(ref, cfg.Credentials)

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.PullsTotal.WithLabelValues(ref.Registry, outcome).Inc()
		metrics.PullDurHistogram.WithLabelValues(ref.Registry).Observe(time.Since(start).Seconds())
	}()

	target, err := c.resolve(ctx, ref, creds)
	if err != nil {
		return PullResult{}, err
	}
	log.V(4).Info("resolved reference", "digest", target.Digest, "mediaType", target.MediaType)

	manifestDesc := target
	if oci.IsIndex(target.MediaType) {
		b, err := c.fetchManifest(ctx, ref, target, creds)
		if err != nil {
			return PullResult{}, err
		}
		index, err := oci.ParseIndex(b)
		if err != nil {
			return PullResult{}, fmt.Errorf("index %s: %w", target.Digest, err)
		}
		manifestDesc, err = oci.SelectPlatform(index, c.platform)
		if err != nil {
			return PullResult{}, fmt.Errorf("image %s: %w", ref, err)
		}
		log.V(4).Info("selected platform manifest", "digest", manifestDesc.Digest, "platform", platforms.Format(c.platform))
	}
	if !oci.IsManifest(manifestDesc.MediaType) {
		return PullResult{}, fmt.Errorf("reference %s resolved to unsupported media type %s: %w", ref, manifestDesc.MediaType, errdefs.ErrInvalidArgument)
	}

	b, err := c.fetchManifest(ctx, ref, manifestDesc, creds)
	if err != nil {
		return PullResult{}, err
	}
	manifest, err := oci.ParseManifest(b)
	if err != nil {
		return PullResult{}, fmt.Errorf("manifest %s: %w", manifestDesc.Digest, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, desc := range append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...) {
		g.Go(func() error {
			return c.fetchBlob(gctx, ref, desc, creds)
		})
	}
	if err := g.Wait(); err != nil {
		return PullResult{}, err
	}

	log.Info("pulled image", "digest", manifestDesc.Digest, "layers", len(manifest.Layers))
	return PullResult{
		Reference: ref,
		Target:    target,
		Manifest:  manifestDesc,
		Config:    manifest.Config,
		Layers:    manifest.Layers,
	}, nil
}

func (c *Client) pullConfig() PullConfig {
	return PullConfig{Credentials: c.credentials}
}

func (cfg *PullConfig) Apply(opts ...PullOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) resolve(ctx context.Context, ref oci.Reference, creds *pullCredentials) (ocispec.Descriptor, error) {
	// Digest references present locally need no network access.
	if ref.Digest != "" {
		b, err := c.store.Get(ctx, ref.Digest)
		if err == nil {
			mt, err := oci.DetermineMediaType(b)
			if err != nil {
				return ocispec.Descriptor{}, fmt.Errorf("manifest %s: %w", ref.Digest, err)
			}
			return ocispec.Descriptor{MediaType: mt, Digest: ref.Digest, Size: int64(len(b))}, nil
		}
		if !errdefs.IsNotFound(err) {
			return ocispec.Descriptor{}, err
		}
	}

	resp, err := c.do(ctx, ref, http.MethodHead, "manifests/"+ref.Identifier(), oci.ManifestMediaTypes, creds)
	switch {
	case hasStatus(err, http.StatusMethodNotAllowed, http.StatusNotImplemented):
	case err != nil:
		return ocispec.Descriptor{}, err
	default:
		resp.Body.Close()
		desc := ocispec.Descriptor{
			MediaType: mediaType(resp.Header),
			Digest:    digest.Digest(resp.Header.Get("Docker-Content-Digest")),
		}
		if size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && size > 0 {
			desc.Size = size
		}
		if ref.Digest != "" {
			desc.Digest = ref.Digest
		}
		if desc.Digest.Validate() == nil && (oci.IsIndex(desc.MediaType) || oci.IsManifest(desc.MediaType)) {
			return desc, nil
		}
	}

	// Registries are not required to support HEAD or to send the digest and a
	// precise media type for it, fall back to fetching the manifest.
	c.log.V(4).Info("falling back to manifest GET for resolve", "reference", ref.String())
	resp, err = c.do(ctx, ref, http.MethodGet, "manifests/"+ref.Identifier(), oci.ManifestMediaTypes, creds)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(networkReader{resp.Body})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("could not read manifest for %s: %w", ref, err)
	}
	dgst := digest.FromBytes(b)
	if ref.Digest != "" && ref.Digest != dgst {
		return ocispec.Descriptor{}, fmt.Errorf("manifest %s: content does not match digest: %w", ref.Digest, errdefs.ErrIntegrity)
	}
	mt, err := oci.DetermineMediaType(b)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("manifest for %s: %w", ref, err)
	}
	if _, err := c.store.Put(ctx, b); err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{MediaType: mt, Digest: dgst, Size: int64(len(b))}, nil
}

func (c *Client) fetchManifest(ctx context.Context, ref oci.Reference, desc ocispec.Descriptor, creds *pullCredentials) ([]byte, error) {
	err := c.fetch(ctx, ref, desc, "manifests", oci.ManifestMediaTypes, creds)
	if err != nil {
		return nil, err
	}
	return c.store.Get(ctx, desc.Digest)
}

func (c *Client) fetchBlob(ctx context.Context, ref oci.Reference, desc ocispec.Descriptor, creds *pullCredentials) error {
	return c.fetch(ctx, ref, desc, "blobs", nil, creds)
}

// fetch downloads a manifest or blob into the store unless it is already
// present. Concurrent fetches of the same digest are deduplicated.
func (c *Client) fetch(ctx context.Context, ref oci.Reference, desc ocispec.Descriptor, kind string, accept []string, creds *pullCredentials) error {
	log := c.log.WithValues("digest", desc.Digest, "kind", kind)
	if ok, err := c.store.Has(ctx, desc.Digest); err != nil {
		return err
	} else if ok {
		log.V(4).Info("skipping fetch, content present")
		metrics.BlobFetchesTotal.WithLabelValues(ref.Registry, "local").Inc()
		return nil
	}

	_, shared, err := c.flight.Do(ctx, desc.Digest, func(ctx context.Context) (struct{}, error) {
		// The previous flight for the digest may have completed.
		if ok, err := c.store.Has(ctx, desc.Digest); err != nil || ok {
			return struct{}{}, err
		}
		resp, err := c.do(ctx, ref, http.MethodGet, kind+"/"+desc.Digest.String(), accept, creds)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		counter := &countingReader{r: networkReader{resp.Body}}
		err = c.store.Ingest(ctx, desc, counter)
		metrics.BlobBytesTotal.WithLabelValues(ref.Registry).Add(float64(counter.n))
		if err != nil {
			return struct{}{}, fmt.Errorf("could not fetch %s for %s: %w", desc.Digest, ref, err)
		}
		log.V(4).Info("fetched content", "size", counter.n)
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	source := "remote"
	if shared {
		source = "shared"
	}
	metrics.BlobFetchesTotal.WithLabelValues(ref.Registry, source).Inc()
	return nil
}

// do performs a request against the repository API of the reference. A 401
// response is answered once by authorizing with the returned challenge.
func (c *Client) do(ctx context.Context, ref oci.Reference, method, p string, accept []string, creds *pullCredentials) (*http.Response, error) {
	base, err := c.hosts.baseURL(ref.Registry, ref.APIHost())
	if err != nil {
		return nil, err
	}
	u := base.JoinPath("v2", ref.Repository, p)
	client := c.httpClient(ref)

	cred, err := creds.get(ctx)
	if err != nil {
		return nil, err
	}
	authorization := c.authorization(ref, cred)
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if len(accept) > 0 {
			req.Header.Set("Accept", strings.Join(accept, ", "))
		}
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		c.log.V(4).Info("registry request", "method", method, "url", u.String(), "attempt", attempt)
		resp, err := client.Do(req)
		if err != nil {
			return nil, transportError(ctx, ref, u, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			authorization, err = c.authorize(ctx, ref, resp.Header, cred)
			if err != nil {
				return nil, err
			}
			c.setAuthorization(ref, cred, authorization)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		drain(resp)
		return nil, statusError(ref, p, resp)
	}
}

// unexpectedStatus is a registry response outside the 2xx range.
type unexpectedStatus struct {
	code int
	err  error
}

func (e *unexpectedStatus) Error() string {
	return e.err.Error()
}

func (e *unexpectedStatus) Unwrap() error {
	return e.err
}

func hasStatus(err error, codes ...int) bool {
	var statusErr *unexpectedStatus
	return errors.As(err, &statusErr) && slices.Contains(codes, statusErr.code)
}

func statusError(ref oci.Reference, what string, resp *http.Response) error {
	var err error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		err = fmt.Errorf("%s in %s: %w", what, ref.Name(), errdefs.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err = fmt.Errorf("access to %s denied with status %s: %w", ref, resp.Status, errdefs.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		err = fmt.Errorf("registry request for %s failed with status %s: %w", ref, resp.Status, errdefs.ErrNetwork)
	case resp.StatusCode >= http.StatusBadRequest:
		err = fmt.Errorf("registry rejected %s %s with status %s: %w", ref, what, resp.Status, errdefs.ErrInvalidArgument)
	default:
		err = fmt.Errorf("unexpected status %s for %s %s: %w", resp.Status, ref, what, errdefs.ErrNetwork)
	}
	return &unexpectedStatus{code: resp.StatusCode, err: err}
}

func transportError(ctx context.Context, ref oci.Reference, u *url.URL, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("request to %s cancelled: %w", u.Host, err)
	}
	return fmt.Errorf("request for %s to %s failed: %w: %w", ref, u.Host, errdefs.ErrNetwork, err)
}

func mediaType(header http.Header) string {
	mt, _, _ := strings.Cut(header.Get("Content-Type"), ";")
	return strings.TrimSpace(mt)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// networkReader marks body read failures as retryable network errors.
type networkReader struct {
	r io.Reader
}

func (n networkReader) Read(p []byte) (int, error) {
	i, err := n.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return i, fmt.Errorf("%w: %w", errdefs.ErrNetwork, err)
	}
	return i, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	i, err := c.r.Read(p)
	c.n += int64(i)
	return i, err
}
