// Package registrytest serves an in memory OCI registry for tests.
package registrytest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"

	"cuelabs.dev/go/oci/ociregistry/ocimem"
	"cuelabs.dev/go/oci/ociregistry/ociserver"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

type Option func(s *Server)

// WithBearerAuth requires a bearer token issued for the given credentials.
func WithBearerAuth(username, password string) Option {
	return func(s *Server) {
		s.scheme = "Bearer"
		s.username = username
		s.password = password
	}
}

// WithBasicAuth requires basic authentication with the given credentials.
func WithBasicAuth(username, password string) Option {
	return func(s *Server) {
		s.scheme = "Basic"
		s.username = username
		s.password = password
	}
}

type Server struct {
	*httptest.Server
	reg       *ocimem.Registry
	requests  map[string]int
	corrupt   map[digest.Digest][]byte
	status    map[string]int
	scheme    string
	username  string
	password  string
	tokenReqs int
	mx        sync.Mutex
}

func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		reg:      ocimem.New(),
		requests: map[string]int{},
		corrupt:  map[digest.Digest][]byte{},
		status:   map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	backend := ociserver.New(s.reg, nil)
	s.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		s.serve(backend, rw, req)
	}))
	t.Cleanup(s.Close)
	return s
}

// Host returns the registry domain to use in references.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *Server) serve(backend http.Handler, rw http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/token" {
		s.serveToken(rw, req)
		return
	}

	s.mx.Lock()
	s.requests[req.Method+" "+req.URL.Path]++
	status, ok := s.status[req.Method+" "+path.Base(req.URL.Path)]
	if !ok {
		status = s.status[path.Base(req.URL.Path)]
	}
	corrupt, isCorrupt := s.corrupt[digest.Digest(path.Base(req.URL.Path))]
	s.mx.Unlock()

	if !s.authorized(req) {
		switch s.scheme {
		case "Bearer":
			rw.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registrytest"`, s.URL))
		case "Basic":
			rw.Header().Set("WWW-Authenticate", `Basic realm="registrytest"`)
		}
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}
	if status != 0 {
		rw.WriteHeader(status)
		return
	}
	if isCorrupt && req.Method == http.MethodGet {
		rw.Header().Set("Content-Type", "application/octet-stream")
		_, _ = rw.Write(corrupt)
		return
	}
	backend.ServeHTTP(rw, req)
}

func (s *Server) authorized(req *http.Request) bool {
	switch s.scheme {
	case "Bearer":
		return req.Header.Get("Authorization") == "Bearer "+s.token()
	case "Basic":
		username, password, ok := req.BasicAuth()
		return ok && username == s.username && password == s.password
	default:
		return true
	}
}

func (s *Server) token() string {
	return base64.StdEncoding.EncodeToString([]byte(s.username + "-token"))
}

func (s *Server) serveToken(rw http.ResponseWriter, req *http.Request) {
	s.mx.Lock()
	s.tokenReqs++
	s.mx.Unlock()

	username, password, _ := req.BasicAuth()
	if username != s.username || password != s.password {
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]string{"token": s.token()})
}

// Corrupt makes the registry return b instead of the content for dgst.
func (s *Server) Corrupt(dgst digest.Digest, b []byte) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.corrupt[dgst] = b
}

// SetStatus makes requests whose last path element equals name fail with
// the status code. A zero code removes the override.
func (s *Server) SetStatus(name string, code int) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if code == 0 {
		delete(s.status, name)
		return
	}
	s.status[name] = code
}

// SetMethodStatus is SetStatus limited to requests with the given method.
func (s *Server) SetMethodStatus(method, name string, code int) {
	s.SetStatus(method+" "+name, code)
}

// Requests returns the number of requests received for method and path.
func (s *Server) Requests(method, p string) int {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.requests[method+" "+p]
}

// DigestFetches returns the number of GET requests per digest addressed
// manifest or blob.
func (s *Server) DigestFetches() map[digest.Digest]int {
	s.mx.Lock()
	defer s.mx.Unlock()

	fetches := map[digest.Digest]int{}
	for key, n := range s.requests {
		method, p, _ := strings.Cut(key, " ")
		if method != http.MethodGet {
			continue
		}
		dgst := digest.Digest(path.Base(p))
		if dgst.Validate() != nil {
			continue
		}
		fetches[dgst] += n
	}
	return fetches
}

func (s *Server) TokenRequests() int {
	s.mx.Lock()
	defer s.mx.Unlock()

	return s.tokenReqs
}

// File is an entry in a test layer. Names with a ".wh." prefix in their base
// name are whiteouts.
type File struct {
	Name    string
	Content string
	Dir     bool
}

// Layer returns a gzip compressed tar archive of the files.
func Layer(t testing.TB, files ...File) []byte {
	t.Helper()

	buf := &bytes.Buffer{}
	gw := gzip.NewWriter(buf)
	tw := tar.NewWriter(gw)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			Typeflag: tar.TypeReg,
		}
		if f.Dir {
			hdr.Mode = 0o755
			hdr.Size = 0
			hdr.Typeflag = tar.TypeDir
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !f.Dir {
			_, err := tw.Write([]byte(f.Content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// Image is the content of a pushed image.
type Image struct {
	Manifest ocispec.Descriptor
	Config   ocispec.Descriptor
	Layers   []ocispec.Descriptor
}

// PushImage pushes an image for the platform with the given compressed layers.
func (s *Server) PushImage(t testing.TB, repo, tag string, platform ocispec.Platform, layers ...[]byte) Image {
	t.Helper()

	ctx := context.Background()
	img := Image{}
	diffIDs := []digest.Digest{}
	for _, layer := range layers {
		desc := s.pushBlob(t, repo, ocispec.MediaTypeImageLayerGzip, layer)
		img.Layers = append(img.Layers, desc)

		gr, err := gzip.NewReader(bytes.NewReader(layer))
		require.NoError(t, err)
		diffID, err := digest.FromReader(gr)
		require.NoError(t, err)
		diffIDs = append(diffIDs, diffID)
	}

	config := ocispec.Image{
		Platform: platform,
		Config: ocispec.ImageConfig{
			Cmd: []string{"/bin/true"},
			Env: []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
		},
		RootFS: ocispec.RootFS{Type: "layers", DiffIDs: diffIDs},
	}
	b, err := json.Marshal(config)
	require.NoError(t, err)
	img.Config = s.pushBlob(t, repo, ocispec.MediaTypeImageConfig, b)

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    img.Config,
		Layers:    img.Layers,
	}
	manifest.SchemaVersion = 2
	b, err = json.Marshal(manifest)
	require.NoError(t, err)
	desc, err := s.reg.PushManifest(ctx, repo, tag, b, ocispec.MediaTypeImageManifest)
	require.NoError(t, err)
	img.Manifest = ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    desc.Digest,
		Size:      desc.Size,
		Platform:  &platform,
	}
	return img
}

// PushIndex pushes an image index referencing one image per platform.
func (s *Server) PushIndex(t testing.TB, repo, tag string, plats ...ocispec.Platform) (ocispec.Descriptor, map[string]Image) {
	t.Helper()

	images := map[string]Image{}
	index := ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
	}
	index.SchemaVersion = 2
	for _, platform := range plats {
		key := platforms.Format(platform)
		layer := Layer(t, File{Name: "etc/platform", Content: key})
		img := s.PushImage(t, repo, "", platform, layer)
		images[key] = img
		index.Manifests = append(index.Manifests, img.Manifest)
	}
	b, err := json.Marshal(index)
	require.NoError(t, err)
	desc, err := s.reg.PushManifest(context.Background(), repo, tag, b, ocispec.MediaTypeImageIndex)
	require.NoError(t, err)
	return ocispec.Descriptor{MediaType: ocispec.MediaTypeImageIndex, Digest: desc.Digest, Size: desc.Size}, images
}

func (s *Server) pushBlob(t testing.TB, repo, mediaType string, b []byte) ocispec.Descriptor {
	t.Helper()

	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	_, err := s.reg.PushBlob(context.Background(), repo, desc, bytes.NewReader(b))
	require.NoError(t, err)
	return desc
}
