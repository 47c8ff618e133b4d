package images

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"crate/internal/registrytest"
	"crate/pkg/content"
	"crate/pkg/errdefs"
	"crate/pkg/registry"
)

var linuxAmd64 = ocispec.Platform{OS: "linux", Architecture: "amd64"}

type fakeClock struct {
	now time.Time
	mx  sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.now = c.now.Add(d)
}

func newStore(t *testing.T, dir string, opts ...StoreOption) (*Store, *content.Local) {
	t.Helper()

	cs, err := content.NewLocal(filepath.Join(dir, "content"))
	require.NoError(t, err)
	client, err := registry.NewClient(cs, registry.WithPlatform(linuxAmd64))
	require.NoError(t, err)
	s, err := NewStore(filepath.Join(dir, "index.db"), cs, client, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s, cs
}

func pushImage(t *testing.T, srv *registrytest.Server, repo, tag, marker string) registrytest.Image {
	t.Helper()

	return srv.PushImage(t, repo, tag, linuxAmd64,
		registrytest.Layer(t, registrytest.File{Name: "bin", Dir: true}, registrytest.File{Name: "bin/true", Content: "#!/bin/sh\n"}),
		registrytest.Layer(t, registrytest.File{Name: "etc", Dir: true}, registrytest.File{Name: "etc/release", Content: marker}),
	)
}

func TestResolveAfterRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	pushed := pushImage(t, srv, "library/alpine", "latest", "v1")
	ref := srv.Host() + "/library/alpine:latest"
	dir := t.TempDir()

	s, cs := newStore(t, dir)
	img, err := s.Resolve(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, pushed.Manifest.Digest, img.Manifest.Digest)
	require.Equal(t, ref, img.Reference)
	for _, desc := range append([]ocispec.Descriptor{pushed.Manifest, pushed.Config}, pushed.Layers...) {
		ok, err := cs.Has(ctx, desc.Digest)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Close())

	fetches := srv.DigestFetches()
	heads := srv.Requests("HEAD", "/v2/library/alpine/manifests/latest")
	s, _ = newStore(t, dir)
	img, err = s.Resolve(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, pushed.Manifest.Digest, img.Manifest.Digest)
	require.Equal(t, fetches, srv.DigestFetches())
	require.Equal(t, heads, srv.Requests("HEAD", "/v2/library/alpine/manifests/latest"))

	imgs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
}

func TestResolveCorruptIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing blob", func(t *testing.T) {
		t.Parallel()

		srv := registrytest.NewServer(t)
		pushed := pushImage(t, srv, "library/alpine", "latest", "v1")
		ref := srv.Host() + "/library/alpine:latest"
		s, cs := newStore(t, t.TempDir())
		_, err := s.Resolve(ctx, ref)
		require.NoError(t, err)

		require.NoError(t, cs.Delete(ctx, pushed.Layers[1].Digest))
		fetches := srv.DigestFetches()
		_, err = s.Resolve(ctx, ref)
		require.ErrorIs(t, err, errdefs.ErrCorruptIndex)
		require.ErrorContains(t, err, pushed.Layers[1].Digest.String())
		require.Equal(t, fetches, srv.DigestFetches())
	})

	t.Run("unreadable entry", func(t *testing.T) {
		t.Parallel()

		s, _ := newStore(t, t.TempDir())
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketImages).Put([]byte("docker.io/library/alpine:latest"), []byte("{"))
		})
		require.NoError(t, err)
		_, err = s.Resolve(ctx, "alpine")
		require.ErrorIs(t, err, errdefs.ErrCorruptIndex)
		_, err = s.List(ctx)
		require.ErrorIs(t, err, errdefs.ErrCorruptIndex)
	})
}

func TestResolveConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	pushed := pushImage(t, srv, "library/alpine", "latest", "v1")
	ref := srv.Host() + "/library/alpine:latest"
	s, _ := newStore(t, t.TempDir())

	wg := sync.WaitGroup{}
	imgs := make([]Image, 8)
	errs := make([]error, 8)
	for i := range imgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			imgs[i], errs[i] = s.Resolve(ctx, ref)
		}()
	}
	wg.Wait()
	for i := range imgs {
		require.NoError(t, errs[i])
		require.Equal(t, pushed.Manifest.Digest, imgs[i].Manifest.Digest)
	}
	fetches := srv.DigestFetches()
	for _, dgst := range []digest.Digest{pushed.Config.Digest, pushed.Layers[0].Digest, pushed.Layers[1].Digest} {
		require.Equal(t, 1, fetches[dgst], dgst.String())
	}
}

func TestResolveFreshness(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		desc     string
		policy   FreshnessPolicy
		advance  time.Duration
		repulled bool
	}{
		{desc: "never", policy: FreshnessNever(), advance: 24 * time.Hour},
		{desc: "always", policy: FreshnessAlways(), repulled: true},
		{desc: "max age not reached", policy: FreshnessMaxAge(time.Hour), advance: 30 * time.Minute},
		{desc: "max age reached", policy: FreshnessMaxAge(time.Hour), advance: 2 * time.Hour, repulled: true},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			srv := registrytest.NewServer(t)
			first := pushImage(t, srv, "library/alpine", "latest", "v1")
			ref := srv.Host() + "/library/alpine:latest"
			clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
			s, _ := newStore(t, t.TempDir(), WithFreshness(tt.policy), WithClock(clock.Now))

			img, err := s.Resolve(ctx, ref)
			require.NoError(t, err)
			require.Equal(t, first.Manifest.Digest, img.Manifest.Digest)

			second := pushImage(t, srv, "library/alpine", "latest", "v2")
			clock.Add(tt.advance)
			img, err = s.Resolve(ctx, ref)
			require.NoError(t, err)
			if tt.repulled {
				require.Equal(t, second.Manifest.Digest, img.Manifest.Digest)
				require.Equal(t, clock.Now(), img.PulledAt)
				return
			}
			require.Equal(t, first.Manifest.Digest, img.Manifest.Digest)
		})
	}
}

func TestResolveFreshnessUpstreamFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	pushed := pushImage(t, srv, "library/alpine", "latest", "v1")
	ref := srv.Host() + "/library/alpine:latest"
	s, _ := newStore(t, t.TempDir(), WithFreshness(FreshnessAlways()))
	_, err := s.Resolve(ctx, ref)
	require.NoError(t, err)

	srv.SetStatus("latest", 503)
	img, err := s.Resolve(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, pushed.Manifest.Digest, img.Manifest.Digest)

	// Digest references are never re-checked.
	pinned := srv.Host() + "/library/alpine@" + pushed.Manifest.Digest.String()
	_, err = s.Resolve(ctx, pinned)
	require.NoError(t, err)
	heads := srv.Requests("HEAD", "/v2/library/alpine/manifests/"+pushed.Manifest.Digest.String())
	_, err = s.Resolve(ctx, pinned)
	require.NoError(t, err)
	require.Equal(t, heads, srv.Requests("HEAD", "/v2/library/alpine/manifests/"+pushed.Manifest.Digest.String()))
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	srv := registrytest.NewServer(t)
	s, _ := newStore(t, t.TempDir())
	_, err := s.Resolve(context.Background(), srv.Host()+"/library/missing:latest")
	require.ErrorIs(t, err, errdefs.ErrNotFound)
	imgs, err := s.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, imgs)

	_, err = s.Resolve(context.Background(), "Not A Reference")
	require.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	pushed := pushImage(t, srv, "library/alpine", "latest", "v1")
	ref := srv.Host() + "/library/alpine:latest"
	s, cs := newStore(t, t.TempDir())
	_, err := s.Pull(ctx, ref)
	require.NoError(t, err)

	img, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, pushed.Manifest.Digest, img.Target.Digest)

	require.NoError(t, s.Remove(ctx, ref))
	_, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, errdefs.ErrNotFound)
	err = s.Remove(ctx, ref)
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	// Blobs are kept until pruned.
	ok, err := cs.Has(ctx, pushed.Layers[0].Digest)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	alpine := pushImage(t, srv, "library/alpine", "latest", "alpine")
	busybox := pushImage(t, srv, "library/busybox", "latest", "busybox")
	s, cs := newStore(t, t.TempDir())
	_, err := s.Resolve(ctx, srv.Host()+"/library/alpine:latest")
	require.NoError(t, err)
	_, err = s.Resolve(ctx, srv.Host()+"/library/busybox:latest")
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, srv.Host()+"/library/busybox:latest"))

	result, err := s.Prune(ctx)
	require.NoError(t, err)
	// The first layer is shared between both images.
	require.ElementsMatch(t, []digest.Digest{busybox.Manifest.Digest, busybox.Config.Digest, busybox.Layers[1].Digest}, result.Removed)
	require.Equal(t, busybox.Manifest.Size+busybox.Config.Size+busybox.Layers[1].Size, result.Bytes)

	for _, desc := range append([]ocispec.Descriptor{alpine.Manifest, alpine.Config}, alpine.Layers...) {
		ok, err := cs.Has(ctx, desc.Digest)
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err = s.Resolve(ctx, srv.Host()+"/library/alpine:latest")
	require.NoError(t, err)

	result, err = s.Prune(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Removed)
}

func TestPruneIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	indexDesc, images := srv.PushIndex(t, "library/busybox", "latest", linuxAmd64, ocispec.Platform{OS: "linux", Architecture: "arm64"})
	s, cs := newStore(t, t.TempDir())
	img, err := s.Resolve(ctx, srv.Host()+"/library/busybox:latest")
	require.NoError(t, err)
	require.Equal(t, indexDesc.Digest, img.Target.Digest)
	require.Equal(t, images["linux/amd64"].Manifest.Digest, img.Manifest.Digest)

	result, err := s.Prune(ctx)
	require.NoError(t, err)
	require.Empty(t, result.Removed)
	ok, err := cs.Has(ctx, indexDesc.Digest)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRootFS(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := registrytest.NewServer(t)
	pushed := pushImage(t, srv, "library/alpine", "latest", "v1")
	s, _ := newStore(t, t.TempDir())
	img, err := s.Resolve(ctx, srv.Host()+"/library/alpine:latest")
	require.NoError(t, err)

	rootfs, err := s.RootFS(ctx, img)
	require.NoError(t, err)
	require.Equal(t, pushed.Layers, rootfs.Layers)
	require.Equal(t, []string{"/bin/true"}, rootfs.Config.Config.Cmd)
	require.Equal(t, "amd64", rootfs.Config.Architecture)
}

func TestParseFreshness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		expected string
	}{
		{in: "", expected: "never"},
		{in: "never", expected: "never"},
		{in: "always", expected: "always"},
		{in: "90m", expected: "1h30m0s"},
	}
	for _, tt := range tests {
		policy, err := ParseFreshness(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.expected, policy.String())
	}

	for _, in := range []string{"sometimes", "-1h", "0s"} {
		_, err := ParseFreshness(in)
		require.ErrorIs(t, err, errdefs.ErrInvalidArgument, in)
	}

	var policy FreshnessPolicy
	require.NoError(t, policy.UnmarshalText([]byte("1h")))
	require.True(t, policy.stale(time.Unix(0, 0), time.Unix(3600, 0)))
	require.False(t, policy.stale(time.Unix(0, 0), time.Unix(3599, 0)))
}
