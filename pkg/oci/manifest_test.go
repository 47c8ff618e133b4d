package oci

import (
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"crate/pkg/errdefs"
)

func TestDetermineMediaType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc     string
		content  string
		expected string
	}{
		{
			desc:     "explicit media type",
			content:  `{"mediaType":"application/vnd.docker.distribution.manifest.v2+json"}`,
			expected: "application/vnd.docker.distribution.manifest.v2+json",
		},
		{
			desc:     "manifest without media type",
			content:  `{"schemaVersion":2,"config":{},"layers":[]}`,
			expected: ocispec.MediaTypeImageManifest,
		},
		{
			desc:     "index without media type",
			content:  `{"schemaVersion":2,"manifests":[]}`,
			expected: ocispec.MediaTypeImageIndex,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			mt, err := DetermineMediaType([]byte(tt.content))
			require.NoError(t, err)
			require.Equal(t, tt.expected, mt)
		})
	}

	_, err := DetermineMediaType([]byte(`{"schemaVersion":2}`))
	require.EqualError(t, err, "could not determine media type of manifest")
	_, err = DetermineMediaType([]byte(`not json`))
	require.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: digest.FromString("config"), Size: 6},
		Layers: []ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: digest.FromString("layer"), Size: 5},
		},
	}
	b, err := json.Marshal(manifest)
	require.NoError(t, err)
	parsed, err := ParseManifest(b)
	require.NoError(t, err)
	require.Equal(t, manifest.Layers, parsed.Layers)

	children, err := Children(ocispec.MediaTypeImageManifest, b)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, manifest.Config.Digest, children[0].Digest)

	manifest.Layers[0].MediaType = "application/x-unknown"
	b, err = json.Marshal(manifest)
	require.NoError(t, err)
	_, err = ParseManifest(b)
	require.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestSelectPlatform(t *testing.T) {
	t.Parallel()

	amd64 := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromString("amd64"),
		Platform:  &ocispec.Platform{OS: "linux", Architecture: "amd64"},
	}
	arm64 := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromString("arm64"),
		Platform:  &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"},
	}
	attestation := ocispec.Descriptor{
		MediaType: "application/vnd.in-toto+json",
		Digest:    digest.FromString("attestation"),
		Platform:  &ocispec.Platform{OS: "unknown", Architecture: "unknown"},
	}
	index := ocispec.Index{Manifests: []ocispec.Descriptor{attestation, amd64, arm64}}

	tests := []struct {
		desc     string
		platform ocispec.Platform
		expected ocispec.Descriptor
	}{
		{
			desc:     "amd64",
			platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
			expected: amd64,
		},
		{
			desc:     "arm64",
			platform: ocispec.Platform{OS: "linux", Architecture: "arm64"},
			expected: arm64,
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			desc, err := SelectPlatform(index, tt.platform)
			require.NoError(t, err)
			require.Equal(t, tt.expected.Digest, desc.Digest)
		})
	}

	_, err := SelectPlatform(index, ocispec.Platform{OS: "linux", Architecture: "s390x"})
	require.ErrorIs(t, err, errdefs.ErrNotFound)
}
