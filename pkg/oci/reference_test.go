package oci

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"crate/pkg/errdefs"
)

func TestParseReference(t *testing.T) {
	t.Parallel()

	dgst := digest.Digest("sha256:c0669ef34cdc14332c0f1ab0c2c01acb91d96014b172f1a76f3a39e63d1f0bda")
	tests := []struct {
		desc     string
		input    string
		expected Reference
		str      string
		familiar string
		host     string
		mutable  bool
		latest   bool
	}{
		{
			desc:     "short name",
			input:    "alpine",
			expected: Reference{Registry: "docker.io", Repository: "library/alpine", Tag: "latest"},
			str:      "docker.io/library/alpine:latest",
			familiar: "alpine:latest",
			host:     "registry-1.docker.io",
			mutable:  true,
			latest:   true,
		},
		{
			desc:     "fully qualified",
			input:    "docker.io/library/alpine:latest",
			expected: Reference{Registry: "docker.io", Repository: "library/alpine", Tag: "latest"},
			str:      "docker.io/library/alpine:latest",
			familiar: "alpine:latest",
			host:     "registry-1.docker.io",
			mutable:  true,
			latest:   true,
		},
		{
			desc:     "custom registry with port",
			input:    "localhost:5000/team/app:v1",
			expected: Reference{Registry: "localhost:5000", Repository: "team/app", Tag: "v1"},
			str:      "localhost:5000/team/app:v1",
			familiar: "localhost:5000/team/app:v1",
			host:     "localhost:5000",
			mutable:  true,
		},
		{
			desc:     "digest only",
			input:    "ghcr.io/org/app@" + dgst.String(),
			expected: Reference{Registry: "ghcr.io", Repository: "org/app", Digest: dgst},
			str:      "ghcr.io/org/app@" + dgst.String(),
			familiar: "ghcr.io/org/app@" + dgst.String(),
			host:     "ghcr.io",
		},
		{
			desc:     "tag and digest",
			input:    "alpine:3.20@" + dgst.String(),
			expected: Reference{Registry: "docker.io", Repository: "library/alpine", Tag: "3.20", Digest: dgst},
			str:      "docker.io/library/alpine:3.20@" + dgst.String(),
			familiar: "alpine:3.20@" + dgst.String(),
			host:     "registry-1.docker.io",
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			t.Parallel()

			ref, err := ParseReference(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.expected, ref)
			require.Equal(t, tt.str, ref.String())
			require.Equal(t, tt.familiar, ref.Familiar())
			require.Equal(t, tt.host, ref.APIHost())
			require.Equal(t, tt.mutable, ref.IsMutable())
			require.Equal(t, tt.latest, ref.IsLatestTag())
			if ref.Digest != "" {
				require.Equal(t, ref.Digest.String(), ref.Identifier())
			} else {
				require.Equal(t, ref.Tag, ref.Identifier())
			}
		})
	}
}

func TestParseReferenceInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "library/Alpine", "Upper", "alpine:", "alpine@sha256:short"} {
		_, err := ParseReference(s)
		require.ErrorIs(t, err, errdefs.ErrInvalidArgument, s)
	}
}
