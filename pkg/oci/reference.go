package oci

import (
	"fmt"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"

	"crate/pkg/errdefs"
)

const (
	// DefaultRegistry is the domain unqualified references resolve to.
	DefaultRegistry = "docker.io"
	// DefaultRegistryHost is the API endpoint serving DefaultRegistry.
	DefaultRegistryHost = "registry-1.docker.io"
)

// Reference is a normalized image reference. Tag may be empty when the
// reference is pinned by digest only.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// ParseReference normalizes s the way docker does, "alpine" becomes
// "docker.io/library/alpine:latest".
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("could not parse reference %q: %w: %w", s, errdefs.ErrInvalidArgument, err)
	}
	named = reference.TagNameOnly(named)
	ref := Reference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if canonical, ok := named.(reference.Canonical); ok {
		ref.Digest = canonical.Digest()
	}
	return ref, nil
}

// Name returns the repository name including the registry domain.
func (r Reference) Name() string {
	return r.Registry + "/" + r.Repository
}

func (r Reference) String() string {
	s := r.Name()
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest.String()
	}
	return s
}

// Familiar returns the short form shown to users, "alpine:latest".
func (r Reference) Familiar() string {
	named, err := reference.ParseNormalizedNamed(r.String())
	if err != nil {
		return r.String()
	}
	return reference.FamiliarString(named)
}

// Identifier is the tag or digest used in manifest requests. Digests take
// precedence as they are immutable.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// IsMutable reports if the reference may resolve to different content over time.
func (r Reference) IsMutable() bool {
	return r.Digest == ""
}

func (r Reference) IsLatestTag() bool {
	return r.Digest == "" && r.Tag == "latest"
}

// APIHost returns the host serving the registry API for the reference.
func (r Reference) APIHost() string {
	if r.Registry == DefaultRegistry {
		return DefaultRegistryHost
	}
	return r.Registry
}
