package oci

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/errdefs"
)

// ManifestMediaTypes are sent as Accept header when fetching manifests.
var ManifestMediaTypes = []string{
	ocispec.MediaTypeImageIndex,
	ocispec.MediaTypeImageManifest,
	images.MediaTypeDockerSchema2ManifestList,
	images.MediaTypeDockerSchema2Manifest,
}

// DetermineMediaType returns the media type of a manifest or index. Documents
// without a mediaType field are classified by their content.
func DetermineMediaType(b []byte) (string, error) {
	mt := struct {
		MediaType string          `json:"mediaType"`
		Config    json.RawMessage `json:"config,omitempty"`
		Layers    json.RawMessage `json:"layers,omitempty"`
		Manifests json.RawMessage `json:"manifests,omitempty"`
	}{}
	err := json.Unmarshal(b, &mt)
	if err != nil {
		return "", fmt.Errorf("could not decode manifest: %w", err)
	}
	if mt.MediaType != "" {
		return mt.MediaType, nil
	}
	if mt.Config != nil && mt.Layers != nil {
		return ocispec.MediaTypeImageManifest, nil
	}
	if mt.Manifests != nil {
		return ocispec.MediaTypeImageIndex, nil
	}
	return "", errors.New("could not determine media type of manifest")
}

func IsIndex(mediaType string) bool {
	return images.IsIndexType(mediaType)
}

func IsManifest(mediaType string) bool {
	return images.IsManifestType(mediaType)
}

// ParseManifest decodes an image manifest and checks that it references a
// config and only layer media types.
func ParseManifest(b []byte) (ocispec.Manifest, error) {
	var manifest ocispec.Manifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return ocispec.Manifest{}, fmt.Errorf("could not decode manifest: %w", err)
	}
	if manifest.Config.Digest == "" {
		return ocispec.Manifest{}, fmt.Errorf("manifest has no config: %w", errdefs.ErrInvalidArgument)
	}
	for _, layer := range manifest.Layers {
		if !images.IsLayerType(layer.MediaType) {
			return ocispec.Manifest{}, fmt.Errorf("layer %s has unsupported media type %s: %w", layer.Digest, layer.MediaType, errdefs.ErrInvalidArgument)
		}
	}
	return manifest, nil
}

func ParseIndex(b []byte) (ocispec.Index, error) {
	var index ocispec.Index
	if err := json.Unmarshal(b, &index); err != nil {
		return ocispec.Index{}, fmt.Errorf("could not decode index: %w", err)
	}
	return index, nil
}

// ParseConfig decodes the image configuration blob.
func ParseConfig(b []byte) (ocispec.Image, error) {
	var img ocispec.Image
	if err := json.Unmarshal(b, &img); err != nil {
		return ocispec.Image{}, fmt.Errorf("could not decode image config: %w", err)
	}
	return img, nil
}

// SelectPlatform returns the best manifest in the index for the platform.
func SelectPlatform(index ocispec.Index, platform ocispec.Platform) (ocispec.Descriptor, error) {
	matcher := platforms.Only(platform)
	var best *ocispec.Descriptor
	for i, desc := range index.Manifests {
		if !IsManifest(desc.MediaType) {
			continue
		}
		if desc.Platform == nil || !matcher.Match(*desc.Platform) {
			continue
		}
		if best == nil || matcher.Less(*desc.Platform, *best.Platform) {
			best = &index.Manifests[i]
		}
	}
	if best == nil {
		return ocispec.Descriptor{}, fmt.Errorf("no manifest for platform %s: %w", platforms.Format(platform), errdefs.ErrNotFound)
	}
	return *best, nil
}

// Children returns the descriptors referenced by a manifest or index.
func Children(mediaType string, b []byte) ([]ocispec.Descriptor, error) {
	switch {
	case IsIndex(mediaType):
		index, err := ParseIndex(b)
		if err != nil {
			return nil, err
		}
		return index.Manifests, nil
	case IsManifest(mediaType):
		manifest, err := ParseManifest(b)
		if err != nil {
			return nil, err
		}
		return append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...), nil
	default:
		return nil, nil
	}
}
