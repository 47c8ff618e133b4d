package images

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/content"
	"crate/pkg/metrics"
	"crate/pkg/oci"
)

type PruneResult struct {
	Removed []digest.Digest
	Bytes   int64
}

// Prune deletes every blob that is not reachable from an indexed image. Pulls
// are blocked while the sweep runs.
func (s *Store) Prune(ctx context.Context) (PruneResult, error) {
	s.gc.Lock()
	defer s.gc.Unlock()

	imgs, err := s.List(ctx)
	if err != nil {
		return PruneResult{}, err
	}
	marked := map[digest.Digest]struct{}{}
	for _, img := range imgs {
		if err := s.mark(ctx, marked, img.Target); err != nil {
			return PruneResult{}, fmt.Errorf("could not mark content of %s: %w", img.Reference, err)
		}
		if err := s.mark(ctx, marked, img.Manifest); err != nil {
			return PruneResult{}, fmt.Errorf("could not mark content of %s: %w", img.Reference, err)
		}
	}

	unused := []content.Info{}
	err = s.content.Walk(ctx, func(info content.Info) error {
		if _, ok := marked[info.Digest]; !ok {
			unused = append(unused, info)
		}
		return nil
	})
	if err != nil {
		return PruneResult{}, err
	}

	result := PruneResult{}
	for _, info := range unused {
		if err := s.content.Delete(ctx, info.Digest); err != nil {
			return result, err
		}
		result.Removed = append(result.Removed, info.Digest)
		result.Bytes += info.Size
	}
	metrics.GarbageCollectedBytes.Add(float64(result.Bytes))
	s.log.Info("pruned content", "blobs", len(result.Removed), "bytes", result.Bytes, "images", len(imgs))
	return result, nil
}

func (s *Store) mark(ctx context.Context, marked map[digest.Digest]struct{}, desc ocispec.Descriptor) error {
	if _, ok := marked[desc.Digest]; ok {
		return nil
	}
	marked[desc.Digest] = struct{}{}
	if !oci.IsIndex(desc.MediaType) && !oci.IsManifest(desc.MediaType) {
		return nil
	}
	ok, err := s.content.Has(ctx, desc.Digest)
	if err != nil || !ok {
		return err
	}
	b, err := s.content.Get(ctx, desc.Digest)
	if err != nil {
		return err
	}
	children, err := oci.Children(desc.MediaType, b)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.mark(ctx, marked, child); err != nil {
			return err
		}
	}
	return nil
}
