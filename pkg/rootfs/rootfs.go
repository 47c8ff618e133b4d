// Package rootfs materializes image layers into a directory.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/go-logr/logr"
	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
	"github.com/moby/sys/userns"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/content"
	"crate/pkg/errdefs"
)

// Materialize applies the layers in order to dest. Later layers overwrite
// earlier ones and whiteout entries remove files from lower layers. A positive
// limit bounds the space used by dest, when it is exceeded dest is removed and
// ErrResource returned. It returns the space used by the materialized tree.
func Materialize(ctx context.Context, cs content.Store, layers []ocispec.Descriptor, dest string, limit int64) (used int64, err error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", dest)

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dest); rmErr != nil {
				log.Error(rmErr, "could not remove incomplete rootfs")
			}
		}
	}()

	opts := &archive.TarOptions{
		NoLchown: os.Geteuid() != 0 || userns.RunningInUserNS(),
	}
	for i, layer := range layers {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := apply(ctx, cs, layer, dest, opts); err != nil {
			return 0, fmt.Errorf("could not apply layer %d %s: %w", i, layer.Digest, err)
		}
		used, err = Usage(dest)
		if err != nil {
			return 0, err
		}
		log.V(4).Info("applied layer", "digest", layer.Digest, "used", used)
		if limit > 0 && used > limit {
			return 0, fmt.Errorf("rootfs needs more than %s after layer %s: %w", units.BytesSize(float64(limit)), layer.Digest, errdefs.ErrResource)
		}
	}
	log.Info("materialized rootfs", "layers", len(layers), "size", units.BytesSize(float64(used)))
	return used, nil
}

func apply(ctx context.Context, cs content.Store, layer ocispec.Descriptor, dest string, opts *archive.TarOptions) error {
	rc, err := cs.Open(ctx, layer.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()
	dr, err := compression.DecompressStream(rc)
	if err != nil {
		return err
	}
	defer dr.Close()
	_, err = archive.ApplyUncompressedLayer(dest, dr, opts)
	return err
}

// Usage returns the bytes used by regular files and symlinks under dir. Hard
// linked files are counted once.
func Usage(dir string) (int64, error) {
	var size int64
	seen := map[uint64]struct{}{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ino, ok := inode(info); ok {
			if _, ok := seen[ino]; ok {
				return nil
			}
			seen[ino] = struct{}{}
		}
		size += info.Size()
		return nil
	})
	return size, err
}
