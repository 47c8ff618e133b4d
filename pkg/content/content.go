// Package content implements content addressed blob storage.
package content

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/errdefs"
)

type Info struct {
	Digest    digest.Digest
	Size      int64
	CreatedAt time.Time
}

type WalkFunc func(info Info) error

// Store is an append only blob store keyed by digest. Writes are atomic,
// readers never observe a partially written blob.
type Store interface {
	// Put writes b and returns its digest. Writing content that is already
	// present is a no-op.
	Put(ctx context.Context, b []byte) (digest.Digest, error)
	Get(ctx context.Context, dgst digest.Digest) ([]byte, error)
	Has(ctx context.Context, dgst digest.Digest) (bool, error)
	// Ingest streams r into the store, verifying it against the descriptor
	// digest and size. Content that fails verification is discarded.
	Ingest(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error
	Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
	Info(ctx context.Context, dgst digest.Digest) (Info, error)
	Walk(ctx context.Context, fn WalkFunc) error
	// Delete removes a blob. It is only used by garbage collection.
	Delete(ctx context.Context, dgst digest.Digest) error
}

func validate(dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("invalid digest %q: %w: %w", dgst, errdefs.ErrInvalidArgument, err)
	}
	return nil
}

func notFound(dgst digest.Digest) error {
	return fmt.Errorf("blob %s: %w", dgst, errdefs.ErrNotFound)
}

func verify(desc ocispec.Descriptor, size int64, verifier digest.Verifier) error {
	if desc.Size > 0 && size != desc.Size {
		return fmt.Errorf("blob %s: expected size %d got %d: %w", desc.Digest, desc.Size, size, errdefs.ErrIntegrity)
	}
	if !verifier.Verified() {
		return fmt.Errorf("blob %s: content does not match digest: %w", desc.Digest, errdefs.ErrIntegrity)
	}
	return nil
}

// limitReader reads at most desc.Size+1 bytes so an oversized body is detected
// without consuming the remainder.
func limitReader(desc ocispec.Descriptor, r io.Reader) io.Reader {
	if desc.Size <= 0 {
		return r
	}
	return io.LimitReader(r, desc.Size+1)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
