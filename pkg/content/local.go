package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/moby/locker"
	"github.com/moby/sys/atomicwriter"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var _ Store = &Local{}

type LocalConfig struct {
	Log logr.Logger
}

func (cfg *LocalConfig) Apply(opts ...LocalOption) error {
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

type LocalOption func(cfg *LocalConfig) error

func WithLogger(log logr.Logger) LocalOption {
	return func(cfg *LocalConfig) error {
		cfg.Log = log
		return nil
	}
}

// Local stores blobs on disk under <root>/blobs/<algorithm>/<encoded>.
// Streaming writes go through <root>/ingest and are renamed into place.
type Local struct {
	log   logr.Logger
	locks *locker.Locker
	root  string
}

func NewLocal(root string, opts ...LocalOption) (*Local, error) {
	cfg := LocalConfig{
		Log: logr.Discard(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{"blobs", "ingest"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("could not create content directory: %w", err)
		}
	}
	// Ingest files are never valid after a restart.
	entries, err := os.ReadDir(filepath.Join(root, "ingest"))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		p := filepath.Join(root, "ingest", entry.Name())
		if err := os.RemoveAll(p); err != nil {
			return nil, err
		}
		cfg.Log.V(4).Info("removed stale ingest file", "path", p)
	}

	return &Local{
		root:  root,
		log:   cfg.Log,
		locks: locker.New(),
	}, nil
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) blobPath(dgst digest.Digest) (string, error) {
	if err := validate(dgst); err != nil {
		return "", err
	}
	return filepath.Join(l.root, "blobs", dgst.Algorithm().String(), dgst.Encoded()), nil
}

func (l *Local) Put(ctx context.Context, b []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(b)
	p, err := l.blobPath(dgst)
	if err != nil {
		return "", err
	}

	l.locks.Lock(dgst.String())
	defer l.locks.Unlock(dgst.String())

	if ok, err := exists(p); err != nil || ok {
		return dgst, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if err := atomicwriter.WriteFile(p, b, 0o644); err != nil {
		return "", fmt.Errorf("could not write blob %s: %w", dgst, err)
	}
	l.log.V(4).Info("wrote blob", "digest", dgst, "size", len(b))
	return dgst, nil
}

func (l *Local) Ingest(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	p, err := l.blobPath(desc.Digest)
	if err != nil {
		return err
	}

	l.locks.Lock(desc.Digest.String())
	defer l.locks.Unlock(desc.Digest.String())

	if ok, err := exists(p); err != nil || ok {
		return err
	}

	f, err := os.CreateTemp(filepath.Join(l.root, "ingest"), desc.Digest.Encoded()+"-*")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	verifier := desc.Digest.Verifier()
	n, err := io.Copy(io.MultiWriter(f, verifier), ctxReader{ctx: ctx, r: limitReader(desc, r)})
	if err != nil {
		cleanup()
		return fmt.Errorf("write blob %s: %w", desc.Digest, err)
	}
	if err := verify(desc, n, verifier); err != nil {
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	l.log.V(4).Info("ingested blob", "digest", desc.Digest, "size", n)
	return nil
}

func (l *Local) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	p, err := l.blobPath(dgst)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(dgst)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (l *Local) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	p, err := l.blobPath(dgst)
	if err != nil {
		return false, err
	}
	return exists(p)
}

func (l *Local) Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	p, err := l.blobPath(dgst)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(dgst)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *Local) Info(ctx context.Context, dgst digest.Digest) (Info, error) {
	p, err := l.blobPath(dgst)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, notFound(dgst)
	}
	if err != nil {
		return Info{}, err
	}
	return Info{Digest: dgst, Size: fi.Size(), CreatedAt: fi.ModTime()}, nil
}

func (l *Local) Walk(ctx context.Context, fn WalkFunc) error {
	blobs := filepath.Join(l.root, "blobs")
	return filepath.WalkDir(blobs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(blobs, p)
		if err != nil {
			return err
		}
		alg, encoded := filepath.Split(rel)
		dgst := digest.NewDigestFromEncoded(digest.Algorithm(filepath.Clean(alg)), encoded)
		if dgst.Validate() != nil {
			l.log.V(4).Info("skipping unknown file in blob directory", "path", p)
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return fn(Info{Digest: dgst, Size: fi.Size(), CreatedAt: fi.ModTime()})
	})
}

func (l *Local) Delete(ctx context.Context, dgst digest.Digest) error {
	p, err := l.blobPath(dgst)
	if err != nil {
		return err
	}

	l.locks.Lock(dgst.String())
	defer l.locks.Unlock(dgst.String())

	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(dgst)
	}
	return err
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
