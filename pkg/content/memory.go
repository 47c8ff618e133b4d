package content

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var _ Store = &Memory{}

type memoryBlob struct {
	createdAt time.Time
	data      []byte
}

// Memory is a Store that keeps all blobs in memory.
type Memory struct {
	blobs map[digest.Digest]memoryBlob
	mx    sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		blobs: map[digest.Digest]memoryBlob{},
	}
}

func (m *Memory) Put(ctx context.Context, b []byte) (digest.Digest, error) {
	dgst := digest.FromBytes(b)
	m.add(dgst, b)
	return dgst, nil
}

func (m *Memory) Ingest(ctx context.Context, desc ocispec.Descriptor, r io.Reader) error {
	if err := validate(desc.Digest); err != nil {
		return err
	}
	if ok, _ := m.Has(ctx, desc.Digest); ok {
		return nil
	}
	verifier := desc.Digest.Verifier()
	buf := &bytes.Buffer{}
	n, err := io.Copy(io.MultiWriter(buf, verifier), ctxReader{ctx: ctx, r: limitReader(desc, r)})
	if err != nil {
		return err
	}
	if err := verify(desc, n, verifier); err != nil {
		return err
	}
	m.add(desc.Digest, buf.Bytes())
	return nil
}

func (m *Memory) add(dgst digest.Digest, b []byte) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if _, ok := m.blobs[dgst]; ok {
		return
	}
	m.blobs[dgst] = memoryBlob{data: bytes.Clone(b), createdAt: time.Now()}
}

func (m *Memory) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	if err := validate(dgst); err != nil {
		return nil, err
	}

	m.mx.RLock()
	defer m.mx.RUnlock()

	blob, ok := m.blobs[dgst]
	if !ok {
		return nil, notFound(dgst)
	}
	return bytes.Clone(blob.data), nil
}

func (m *Memory) Has(ctx context.Context, dgst digest.Digest) (bool, error) {
	if err := validate(dgst); err != nil {
		return false, err
	}

	m.mx.RLock()
	defer m.mx.RUnlock()

	_, ok := m.blobs[dgst]
	return ok, nil
}

func (m *Memory) Open(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error) {
	b, err := m.Get(ctx, dgst)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *Memory) Info(ctx context.Context, dgst digest.Digest) (Info, error) {
	if err := validate(dgst); err != nil {
		return Info{}, err
	}

	m.mx.RLock()
	defer m.mx.RUnlock()

	blob, ok := m.blobs[dgst]
	if !ok {
		return Info{}, notFound(dgst)
	}
	return Info{Digest: dgst, Size: int64(len(blob.data)), CreatedAt: blob.createdAt}, nil
}

func (m *Memory) Walk(ctx context.Context, fn WalkFunc) error {
	m.mx.RLock()
	infos := make([]Info, 0, len(m.blobs))
	for dgst, blob := range m.blobs {
		infos = append(infos, Info{Digest: dgst, Size: int64(len(blob.data)), CreatedAt: blob.createdAt})
	}
	m.mx.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Digest < infos[j].Digest
	})
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, dgst digest.Digest) error {
	if err := validate(dgst); err != nil {
		return err
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if _, ok := m.blobs[dgst]; !ok {
		return notFound(dgst)
	}
	delete(m.blobs, dgst)
	return nil
}
