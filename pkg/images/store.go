// Package images indexes pulled images by reference.
package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	bolt "go.etcd.io/bbolt"
	"resenje.org/singleflight"

	"crate/pkg/content"
	"crate/pkg/errdefs"
	"crate/pkg/metrics"
	"crate/pkg/oci"
	"crate/pkg/registry"
)

var bucketImages = []byte("images")

// Image maps a reference to the content it resolved to when pulled.
type Image struct {
	PulledAt  time.Time          `json:"pulledAt"`
	CheckedAt time.Time          `json:"checkedAt"`
	Reference string             `json:"reference"`
	Target    ocispec.Descriptor `json:"target"`
	Manifest  ocispec.Descriptor `json:"manifest"`
	Config    ocispec.Descriptor `json:"config"`
}

// RootFS is everything required to materialize a root filesystem for an image.
type RootFS struct {
	Config ocispec.Image
	Layers []ocispec.Descriptor
}

// Puller fetches images into the content store.
type Puller interface {
	Resolve(ctx context.Context, ref oci.Reference, opts ...registry.PullOption) (ocispec.Descriptor, error)
	Pull(ctx context.Context, ref oci.Reference, opts ...registry.PullOption) (registry.PullResult, error)
}

var _ Puller = &registry.Client{}

type StoreConfig struct {
	Log       logr.Logger
	Clock     func() time.Time
	Freshness FreshnessPolicy
	CacheSize int
}

func (cfg *StoreConfig) Apply(opts ...StoreOption) error {
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

type StoreOption func(cfg *StoreConfig) error

func WithLogger(log logr.Logger) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithFreshness(policy FreshnessPolicy) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.Freshness = policy
		return nil
	}
}

func WithCacheSize(size int) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.CacheSize = size
		return nil
	}
}

func WithClock(clock func() time.Time) StoreOption {
	return func(cfg *StoreConfig) error {
		cfg.Clock = clock
		return nil
	}
}

// Store is the image index. It is the only mutable image state, blobs are
// owned by the content store and only removed by Prune.
type Store struct {
	log       logr.Logger
	db        *bolt.DB
	content   content.Store
	puller    Puller
	cache     *lru.Cache[string, Image]
	clock     func() time.Time
	flight    singleflight.Group[string, Image]
	freshness FreshnessPolicy
	// gc is held exclusively by Prune and shared by pulls so blobs written
	// by an in progress pull are never swept.
	gc sync.RWMutex
	mx sync.Mutex
}

func NewStore(path string, cs content.Store, puller Puller, opts ...StoreOption) (*Store, error) {
	cfg := StoreConfig{
		Log:       logr.Discard(),
		Clock:     time.Now,
		Freshness: FreshnessNever(),
		CacheSize: 128,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, Image](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open image index %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketImages)
		return err
	})
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	s := &Store{
		log:       cfg.Log,
		db:        db,
		content:   cs,
		puller:    puller,
		cache:     cache,
		clock:     cfg.Clock,
		freshness: cfg.Freshness,
	}
	if imgs, err := s.List(context.Background()); err == nil {
		metrics.Images.Set(float64(len(imgs)))
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Resolve returns the image for the reference, pulling it when unknown. Known
// mutable tags are re-checked upstream according to the freshness policy.
func (s *Store) Resolve(ctx context.Context, reference string, opts ...registry.PullOption) (Image, error) {
	ref, err := oci.ParseReference(reference)
	if err != nil {
		return Image{}, err
	}
	log := s.log.WithValues("reference", ref.String())

	img, ok, err := s.lookup(ref.String())
	if err != nil {
		return Image{}, err
	}
	if !ok {
		log.V(4).Info("image not in index, pulling")
		return s.pull(ctx, ref, opts...)
	}
	if err := s.validate(ctx, img); err != nil {
		return Image{}, err
	}
	now := s.clock()
	if !ref.IsMutable() || !s.freshness.stale(img.CheckedAt, now) {
		return img, nil
	}

	desc, err := s.puller.Resolve(ctx, ref, opts...)
	if err != nil {
		if ctx.Err() != nil {
			return Image{}, err
		}
		log.Error(err, "could not check image upstream, using indexed image", "digest", img.Target.Digest)
		return img, nil
	}
	if desc.Digest != img.Target.Digest {
		log.Info("image changed upstream", "indexed", img.Target.Digest, "upstream", desc.Digest)
		return s.pull(ctx, ref, opts...)
	}
	img.CheckedAt = now
	if err := s.put(img); err != nil {
		return Image{}, err
	}
	return img, nil
}

// Pull fetches the reference and records it, replacing an existing entry.
func (s *Store) Pull(ctx context.Context, reference string, opts ...registry.PullOption) (Image, error) {
	ref, err := oci.ParseReference(reference)
	if err != nil {
		return Image{}, err
	}
	return s.pull(ctx, ref, opts...)
}

func (s *Store) pull(ctx context.Context, ref oci.Reference, opts ...registry.PullOption) (Image, error) {
	img, _, err := s.flight.Do(ctx, ref.String(), func(ctx context.Context) (Image, error) {
		s.gc.RLock()
		defer s.gc.RUnlock()

		result, err := s.puller.Pull(ctx, ref, opts...)
		if err != nil {
			return Image{}, err
		}
		now := s.clock()
		img := Image{
			Reference: ref.String(),
			Target:    result.Target,
			Manifest:  result.Manifest,
			Config:    result.Config,
			PulledAt:  now,
			CheckedAt: now,
		}
		if err := s.put(img); err != nil {
			return Image{}, err
		}
		return img, nil
	})
	if err != nil {
		return Image{}, err
	}
	return img, nil
}

// Get returns the indexed image without contacting the registry.
func (s *Store) Get(ctx context.Context, reference string) (Image, error) {
	ref, err := oci.ParseReference(reference)
	if err != nil {
		return Image{}, err
	}
	img, ok, err := s.lookup(ref.String())
	if err != nil {
		return Image{}, err
	}
	if !ok {
		return Image{}, fmt.Errorf("image %s: %w", ref, errdefs.ErrNotFound)
	}
	return img, nil
}

func (s *Store) List(ctx context.Context) ([]Image, error) {
	imgs := []Image{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			img, err := decode(k, v)
			if err != nil {
				return err
			}
			imgs = append(imgs, img)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(imgs, func(i, j int) bool {
		return imgs[i].Reference < imgs[j].Reference
	})
	return imgs, nil
}

// Remove deletes the index entry. Blobs stay in the content store until the
// next Prune.
func (s *Store) Remove(ctx context.Context, reference string) error {
	ref, err := oci.ParseReference(reference)
	if err != nil {
		return err
	}
	key := ref.String()

	s.mx.Lock()
	defer s.mx.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("image %s: %w", key, errdefs.ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	s.cache.Remove(key)
	metrics.Images.Dec()
	s.log.Info("removed image", "reference", key)
	return nil
}

// RootFS returns the ordered layers and configuration of the image.
func (s *Store) RootFS(ctx context.Context, img Image) (RootFS, error) {
	b, err := s.content.Get(ctx, img.Manifest.Digest)
	if err != nil {
		return RootFS{}, s.corrupt(img, err)
	}
	manifest, err := oci.ParseManifest(b)
	if err != nil {
		return RootFS{}, err
	}
	b, err = s.content.Get(ctx, manifest.Config.Digest)
	if err != nil {
		return RootFS{}, s.corrupt(img, err)
	}
	config, err := oci.ParseConfig(b)
	if err != nil {
		return RootFS{}, err
	}
	return RootFS{Config: config, Layers: manifest.Layers}, nil
}

// validate checks that every blob the image references is present.
func (s *Store) validate(ctx context.Context, img Image) error {
	for _, desc := range []ocispec.Descriptor{img.Target, img.Manifest} {
		ok, err := s.content.Has(ctx, desc.Digest)
		if err != nil {
			return err
		}
		if !ok {
			return s.corrupt(img, fmt.Errorf("blob %s missing", desc.Digest))
		}
	}
	b, err := s.content.Get(ctx, img.Manifest.Digest)
	if err != nil {
		return s.corrupt(img, err)
	}
	children, err := oci.Children(img.Manifest.MediaType, b)
	if err != nil {
		return s.corrupt(img, err)
	}
	for _, desc := range children {
		ok, err := s.content.Has(ctx, desc.Digest)
		if err != nil {
			return err
		}
		if !ok {
			return s.corrupt(img, fmt.Errorf("blob %s missing", desc.Digest))
		}
	}
	return nil
}

func (s *Store) corrupt(img Image, err error) error {
	return fmt.Errorf("image %s references content not in the store: %w: %w", img.Reference, errdefs.ErrCorruptIndex, err)
}

func (s *Store) lookup(key string) (Image, bool, error) {
	if img, ok := s.cache.Get(key); ok {
		return img, true, nil
	}
	var img Image
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get([]byte(key))
		if v == nil {
			return nil
		}
		var err error
		img, err = decode([]byte(key), v)
		found = err == nil
		return err
	})
	if err != nil || !found {
		return Image{}, false, err
	}
	s.cache.Add(key, img)
	return img, true, nil
}

func (s *Store) put(img Image) error {
	b, err := json.Marshal(img)
	if err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	created := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketImages)
		created = bucket.Get([]byte(img.Reference)) == nil
		return bucket.Put([]byte(img.Reference), b)
	})
	if err != nil {
		return fmt.Errorf("could not record image %s: %w", img.Reference, err)
	}
	s.cache.Add(img.Reference, img)
	if created {
		metrics.Images.Inc()
	}
	s.log.V(4).Info("recorded image", "reference", img.Reference, "digest", img.Target.Digest)
	return nil
}

func decode(k, v []byte) (Image, error) {
	var img Image
	if err := json.Unmarshal(v, &img); err != nil {
		return Image{}, fmt.Errorf("index entry %s is unreadable: %w: %w", k, errdefs.ErrCorruptIndex, err)
	}
	if img.Reference != string(k) || img.Manifest.Digest.Validate() != nil {
		return Image{}, fmt.Errorf("index entry %s is inconsistent: %w", k, errdefs.ErrCorruptIndex)
	}
	return img, nil
}
