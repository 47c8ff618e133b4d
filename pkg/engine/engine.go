// Package engine wires the stores, registry client, VM supervisor and
// container manager together and exposes them to user interfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/container"
	"crate/pkg/content"
	"crate/pkg/events"
	"crate/pkg/images"
	"crate/pkg/registry"
	"crate/pkg/task"
	"crate/pkg/vmm"
)

// stopGrace bounds stopping a container whose run was cancelled.
const stopGrace = 15 * time.Second

type Options struct {
	Log        logr.Logger
	Transport  http.RoundTripper
	Hypervisor vmm.Hypervisor
	// Credentials are consulted after the hosts file and before the docker
	// credential store.
	Credentials registry.CredentialProvider
	// Kernel skips detection in KernelDir when set.
	Kernel     *vmm.Kernel
	Freshness  images.FreshnessPolicy
	Root       string
	KernelDir  string
	KernelName string
	HostsFile  string
	// Temporary creates a unique directory under Root that is removed by Close.
	Temporary   bool
	Concurrency int
}

// Engine is a single node container engine.
type Engine struct {
	log        logr.Logger
	root       string
	temporary  bool
	content    *content.Local
	images     *images.Store
	supervisor *vmm.Supervisor
	containers *container.Manager
	bus        *events.Bus
}

func Open(ctx context.Context, opts Options) (e *Engine, err error) {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	root := opts.Root
	if opts.Temporary {
		root, err = os.MkdirTemp(opts.Root, "crate-")
		if err != nil {
			return nil, err
		}
	} else {
		if root == "" {
			return nil, errors.New("engine root directory is required")
		}
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
	}
	cleanup := []func() error{}
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			if cErr := cleanup[i](); cErr != nil {
				log.Error(cErr, "could not clean up after failed open")
			}
		}
		if opts.Temporary {
			os.RemoveAll(root)
		}
	}()
	log = log.WithValues("root", root)

	kernel := vmm.Kernel{}
	switch {
	case opts.Kernel != nil:
		kernel = *opts.Kernel
	case opts.KernelDir != "":
		kernel, err = vmm.DetectKernel(opts.KernelDir, opts.KernelName)
		if err != nil {
			return nil, err
		}
	}
	platform := vmm.HostPlatform()
	if kernel.Path != "" {
		platform = kernel.Platform
	}

	var hosts registry.HostsConfig
	if opts.HostsFile != "" {
		hosts, err = registry.LoadHosts(opts.HostsFile)
		if err != nil {
			return nil, err
		}
	}

	cs, err := content.NewLocal(filepath.Join(root, "content"), content.WithLogger(log.WithName("content")))
	if err != nil {
		return nil, err
	}
	clientOpts := []registry.ClientOption{
		registry.WithLogger(log.WithName("registry")),
		registry.WithHosts(hosts),
		registry.WithPlatform(platform),
		registry.WithCredentials(registry.ChainCredentials(opts.Credentials, registry.NewKeychainCredentials())),
	}
	if opts.Transport != nil {
		clientOpts = append(clientOpts, registry.WithTransport(opts.Transport))
	}
	if opts.Concurrency > 0 {
		clientOpts = append(clientOpts, registry.WithConcurrency(opts.Concurrency))
	}
	client, err := registry.NewClient(cs, clientOpts...)
	if err != nil {
		return nil, err
	}
	imgs, err := images.NewStore(filepath.Join(root, "index.db"), cs, client,
		images.WithLogger(log.WithName("images")),
		images.WithFreshness(opts.Freshness),
	)
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, imgs.Close)

	bus, err := events.NewBus(events.WithLogger(log.WithName("events")))
	if err != nil {
		return nil, err
	}
	supervisorOpts := []vmm.SupervisorOption{vmm.WithLogger(log.WithName("vmm"))}
	if opts.Hypervisor != nil {
		supervisorOpts = append(supervisorOpts, vmm.WithHypervisor(opts.Hypervisor))
	}
	supervisor, err := vmm.NewSupervisor(cs, supervisorOpts...)
	if err != nil {
		return nil, err
	}

	// Containers do not survive the process, neither do their root filesystems.
	rootfsDir := filepath.Join(root, "rootfs")
	if err := os.RemoveAll(rootfsDir); err != nil {
		return nil, err
	}
	manager, err := container.NewManager(kernel, imgs, supervisor,
		container.WithLogger(log.WithName("container")),
		container.WithBus(bus),
		container.WithRootfsDir(rootfsDir),
	)
	if err != nil {
		return nil, err
	}

	log.Info("opened engine", "temporary", opts.Temporary, "kernel", kernel.Path, "freshness", opts.Freshness.String())
	return &Engine{
		log:        log,
		root:       root,
		temporary:  opts.Temporary,
		content:    cs,
		images:     imgs,
		supervisor: supervisor,
		containers: manager,
		bus:        bus,
	}, nil
}

// Root returns the directory holding all engine state.
func (e *Engine) Root() string {
	return e.root
}

func (e *Engine) Platform() ocispec.Platform {
	if k := e.containers.Kernel(); k.Path != "" {
		return k.Platform
	}
	return e.supervisor.Host()
}

// Close stops all containers and releases the stores. In temporary mode all
// state on disk is removed.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.containers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.images.Close(); err != nil {
		errs = append(errs, err)
	}
	e.bus.Close()
	if e.temporary {
		if err := os.RemoveAll(e.root); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("closed engine")
	return errors.Join(errs...)
}

func (e *Engine) Events() *events.Bus {
	return e.bus
}

func (e *Engine) Images(ctx context.Context) ([]images.Image, error) {
	return e.images.List(ctx)
}

func (e *Engine) Containers() []container.Snapshot {
	return e.containers.List()
}

func (e *Engine) Container(idOrName string) (container.Snapshot, error) {
	c, err := e.containers.Get(idOrName)
	if err != nil {
		return container.Snapshot{}, err
	}
	return c.Snapshot(time.Now()), nil
}

// RequestPull pulls the reference, replacing the indexed image.
func (e *Engine) RequestPull(ctx context.Context, reference string, opts ...registry.PullOption) *task.Task[images.Image] {
	return task.Go(ctx, func(ctx context.Context) (images.Image, error) {
		e.bus.Logf("pulling %s", reference)
		img, err := e.images.Pull(ctx, reference, opts...)
		if err != nil {
			e.bus.Logf("pull of %s failed: %v", reference, err)
			return images.Image{}, err
		}
		e.bus.Publish(events.Event{Kind: events.KindImage, Image: img.Reference, State: "pulled", Message: fmt.Sprintf("pulled %s %s", img.Reference, img.Manifest.Digest)})
		return img, nil
	})
}

// RequestRemoveImage removes the reference from the image index.
func (e *Engine) RequestRemoveImage(ctx context.Context, reference string) *task.Task[struct{}] {
	return task.Go(ctx, func(ctx context.Context) (struct{}, error) {
		if err := e.images.Remove(ctx, reference); err != nil {
			return struct{}{}, err
		}
		e.bus.Publish(events.Event{Kind: events.KindImage, Image: reference, State: "removed", Message: "removed " + reference})
		return struct{}{}, nil
	})
}

// RequestPrune deletes blobs no image references.
func (e *Engine) RequestPrune(ctx context.Context) *task.Task[images.PruneResult] {
	return task.Go(ctx, func(ctx context.Context) (images.PruneResult, error) {
		result, err := e.images.Prune(ctx)
		if err != nil {
			return result, err
		}
		e.bus.Logf("pruned %d blobs", len(result.Removed))
		return result, nil
	})
}

// RequestCreate resolves the reference, pulling it when needed, and creates a
// container from it.
func (e *Engine) RequestCreate(ctx context.Context, reference, name string, cfg container.Config, configure container.ConfigureFunc) *task.Task[*container.Container] {
	return task.Go(ctx, func(ctx context.Context) (*container.Container, error) {
		c, err := e.containers.Create(ctx, name, reference, cfg, configure)
		if err != nil {
			e.bus.Logf("could not create container from %s: %v", reference, err)
			return nil, err
		}
		return c, nil
	})
}

func (e *Engine) RequestStart(ctx context.Context, id string) *task.Task[struct{}] {
	return task.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.containers.Start(ctx, id)
	})
}

func (e *Engine) RequestStop(ctx context.Context, id string) *task.Task[struct{}] {
	return task.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.containers.Stop(ctx, id)
	})
}

func (e *Engine) RequestWait(ctx context.Context, id string) *task.Task[vmm.ExitStatus] {
	return task.Go(ctx, func(ctx context.Context) (vmm.ExitStatus, error) {
		return e.containers.Wait(ctx, id)
	})
}

func (e *Engine) RequestDelete(ctx context.Context, id string) *task.Task[struct{}] {
	return task.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.containers.Delete(ctx, id)
	})
}

// RequestRun creates and starts a container and waits for it to exit.
func (e *Engine) RequestRun(ctx context.Context, reference, name string, cfg container.Config, configure container.ConfigureFunc) *task.Task[vmm.ExitStatus] {
	return task.Go(ctx, func(ctx context.Context) (vmm.ExitStatus, error) {
		c, err := e.containers.Create(ctx, name, reference, cfg, configure)
		if err != nil {
			return vmm.ExitStatus{}, err
		}
		if err := e.containers.Start(ctx, c.ID); err != nil {
			return vmm.ExitStatus{}, err
		}
		status, err := e.containers.Wait(ctx, c.ID)
		if errors.Is(err, context.Canceled) {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopGrace)
			defer cancel()
			if stopErr := e.containers.Stop(stopCtx, c.ID); stopErr != nil {
				e.log.Error(stopErr, "could not stop container after cancellation", "id", c.ID)
			}
		}
		return status, err
	})
}
