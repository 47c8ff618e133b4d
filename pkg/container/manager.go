package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"crate/pkg/errdefs"
	"crate/pkg/events"
	"crate/pkg/images"
	"crate/pkg/metrics"
	"crate/pkg/registry"
	"crate/pkg/vmm"
)

// ImageResolver resolves references to images and their root filesystems.
type ImageResolver interface {
	Resolve(ctx context.Context, reference string, opts ...registry.PullOption) (images.Image, error)
	RootFS(ctx context.Context, img images.Image) (images.RootFS, error)
}

// Launcher boots VMs.
type Launcher interface {
	Launch(ctx context.Context, kernel vmm.Kernel, rootfs vmm.RootfsSpec, cfg vmm.Config) (*vmm.VM, error)
}

var (
	_ ImageResolver = &images.Store{}
	_ Launcher      = &vmm.Supervisor{}
)

type ManagerConfig struct {
	Log         logr.Logger
	Bus         *events.Bus
	Clock       func() time.Time
	RootfsDir   string
	StopTimeout time.Duration
}

func (cfg *ManagerConfig) Apply(opts ...ManagerOption) error {
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

type ManagerOption func(cfg *ManagerConfig) error

func WithLogger(log logr.Logger) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithBus(bus *events.Bus) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.Bus = bus
		return nil
	}
}

// WithRootfsDir sets the directory container root filesystems are created in.
func WithRootfsDir(dir string) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.RootfsDir = dir
		return nil
	}
}

func WithStopTimeout(d time.Duration) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.StopTimeout = d
		return nil
	}
}

func WithClock(clock func() time.Time) ManagerOption {
	return func(cfg *ManagerConfig) error {
		cfg.Clock = clock
		return nil
	}
}

// Manager owns every container and drives their state transitions.
type Manager struct {
	log         logr.Logger
	kernel      vmm.Kernel
	images      ImageResolver
	launcher    Launcher
	bus         *events.Bus
	clock       func() time.Time
	rootfsDir   string
	stopTimeout time.Duration
	containers  map[string]*Container
	starts      sync.WaitGroup
	closed      bool
	mx          sync.RWMutex
}

func NewManager(kernel vmm.Kernel, resolver ImageResolver, launcher Launcher, opts ...ManagerOption) (*Manager, error) {
	cfg := ManagerConfig{
		Log:         logr.Discard(),
		Clock:       time.Now,
		RootfsDir:   filepath.Join(os.TempDir(), "crate", "rootfs"),
		StopTimeout: 10 * time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Bus == nil {
		cfg.Bus, err = events.NewBus(events.WithLogger(cfg.Log))
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(cfg.RootfsDir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{
		log:         cfg.Log,
		kernel:      kernel,
		images:      resolver,
		launcher:    launcher,
		bus:         cfg.Bus,
		clock:       cfg.Clock,
		rootfsDir:   cfg.RootfsDir,
		stopTimeout: cfg.StopTimeout,
		containers:  map[string]*Container{},
	}, nil
}

func (m *Manager) Kernel() vmm.Kernel {
	return m.kernel
}

// Create resolves the image and registers a new container in the Created
// state. configure runs on a copy of cfg before it is validated and frozen.
func (m *Manager) Create(ctx context.Context, name, reference string, cfg Config, configure ConfigureFunc) (*Container, error) {
	cfg = cfg.clone()
	if configure != nil {
		configure(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	img, err := m.images.Resolve(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("could not resolve image %s: %w", reference, err)
	}
	rootfs, err := m.images.RootFS(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("could not read image %s: %w", img.Reference, err)
	}
	if len(cfg.Init) == 0 {
		cfg.Init = append(append([]string{}, rootfs.Config.Config.Entrypoint...), rootfs.Config.Config.Cmd...)
	}
	if len(cfg.Init) == 0 {
		cfg.Init = []string{"/sbin/init"}
	}
	cfg.Env = append(append([]string{}, rootfs.Config.Config.Env...), cfg.Env...)

	id := uuid.NewString()
	if name == "" {
		name = "crate-" + id[:8]
	}
	c := &Container{
		CreatedAt: m.clock(),
		ID:        id,
		Name:      name,
		Image:     img,
		Config:    cfg,
		layers:    rootfs.Layers,
		rootfs:    filepath.Join(m.rootfsDir, id),
		exited:    make(chan struct{}),
		state:     Created,
	}

	m.mx.Lock()
	for _, other := range m.containers {
		if other.Name == name {
			m.mx.Unlock()
			return nil, fmt.Errorf("container name %s is already in use by %s: %w", name, other.ID, errdefs.ErrInvalidArgument)
		}
	}
	m.containers[id] = c
	m.mx.Unlock()

	metrics.Containers.WithLabelValues(string(Created)).Inc()
	m.publish(c, Created, "created container %s from %s", name, img.Reference)
	m.log.Info("created container", "id", id, "name", name, "image", img.Reference, "cpus", cfg.CPUs, "memory", cfg.MemoryInBytes)
	return c, nil
}

// Get returns a container by id or name.
func (m *Manager) Get(idOrName string) (*Container, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	if c, ok := m.containers[idOrName]; ok {
		return c, nil
	}
	for _, c := range m.containers {
		if c.Name == idOrName {
			return c, nil
		}
	}
	return nil, fmt.Errorf("container %s: %w", idOrName, errdefs.ErrNotFound)
}

// List returns snapshots of all containers ordered by creation time.
func (m *Manager) List() []Snapshot {
	m.mx.RLock()
	containers := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.mx.RUnlock()

	now := m.clock()
	snapshots := make([]Snapshot, 0, len(containers))
	for _, c := range containers {
		snapshots = append(snapshots, c.Snapshot(now))
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID < snapshots[j].ID
		}
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots
}

// Start boots the container VM. A failed boot leaves the container Crashed.
// The boot is canceled when the manager shuts down.
func (m *Manager) Start(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	log := m.log.WithValues("id", c.ID, "name", c.Name)

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return fmt.Errorf("cannot start container %s after shutdown: %w", c.ID, errdefs.ErrInvalidState)
	}
	m.starts.Add(1)
	m.mx.Unlock()
	defer m.starts.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mx.Lock()
	if c.state != Created {
		state := c.state
		c.mx.Unlock()
		return fmt.Errorf("cannot start container %s in state %s: %w", c.ID, state, errdefs.ErrInvalidState)
	}
	c.cancelStart = cancel
	m.transition(c, Starting)
	c.mx.Unlock()
	m.publish(c, Starting, "starting container %s", c.Name)

	vm, err := m.launcher.Launch(ctx, m.kernel, vmm.RootfsSpec{
		Path:        c.rootfs,
		Layers:      c.layers,
		SizeInBytes: c.Config.RootfsSizeInBytes,
	}, vmm.Config{
		CPUs:          c.Config.CPUs,
		MemoryInBytes: c.Config.MemoryInBytes,
		Emulation:     c.Config.Emulation,
		Init:          c.Config.Init,
		Env:           c.Config.Env,
		Console: func(line string) {
			m.bus.ContainerLogf(c.ID, "%s", line)
		},
	})
	if err != nil {
		err = fmt.Errorf("could not start container %s: %w", c.ID, err)
		c.mx.Lock()
		c.cancelStart = nil
		c.err = err
		c.finishedAt = m.clock()
		m.transition(c, Crashed)
		close(c.exited)
		c.mx.Unlock()
		log.Error(err, "boot failed")
		m.publish(c, Crashed, "container %s failed to boot: %v", c.Name, err)
		return err
	}

	c.mx.Lock()
	c.cancelStart = nil
	c.vm = vm
	c.startedAt = m.clock()
	m.transition(c, Running)
	c.mx.Unlock()
	m.publish(c, Running, "container %s is running", c.Name)

	go m.supervise(c, vm)
	return nil
}

// supervise records the final state once the VM exits.
func (m *Manager) supervise(c *Container, vm *vmm.VM) {
	status, err := vm.Wait(context.Background())

	c.mx.Lock()
	c.exit = &status
	c.finishedAt = m.clock()
	state := Stopped
	switch {
	case err != nil:
		c.err = fmt.Errorf("container %s: %w", c.ID, err)
		state = Crashed
	case status.Code != 0 && !status.Stopped && !c.stopping:
		c.err = fmt.Errorf("container %s exited with code %d", c.ID, status.Code)
		state = Crashed
	}
	m.transition(c, state)
	close(c.exited)
	c.mx.Unlock()

	m.log.Info("container exited", "id", c.ID, "code", status.Code, "state", state)
	m.publish(c, state, "container %s exited with code %d", c.Name, status.Code)
}

// Wait blocks until the container exits and returns its exit status.
func (m *Manager) Wait(ctx context.Context, id string) (vmm.ExitStatus, error) {
	c, err := m.Get(id)
	if err != nil {
		return vmm.ExitStatus{}, err
	}
	c.mx.Lock()
	state := c.state
	c.mx.Unlock()
	if state == Created {
		return vmm.ExitStatus{}, fmt.Errorf("cannot wait on container %s that was not started: %w", c.ID, errdefs.ErrInvalidState)
	}

	select {
	case <-ctx.Done():
		return vmm.ExitStatus{}, ctx.Err()
	case <-c.exited:
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.exit == nil {
		return vmm.ExitStatus{}, c.err
	}
	return *c.exit, nil
}

// Stop shuts the container VM down. Stopping a container that already exited
// is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}

	c.mx.Lock()
	switch c.state {
	case Stopped, Crashed:
		c.mx.Unlock()
		return nil
	case Running:
	default:
		state := c.state
		c.mx.Unlock()
		return fmt.Errorf("cannot stop container %s in state %s: %w", c.ID, state, errdefs.ErrInvalidState)
	}
	c.stopping = true
	vm := c.vm
	c.mx.Unlock()

	m.bus.ContainerLogf(c.ID, "stopping container %s", c.Name)
	if err := vm.Stop(ctx, m.stopTimeout); err != nil {
		return fmt.Errorf("could not stop container %s: %w", c.ID, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.exited:
		return nil
	}
}

// Delete removes a container that is not running and releases its rootfs.
func (m *Manager) Delete(ctx context.Context, id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	switch c.state {
	case Created, Stopped, Crashed:
	default:
		return fmt.Errorf("cannot delete container %s in state %s, stop it first: %w", c.ID, c.state, errdefs.ErrInvalidState)
	}
	if err := os.RemoveAll(c.rootfs); err != nil {
		return fmt.Errorf("could not release rootfs of container %s: %w", c.ID, err)
	}

	m.mx.Lock()
	delete(m.containers, c.ID)
	m.mx.Unlock()

	metrics.Containers.WithLabelValues(string(c.state)).Dec()
	m.log.Info("deleted container", "id", c.ID, "name", c.Name)
	m.bus.Publish(events.Event{Kind: events.KindContainer, Container: c.ID, Image: c.Image.Reference, State: "deleted", Message: "deleted container " + c.Name})
	return nil
}

// Shutdown cancels containers that are still booting, waits for their boot
// to return and stops every running container. No container can be started
// afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mx.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.containers))
	containers := make([]*Container, 0, len(m.containers))
	for id, c := range m.containers {
		ids = append(ids, id)
		containers = append(containers, c)
	}
	m.mx.Unlock()

	for _, c := range containers {
		c.mx.Lock()
		if c.cancelStart != nil {
			m.log.Info("canceling container boot", "id", c.ID, "name", c.Name)
			c.cancelStart()
		}
		c.mx.Unlock()
	}
	started := make(chan struct{})
	go func() {
		m.starts.Wait()
		close(started)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for container boots: %w", ctx.Err())
	case <-started:
	}

	var errs []error
	for _, id := range ids {
		err := m.Stop(ctx, id)
		if err != nil && !errdefs.IsInvalidState(err) && !errdefs.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transition must be called with c.mx held.
func (m *Manager) transition(c *Container, state State) {
	metrics.Containers.WithLabelValues(string(c.state)).Dec()
	metrics.Containers.WithLabelValues(string(state)).Inc()
	c.state = state
}

func (m *Manager) publish(c *Container, state State, format string, args ...any) {
	m.bus.Publish(events.Event{
		Kind:      events.KindContainer,
		Container: c.ID,
		Image:     c.Image.Reference,
		State:     string(state),
		Message:   fmt.Sprintf(format, args...),
	})
}
