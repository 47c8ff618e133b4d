// Package vmm boots and supervises the virtual machines running containers.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/containerd/platforms"
	"github.com/docker/go-units"
	"github.com/go-logr/logr"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pbnjay/memory"

	"crate/pkg/content"
	"crate/pkg/errdefs"
	"crate/pkg/metrics"
	"crate/pkg/rootfs"
)

// RootfsSpec describes the root filesystem to materialize for a guest.
type RootfsSpec struct {
	Path        string
	Layers      []ocispec.Descriptor
	SizeInBytes int64
}

// Config holds the guest resources and init process.
type Config struct {
	// Console receives each line the guest writes to its serial console.
	Console       func(line string)
	Init          []string
	Env           []string
	CPUs          int
	MemoryInBytes int64
	Emulation     bool
}

type SupervisorConfig struct {
	Log        logr.Logger
	Hypervisor Hypervisor
	Host       ocispec.Platform
	CPUs       int
	Memory     uint64
}

func (cfg *SupervisorConfig) Apply(opts ...SupervisorOption) error {
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

type SupervisorOption func(cfg *SupervisorConfig) error

func WithLogger(log logr.Logger) SupervisorOption {
	return func(cfg *SupervisorConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithHypervisor(h Hypervisor) SupervisorOption {
	return func(cfg *SupervisorConfig) error {
		cfg.Hypervisor = h
		return nil
	}
}

// WithHost overrides the detected host platform and capacity.
func WithHost(platform ocispec.Platform, cpus int, memory uint64) SupervisorOption {
	return func(cfg *SupervisorConfig) error {
		if cpus <= 0 || memory == 0 {
			return fmt.Errorf("host capacity must be positive: %w", errdefs.ErrInvalidArgument)
		}
		cfg.Host = platform
		cfg.CPUs = cpus
		cfg.Memory = memory
		return nil
	}
}

// Supervisor launches guests and owns their processes.
type Supervisor struct {
	log        logr.Logger
	content    content.Store
	hypervisor Hypervisor
	host       ocispec.Platform
	cpus       int
	memory     uint64
}

func NewSupervisor(cs content.Store, opts ...SupervisorOption) (*Supervisor, error) {
	cfg := SupervisorConfig{
		Log:        logr.Discard(),
		Hypervisor: &QEMU{},
		Host:       HostPlatform(),
		CPUs:       runtime.NumCPU(),
		Memory:     memory.TotalMemory(),
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		log:        cfg.Log,
		content:    cs,
		hypervisor: cfg.Hypervisor,
		host:       cfg.Host,
		cpus:       cfg.CPUs,
		memory:     cfg.Memory,
	}, nil
}

// Host returns the platform guests run on without emulation.
func (s *Supervisor) Host() ocispec.Platform {
	return s.host
}

// Launch materializes the rootfs and boots the kernel with it. The returned
// VM is running, its lifetime is not bound to ctx.
func (s *Supervisor) Launch(ctx context.Context, kernel Kernel, rootfsSpec RootfsSpec, cfg Config) (vm *VM, err error) {
	log := s.log.WithValues("kernel", kernel.Path, "rootfs", rootfsSpec.Path)

	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.BootDurHistogram.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	if err := s.check(kernel, cfg); err != nil {
		return nil, err
	}
	if _, err := rootfs.Materialize(logr.NewContext(ctx, log), s.content, rootfsSpec.Layers, rootfsSpec.Path, rootfsSpec.SizeInBytes); err != nil {
		return nil, err
	}

	cmd, err := s.hypervisor.Command(ctx, LaunchSpec{
		Kernel:        kernel,
		Rootfs:        rootfsSpec.Path,
		Host:          s.host,
		Init:          cfg.Init,
		Env:           cfg.Env,
		CPUs:          cfg.CPUs,
		MemoryInBytes: cfg.MemoryInBytes,
		Emulation:     cfg.Emulation,
	})
	if err != nil {
		if errdefs.IsBootFailure(err) {
			return nil, err
		}
		return nil, fmt.Errorf("could not prepare hypervisor: %w: %w", errdefs.ErrBootFailure, err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start hypervisor %s: %w: %w", cmd.Path, errdefs.ErrBootFailure, err)
	}

	vm = newVM(log.WithValues("pid", cmd.Process.Pid), cmd, pr, pw, cfg.Console)
	log.Info("launched vm", "pid", cmd.Process.Pid, "cpus", cfg.CPUs, "memory", units.BytesSize(float64(cfg.MemoryInBytes)), "duration", time.Since(start))
	return vm, nil
}

func (s *Supervisor) check(kernel Kernel, cfg Config) error {
	var errs []error
	if cfg.CPUs <= 0 {
		errs = append(errs, fmt.Errorf("cpus must be positive, got %d", cfg.CPUs))
	}
	if cfg.MemoryInBytes <= 0 {
		errs = append(errs, fmt.Errorf("memory must be positive, got %d", cfg.MemoryInBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, errors.Join(errs...))
	}
	if kernel.Path == "" {
		return fmt.Errorf("no kernel configured: %w", errdefs.ErrBootFailure)
	}
	if cfg.CPUs > s.cpus {
		return fmt.Errorf("requested %d cpus but host has %d: %w", cfg.CPUs, s.cpus, errdefs.ErrResource)
	}
	if uint64(cfg.MemoryInBytes) > s.memory {
		return fmt.Errorf("requested %s memory but host has %s: %w", units.BytesSize(float64(cfg.MemoryInBytes)), units.BytesSize(float64(s.memory)), errdefs.ErrResource)
	}
	if !cfg.Emulation && !platforms.Only(s.host).Match(kernel.Platform) {
		return fmt.Errorf("kernel platform %s cannot run on %s without emulation: %w", platforms.Format(kernel.Platform), platforms.Format(s.host), errdefs.ErrBootFailure)
	}
	return nil
}
