// Package container manages the lifecycle of VM backed containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/errdefs"
	"crate/pkg/images"
	"crate/pkg/vmm"
)

type State string

const (
	Created  State = "created"
	Starting State = "starting"
	Running  State = "running"
	Stopped  State = "stopped"
	Crashed  State = "crashed"
)

// Status is the coarse state shown to users.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

func (s State) Status() Status {
	switch s {
	case Starting, Running:
		return StatusRunning
	case Crashed:
		return StatusError
	default:
		return StatusStopped
	}
}

// Config holds the tunables of a container. It is frozen once the container
// is created.
type Config struct {
	// Init is the guest init process, it defaults to the image entrypoint
	// and command.
	Init              []string `json:"init,omitempty"`
	Env               []string `json:"env,omitempty"`
	CPUs              int      `json:"cpus"`
	MemoryInBytes     int64    `json:"memoryInBytes"`
	RootfsSizeInBytes int64    `json:"rootfsSizeInBytes"`
	Emulation         bool     `json:"emulation"`
}

func DefaultConfig() Config {
	return Config{
		CPUs:              2,
		MemoryInBytes:     1 << 30,
		RootfsSizeInBytes: 1 << 30,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.CPUs <= 0 {
		errs = append(errs, fmt.Errorf("cpus must be positive, got %d", c.CPUs))
	}
	if c.MemoryInBytes <= 0 {
		errs = append(errs, fmt.Errorf("memory must be positive, got %d", c.MemoryInBytes))
	}
	if c.RootfsSizeInBytes <= 0 {
		errs = append(errs, fmt.Errorf("rootfs size must be positive, got %d", c.RootfsSizeInBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid container config: %w: %w", errdefs.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func (c Config) clone() Config {
	c.Init = append([]string(nil), c.Init...)
	c.Env = append([]string(nil), c.Env...)
	return c
}

// ConfigureFunc may adjust the tunables before a container is created.
type ConfigureFunc func(cfg *Config)

// Container is a single VM backed container. Identity and config never
// change, the lifecycle fields are guarded by mx.
type Container struct {
	CreatedAt time.Time
	ID        string
	Name      string
	Image     images.Image
	Config    Config

	layers []ocispec.Descriptor
	rootfs string
	exited chan struct{}

	vm          *vmm.VM
	cancelStart context.CancelFunc
	exit        *vmm.ExitStatus
	err         error
	startedAt   time.Time
	finishedAt  time.Time
	state       State
	stopping    bool
	mx          sync.Mutex
}

func (c *Container) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()

	return c.state
}

// Snapshot is a point in time view of a container.
type Snapshot struct {
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Image      string     `json:"image"`
	State      State      `json:"state"`
	Status     Status     `json:"status"`
	Uptime     string     `json:"uptime"`
	Error      string     `json:"error,omitempty"`
	Config     Config     `json:"config"`
}

func (c *Container) Snapshot(now time.Time) Snapshot {
	c.mx.Lock()
	defer c.mx.Unlock()

	s := Snapshot{
		CreatedAt: c.CreatedAt,
		ID:        c.ID,
		Name:      c.Name,
		Image:     c.Image.Reference,
		State:     c.state,
		Status:    c.state.Status(),
		Config:    c.Config.clone(),
	}
	if !c.startedAt.IsZero() {
		startedAt := c.startedAt
		s.StartedAt = &startedAt
	}
	if !c.finishedAt.IsZero() {
		finishedAt := c.finishedAt
		s.FinishedAt = &finishedAt
	}
	if c.state == Running {
		s.Uptime = units.HumanDuration(now.Sub(c.startedAt))
	}
	if c.exit != nil {
		code := c.exit.Code
		s.ExitCode = &code
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}
