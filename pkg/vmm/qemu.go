package vmm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/errdefs"
)

// LaunchSpec is everything a hypervisor needs to boot a guest.
type LaunchSpec struct {
	Kernel        Kernel
	Rootfs        string
	Host          ocispec.Platform
	Init          []string
	Env           []string
	CPUs          int
	MemoryInBytes int64
	Emulation     bool
}

// Hypervisor builds the host process running a guest.
type Hypervisor interface {
	Command(ctx context.Context, spec LaunchSpec) (*exec.Cmd, error)
}

const rootfsTag = "rootfs"

// QEMU boots guests with qemu-system, sharing the rootfs over virtio 9p.
type QEMU struct {
	// Binary overrides the qemu-system executable.
	Binary string
}

var _ Hypervisor = &QEMU{}

func (q *QEMU) Command(ctx context.Context, spec LaunchSpec) (*exec.Cmd, error) {
	binary, machine, console, err := qemuTarget(spec.Kernel.Platform)
	if err != nil {
		return nil, err
	}
	if q.Binary != "" {
		binary = q.Binary
	}

	accel, cpu := "tcg", "max"
	if !spec.Emulation && platforms.Only(spec.Host).Match(spec.Kernel.Platform) {
		if a := hostAccelerator(); a != "" {
			accel, cpu = a, "host"
		}
	}
	memMiB := spec.MemoryInBytes >> 20
	if memMiB < 1 {
		memMiB = 1
	}
	args := []string{
		"-machine", machine + ",accel=" + accel,
		"-cpu", cpu,
		"-smp", strconv.Itoa(spec.CPUs),
		"-m", strconv.FormatInt(memMiB, 10),
		"-kernel", spec.Kernel.Path,
		"-append", Cmdline(spec.Kernel, console, spec.Init, spec.Env),
		"-fsdev", fmt.Sprintf("local,id=%s,path=%s,security_model=none", rootfsTag, spec.Rootfs),
		"-device", fmt.Sprintf("virtio-9p-pci,fsdev=%s,mount_tag=%s", rootfsTag, rootfsTag),
		"-display", "none",
		"-monitor", "none",
		"-serial", "stdio",
		"-no-reboot",
	}
	return exec.Command(binary, args...), nil
}

func qemuTarget(p ocispec.Platform) (binary, machine, console string, err error) {
	switch p.Architecture {
	case "amd64":
		return "qemu-system-x86_64", "q35", "ttyS0", nil
	case "arm64":
		return "qemu-system-aarch64", "virt", "ttyAMA0", nil
	default:
		return "", "", "", fmt.Errorf("no hypervisor for kernel platform %s: %w", platforms.Format(p), errdefs.ErrBootFailure)
	}
}

func hostAccelerator() string {
	switch runtime.GOOS {
	case "linux":
		if _, err := os.Stat("/dev/kvm"); err == nil {
			return "kvm"
		}
	case "darwin":
		return "hvf"
	}
	return ""
}

// Cmdline returns the kernel command line booting init from the shared rootfs.
// Environment entries become init's environment, arguments follow "--".
func Cmdline(kernel Kernel, console string, init, env []string) string {
	parts := []string{
		"console=" + console,
		"root=" + rootfsTag,
		"rootfstype=9p",
		"rootflags=trans=virtio,version=9p2000.L",
		"rw",
		"panic=-1",
	}
	if kernel.Cmdline != "" {
		parts = append(parts, kernel.Cmdline)
	}
	for _, e := range env {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			continue
		}
		parts = append(parts, k+"="+quote(v))
	}
	if len(init) > 0 {
		parts = append(parts, "init="+init[0])
		if len(init) > 1 {
			parts = append(parts, "--")
			for _, arg := range init[1:] {
				parts = append(parts, quote(arg))
			}
		}
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}
