package vmm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"crate/pkg/errdefs"
)

// DefaultKernelName is the name of the bundled guest kernel.
const DefaultKernelName = "vmlinuz-6.12.28-153"

// Kernel is a bootable guest kernel for a single architecture.
type Kernel struct {
	Path     string
	Cmdline  string
	Platform ocispec.Platform
}

// HostPlatform returns the guest platform the host runs without emulation.
func HostPlatform() ocispec.Platform {
	p := platforms.DefaultSpec()
	p.OS = "linux"
	return platforms.Normalize(p)
}

// DetectKernel selects the kernel matching the host architecture. It is
// called once at startup, the result is passed to the container manager.
func DetectKernel(dir, name string) (Kernel, error) {
	return detectKernel(dir, name, HostPlatform())
}

func detectKernel(dir, name string, platform ocispec.Platform) (Kernel, error) {
	if name == "" {
		name = DefaultKernelName
	}
	candidates := []string{}
	for _, arch := range archNames(platform.Architecture) {
		candidates = append(candidates,
			filepath.Join(dir, name+"-"+arch),
			filepath.Join(dir, arch, name),
		)
	}
	candidates = append(candidates, filepath.Join(dir, name))

	for _, p := range candidates {
		info, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Kernel{}, err
		}
		if info.IsDir() {
			continue
		}
		return Kernel{Path: p, Platform: platform}, nil
	}
	return Kernel{}, fmt.Errorf("kernel %s for %s in %s: %w", name, platforms.Format(platform), dir, errdefs.ErrNotFound)
}

// archNames returns the architecture spellings used for kernel file names.
func archNames(arch string) []string {
	switch arch {
	case "amd64":
		return []string{"amd64", "x86_64"}
	case "arm64":
		return []string{"arm64", "aarch64"}
	default:
		return []string{strings.ToLower(arch)}
	}
}
