package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/moby/sys/reexec"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"crate/internal/registrytest"
	"crate/pkg/container"
	"crate/pkg/errdefs"
	"crate/pkg/events"
	"crate/pkg/vmm"
)

const fakeVMName = "crate-engine-fake-vm"

func TestMain(m *testing.M) {
	reexec.Register(fakeVMName, func() {
		fmt.Println("booting", strings.Join(os.Args[1:], " "))
		os.Exit(0)
	})
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

type fakeHypervisor struct{}

func (fakeHypervisor) Command(ctx context.Context, spec vmm.LaunchSpec) (*exec.Cmd, error) {
	return reexec.Command(append([]string{fakeVMName}, spec.Init...)...), nil
}

func pushAlpine(t *testing.T, srv *registrytest.Server) registrytest.Image {
	t.Helper()

	return srv.PushImage(t, "library/alpine", "latest", ocispec.Platform{OS: "linux", Architecture: "amd64"},
		registrytest.Layer(t, registrytest.File{Name: "bin", Dir: true}, registrytest.File{Name: "bin/true", Content: "#!/bin/sh\n"}),
	)
}

func testOptions(t *testing.T, root string, temporary bool) Options {
	t.Helper()

	kernel := vmm.Kernel{Path: "/boot/vmlinuz", Platform: vmm.HostPlatform()}
	return Options{
		Root:       root,
		Temporary:  temporary,
		Kernel:     &kernel,
		Hypervisor: fakeHypervisor{},
	}
}

func smallConfig() container.Config {
	return container.Config{CPUs: 1, MemoryInBytes: 64 << 20, RootfsSizeInBytes: 16 << 20}
}

func TestEngineTemporary(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv := registrytest.NewServer(t)
	pushed := pushAlpine(t, srv)
	parent := t.TempDir()

	e, err := Open(ctx, testOptions(t, parent, true))
	require.NoError(t, err)
	require.DirExists(t, e.Root())
	require.NotEqual(t, parent, e.Root())

	ch, unsubscribe := e.Events().Subscribe()
	defer unsubscribe()

	ref := srv.Host() + "/library/alpine:latest"
	img, err := e.RequestPull(ctx, ref).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, pushed.Manifest.Digest, img.Manifest.Digest)

	status, err := e.RequestRun(ctx, ref, "crate-alpine-test", smallConfig(), nil).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Code)

	snapshot, err := e.Container("crate-alpine-test")
	require.NoError(t, err)
	require.Equal(t, container.StatusStopped, snapshot.Status)
	require.Equal(t, ref, snapshot.Image)
	require.Len(t, e.Containers(), 1)

	imgs, err := e.Images(ctx)
	require.NoError(t, err)
	require.Len(t, imgs, 1)

	pulled := false
	for !pulled {
		select {
		case ev := <-ch:
			pulled = ev.Kind == events.KindImage && ev.State == "pulled"
		case <-ctx.Done():
			t.Fatal("no pull event")
		}
	}
	logs := []string{}
	for _, ev := range e.Events().Logs(0) {
		logs = append(logs, ev.Message)
	}
	require.Contains(t, logs, "booting /bin/true")

	root := e.Root()
	require.NoError(t, e.Close(ctx))
	require.NoDirExists(t, root)
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEngineReopen(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv := registrytest.NewServer(t)
	pushed := pushAlpine(t, srv)
	root := t.TempDir()
	ref := srv.Host() + "/library/alpine:latest"

	e, err := Open(ctx, testOptions(t, root, false))
	require.NoError(t, err)
	_, err = e.RequestPull(ctx, ref).Wait(ctx)
	require.NoError(t, err)
	c, err := e.RequestCreate(ctx, ref, "", smallConfig(), nil).Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))
	require.DirExists(t, root)

	// The registry is gone, the image must come from the index.
	srv.Close()
	e, err = Open(ctx, testOptions(t, root, false))
	require.NoError(t, err)
	defer e.Close(ctx)
	require.Empty(t, e.Containers())
	_, err = e.Container(c.ID)
	require.ErrorIs(t, err, errdefs.ErrNotFound)

	c, err = e.RequestCreate(ctx, ref, "", smallConfig(), nil).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, pushed.Manifest.Digest, c.Image.Manifest.Digest)
	_, err = e.RequestStart(ctx, c.ID).Wait(ctx)
	require.NoError(t, err)
	status, err := e.RequestWait(ctx, c.ID).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Code)
	_, err = e.RequestStop(ctx, c.ID).Wait(ctx)
	require.NoError(t, err)
	_, err = e.RequestDelete(ctx, c.ID).Wait(ctx)
	require.NoError(t, err)

	_, err = e.RequestRemoveImage(ctx, ref).Wait(ctx)
	require.NoError(t, err)
	result, err := e.RequestPrune(ctx).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, result.Removed, 3)
}

func TestEngineOpenErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	parent := t.TempDir()
	_, err := Open(ctx, Options{Root: parent, Temporary: true, KernelDir: t.TempDir()})
	require.ErrorIs(t, err, errdefs.ErrNotFound)
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = Open(ctx, Options{})
	require.Error(t, err)
}

func TestEngineWithoutKernel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv := registrytest.NewServer(t)
	pushAlpine(t, srv)
	e, err := Open(ctx, Options{Root: t.TempDir(), Temporary: true, Hypervisor: fakeHypervisor{}})
	require.NoError(t, err)
	defer e.Close(ctx)
	require.Equal(t, vmm.HostPlatform(), e.Platform())

	_, err = e.RequestRun(ctx, srv.Host()+"/library/alpine:latest", "", smallConfig(), nil).Wait(ctx)
	require.ErrorIs(t, err, errdefs.ErrBootFailure)
}
