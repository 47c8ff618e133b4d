package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/moby/sys/reexec"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"crate/internal/registrytest"
	"crate/pkg/container"
	"crate/pkg/engine"
	"crate/pkg/errdefs"
	"crate/pkg/events"
	"crate/pkg/images"
	"crate/pkg/vmm"
)

const fakeVMName = "crate-api-fake-vm"

func TestMain(m *testing.M) {
	reexec.Register(fakeVMName, func() {
		if len(os.Args) > 1 && os.Args[1] == "run" {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGTERM)
			fmt.Println("running")
			<-ch
			os.Exit(0)
		}
		fmt.Println("booted")
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

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine, string) {
	t.Helper()

	reg := registrytest.NewServer(t)
	reg.PushImage(t, "library/alpine", "latest", ocispec.Platform{OS: "linux", Architecture: "amd64"},
		registrytest.Layer(t, registrytest.File{Name: "bin", Dir: true}, registrytest.File{Name: "bin/true", Content: "#!/bin/sh\n"}),
	)

	ctx := context.Background()
	kernel := vmm.Kernel{Path: "/boot/vmlinuz", Platform: vmm.HostPlatform()}
	e, err := engine.Open(ctx, engine.Options{
		Root:       t.TempDir(),
		Temporary:  true,
		Kernel:     &kernel,
		Hypervisor: fakeHypervisor{},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		//nolint: errcheck // Ignore
		e.Close(ctx)
	})
	s, err := NewServer(e, WithKeepAlive(50*time.Millisecond))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, e, reg.Host() + "/library/alpine:latest"
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func smallConfig(init ...string) *container.Config {
	return &container.Config{Init: init, CPUs: 1, MemoryInBytes: 64 << 20, RootfsSizeInBytes: 16 << 20}
}

func TestImages(t *testing.T) {
	t.Parallel()

	srv, _, ref := newTestServer(t)

	ready := map[string]string{}
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", nil, &ready))
	require.Equal(t, "ok", ready["status"])

	img := images.Image{}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/images", PullRequest{Reference: ref}, &img))
	require.Equal(t, ref, img.Reference)

	imgs := []images.Image{}
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/images", nil, &imgs))
	require.Len(t, imgs, 1)

	require.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/v1/images/"+ref, nil, nil))
	require.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/v1/images/"+ref, nil, nil))

	result := images.PruneResult{}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/images/prune", nil, &result))
	require.Len(t, result.Removed, 3)

	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/v1/images", map[string]string{"ref": ref}, nil))
	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/v1/images", PullRequest{Reference: "alpine:"}, nil))
}

func TestContainers(t *testing.T) {
	t.Parallel()

	srv, _, ref := newTestServer(t)

	snapshot := container.Snapshot{}
	code := do(t, http.MethodPost, srv.URL+"/v1/containers", CreateRequest{Image: ref, Name: "one", Config: smallConfig(), Start: true}, &snapshot)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "one", snapshot.Name)

	wait := WaitResponse{}
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/containers/one/wait", nil, &wait))
	require.Equal(t, 0, wait.Code)
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/containers/one", nil, &snapshot))
	require.Equal(t, container.StatusStopped, snapshot.Status)

	code = do(t, http.MethodPost, srv.URL+"/v1/containers", CreateRequest{Image: ref, Name: "two", Config: smallConfig("run")}, &snapshot)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, container.Created, snapshot.State)
	require.Equal(t, http.StatusConflict, do(t, http.MethodPost, srv.URL+"/v1/containers/two/stop", nil, nil))
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/containers/two/start", nil, &snapshot))
	require.Equal(t, container.StatusRunning, snapshot.Status)
	require.Equal(t, http.StatusConflict, do(t, http.MethodDelete, srv.URL+"/v1/containers/two", nil, nil))
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/v1/containers/two/stop", nil, &snapshot))
	require.Equal(t, container.StatusStopped, snapshot.Status)

	list := []container.Snapshot{}
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/v1/containers", nil, &list))
	require.Len(t, list, 2)
	require.Equal(t, "one", list[0].Name)

	require.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/v1/containers/one", nil, nil))
	require.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/v1/containers/one", nil, nil))

	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/v1/containers", CreateRequest{Image: ref, Name: "two", Config: smallConfig()}, nil))
	partial := map[string]any{"image": ref, "name": "three", "config": map[string]any{"cpus": 1}}
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, srv.URL+"/v1/containers", partial, &snapshot))
	require.Equal(t, 1, snapshot.Config.CPUs)
	require.Equal(t, container.DefaultConfig().MemoryInBytes, snapshot.Config.MemoryInBytes)
	require.Equal(t, container.DefaultConfig().RootfsSizeInBytes, snapshot.Config.RootfsSizeInBytes)

	cfg := smallConfig()
	cfg.CPUs = 0
	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, srv.URL+"/v1/containers", CreateRequest{Image: ref, Config: cfg}, nil))
	cfg = smallConfig()
	cfg.CPUs = 1 << 16
	require.Equal(t, http.StatusInsufficientStorage, do(t, http.MethodPost, srv.URL+"/v1/containers", CreateRequest{Image: ref, Config: cfg, Start: true}, nil))
}

func TestEvents(t *testing.T) {
	t.Parallel()

	srv, e, _ := newTestServer(t)
	e.Events().Logf("first")
	e.Events().Logf("second")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?after=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	received := make(chan events.Event)
	go func() {
		defer close(received)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			ev := events.Event{}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return
			}
			select {
			case received <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ev := <-received
	require.Equal(t, "second", ev.Message)
	require.Equal(t, uint64(2), ev.Seq)

	require.Eventually(t, func() bool {
		return e.Events().Subscribers() > 0
	}, 5*time.Second, 10*time.Millisecond)
	e.Events().Logf("third")
	ev = <-received
	require.Equal(t, "third", ev.Message)
	require.Equal(t, events.KindLog, ev.Kind)
	require.Equal(t, uint64(3), ev.Seq)

	code := do(t, http.MethodGet, srv.URL+"/v1/events?after=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      error
		expected int
	}{
		{err: errdefs.ErrInvalidArgument, expected: http.StatusBadRequest},
		{err: fmt.Errorf("ref: %w", errdefs.ErrNotFound), expected: http.StatusNotFound},
		{err: errdefs.ErrAuth, expected: http.StatusUnauthorized},
		{err: errdefs.ErrNetwork, expected: http.StatusServiceUnavailable},
		{err: errdefs.ErrInvalidState, expected: http.StatusConflict},
		{err: errdefs.ErrResource, expected: http.StatusInsufficientStorage},
		{err: errdefs.ErrBootFailure, expected: http.StatusBadGateway},
		{err: errdefs.ErrIntegrity, expected: http.StatusBadGateway},
		{err: errdefs.ErrCorruptIndex, expected: http.StatusInternalServerError},
		{err: errors.New("unknown"), expected: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.expected, StatusCode(tt.err), tt.err.Error())
	}
}
