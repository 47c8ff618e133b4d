package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/avast/retry-go/v4"
	"github.com/containerd/platforms"
	"github.com/docker/go-units"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"crate/pkg/api"
	"crate/pkg/container"
	"crate/pkg/engine"
	"crate/pkg/errdefs"
	"crate/pkg/events"
	"crate/pkg/images"
	"crate/pkg/metrics"
	"crate/pkg/oci"
	"crate/pkg/vmm"
)

type EngineConfig struct {
	Root        string                 `arg:"--root,env:CRATE_ROOT" help:"Directory where Crate persists images. Defaults to the user cache directory."`
	Temporary   bool                   `arg:"--temporary,env:CRATE_TEMPORARY" default:"false" help:"When true all state is kept in a directory removed on exit."`
	KernelDir   string                 `arg:"--kernel-dir,env:CRATE_KERNEL_DIR" help:"Directory holding the guest kernel."`
	KernelName  string                 `arg:"--kernel-name,env:CRATE_KERNEL_NAME" help:"File name of the guest kernel, architecture variants are tried first."`
	HostsFile   string                 `arg:"--hosts-file,env:CRATE_HOSTS_FILE" help:"TOML file with per registry scheme, credentials and TLS settings."`
	Freshness   images.FreshnessPolicy `arg:"--freshness,env:CRATE_FRESHNESS" default:"never" help:"When mutable tags are re-checked upstream: never, always or a max age such as 1h."`
	Concurrency int                    `arg:"--concurrency,env:CRATE_CONCURRENCY" default:"4" help:"Max layers fetched in parallel."`
	PullRetries uint                   `arg:"--pull-retries,env:CRATE_PULL_RETRIES" default:"3" help:"Attempts for pulls failing on network errors."`
}

type PullCmd struct {
	Reference string `arg:"positional,required" help:"Image reference to pull."`
}

type ImagesCmd struct{}

type RmiCmd struct {
	Reference string `arg:"positional,required" help:"Image reference to remove from the index."`
}

type GCCmd struct{}

type RunCmd struct {
	Reference  string   `arg:"positional" default:"docker.io/library/alpine:latest" help:"Image reference to run."`
	Name       string   `arg:"--name" help:"Container name, defaults to crate-<image>-<random>."`
	CPUs       int      `arg:"--cpus" default:"2" help:"Virtual CPUs of the VM."`
	Memory     string   `arg:"--memory" default:"1GiB" help:"Memory of the VM."`
	RootfsSize string   `arg:"--rootfs-size" default:"1GiB" help:"Max size of the materialized root filesystem."`
	Emulation  bool     `arg:"--emulation" default:"false" help:"Allow running an image built for another architecture."`
	Init       []string `arg:"--init" help:"Guest init process, defaults to the image entrypoint and command."`
	Env        []string `arg:"-e,--env,separate" help:"Extra guest environment variables as KEY=VALUE."`
}

type ServeCmd struct {
	Addr        string `arg:"--addr,env:ADDR" default:"127.0.0.1:7411" help:"Address to serve the engine API."`
	MetricsAddr string `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics."`
}

type Arguments struct {
	EngineConfig
	Pull     *PullCmd   `arg:"subcommand:pull"`
	Images   *ImagesCmd `arg:"subcommand:images"`
	Rmi      *RmiCmd    `arg:"subcommand:rmi"`
	GC       *GCCmd     `arg:"subcommand:gc"`
	Run      *RunCmd    `arg:"subcommand:run"`
	Serve    *ServeCmd  `arg:"subcommand:serve"`
	LogLevel slog.Level `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

// exitError carries the exit code of a container to the process.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("container exited with code %d", int(e))
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	var code exitError
	if errors.As(err, &code) {
		os.Exit(int(code))
	}
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	var cmd func(ctx context.Context, e *engine.Engine) error
	switch {
	case args.Pull != nil:
		cmd = func(ctx context.Context, e *engine.Engine) error {
			return pullCommand(ctx, e, args.PullRetries, args.Pull)
		}
	case args.Images != nil:
		cmd = imagesCommand
	case args.Rmi != nil:
		cmd = func(ctx context.Context, e *engine.Engine) error {
			_, err := e.RequestRemoveImage(ctx, args.Rmi.Reference).Wait(ctx)
			return err
		}
	case args.GC != nil:
		cmd = gcCommand
	case args.Run != nil:
		cmd = func(ctx context.Context, e *engine.Engine) error {
			return runCommand(ctx, e, args.PullRetries, args.Run)
		}
	case args.Serve != nil:
		cmd = func(ctx context.Context, e *engine.Engine) error {
			return serveCommand(ctx, e, args.Serve)
		}
	default:
		return errors.New("unknown subcommand")
	}

	e, err := openEngine(ctx, args.EngineConfig)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := e.Close(closeCtx); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "could not close engine")
		}
	}()
	return cmd(ctx, e)
}

func openEngine(ctx context.Context, cfg EngineConfig) (*engine.Engine, error) {
	log := logr.FromContextOrDiscard(ctx)
	root := cfg.Root
	if root == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		root = filepath.Join(dir, "crate")
		if cfg.Temporary {
			root = os.TempDir()
		}
	}
	kernelName := cfg.KernelName
	if kernelName == "" {
		kernelName = vmm.DefaultKernelName
	}
	return engine.Open(ctx, engine.Options{
		Log:         log.WithName("engine"),
		Root:        root,
		Temporary:   cfg.Temporary,
		KernelDir:   cfg.KernelDir,
		KernelName:  kernelName,
		HostsFile:   cfg.HostsFile,
		Freshness:   cfg.Freshness,
		Concurrency: cfg.Concurrency,
	})
}

// withRetry retries fn on network errors only, other failures are final.
func withRetry[T any](ctx context.Context, attempts uint, fn func() (T, error)) (T, error) {
	log := logr.FromContextOrDiscard(ctx)
	return retry.DoWithData(fn,
		retry.Context(ctx),
		retry.Attempts(max(attempts, 1)),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(errdefs.IsNetwork),
		retry.OnRetry(func(n uint, err error) {
			log.Info("retrying after network error", "attempt", n+1, "error", err.Error())
		}),
	)
}

func pullCommand(ctx context.Context, e *engine.Engine, retries uint, args *PullCmd) error {
	img, err := withRetry(ctx, retries, func() (images.Image, error) {
		return e.RequestPull(ctx, args.Reference).Wait(ctx)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", img.Reference, img.Manifest.Digest)
	return nil
}

func imagesCommand(ctx context.Context, e *engine.Engine) error {
	imgs, err := e.Images(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tDIGEST\tPLATFORM\tPULLED")
	for _, img := range imgs {
		platform := "-"
		if img.Manifest.Platform != nil {
			platform = platforms.Format(*img.Manifest.Platform)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", img.Reference, img.Manifest.Digest.Encoded()[:12], platform, units.HumanDuration(time.Since(img.PulledAt)))
	}
	return w.Flush()
}

func gcCommand(ctx context.Context, e *engine.Engine) error {
	result, err := e.RequestPrune(ctx).Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d blobs, reclaimed %s\n", len(result.Removed), units.BytesSize(float64(result.Bytes)))
	return nil
}

func runCommand(ctx context.Context, e *engine.Engine, retries uint, args *RunCmd) error {
	memory, err := units.RAMInBytes(args.Memory)
	if err != nil {
		return fmt.Errorf("invalid memory %q: %w", args.Memory, err)
	}
	rootfsSize, err := units.RAMInBytes(args.RootfsSize)
	if err != nil {
		return fmt.Errorf("invalid rootfs size %q: %w", args.RootfsSize, err)
	}
	name := args.Name
	if name == "" {
		name, err = defaultName(args.Reference)
		if err != nil {
			return err
		}
	}
	cfg := container.Config{
		Init:              args.Init,
		Env:               args.Env,
		CPUs:              args.CPUs,
		MemoryInBytes:     memory,
		RootfsSizeInBytes: rootfsSize,
		Emulation:         args.Emulation,
	}

	ch, unsubscribe := e.Events().Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range ch {
			if ev.Kind != events.KindLog {
				continue
			}
			fmt.Println(ev.Message)
		}
	}()

	status, err := withRetry(ctx, retries, func() (vmm.ExitStatus, error) {
		return e.RequestRun(ctx, args.Reference, name, cfg, nil).Wait(ctx)
	})
	if err != nil {
		return err
	}
	if status.Code != 0 {
		return exitError(status.Code)
	}
	return nil
}

func defaultName(reference string) (string, error) {
	ref, err := oci.ParseReference(reference)
	if err != nil {
		return "", err
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("crate-%s-%s", path.Base(ref.Repository), suffix), nil
}

func serveCommand(ctx context.Context, e *engine.Engine, args *ServeCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)

	s, err := api.NewServer(e, api.WithLogger(log.WithName("api")))
	if err != nil {
		return err
	}
	apiSrv := s.Server(args.Addr)
	apiSrv.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}
	g.Go(func() error {
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	metricsSrv := &http.Server{
		Addr:              args.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	log.Info("running Crate", "api", args.Addr, "metrics", args.MetricsAddr, "root", e.Root(), "platform", platforms.Format(e.Platform()))
	return g.Wait()
}
