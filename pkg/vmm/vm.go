package vmm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

// ExitStatusPrefix is written by the guest init to the console to report the
// exit code of the container process.
const ExitStatusPrefix = "crate-exit-status:"

type ExitStatus struct {
	ExitedAt time.Time
	Code     int
	// Stopped is true when the VM exited after Stop was called.
	Stopped bool
}

// VM is a running guest.
type VM struct {
	log       logr.Logger
	cmd       *exec.Cmd
	done      chan struct{}
	startedAt time.Time
	status    ExitStatus
	err       error
	stopping  atomic.Bool
}

func newVM(log logr.Logger, cmd *exec.Cmd, pr *io.PipeReader, pw *io.PipeWriter, console func(string)) *VM {
	vm := &VM{
		log:       log,
		cmd:       cmd,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	reported := make(chan int, 1)
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), ExitStatusPrefix); ok {
				if code, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
					select {
					case <-reported:
					default:
					}
					reported <- code
				}
			}
			if console != nil {
				console(line)
			}
		}
		// Keep draining so the hypervisor never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	go func() {
		err := cmd.Wait()
		pw.Close()
		<-scanned

		status := ExitStatus{ExitedAt: time.Now(), Stopped: vm.stopping.Load()}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			vm.err = err
		}
		status.Code = exitCode(cmd.ProcessState)
		select {
		case code := <-reported:
			status.Code = code
		default:
		}
		vm.status = status
		log.Info("vm exited", "code", status.Code, "stopped", status.Stopped, "uptime", status.ExitedAt.Sub(vm.startedAt))
		close(vm.done)
	}()
	return vm
}

func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func (v *VM) Pid() int {
	return v.cmd.Process.Pid
}

func (v *VM) StartedAt() time.Time {
	return v.startedAt
}

// Done is closed when the VM process has exited.
func (v *VM) Done() <-chan struct{} {
	return v.done
}

// Wait blocks until the VM exits or ctx is done.
func (v *VM) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	case <-v.done:
		return v.status, v.err
	}
}

// Stop asks the VM to shut down and kills it when it has not exited after
// timeout. Stopping an exited VM is a no-op.
func (v *VM) Stop(ctx context.Context, timeout time.Duration) error {
	select {
	case <-v.done:
		return nil
	default:
	}
	v.stopping.Store(true)

	if err := v.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		v.log.Error(err, "could not signal vm, killing")
		return v.kill(ctx)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-v.done:
		return nil
	case <-timer.C:
		v.log.Info("vm did not stop in time, killing", "timeout", timeout)
		return v.kill(ctx)
	case <-ctx.Done():
		if err := v.kill(context.Background()); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (v *VM) kill(ctx context.Context) error {
	if err := v.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
