//go:build !windows

package runner

import (
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const pollInterval = 100 * time.Millisecond

// Supervise runs argv as a child process in its own process group while
// watching stdin in the background. Once stdin reaches end-of-input, SIGINT
// is sent to the negative process group id on every poll tick until the child
// exits. Closing stdin is the only cancellation signal an SSH exec channel
// can deliver, and signalling the whole group reaches descendants the child
// spawned through sudo. The child's exit status is not propagated; it belongs
// to the supervised test program, not the supervisor.
func Supervise(argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(argv) == 0 {
		return errors.New("no command given")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "could not start %s", argv[0])
	}
	// Setpgid with Pgid 0 makes the child the leader of a fresh group.
	pgid := cmd.Process.Pid

	var interrupt atomic.Bool
	go func() {
		io.Copy(io.Discard, stdin)
		interrupt.Store(true)
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil
			}
			return errors.Wrap(err, "waiting for supervised command")
		case <-ticker.C:
			if interrupt.Load() {
				// Repeated until the child exits; the group may already be
				// gone when the race goes the other way.
				if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil && err != syscall.ESRCH {
					return errors.Wrap(err, "could not signal process group")
				}
			}
		}
	}
}
