package plcuda

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/axonlabs/gpu-bridge/internal/metrics"
)

// reapInterval bounds the wait between reap attempts even if no SIGCHLD
// arrives.
const reapInterval = 5 * time.Second

// runChild executes the compiled binary with the invocation's segments and
// argument tokens, waits for it and classifies the exit status. Returns
// isnull=true when the child reports a null result (exit code 1).
// Cancellation mid-wait escalates to SIGKILL.
func runChild(ctx context.Context, log *zap.Logger,
	binary string, argSeg, resSeg *Segment, tokens []string) (bool, error) {

	argv := make([]string, 0, len(tokens)+5)
	if argSeg != nil {
		argv = append(argv, "-a", argSeg.Name())
	}
	if resSeg != nil {
		argv = append(argv, "-r", resSeg.Name())
	}
	argv = append(argv, "--")
	argv = append(argv, tokens...)

	var stderr bytes.Buffer
	cmd := exec.Command(binary, argv...)
	cmd.Stderr = &stderr

	// the child's death wakes the wait loop; the loop does the reaping
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, unix.SIGCHLD)
	defer signal.Stop(sigchld)

	if err := cmd.Start(); err != nil {
		metrics.ChildExits.WithLabelValues("spawn_failure").Inc()
		return false, errors.Wrapf(err, "failed to spawn '%s'", binary)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	for {
		rv, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if rv == pid && (ws.Exited() || ws.Signaled()) {
			break
		}
		if err != nil && err != unix.EINTR && err != unix.EAGAIN {
			return false, errors.Wrap(err, "failed on waitpid(2)")
		}
		select {
		case <-ctx.Done():
			_ = unix.Kill(pid, unix.SIGKILL)
			_, _ = unix.Wait4(pid, &ws, 0, nil)
			reapPipes(cmd)
			metrics.ChildExits.WithLabelValues("killed").Inc()
			return false, ctx.Err()
		case <-sigchld:
		case <-time.After(reapInterval):
		}
	}
	reapPipes(cmd)

	switch {
	case ws.Signaled():
		metrics.ChildExits.WithLabelValues("signalled").Inc()
		log.Warn("GPU script died on a signal",
			zap.String("binary", binary),
			zap.String("signal", ws.Signal().String()),
			zap.String("stderr", stderr.String()))
		return false, &SignalledError{Signal: int(ws.Signal())}
	case ws.ExitStatus() == 0:
		metrics.ChildExits.WithLabelValues("result").Inc()
		return false, nil
	case ws.ExitStatus() == 1:
		metrics.ChildExits.WithLabelValues("null").Inc()
		return true, nil
	default:
		metrics.ChildExits.WithLabelValues("abnormal").Inc()
		log.Warn("GPU script exited abnormally",
			zap.String("binary", binary),
			zap.Int("code", ws.ExitStatus()),
			zap.String("stderr", stderr.String()))
		return false, &AbnormalExitError{Code: ws.ExitStatus()}
	}
}

// reapPipes lets os/exec finish the stderr copy and close its end of the
// pipe. The child is already reaped directly, so Wait fails on the pid;
// only its pipe cleanup matters here, and stderr must not be read before
// the copy goroutine is done.
func reapPipes(cmd *exec.Cmd) {
	_ = cmd.Wait()
}
