package worker

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/aperio-dev/aperio/internal/jobserr"
)

const (
	stdoutCap = 64 * 1024
	stderrCap = 64 * 1024

	// gracePeriod is how long a process is given to exit after SIGTERM
	// before the process group is SIGKILLed.
	gracePeriod = 5 * time.Second
)

// runResult carries a finished subprocess's captured output.
type runResult struct {
	stdout string
	stderr string
}

// runSubprocess runs name/args in its own process group, returning once
// the process exits, ctx is done, or deadline elapses. On cancellation
// it sends SIGTERM to the whole group and escalates to SIGKILL after
// gracePeriod, so yt-dlp/ffmpeg child processes never outlive the job.
func runSubprocess(ctx context.Context, workDir, name string, args []string) (runResult, error) {
	if _, err := exec.LookPath(name); err != nil {
		return runResult{}, jobserr.Wrap(jobserr.KindUnknown, fmt.Sprintf("command %q not found", name), err)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newRingBuffer(stdoutCap)
	stderr := newRingBuffer(stderrCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return runResult{}, fmt.Errorf("starting %s: %w", name, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return runResult{stdout: stdout.String(), stderr: stderr.String()}, err
	case <-ctx.Done():
		terminateGroup(cmd, waitCh)
		return runResult{stdout: stdout.String(), stderr: stderr.String()}, ctx.Err()
	}
}

// terminateGroup signals the whole process group so that children
// spawned by the subprocess (ffmpeg occasionally forks helpers) die
// along with it: SIGTERM first, then SIGKILL if it hasn't exited
// within gracePeriod.
func terminateGroup(cmd *exec.Cmd, waitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		<-waitCh
		return
	}
	syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(gracePeriod):
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-waitCh
	}
}
