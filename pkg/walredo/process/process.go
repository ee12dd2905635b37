// Package process launches and supervises the wal-redo child: a
// separate executable invoked with a flag selecting wal-redo mode,
// talking the protocol package's wire format over piped stdio.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pagestored/pageserver/pkg/log"
)

var logger = log.New("walredo/process")

// Paths locates the wal-redo binary and the library directory it needs
// on its LD_LIBRARY_PATH/DYLD_LIBRARY_PATH.
type Paths struct {
	BinPath string
	LibPath string
}

// Child supervises one running wal-redo worker. It guarantees
// kill-and-wait exactly once, offloaded to a background goroutine so
// Kill never blocks its caller.
type Child struct {
	cmd    *exec.Cmd
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	// StdoutFd is recorded at launch time so response readers can detect
	// that the child was replaced underneath them.
	StdoutFd uintptr

	closeOnce sync.Once
	closed    chan struct{}
}

// Launch starts a fresh wal-redo child for the given postgres version.
// The child's environment is cleared except for the library-path
// variables; no file descriptors besides stdin/stdout/stderr are passed
// to it (Go's exec.Cmd never inherits extra descriptors unless added to
// ExtraFiles, which this package never does, so close-on-exec for any
// descriptor above the standard three is automatic).
func Launch(ctx context.Context, paths Paths, pgVersion int) (*Child, error) {
	cmd := exec.CommandContext(ctx, paths.BinPath, "--wal-redo")
	cmd.Env = []string{
		fmt.Sprintf("LD_LIBRARY_PATH=%s", paths.LibPath),
		fmt.Sprintf("DYLD_LIBRARY_PATH=%s", paths.LibPath),
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	stdinFile, _ := stdin.(*os.File)
	stdoutFile, _ := stdout.(*os.File)
	stderrFile, _ := stderr.(*os.File)

	var stdoutFd uintptr
	if stdoutFile != nil {
		stdoutFd = stdoutFile.Fd()
	}

	c := &Child{
		cmd:      cmd,
		Stdin:    stdinFile,
		Stdout:   stdoutFile,
		Stderr:   stderrFile,
		StdoutFd: stdoutFd,
		closed:   make(chan struct{}),
	}

	logger.Build().Int("pg_version", pgVersion).Int("pid", cmd.Process.Pid).
		Msg(ctx, "launched wal-redo child")

	return c, nil
}

// NewFakeChild builds a Child from already-open pipe files instead of
// a running OS process, for tests that drive a Manager against an
// in-process stand-in for the wal-redo worker.
func NewFakeChild(stdin, stdout, stderr *os.File) *Child {
	var stdoutFd uintptr
	if stdout != nil {
		stdoutFd = stdout.Fd()
	}
	return &Child{
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
		StdoutFd: stdoutFd,
		closed:   make(chan struct{}),
	}
}

// Kill terminates the child and reaps it on a background goroutine, so
// the caller is never blocked waiting for process exit. Calling Kill
// more than once is a no-op. A Child built by NewFakeChild has no cmd
// to reap, so Kill instead closes its pipe files.
func (c *Child) Kill() {
	c.closeOnce.Do(func() {
		go func() {
			defer close(c.closed)
			if c.cmd == nil {
				if c.Stdin != nil {
					_ = c.Stdin.Close()
				}
				if c.Stdout != nil {
					_ = c.Stdout.Close()
				}
				return
			}
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			_ = c.cmd.Wait()
		}()
	})
}

// Wait blocks until the background reaper has finished, or the given
// timeout elapses.
func (c *Child) Wait(timeout time.Duration) bool {
	select {
	case <-c.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}
