package worker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/coreflowhq/coreflow/internal/jobqueue"
)

// ExecResult is what a Handle reports once its process has exited.
type ExecResult struct {
	ExitCode int
	Err      error
}

// Handle is a running Executor child. The worker never blocks on it; it
// polls Done() once per tick and calls Kill when a kill/remove/wall-time
// flag fires.
type Handle interface {
	Done() <-chan ExecResult
	Kill() error
	Stdout() string
	Stderr() string
}

// Spawner starts a new Executor for jobID. OSSpawner is the production
// implementation (a real subprocess, preserving the failure-isolation
// boundary spec.md §4.3/§9 calls out); tests substitute a fake whose
// handles the test itself completes, with no executor logic run at all.
type Spawner interface {
	Spawn(ctx context.Context, jobID jobqueue.ID) (Handle, error)
}

// OSSpawner re-execs the current binary with a hidden `__exec` subcommand,
// piping the job id on stdin — the same subprocess-per-job boundary
// `original_source/core4/queue/process.py`'s own tiny entrypoint module
// gives the reference implementation, without needing a second `go build`
// target (spec.md §6 "Executor dispatch").
type OSSpawner struct {
	// ExecPath overrides os.Executable() when set, for tests.
	ExecPath string
}

type osHandle struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	done   chan ExecResult
	once   sync.Once
}

// Spawn starts the child detached from ctx: a worker shutdown must not
// reach in and kill a RUNNING job (spec.md §5 "let RUNNING children
// complete or be killed by wall/kill signals"), so only Kill terminates
// it.
func (s *OSSpawner) Spawn(ctx context.Context, jobID jobqueue.ID) (Handle, error) {
	path := s.ExecPath
	if path == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cmd := exec.Command(path, "__exec")
	cmd.Stdin = strings.NewReader(jobID.String())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &osHandle{cmd: cmd, stdout: &stdout, stderr: &stderr, done: make(chan ExecResult, 1)}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = 1
		}
		h.done <- ExecResult{ExitCode: code, Err: err}
	}()
	return h, nil
}

func (h *osHandle) Done() <-chan ExecResult { return h.done }

func (h *osHandle) Kill() error {
	var err error
	h.once.Do(func() {
		if h.cmd.Process != nil {
			err = h.cmd.Process.Kill()
		}
	})
	return err
}

func (h *osHandle) Stdout() string { return h.stdout.String() }
func (h *osHandle) Stderr() string { return h.stderr.String() }
