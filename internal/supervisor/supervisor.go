// Copyright 2025 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor owns the registry of background processes spawned for a
// harness run and guarantees their teardown, together with the run's
// transient files, on every exit path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/vsock-tls-harness/pkg/execcontext"
)

var (
	// ErrSpawnFailure indicates an external executable could not be started.
	// Nothing is registered when Spawn fails.
	ErrSpawnFailure = errors.New("failed to spawn process")

	errEmptyArgv = errors.New("argv must not be empty")
)

// Kind labels what a supervised process is for.
type Kind string

const (
	KindRelay   Kind = "relay"
	KindTLSPeer Kind = "tls-peer"
	KindGuest   Kind = "guest"
)

// handleState tracks the per-handle stop sequence.
type handleState int

const (
	stateSpawned handleState = iota
	stateSignaled
	stateReaped
)

// Handle is a supervised background process. It is owned exclusively by the
// Supervisor once spawned.
type Handle struct {
	PID       int
	Kind      Kind
	StartedAt time.Time

	cmd   *exec.Cmd
	state handleState

	// done is closed by the reaper goroutine once Wait returns.
	done    chan struct{}
	waitErr error
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// DefaultGracePeriod bounds the wait between SIGTERM and SIGKILL during
// teardown.
const DefaultGracePeriod = 5 * time.Second

// Supervisor spawns background processes and tears all of them down exactly
// once per run. Teardown is idempotent and safe to call from the signal path.
type Supervisor struct {
	log     logr.Logger
	execCtx execcontext.Context
	grace   time.Duration

	mu        sync.Mutex
	handles   []*Handle
	artifacts []string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithExecContext sets the env/wrapper context applied to spawned processes.
func WithExecContext(execCtx execcontext.Context) Option {
	return func(s *Supervisor) { s.execCtx = execCtx }
}

// WithGracePeriod overrides the SIGTERM-to-SIGKILL bound used during teardown.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// New creates a Supervisor with an empty registry.
func New(log logr.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   log,
		grace: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts a background process with its output redirected to the given
// sinks and registers the handle atomically with spawn success. A nil sink
// discards the stream.
func (s *Supervisor) Spawn(
	ctx context.Context,
	kind Kind,
	argv []string,
	env map[string]string,
	stdout, stderr io.Writer,
) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, errEmptyArgv)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	execcontext.ApplyToCmd(s.execCtx, cmd)
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, execcontext.FormatCmd(s.execCtx, argv...), err)
	}

	handle := &Handle{
		PID:       cmd.Process.Pid,
		Kind:      kind,
		StartedAt: time.Now(),
		cmd:       cmd,
		state:     stateSpawned,
		done:      make(chan struct{}),
	}

	// Reap the child as soon as it exits so liveness checks never race Wait.
	go func() {
		handle.waitErr = cmd.Wait()
		close(handle.done)
	}()

	s.mu.Lock()
	s.handles = append(s.handles, handle)
	s.mu.Unlock()

	s.log.Info("spawned background process",
		"kind", kind, "pid", handle.PID, "cmd", execcontext.FormatCmd(s.execCtx, argv...))

	return handle, nil
}

// RegisterArtifact records a transient file to be removed during teardown.
func (s *Supervisor) RegisterArtifact(path string) {
	s.mu.Lock()
	s.artifacts = append(s.artifacts, path)
	s.mu.Unlock()
}

// Registered returns the number of handles currently in the registry.
func (s *Supervisor) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Teardown stops every registered process and removes every registered
// transient artifact. It is idempotent: the registry is swapped out under the
// lock, so concurrent or repeated calls (including from a signal handler
// goroutine) find it empty and return immediately. The registry is empty
// after Teardown returns.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	handles := s.handles
	artifacts := s.artifacts
	s.handles = nil
	s.artifacts = nil
	s.mu.Unlock()

	if len(handles) == 0 && len(artifacts) == 0 {
		return
	}

	for _, handle := range handles {
		s.stop(handle)
	}

	for _, path := range artifacts {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Error(err, "failed to remove transient artifact", "path", path)
		}
	}
}

// stop drives one handle through spawned → signaled → reaped. The wait after
// SIGTERM is bounded by the grace period, with SIGKILL as the escalation; a
// process that survives SIGKILL does not hang the caller either.
func (s *Supervisor) stop(handle *Handle) {
	if handle.Exited() {
		handle.state = stateReaped
		s.log.V(1).Info("process already exited", "kind", handle.Kind, "pid", handle.PID)
		return
	}

	if err := handle.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Exited between the liveness check and the signal.
		handle.state = stateReaped
		return
	}
	handle.state = stateSignaled

	select {
	case <-handle.done:
		handle.state = stateReaped
		s.log.V(1).Info("process terminated", "kind", handle.Kind, "pid", handle.PID)
		return
	case <-time.After(s.grace):
	}

	s.log.Info("process did not exit within grace period, killing",
		"kind", handle.Kind, "pid", handle.PID, "grace", s.grace.String())
	_ = handle.cmd.Process.Kill()

	select {
	case <-handle.done:
		handle.state = stateReaped
	case <-time.After(time.Second):
		s.log.Error(nil, "process unkillable, abandoning", "kind", handle.Kind, "pid", handle.PID)
	}
}
