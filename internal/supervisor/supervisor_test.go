//go:build unit

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

package supervisor_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/supervisor"
)

func newSupervisor(t *testing.T, opts ...supervisor.Option) *supervisor.Supervisor {
	t.Helper()

	sup := supervisor.New(logr.Discard(), opts...)
	t.Cleanup(sup.Teardown)
	return sup
}

// processAlive probes liveness via signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestSpawnRegistersAndTeardownStops(t *testing.T) {
	sup := newSupervisor(t)

	handle, err := sup.Spawn(context.Background(), supervisor.KindRelay,
		[]string{"sleep", "60"}, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Greater(t, handle.PID, 0)
	assert.Equal(t, supervisor.KindRelay, handle.Kind)
	assert.Equal(t, 1, sup.Registered())

	sup.Teardown()

	assert.Equal(t, 0, sup.Registered(), "registry must be empty after teardown")
	assert.True(t, handle.Exited(), "process must be reaped after teardown")
	assert.False(t, processAlive(handle.PID), "process must be gone after teardown")
}

func TestSpawnFailureRegistersNothing(t *testing.T) {
	sup := newSupervisor(t)

	_, err := sup.Spawn(context.Background(), supervisor.KindTLSPeer,
		[]string{"/nonexistent/binary"}, nil, nil, nil)
	require.ErrorIs(t, err, supervisor.ErrSpawnFailure)
	assert.Equal(t, 0, sup.Registered(), "a failed spawn must not be registered")

	_, err = sup.Spawn(context.Background(), supervisor.KindTLSPeer, nil, nil, nil, nil)
	require.ErrorIs(t, err, supervisor.ErrSpawnFailure, "empty argv is a spawn failure")
}

func TestSpawnRedirectsOutput(t *testing.T) {
	sup := newSupervisor(t)

	var stdout bytes.Buffer
	handle, err := sup.Spawn(context.Background(), supervisor.KindTLSPeer,
		[]string{"sh", "-c", "echo hello"}, nil, &stdout, nil)
	require.NoError(t, err)

	require.Eventually(t, handle.Exited, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestSpawnAppliesEnv(t *testing.T) {
	sup := newSupervisor(t)

	var stdout bytes.Buffer
	handle, err := sup.Spawn(context.Background(), supervisor.KindTLSPeer,
		[]string{"sh", "-c", "echo $GREETING"},
		map[string]string{"GREETING": "bonjour"}, &stdout, nil)
	require.NoError(t, err)

	require.Eventually(t, handle.Exited, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "bonjour\n", stdout.String())
}

func TestTeardownIdempotent(t *testing.T) {
	sup := newSupervisor(t)

	_, err := sup.Spawn(context.Background(), supervisor.KindRelay,
		[]string{"sleep", "60"}, nil, nil, nil)
	require.NoError(t, err)

	sup.Teardown()
	sup.Teardown()

	assert.Equal(t, 0, sup.Registered())
}

func TestTeardownConcurrent(t *testing.T) {
	sup := newSupervisor(t)

	_, err := sup.Spawn(context.Background(), supervisor.KindRelay,
		[]string{"sleep", "60"}, nil, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Teardown()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, sup.Registered())
}

func TestTeardownSkipsExitedProcess(t *testing.T) {
	sup := newSupervisor(t)

	handle, err := sup.Spawn(context.Background(), supervisor.KindTLSPeer,
		[]string{"true"}, nil, nil, nil)
	require.NoError(t, err)
	require.Eventually(t, handle.Exited, 3*time.Second, 10*time.Millisecond)

	sup.Teardown()

	assert.Equal(t, 0, sup.Registered())
}

func TestTeardownEscalatesToKill(t *testing.T) {
	sup := newSupervisor(t, supervisor.WithGracePeriod(100*time.Millisecond))

	// The child ignores SIGTERM, so teardown must escalate to SIGKILL.
	handle, err := sup.Spawn(context.Background(), supervisor.KindGuest,
		[]string{"sh", "-c", `trap "" TERM; sleep 60`}, nil, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	sup.Teardown()

	assert.Less(t, time.Since(start), 3*time.Second, "teardown wait must be bounded")
	assert.True(t, handle.Exited())
	assert.False(t, processAlive(handle.PID))
}

func TestTeardownRemovesArtifacts(t *testing.T) {
	sup := newSupervisor(t)

	path := filepath.Join(t.TempDir(), "index.html")
	require.NoError(t, os.WriteFile(path, []byte("Hello, HTTPS world!\n"), 0o644))
	sup.RegisterArtifact(path)
	// Registering a path that never existed must not trip teardown.
	sup.RegisterArtifact(filepath.Join(t.TempDir(), "never-written"))

	sup.Teardown()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "transient artifact must be removed")
}
