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

// Package harness drives one TLS-over-VSOCK test run: provision the PKI,
// optionally build the guest, launch the relay and TLS peer endpoints in the
// background, run the guest in the foreground, and tear everything down when
// the guest exits or the run is interrupted.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/pki"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/supervisor"
	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/topology"
	"github.com/alexandremahdhaoui/vsock-tls-harness/pkg/execcontext"
)

var (
	// ErrGuestLaunch indicates the foreground guest process could not be
	// started or waited on.
	ErrGuestLaunch = errors.New("failed to launch guest")

	errWriteServedFile = errors.New("failed to write served test file")
	errOpenLogFile     = errors.New("failed to open log file")
)

const (
	// ExitInterrupted is the designated exit status when the run is stopped
	// by an interrupt or termination signal.
	ExitInterrupted = 130

	servedPageContent = "Hello, HTTPS world!\n"
	relayLogFilename  = "relay.log"
	peerLogFilename   = "tls-peer.log"

	// guestLauncherEnvVar selects an alternative VMM in the guest launcher;
	// the harness only consults it for diagnostics.
	guestLauncherEnvVar = "QEMU"
)

// Harness is the orchestration driver for one run.
type Harness struct {
	cfg     Config
	log     logr.Logger
	execCtx execcontext.Context
	sup     *supervisor.Supervisor
	runID   string

	logFiles []*os.File
}

// New creates a Harness. The supervisor's registry starts empty; nothing is
// spawned until Run.
func New(cfg Config, log logr.Logger) *Harness {
	runID := fmt.Sprintf("run-%s", uuid.NewString()[:8])
	execCtx := execcontext.New(cfg.Env, cfg.Wrapper)

	return &Harness{
		cfg:     cfg,
		log:     log.WithValues("runID", runID),
		execCtx: execCtx,
		runID:   runID,
		sup: supervisor.New(
			log.WithName("supervisor").WithValues("runID", runID),
			supervisor.WithExecContext(execCtx),
			supervisor.WithGracePeriod(cfg.GracePeriod),
		),
	}
}

// Supervisor exposes the run's process supervisor.
func (h *Harness) Supervisor() *supervisor.Supervisor { return h.sup }

// Run executes the orchestration flow and returns the run's exit status.
// Teardown of background processes and transient artifacts happens on every
// exit path, including failures before any spawn (a no-op then).
func (h *Harness) Run(ctx context.Context) (int, error) {
	defer h.closeLogs()
	defer h.sup.Teardown()

	if vmm := os.Getenv(guestLauncherEnvVar); vmm != "" {
		h.log.Info("guest launcher selection", "env", guestLauncherEnvVar, "value", vmm)
	}

	bundle, err := pki.Provision(h.cfg.CertDir, h.cfg.GenerateCerts)
	if err != nil {
		return 1, err
	}
	h.log.Info("certificate bundle ready", "dir", bundle.Dir, "regenerated", h.cfg.GenerateCerts)

	if h.cfg.Compile {
		if err := h.runBuild(ctx, h.cfg.Role); err != nil {
			return 1, err
		}
	} else {
		h.log.Info("build step skipped")
	}

	topo, err := topology.Select(h.cfg.Role, h.cfg.Host, h.cfg.Port)
	if err != nil {
		return 1, err
	}

	if err := h.launchEndpoints(ctx, topo, bundle); err != nil {
		return 1, err
	}

	return h.runGuest(ctx)
}

// launchEndpoints spawns the background TLS-path endpoints in fixed order:
// the relay first, then the TLS peer program that depends on it. A spawn
// failure aborts the run; whatever was already spawned is torn down by Run.
func (h *Harness) launchEndpoints(ctx context.Context, topo topology.Topology, bundle *pki.Bundle) error {
	if topo.Peer == topology.PeerTLSServer {
		// The test page the guest fetches through the TLS server peer.
		// Removed during teardown regardless of how the run ends.
		if err := os.WriteFile(h.cfg.ServedFile, []byte(servedPageContent), 0o644); err != nil {
			return fmt.Errorf("%w: %v", errWriteServedFile, err)
		}
		h.sup.RegisterArtifact(h.cfg.ServedFile)
	}

	relayLog, err := h.openLog(relayLogFilename)
	if err != nil {
		return err
	}

	relayArgs := append(append([]string{}, h.cfg.RelayCmd...),
		"--listen", strconv.FormatUint(uint64(topo.RelayListenPort), 10),
		"--forward", topo.RelayForwardAddr,
	)
	if topo.RelayFork {
		relayArgs = append(relayArgs, "--fork")
	}

	if _, err := h.sup.Spawn(ctx, supervisor.KindRelay, relayArgs, nil, relayLog, relayLog); err != nil {
		return err
	}

	peerBase := h.cfg.PeerClientCmd
	if topo.Peer == topology.PeerTLSServer {
		peerBase = h.cfg.PeerServerCmd
	}
	peerArgs := append(append([]string{}, peerBase...),
		topo.PeerArgs(bundle.ServerKey, bundle.ServerCert)...)

	peerLog, err := h.openLog(peerLogFilename)
	if err != nil {
		return err
	}

	peerEnv := map[string]string{"SSLKEYLOGFILE": bundle.KeyLogPath}
	if _, err := h.sup.Spawn(ctx, supervisor.KindTLSPeer, peerArgs, peerEnv, peerLog, peerLog); err != nil {
		return err
	}

	return nil
}

// runGuest launches the guest in the foreground and blocks until it exits or
// the context is canceled by a signal. The guest is the only process not
// registered with the supervisor; it is awaited directly and its exit status
// becomes the run's exit status.
func (h *Harness) runGuest(ctx context.Context) (int, error) {
	argv := append(append([]string{}, h.cfg.GuestCmd...),
		"--vsock-cid", strconv.FormatUint(uint64(GuestCID), 10))
	if h.cfg.QEMU != "" {
		argv = append(argv, "--qemu", h.cfg.QEMU)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	execcontext.ApplyToCmd(h.execCtx, cmd)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	h.log.Info("launching guest", "cmd", execcontext.FormatCmd(h.execCtx, argv...))

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("%w: %v", ErrGuestLaunch, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return 1, fmt.Errorf("%w: %v", ErrGuestLaunch, err)
			}
		}
		code := cmd.ProcessState.ExitCode()
		if code < 0 {
			// Killed by a signal the harness did not send.
			code = 1
		}
		h.log.Info("guest exited", "status", code)
		return code, nil

	case <-ctx.Done():
		h.log.Info("interrupted, stopping guest")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(h.cfg.GracePeriod):
			_ = cmd.Process.Kill()
			<-done
		}
		return ExitInterrupted, nil
	}
}

// openLog truncates and opens a per-run log file under LogDir. Log files are
// kept after teardown for post-mortem inspection.
func (h *Harness) openLog(name string) (*os.File, error) {
	path := filepath.Join(h.cfg.LogDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errOpenLogFile, path, err)
	}
	h.logFiles = append(h.logFiles, f)
	return f, nil
}

func (h *Harness) closeLogs() {
	for _, f := range h.logFiles {
		_ = f.Close()
	}
	h.logFiles = nil
}
