package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/topology"
	"github.com/alexandremahdhaoui/vsock-tls-harness/pkg/execcontext"
)

var (
	// ErrBuildFailure is returned when the external build tool exits nonzero.
	ErrBuildFailure = errors.New("build step failed")

	errBuildCmdRequired = errors.New("build command is required")
)

// runBuild invokes the external build tool with the role-specific feature
// selection (the tls feature plus the role name). The build runs in the
// foreground with inherited output and must be idempotent.
func (h *Harness) runBuild(ctx context.Context, role topology.Role) error {
	if len(h.cfg.BuildCmd) == 0 {
		return fmt.Errorf("%w: %v", ErrBuildFailure, errBuildCmdRequired)
	}

	argv := append(append([]string{}, h.cfg.BuildCmd...),
		"--features", fmt.Sprintf("tls,%s", role))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	execcontext.ApplyToCmd(h.execCtx, cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	h.log.Info("running build step", "cmd", execcontext.FormatCmd(h.execCtx, argv...))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailure, err)
	}
	return nil
}
