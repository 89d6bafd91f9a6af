package execcontext

import (
	"fmt"
	"maps"
	"os"
	"os/exec"
	"strings"
)

// Context carries the environment variables and optional wrapper command
// applied to every process the harness spawns. A wrapper command (e.g.
// ["stdbuf", "-oL"] or a remote-execution shim) is prepended to the argv of
// the spawned process.
type Context struct {
	envs    map[string]string
	wrapper []string
}

func New(envs map[string]string, wrapper []string) Context {
	return Context{envs: envs, wrapper: wrapper}
}

// Envs returns a copy of the environment overrides.
func (c Context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// Wrapper returns a copy of the wrapper command.
func (c Context) Wrapper() []string {
	out := make([]string, len(c.wrapper))
	copy(out, c.wrapper)
	return out
}

// ApplyToCmd injects the context's environment into cmd and rewrites its
// argv so the wrapper command (if any) runs first. The process environment
// is inherited; overrides are appended and win.
func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	for k, v := range ctx.Envs() {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	wrapper := ctx.Wrapper()
	if len(wrapper) == 0 {
		return
	}

	wrapped := exec.Command(wrapper[0], wrapper[1:]...)
	cmd.Path = wrapped.Path
	cmd.Args = append(wrapped.Args, cmd.Args...)
}

// FormatCmd renders the full command line for logging.
func FormatCmd(ctx Context, argv ...string) string {
	parts := make([]string, 0, len(argv)+len(ctx.envs)+len(ctx.wrapper))
	for k, v := range ctx.Envs() {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	for _, s := range ctx.Wrapper() {
		parts = append(parts, fmt.Sprintf("%q", s))
	}
	for _, s := range argv {
		parts = append(parts, fmt.Sprintf("%q", s))
	}
	return strings.Join(parts, " ")
}
