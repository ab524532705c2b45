package native

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs package manager commands.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandExecutor runs commands on the local host, optionally through sudo.
type CommandExecutor struct {
	UseSudo bool
}

// Run executes name with args and returns its standard output.
func (e CommandExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var cmd *exec.Cmd
	if e.UseSudo {
		cmd = exec.CommandContext(ctx, "sudo", append([]string{"-n", name}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, name, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s failed: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Available reports whether the manager tool is on the PATH.
func Available(manager Manager) bool {
	_, err := exec.LookPath(manager.tool)
	return err == nil
}
