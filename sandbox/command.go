package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
// MaxOutputBytes caps each captured stream; zero keeps everything.
type RealCommandRunner struct {
	MaxOutputBytes int
}

// RunCommand executes the given command with arguments, feeding stdin when
// it is non-empty. A non-zero exit is reported through exitCode, not err.
func (c RealCommandRunner) RunCommand(ctx context.Context, args []string, stdin string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by this package

	stdoutBuf := newLimitedBuffer(c.MaxOutputBytes)
	stderrBuf := newLimitedBuffer(c.MaxOutputBytes)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err = cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, ctxErr
	}

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return "", "", 0, err
		}
		exitCode = exitError.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}
