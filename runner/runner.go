package runner

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/pool"
	"github.com/isdmx/pysandbox/preprocess"
	"github.com/isdmx/pysandbox/pyerror"
	"github.com/isdmx/pysandbox/sandbox"
)

const (
	// MainFile is the name the program is materialized under
	MainFile = "main.py"
	// StdinFile holds the program's standard input
	StdinFile = "stdin.txt"

	sessionPrefix = "pysandbox-"
	markerPrefix  = "pysandbox:start:"

	exitTimeout = 124
	exitKilled  = 137
)

// Result is the raw outcome of one run
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Killed    bool
	Truncated bool
	Duration  time.Duration
	Session   string
}

// CleanupError reports that session files could not be removed after the
// program finished. The Result returned alongside it is complete; the
// environment must not be reused.
type CleanupError struct {
	Session string
	Err     error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to clean up session %s: %v", e.Session, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// Runner executes programs inside leased environments
type Runner struct {
	logger         *zap.Logger
	runtime        sandbox.Runtime
	workdir        string
	killGrace      time.Duration
	cleanupTimeout time.Duration
	newSession     func() string
}

// Option defines a functional option for Runner
type Option func(*Runner)

// WithKillGrace sets how long past the budget the orchestration timer waits
// for the in-container timeout to fire first.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		r.killGrace = d
	}
}

// WithCleanupTimeout bounds the kill and cleanup commands
func WithCleanupTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.cleanupTimeout = d
	}
}

// New creates a Runner that stages sessions under workdir
func New(logger *zap.Logger, runtime sandbox.Runtime, workdir string, opts ...Option) *Runner {
	r := &Runner{
		logger:         logger,
		runtime:        runtime,
		workdir:        workdir,
		killGrace:      2 * time.Second,
		cleanupTimeout: 10 * time.Second,
		newSession:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFromConfig creates a Runner using the execution section of cfg
func NewFromConfig(cfg *config.Config, logger *zap.Logger, runtime sandbox.Runtime) *Runner {
	return New(logger, runtime, cfg.Execution.Workdir, WithKillGrace(cfg.Execution.KillGrace))
}

// Run materializes prog and stdin in a fresh session directory of env, runs
// the interpreter under timeout and removes the session afterwards whatever
// the outcome. A program that fails is a normal Result; the error return is
// reserved for control-plane failures and caller cancellation.
func (r *Runner) Run(ctx context.Context, env pool.Environment, prog preprocess.Program, stdin string, timeout time.Duration) (res Result, err error) {
	session := r.newSession()
	dir := path.Join(r.workdir, sessionPrefix+session)
	logger := r.logger.With(
		zap.String("container_id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.String("session", session))

	defer func() {
		r.kill(ctx, env.ID, dir, logger)
		if cleanupErr := r.cleanup(ctx, env.ID, dir); cleanupErr != nil {
			logger.Error("failed to clean up session", zap.Error(cleanupErr))
			if err == nil {
				err = &CleanupError{Session: session, Err: cleanupErr}
			}
		}
	}()

	mainPath := path.Join(dir, MainFile)
	stdinPath := path.Join(dir, StdinFile)
	files := []struct{ path, content string }{
		{mainPath, prog.Code},
		{stdinPath, stdin},
	}
	if prog.Instrumented() {
		files = append(files, struct{ path, content string }{path.Join(dir, preprocess.PreambleModule+".py"), prog.Preamble})
	}
	for _, f := range files {
		if writeErr := r.write(ctx, env.ID, f.path, f.content); writeErr != nil {
			return Result{Session: session}, writeErr
		}
	}

	marker := markerPrefix + session
	req := sandbox.ExecRequest{
		Cmd:         runCommand(marker, timeout, r.killGrace, mainPath, stdinPath),
		WorkDir:     dir,
		StartMarker: marker,
	}
	if prog.Instrumented() {
		req.Env = map[string]string{"PYTHONPATH": dir}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout+r.killGrace)
	defer cancel()

	start := time.Now()
	out, execErr := r.runtime.Exec(runCtx, env.ID, req)
	res = Result{
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
		Truncated: out.Truncated,
		Duration:  time.Since(start),
		Session:   session,
	}

	switch {
	case execErr != nil && ctx.Err() != nil:
		return res, ctx.Err()
	case execErr != nil && runCtx.Err() != nil:
		res.TimedOut = true
	case execErr != nil:
		return res, sandbox.Infra("exec", execErr)
	case out.ExitCode == exitTimeout && res.Duration >= timeout:
		res.TimedOut = true
	case out.ExitCode == exitKilled && res.Duration >= timeout:
		res.TimedOut = true
	case out.ExitCode == exitKilled && strings.TrimSpace(out.Stderr) == "":
		res.Killed = true
		res.Stderr = pyerror.KilledMessage
	}

	if res.TimedOut {
		res.Stderr = joinLines(res.Stderr, pyerror.TimeoutMessage(timeout.Seconds()))
		logger.Info("execution timed out", zap.Duration("timeout", timeout), zap.Duration("duration", res.Duration))
	}

	logger.Debug("execution finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// runCommand wraps the interpreter in coreutils timeout so the process is
// stopped inside the container even if the exec client is gone. The marker
// line on stderr shows the runtime that the exec itself started.
func runCommand(marker string, timeout, killGrace time.Duration, mainPath, stdinPath string) []string {
	return []string{
		"sh", "-c", `printf '%s\n' "$1" >&2; exec timeout -k "$2" "$3" python3 -u "$4" < "$5"`, "sh",
		marker, seconds(killGrace), seconds(timeout), mainPath, stdinPath,
	}
}

func (r *Runner) write(ctx context.Context, id, filePath, content string) error {
	out, err := r.runtime.Exec(ctx, id, sandbox.ExecRequest{
		Cmd:   []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", filePath},
		Stdin: content,
	})
	if err != nil {
		return sandbox.Infra("write", fmt.Errorf("failed to write %s: %w", filePath, err))
	}
	if out.ExitCode != 0 {
		return sandbox.Infra("write", fmt.Errorf("failed to write %s: exit code %d: %s", filePath, out.ExitCode, strings.TrimSpace(out.Stderr)))
	}
	return nil
}

// kill force-stops every process started from the session directory, so
// nothing the program left running survives into the next lease
func (r *Runner) kill(ctx context.Context, id, dir string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
	defer cancel()

	if _, err := r.runtime.Exec(ctx, id, sandbox.ExecRequest{Cmd: []string{"pkill", "-KILL", "-f", dir + "/"}}); err != nil {
		logger.Warn("failed to kill session processes", zap.Error(err))
	}
}

func (r *Runner) cleanup(ctx context.Context, id, dir string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cleanupTimeout)
	defer cancel()

	out, err := r.runtime.Exec(ctx, id, sandbox.ExecRequest{Cmd: []string{"rm", "-rf", dir}})
	if err != nil {
		return sandbox.Infra("cleanup", err)
	}
	if out.ExitCode != 0 {
		return sandbox.Infra("cleanup", fmt.Errorf("rm exited %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)))
	}
	return nil
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func joinLines(a, b string) string {
	a = strings.TrimRight(a, "\n")
	if a == "" {
		return b
	}
	return a + "\n" + b
}
