package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIRuntime implements Runtime by driving the docker or podman CLI
type CLIRuntime struct {
	logger         *zap.Logger
	binary         string
	cmdRunner      CommandRunner
	commandTimeout time.Duration
	maxOutputBytes int
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner for CLIRuntime
func WithCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(r *CLIRuntime) {
		r.cmdRunner = cmdRunner
	}
}

// WithCommandTimeout bounds every control command except exec
func WithCommandTimeout(timeout time.Duration) CLIRuntimeOption {
	return func(r *CLIRuntime) {
		r.commandTimeout = timeout
	}
}

// WithMaxOutputBytes caps each exec output stream captured by the default
// command runner
func WithMaxOutputBytes(n int) CLIRuntimeOption {
	return func(r *CLIRuntime) {
		r.maxOutputBytes = n
	}
}

// NewCLIRuntime creates a CLIRuntime for binary ("docker" or "podman")
func NewCLIRuntime(logger *zap.Logger, binary string, opts ...CLIRuntimeOption) *CLIRuntime {
	r := &CLIRuntime{
		logger:         logger,
		binary:         binary,
		commandTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.cmdRunner == nil {
		r.cmdRunner = &RealCommandRunner{MaxOutputBytes: r.maxOutputBytes}
	}

	return r
}

func (r *CLIRuntime) isPodman() bool {
	return filepath.Base(r.binary) == "podman"
}

// Create starts a detached container that idles until commands are exec'd into it
func (r *CLIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	args := r.createArgs(spec)
	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, args, "")
	if err != nil {
		return "", Infra("create", fmt.Errorf("failed to run %s: %w", r.binary, err))
	}
	if exitCode != 0 {
		return "", Infra("create", fmt.Errorf("failed to create container %s: exit %d: %s", spec.Name, exitCode, strings.TrimSpace(stderr)))
	}

	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", Infra("create", fmt.Errorf("failed to create container %s: empty container id", spec.Name))
	}

	r.logger.Debug("container created",
		zap.String("container_id", shortID(id)),
		zap.String("kind", string(spec.Kind)),
		zap.String("image", spec.Image))

	return id, nil
}

func (r *CLIRuntime) createArgs(spec ContainerSpec) []string {
	args := []string{
		r.binary, "run", "-d",
		"--name", spec.Name,
		"--network", "none",
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.MemoryMB),
		"--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64),
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}

	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.PidsLimit))
	}

	if spec.ReadOnly {
		args = append(args, "--read-only")
	}

	tmpfsPath := spec.TmpfsPath
	if tmpfsPath == "" {
		tmpfsPath = "/tmp"
	}
	args = append(args, "--tmpfs", fmt.Sprintf("%s:rw,size=%dm,mode=1777", tmpfsPath, spec.TmpfsMB))

	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}

	if spec.GPU {
		if r.isPodman() {
			args = append(args, "--device", "nvidia.com/gpu=all")
		} else {
			args = append(args, "--gpus", "all")
		}
	}

	for _, key := range sortedKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}

	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}

	return append(args, spec.Image, "sleep", "infinity")
}

// Exec runs req inside container id. The caller's context bounds the call.
func (r *CLIRuntime) Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error) {
	args := []string{r.binary, "exec"}
	if req.Stdin != "" {
		args = append(args, "-i")
	}
	if req.WorkDir != "" {
		args = append(args, "-w", req.WorkDir)
	}
	for _, key := range sortedKeys(req.Env) {
		args = append(args, "-e", key+"="+req.Env[key])
	}
	args = append(args, id)
	args = append(args, req.Cmd...)

	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, args, req.Stdin)
	if err != nil {
		if ctx.Err() != nil {
			stderr, _ = stripStartMarker(stderr, req.StartMarker)
			return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, ctx.Err()
		}
		return ExecResult{}, Infra("exec", fmt.Errorf("failed to run %s exec: %w", r.binary, err))
	}

	stderr, started := stripStartMarker(stderr, req.StartMarker)
	result := ExecResult{
		Stdout:    stdout,
		Stderr:    stderr,
		ExitCode:  exitCode,
		Truncated: IsTruncated(stdout) || IsTruncated(stderr),
	}

	if exitCode == 0 || started {
		return result, nil
	}

	if req.StartMarker != "" {
		return ExecResult{}, Infra("exec", fmt.Errorf("failed to exec in container %s: exit %d before start: %s", shortID(id), exitCode, strings.TrimSpace(stderr)))
	}

	if r.looksLikeControlPlaneFailure(exitCode, stderr) && !r.stillRunning(ctx, id) {
		return ExecResult{}, Infra("exec", fmt.Errorf("failed to exec in container %s: %s", shortID(id), strings.TrimSpace(stderr)))
	}

	return result, nil
}

// looksLikeControlPlaneFailure flags exits the CLI uses for its own errors.
// A program can produce the same status or stderr, so callers confirm with
// Inspect before treating it as infrastructure.
func (r *CLIRuntime) looksLikeControlPlaneFailure(exitCode int, stderr string) bool {
	if r.isPodman() {
		return exitCode == 125
	}
	return exitCode == 125 || strings.HasPrefix(stderr, "Error response from daemon")
}

func (r *CLIRuntime) stillRunning(ctx context.Context, id string) bool {
	state, err := r.Inspect(context.WithoutCancel(ctx), id)
	return err == nil && state.Running
}

// Stop stops container id with a one second grace period
func (r *CLIRuntime) Stop(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, []string{r.binary, "stop", "-t", "1", id}, "")
	if err != nil {
		return Infra("stop", fmt.Errorf("failed to run %s stop: %w", r.binary, err))
	}
	if exitCode != 0 && !isNoSuchContainer(stderr) {
		return Infra("stop", fmt.Errorf("failed to stop container %s: %s", shortID(id), strings.TrimSpace(stderr)))
	}
	return nil
}

// Remove force-removes container id. A missing container is not an error.
func (r *CLIRuntime) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, []string{r.binary, "rm", "-f", id}, "")
	if err != nil {
		return Infra("remove", fmt.Errorf("failed to run %s rm: %w", r.binary, err))
	}
	if exitCode != 0 && !isNoSuchContainer(stderr) {
		return Infra("remove", fmt.Errorf("failed to remove container %s: %s", shortID(id), strings.TrimSpace(stderr)))
	}
	return nil
}

// Inspect reports whether container id is running
func (r *CLIRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	args := []string{r.binary, "inspect", "--format", "{{.State.Running}} {{.State.Status}}", id}
	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, args, "")
	if err != nil {
		return ContainerState{}, Infra("inspect", fmt.Errorf("failed to run %s inspect: %w", r.binary, err))
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return ContainerState{Status: "missing"}, nil
		}
		return ContainerState{}, Infra("inspect", fmt.Errorf("failed to inspect container %s: %s", shortID(id), strings.TrimSpace(stderr)))
	}

	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return ContainerState{}, Infra("inspect", fmt.Errorf("unexpected inspect output for %s: %q", shortID(id), stdout))
	}

	state := ContainerState{Running: fields[0] == "true"}
	if len(fields) > 1 {
		state.Status = fields[1]
	}
	return state, nil
}

func isNoSuchContainer(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no container with name or id") ||
		strings.Contains(lower, "no such object")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
