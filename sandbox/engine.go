package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// EngineRuntime implements Runtime against the Docker Engine API
type EngineRuntime struct {
	logger         *zap.Logger
	cli            *client.Client
	commandTimeout time.Duration
	maxOutputBytes int
}

// NewEngineRuntime connects to the daemon configured by the DOCKER_* environment.
// maxOutputBytes caps each exec output stream; zero keeps everything.
func NewEngineRuntime(logger *zap.Logger, commandTimeout time.Duration, maxOutputBytes int) (*EngineRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, Infra("connect", fmt.Errorf("failed to create docker client: %w", err))
	}
	return NewEngineRuntimeWithClient(logger, cli, commandTimeout, maxOutputBytes), nil
}

// NewEngineRuntimeWithClient wraps an existing Engine API client
func NewEngineRuntimeWithClient(logger *zap.Logger, cli *client.Client, commandTimeout time.Duration, maxOutputBytes int) *EngineRuntime {
	if commandTimeout <= 0 {
		commandTimeout = 30 * time.Second
	}
	return &EngineRuntime{logger: logger, cli: cli, commandTimeout: commandTimeout, maxOutputBytes: maxOutputBytes}
}

// Create creates and starts a container idling on sleep
func (r *EngineRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	cfg, hostCfg := engineConfigs(spec)

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", Infra("create", fmt.Errorf("failed to create container %s: %w", spec.Name, err))
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", Infra("create", fmt.Errorf("failed to start container %s: %w", spec.Name, err))
	}

	r.logger.Debug("container created",
		zap.String("container_id", shortID(resp.ID)),
		zap.String("kind", string(spec.Kind)),
		zap.String("image", spec.Image))

	return resp.ID, nil
}

func engineConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for _, key := range sortedKeys(spec.Env) {
		env = append(env, key+"="+spec.Env[key])
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		Env:             env,
		Labels:          spec.Labels,
		User:            spec.User,
		NetworkDisabled: true,
	}

	tmpfsPath := spec.TmpfsPath
	if tmpfsPath == "" {
		tmpfsPath = "/tmp"
	}

	memory := int64(spec.MemoryMB) * 1024 * 1024
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: spec.ReadOnly,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		Tmpfs:          map[string]string{tmpfsPath: fmt.Sprintf("rw,size=%dm,mode=1777", spec.TmpfsMB)},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(spec.CPUs * 1e9),
		},
	}

	if spec.PidsLimit > 0 {
		limit := int64(spec.PidsLimit)
		hostCfg.PidsLimit = &limit
	}

	if spec.GPU {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	return cfg, hostCfg
}

// Exec runs req through an exec instance, writing stdin and demultiplexing output
func (r *EngineRuntime) Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error) {
	env := make([]string, 0, len(req.Env))
	for _, key := range sortedKeys(req.Env) {
		env = append(env, key+"="+req.Env[key])
	}

	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          req.Cmd,
		Env:          env,
		WorkingDir:   req.WorkDir,
		AttachStdin:  req.Stdin != "",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, r.execError(ctx, id, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, r.execError(ctx, id, err)
	}
	defer attach.Close()

	if req.Stdin != "" {
		go func() {
			_, _ = io.Copy(attach.Conn, strings.NewReader(req.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	stdout := newLimitedBuffer(r.maxOutputBytes)
	stderr := newLimitedBuffer(r.maxOutputBytes)
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		// The copier owns the buffers until it returns.
		attach.Close()
		<-copyDone
		partialStderr, _ := stripStartMarker(stderr.String(), req.StartMarker)
		return ExecResult{Stdout: stdout.String(), Stderr: partialStderr, ExitCode: -1}, ctx.Err()
	case copyErr := <-copyDone:
		if copyErr != nil {
			return ExecResult{}, r.execError(ctx, id, copyErr)
		}
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, r.execError(ctx, id, err)
	}

	errText, started := stripStartMarker(stderr.String(), req.StartMarker)
	if req.StartMarker != "" && !started && inspect.ExitCode != 0 {
		return ExecResult{}, Infra("exec", fmt.Errorf("failed to exec in container %s: exit %d before start: %s", shortID(id), inspect.ExitCode, strings.TrimSpace(errText)))
	}

	return ExecResult{
		Stdout:    stdout.String(),
		Stderr:    errText,
		ExitCode:  inspect.ExitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

func (r *EngineRuntime) execError(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return Infra("exec", fmt.Errorf("failed to exec in container %s: %w", shortID(id), err))
}

// Stop stops container id with a one second grace period
func (r *EngineRuntime) Stop(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	grace := 1
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !cerrdefs.IsNotFound(err) {
		return Infra("stop", fmt.Errorf("failed to stop container %s: %w", shortID(id), err))
	}
	return nil
}

// Remove force-removes container id. A missing container is not an error.
func (r *EngineRuntime) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return Infra("remove", fmt.Errorf("failed to remove container %s: %w", shortID(id), err))
	}
	return nil
}

// Inspect reports whether container id is running
func (r *EngineRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.commandTimeout)
	defer cancel()

	resp, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ContainerState{Status: "missing"}, nil
		}
		return ContainerState{}, Infra("inspect", fmt.Errorf("failed to inspect container %s: %w", shortID(id), err))
	}
	if resp.State == nil {
		return ContainerState{}, nil
	}
	return ContainerState{Running: resp.State.Running, Status: string(resp.State.Status)}, nil
}

// Close releases the Engine API client
func (r *EngineRuntime) Close() error {
	return r.cli.Close()
}
