package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func cpuSpec() ContainerSpec {
	return ContainerSpec{
		Name:      "pysandbox-cpu-1",
		Image:     "python-code-runner",
		Kind:      KindCPU,
		MemoryMB:  128,
		CPUs:      0.5,
		TmpfsPath: "/tmp",
		TmpfsMB:   50,
		PidsLimit: 64,
		ReadOnly:  true,
		User:      "1000:1000",
		Env:       map[string]string{"MPLBACKEND": "Agg"},
		Labels:    map[string]string{LabelKind: "cpu"},
	}
}

func TestCLIRuntimeConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("DefaultConstructor", func(t *testing.T) {
		rt := NewCLIRuntime(logger, "docker")
		require.NotNil(t, rt)
		assert.Equal(t, "docker", rt.binary)
		assert.NotNil(t, rt.cmdRunner)
		assert.NotZero(t, rt.commandTimeout)
	})

	t.Run("OutputCapReachesDefaultRunner", func(t *testing.T) {
		rt := NewCLIRuntime(logger, "docker", WithMaxOutputBytes(2048))
		runner, ok := rt.cmdRunner.(*RealCommandRunner)
		require.True(t, ok)
		assert.Equal(t, 2048, runner.MaxOutputBytes)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		rt := NewCLIRuntime(logger, "podman", WithCommandRunner(mockRunner))
		assert.Equal(t, mockRunner, rt.cmdRunner)
		assert.True(t, rt.isPodman())
	})
}

func TestCLIRuntimeCreate(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("CPUContainerIsLockedDown", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "abc123def456789\n"}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		id, err := rt.Create(context.Background(), cpuSpec())
		require.NoError(t, err)
		assert.Equal(t, "abc123def456789", id)

		cmd := strings.Join(mockRunner.lastCall(), " ")
		assert.True(t, strings.HasPrefix(cmd, "docker run -d --name pysandbox-cpu-1 "))
		assert.Contains(t, cmd, "--network none")
		assert.Contains(t, cmd, "--memory 128m")
		assert.Contains(t, cmd, "--cpus 0.5")
		assert.Contains(t, cmd, "--read-only")
		assert.Contains(t, cmd, "--tmpfs /tmp:rw,size=50m,mode=1777")
		assert.Contains(t, cmd, "--user 1000:1000")
		assert.Contains(t, cmd, "--cap-drop ALL")
		assert.Contains(t, cmd, "--pids-limit 64")
		assert.Contains(t, cmd, "-e MPLBACKEND=Agg")
		assert.NotContains(t, cmd, "--gpus")
		assert.True(t, strings.HasSuffix(cmd, "python-code-runner sleep infinity"))
	})

	t.Run("GPUContainer", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "gpu1"}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		spec := ContainerSpec{Name: "g", Image: "python-code-runner-gpu", Kind: KindGPU, MemoryMB: 4096, CPUs: 2, TmpfsMB: 100, GPU: true}
		_, err := rt.Create(context.Background(), spec)
		require.NoError(t, err)

		cmd := strings.Join(mockRunner.lastCall(), " ")
		assert.Contains(t, cmd, "--gpus all")
		assert.Contains(t, cmd, "--memory 4096m")
		assert.Contains(t, cmd, "--cpus 2")
		assert.Contains(t, cmd, "--tmpfs /tmp:rw,size=100m,mode=1777")
		assert.Contains(t, cmd, "--network none")
		assert.NotContains(t, cmd, "--read-only")
	})

	t.Run("PodmanGPUUsesCDIDevice", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "gpu1"}}
		rt := NewCLIRuntime(logger, "podman", WithCommandRunner(mockRunner))

		_, err := rt.Create(context.Background(), ContainerSpec{Name: "g", Image: "img", MemoryMB: 1, CPUs: 1, TmpfsMB: 1, GPU: true})
		require.NoError(t, err)
		assert.Contains(t, strings.Join(mockRunner.lastCall(), " "), "--device nvidia.com/gpu=all")
	})

	t.Run("NonZeroExitIsInfrastructureError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stderr: "Unable to find image", exitCode: 125}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		_, err := rt.Create(context.Background(), cpuSpec())
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
		assert.Contains(t, err.Error(), "Unable to find image")
	})

	t.Run("EmptyIDIsInfrastructureError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		_, err := rt.Create(context.Background(), cpuSpec())
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
	})
}

func TestCLIRuntimeExec(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("PassesStdinEnvAndWorkdir", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "42\n"}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		res, err := rt.Exec(context.Background(), "c1", ExecRequest{
			Cmd:     []string{"sh", "-c", "cat > /tmp/s/main.py"},
			Stdin:   "print(42)",
			Env:     map[string]string{"B": "2", "A": "1"},
			WorkDir: "/tmp/s",
		})
		require.NoError(t, err)
		assert.Equal(t, "42\n", res.Stdout)
		assert.Equal(t, []string{"docker", "exec", "-i", "-w", "/tmp/s", "-e", "A=1", "-e", "B=2", "c1", "sh", "-c", "cat > /tmp/s/main.py"}, mockRunner.lastCall())
		assert.Equal(t, "print(42)", mockRunner.stdins[0])
	})

	t.Run("ProgramExitIsNotAnError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stderr: "Traceback (most recent call last):", exitCode: 1}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		res, err := rt.Exec(context.Background(), "c1", ExecRequest{Cmd: []string{"python3", "main.py"}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ExitCode)
	})

	t.Run("DaemonErrorIsInfrastructureError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stderr: "Error response from daemon: container c1 is not running", exitCode: 1}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		_, err := rt.Exec(context.Background(), "c1", ExecRequest{Cmd: []string{"true"}})
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
	})

	t.Run("AmbiguousExitOnRunningContainerIsProgramResult", func(t *testing.T) {
		mockRunner := &MockCommandRunner{
			defaultResult: mockResult{stderr: "Error response from daemon: user text", exitCode: 125},
			commandResults: map[string]mockResult{
				"docker inspect --format {{.State.Running}} {{.State.Status}} c1": {stdout: "true running\n"},
			},
		}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		res, err := rt.Exec(context.Background(), "c1", ExecRequest{Cmd: []string{"python3", "main.py"}})
		require.NoError(t, err)
		assert.Equal(t, 125, res.ExitCode)
		assert.Equal(t, "Error response from daemon: user text", res.Stderr)
	})

	t.Run("StartMarkerSeenKeepsProgramExit", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{
			stdout:   "partial\n",
			stderr:   "pysandbox:start:s1\nError response from daemon: spoofed\n",
			exitCode: 125,
		}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		res, err := rt.Exec(context.Background(), "c1", ExecRequest{
			Cmd:         []string{"sh", "-c", "run"},
			StartMarker: "pysandbox:start:s1",
		})
		require.NoError(t, err)
		assert.Equal(t, 125, res.ExitCode)
		assert.Equal(t, "partial\n", res.Stdout)
		assert.Equal(t, "Error response from daemon: spoofed\n", res.Stderr)
		assert.Len(t, mockRunner.calls, 1)
	})

	t.Run("StartMarkerMissingIsInfrastructureError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stderr: "OCI runtime exec failed", exitCode: 126}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		_, err := rt.Exec(context.Background(), "c1", ExecRequest{
			Cmd:         []string{"sh", "-c", "run"},
			StartMarker: "pysandbox:start:s1",
		})
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
	})

	t.Run("TruncatedOutputIsFlagged", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "aaaa" + OutputTruncatedNotice}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		res, err := rt.Exec(context.Background(), "c1", ExecRequest{Cmd: []string{"python3", "main.py"}})
		require.NoError(t, err)
		assert.True(t, res.Truncated)
	})

	t.Run("RunnerFailureIsInfrastructureError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{err: errors.New("exec: \"docker\": executable file not found")}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		_, err := rt.Exec(context.Background(), "c1", ExecRequest{Cmd: []string{"true"}})
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
	})

	t.Run("CancelledContextIsReturnedAsIs", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{err: context.Canceled, exitCode: -1}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := rt.Exec(ctx, "c1", ExecRequest{Cmd: []string{"sleep", "10"}})
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsInfrastructure(err))
	})
}

func TestCLIRuntimeTeardownAndInspect(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("RemoveMissingContainerSucceeds", func(t *testing.T) {
		mockRunner := &MockCommandRunner{commandResults: map[string]mockResult{
			"docker rm -f gone": {stderr: "Error: No such container: gone", exitCode: 1},
		}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))
		require.NoError(t, rt.Remove(context.Background(), "gone"))
	})

	t.Run("StopFailure", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stderr: "permission denied", exitCode: 1}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		err := rt.Stop(context.Background(), "c1")
		require.Error(t, err)
		assert.True(t, IsInfrastructure(err))
		assert.Equal(t, []string{"docker", "stop", "-t", "1", "c1"}, mockRunner.lastCall())
	})

	t.Run("InspectRunning", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "true running\n"}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		state, err := rt.Inspect(context.Background(), "c1")
		require.NoError(t, err)
		assert.True(t, state.Running)
		assert.Equal(t, "running", state.Status)
	})

	t.Run("InspectExited", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stdout: "false exited"}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		state, err := rt.Inspect(context.Background(), "c1")
		require.NoError(t, err)
		assert.False(t, state.Running)
	})

	t.Run("InspectMissing", func(t *testing.T) {
		mockRunner := &MockCommandRunner{defaultResult: mockResult{stderr: "Error: No such object: c1", exitCode: 1}}
		rt := NewCLIRuntime(logger, "docker", WithCommandRunner(mockRunner))

		state, err := rt.Inspect(context.Background(), "c1")
		require.NoError(t, err)
		assert.False(t, state.Running)
		assert.Equal(t, "missing", state.Status)
	})
}

func TestInfrastructureError(t *testing.T) {
	base := errors.New("boom")
	err := Infra("create", base)

	assert.True(t, IsInfrastructure(err))
	require.ErrorIs(t, err, base)
	assert.Equal(t, "infrastructure error during create: boom", err.Error())
	assert.Same(t, err, Infra("exec", err))
	assert.NoError(t, Infra("create", nil))
	assert.False(t, IsInfrastructure(base))
}
