// Package sandbox is the control surface for isolated Python execution
// environments.
//
// It defines the Runtime interface (create, exec-into, stop, remove and
// inspect a container) with two implementations: CLIRuntime, which drives
// the docker or podman binary through a mockable CommandRunner, and
// EngineRuntime, which talks to the Docker Engine API directly. Containers
// are always started without networking, with no-new-privileges, all
// capabilities dropped and the memory, CPU, pid and tmpfs ceilings of their
// kind.
//
// The Provisioner builds the CPU and GPU base images on first use and
// probes for a GPU with nvidia-smi. Control-plane failures are returned as
// *InfrastructureError so callers can tell them apart from the program's
// own exit status.
//
// Usage:
//
//	rt := sandbox.NewCLIRuntime(logger, "docker")
//	id, err := rt.Create(ctx, sandbox.SpecFor(cfg, sandbox.KindCPU, "python-code-runner"))
//	res, err := rt.Exec(ctx, id, sandbox.ExecRequest{Cmd: []string{"python3", "-c", "print(1)"}})
package sandbox
