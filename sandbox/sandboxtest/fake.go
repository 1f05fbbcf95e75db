// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/isdmx/pysandbox/sandbox"
)

// ErrNoSuchContainer is returned for ids the fake does not know
var ErrNoSuchContainer = errors.New("no such container")

// Program simulates the interpreter: it receives the materialized script and
// stdin and returns what the process would have produced. It should honor
// ctx so timeouts can be exercised.
type Program func(ctx context.Context, script, stdin string) sandbox.ExecResult

// Container is the fake's view of one container
type Container struct {
	ID      string
	Spec    sandbox.ContainerSpec
	Running bool
	Files   map[string]string
}

// Runtime is a thread-safe fake sandbox.Runtime. It models a container
// filesystem well enough for the session commands issued by the runner:
// `sh -c '... cat > "$1"' sh PATH` writes stdin to PATH, `rm -rf DIR`
// deletes a tree, `pkill` is recorded, and any command mentioning python3
// invokes Program with the script and stdin files named by its arguments.
type Runtime struct {
	mu         sync.Mutex
	next       int
	containers map[string]*Container

	Program    Program
	CreateHook func(spec sandbox.ContainerSpec) error
	ExecHook   func(id string, req sandbox.ExecRequest) error

	Created int
	Removed int
	Kills   []string
	Execs   [][]string
}

// New returns an empty fake runtime whose program prints nothing
func New() *Runtime {
	return &Runtime{containers: make(map[string]*Container)}
}

// Create implements sandbox.Runtime
func (r *Runtime) Create(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	r.mu.Lock()
	hook := r.CreateHook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(spec); err != nil {
			return "", sandbox.Infra("create", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.Created++
	id := fmt.Sprintf("fake-%s-%03d", spec.Kind, r.next)
	r.containers[id] = &Container{ID: id, Spec: spec, Running: true, Files: make(map[string]string)}
	return id, nil
}

// Exec implements sandbox.Runtime
func (r *Runtime) Exec(ctx context.Context, id string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	r.mu.Lock()
	hook := r.ExecHook
	c, ok := r.containers[id]
	r.Execs = append(r.Execs, req.Cmd)
	r.mu.Unlock()

	if hook != nil {
		if err := hook(id, req); err != nil {
			return sandbox.ExecResult{}, err
		}
	}
	if !ok || !c.Running {
		return sandbox.ExecResult{}, sandbox.Infra("exec", fmt.Errorf("%w: %s", ErrNoSuchContainer, id))
	}
	if len(req.Cmd) == 0 {
		return sandbox.ExecResult{ExitCode: 127}, nil
	}

	switch {
	case req.Cmd[0] == "rm":
		r.removeTree(c, req.Cmd[len(req.Cmd)-1])
		return sandbox.ExecResult{}, nil
	case req.Cmd[0] == "pkill":
		r.mu.Lock()
		r.Kills = append(r.Kills, strings.Join(req.Cmd, " "))
		r.mu.Unlock()
		return sandbox.ExecResult{}, nil
	case req.Cmd[0] == "sh" && len(req.Cmd) >= 3 && strings.Contains(req.Cmd[2], "python3"):
		return r.runProgram(ctx, c, req)
	case req.Cmd[0] == "sh" && len(req.Cmd) >= 5 && strings.Contains(req.Cmd[2], `cat > "$1"`):
		r.mu.Lock()
		c.Files[req.Cmd[4]] = req.Stdin
		r.mu.Unlock()
		return sandbox.ExecResult{}, nil
	}
	return sandbox.ExecResult{}, nil
}

func (r *Runtime) runProgram(ctx context.Context, c *Container, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	// Positional arguments follow the "sh" $0 placeholder: the last two are
	// the script and stdin paths.
	args := req.Cmd[3:]
	if len(args) < 2 {
		return sandbox.ExecResult{ExitCode: 2, Stderr: "missing script arguments"}, nil
	}
	scriptPath, stdinPath := args[len(args)-2], args[len(args)-1]

	r.mu.Lock()
	script, ok := c.Files[scriptPath]
	stdin := c.Files[stdinPath]
	program := r.Program
	r.mu.Unlock()

	if !ok {
		return sandbox.ExecResult{ExitCode: 2, Stderr: fmt.Sprintf("python3: can't open file '%s'", scriptPath)}, nil
	}
	if program == nil {
		return sandbox.ExecResult{}, nil
	}

	res := program(ctx, script, stdin)
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func (r *Runtime) removeTree(c *Container, root string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := strings.TrimSuffix(root, "/") + "/"
	for path := range c.Files {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(c.Files, path)
		}
	}
}

// Stop implements sandbox.Runtime
func (r *Runtime) Stop(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
	}
	return nil
}

// Remove implements sandbox.Runtime
func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[id]; ok {
		delete(r.containers, id)
		r.Removed++
	}
	return nil
}

// Inspect implements sandbox.Runtime
func (r *Runtime) Inspect(_ context.Context, id string) (sandbox.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return sandbox.ContainerState{Status: "missing"}, nil
	}
	if c.Running {
		return sandbox.ContainerState{Running: true, Status: "running"}, nil
	}
	return sandbox.ContainerState{Status: "exited"}, nil
}

// Kill marks a container as exited without removing it
func (r *Runtime) Kill(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
	}
}

// Files lists the paths present in container id
func (r *Runtime) Files(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(c.Files))
	for path := range c.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Live returns the number of containers not yet removed
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Counts returns the created and removed totals
func (r *Runtime) Counts() (created, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Created, r.Removed
}

// SetProgram replaces the simulated interpreter
func (r *Runtime) SetProgram(p Program) {
	r.mu.Lock()
	r.Program = p
	r.mu.Unlock()
}

// Provisioner is a fake pool.ImageProvisioner
type Provisioner struct {
	mu       sync.Mutex
	GPU      bool
	BuildErr map[sandbox.Kind]error
	Built    []sandbox.Kind
}

// EnsureImage records the build request
func (p *Provisioner) EnsureImage(_ context.Context, kind sandbox.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.BuildErr[kind]; err != nil {
		return sandbox.Infra("build", err)
	}
	p.Built = append(p.Built, kind)
	return nil
}

// GPUAvailable reports the configured capability
func (p *Provisioner) GPUAvailable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.GPU
}

// Image returns a fixed name per kind
func (p *Provisioner) Image(kind sandbox.Kind) string {
	return "python-code-runner-" + string(kind)
}

// Spec is a pool.SpecFunc with small fixed limits
func Spec(kind sandbox.Kind, image string) sandbox.ContainerSpec {
	return sandbox.ContainerSpec{Image: image, Kind: kind, MemoryMB: 128, CPUs: 0.5, TmpfsMB: 50, GPU: kind == sandbox.KindGPU}
}
