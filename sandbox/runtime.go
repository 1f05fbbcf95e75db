package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the class of execution environment
type Kind string

// Environment kinds
const (
	KindCPU Kind = "cpu"
	KindGPU Kind = "gpu"
)

// Kinds lists every environment kind in warm-up order
var Kinds = []Kind{KindCPU, KindGPU}

// Label keys stamped on every container this service creates
const (
	LabelManaged = "pysandbox.managed"
	LabelKind    = "pysandbox.kind"
)

// ContainerSpec describes a long-lived execution environment. There is no
// network field: every backend starts containers with networking disabled.
type ContainerSpec struct {
	Name      string
	Image     string
	Kind      Kind
	MemoryMB  int
	CPUs      float64
	TmpfsPath string
	TmpfsMB   int
	PidsLimit int
	ReadOnly  bool
	User      string
	GPU       bool
	Env       map[string]string
	Labels    map[string]string
}

// ExecRequest is a single command run inside an existing container.
// When StartMarker is set, Cmd must write it as the first line of stderr
// before handing over to the program; the runtime strips it and uses it to
// tell daemon failures from program exits.
type ExecRequest struct {
	Cmd         []string
	Stdin       string
	Env         map[string]string
	WorkDir     string
	StartMarker string
}

// ExecResult holds the captured output of an exec. A non-zero ExitCode is
// the program's own outcome, not a control-plane failure.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// ContainerState is the subset of inspect output the pool cares about
type ContainerState struct {
	Running bool
	Status  string
}

// Runtime is the container control surface: create, exec-into, stop,
// remove and inspect.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
}

// InfrastructureError marks a control-plane failure: image build, container
// creation, exec or teardown. Callers may retry once on a fresh environment.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure error during %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// Infra wraps err as an InfrastructureError for op. A nil err stays nil.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	var infraErr *InfrastructureError
	if errors.As(err, &infraErr) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsInfrastructure reports whether err is or wraps an InfrastructureError
func IsInfrastructure(err error) bool {
	var infraErr *InfrastructureError
	return errors.As(err, &infraErr)
}
