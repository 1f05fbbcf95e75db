package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/evaluate"
	"github.com/isdmx/pysandbox/extract"
	"github.com/isdmx/pysandbox/model"
	"github.com/isdmx/pysandbox/pool"
	"github.com/isdmx/pysandbox/preprocess"
	"github.com/isdmx/pysandbox/pyerror"
	"github.com/isdmx/pysandbox/runner"
	"github.com/isdmx/pysandbox/sandbox"
)

// ErrInvalidRequest is returned for requests rejected before any
// environment is leased.
var ErrInvalidRequest = errors.New("invalid request")

// Pool is the part of pool.Manager the executor leases through
type Pool interface {
	With(ctx context.Context, kind sandbox.Kind, fn func(pool.Environment) error) error
	WithEphemeral(ctx context.Context, kind sandbox.Kind, fn func(pool.Environment) error) error
	GPUAvailable() bool
	Stats() pool.Stats
}

// Runner runs one prepared program in a leased environment
type Runner interface {
	Run(ctx context.Context, env pool.Environment, prog preprocess.Program, stdin string, timeout time.Duration) (runner.Result, error)
}

// Options holds per-kind budgets and request limits. Zero limits are
// unlimited.
type Options struct {
	CPUTimeout    time.Duration
	GPUTimeout    time.Duration
	MaxCodeBytes  int
	MaxStdinBytes int
	MaxTestCases  int
}

// OptionsFromConfig reads the execution section of cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CPUTimeout:    cfg.ExecutionTimeout(false),
		GPUTimeout:    cfg.ExecutionTimeout(true),
		MaxCodeBytes:  cfg.Execution.MaxCodeBytes,
		MaxStdinBytes: cfg.Execution.MaxStdinBytes,
		MaxTestCases:  cfg.Execution.MaxTestCases,
	}
}

// Executor is the entry point for ad hoc runs and graded submissions
type Executor struct {
	logger   *zap.Logger
	pool     Pool
	runner   Runner
	validate *validator.Validate
	opts     Options
}

// New creates an Executor
func New(logger *zap.Logger, p Pool, r Runner, opts Options) *Executor {
	return &Executor{
		logger:   logger,
		pool:     p,
		runner:   r,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		opts:     opts,
	}
}

// RunOnce executes req.Code with req.Stdin. Program failures and timeouts
// are reported in the result; the error return is for invalid requests and
// control-plane failures that survived one retry.
func (e *Executor) RunOnce(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error) {
	if err := e.check(req); err != nil {
		return model.ExecutionResult{}, err
	}
	if err := e.checkInput(req.Code, []string{req.Stdin}); err != nil {
		return model.ExecutionResult{}, err
	}
	return e.run(ctx, req.Code, req.Stdin)
}

// EvaluateSubmission grades req.Code against req.TestCases in order
func (e *Executor) EvaluateSubmission(ctx context.Context, req model.SubmissionRequest) (model.SubmissionResult, error) {
	if err := e.check(req); err != nil {
		return model.SubmissionResult{}, err
	}
	if e.opts.MaxTestCases > 0 && len(req.TestCases) > e.opts.MaxTestCases {
		return model.SubmissionResult{}, fmt.Errorf("%w: %d test cases exceeds the limit of %d", ErrInvalidRequest, len(req.TestCases), e.opts.MaxTestCases)
	}
	inputs := make([]string, len(req.TestCases))
	for i, tc := range req.TestCases {
		inputs[i] = tc.Input
	}
	if err := e.checkInput(req.Code, inputs); err != nil {
		return model.SubmissionResult{}, err
	}

	res, err := evaluate.Evaluate(ctx, e.run, req.Code, req.TestCases)
	if err != nil {
		e.logger.Error("submission evaluation failed", zap.Int("attempted", len(res.Cases)), zap.Error(err))
		return res, fmt.Errorf("failed to evaluate submission: %w", err)
	}

	e.logger.Info("submission evaluated",
		zap.String("status", string(res.Status)),
		zap.Int("passed", res.PassedCount),
		zap.Int("total", res.TotalCount),
		zap.Int64("duration_ms", res.DurationMs))
	return res, nil
}

// PoolStats reports pool occupancy
func (e *Executor) PoolStats() pool.Stats {
	return e.pool.Stats()
}

func (e *Executor) run(ctx context.Context, code, stdin string) (model.ExecutionResult, error) {
	caps := preprocess.Detect(code)
	kind := sandbox.KindCPU
	timeout := e.opts.CPUTimeout
	if caps.GPU() && e.pool.GPUAvailable() {
		kind = sandbox.KindGPU
		timeout = e.opts.GPUTimeout
	}
	prog := preprocess.Prepare(code, caps, preprocess.Options{GPUDiagnostics: kind == sandbox.KindGPU})

	raw, err := e.execute(ctx, kind, prog, stdin, timeout)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("failed to execute code: %w", err)
	}
	return e.finish(raw, kind), nil
}

// execute runs prog on a pooled environment and, after an infrastructure
// failure, once more on a fresh ephemeral one.
func (e *Executor) execute(ctx context.Context, kind sandbox.Kind, prog preprocess.Program, stdin string, timeout time.Duration) (runner.Result, error) {
	var (
		res       runner.Result
		completed bool
	)
	attempt := func(env pool.Environment) error {
		out, err := e.runner.Run(ctx, env, prog, stdin, timeout)
		var cleanupErr *runner.CleanupError
		if err == nil || errors.As(err, &cleanupErr) {
			res, completed = out, true
		}
		return err
	}

	err := e.pool.With(ctx, kind, attempt)
	if completed || !sandbox.IsInfrastructure(err) || ctx.Err() != nil {
		return res, e.completedError(res, completed, err)
	}

	e.logger.Warn("execution failed on pooled environment, retrying on ephemeral",
		zap.String("kind", string(kind)), zap.Error(err))
	err = e.pool.WithEphemeral(ctx, kind, attempt)
	return res, e.completedError(res, completed, err)
}

func (e *Executor) completedError(res runner.Result, completed bool, err error) error {
	if completed {
		if err != nil {
			e.logger.Warn("environment evicted after run", zap.String("session", res.Session), zap.Error(err))
		}
		return nil
	}
	return err
}

func (e *Executor) finish(raw runner.Result, kind sandbox.Kind) model.ExecutionResult {
	extracted := extract.Extract(raw.Stdout)
	for _, extractErr := range extracted.Errors {
		e.logger.Warn("skipped artifact marker", zap.String("session", raw.Session), zap.Error(extractErr))
	}

	res := model.ExecutionResult{
		Stdout:     strings.TrimRight(extracted.Stdout, " \t\r\n"),
		Stderr:     strings.TrimRight(raw.Stderr, " \t\r\n"),
		DurationMs: raw.Duration.Milliseconds(),
		Artifacts:  extracted.Artifacts,
		UsedGPU:    kind == sandbox.KindGPU,
		Truncated:  raw.Truncated,
	}
	if res.Artifacts == nil {
		res.Artifacts = []string{}
	}

	switch {
	case raw.TimedOut:
		res.Status = model.StatusTimeout
	case raw.ExitCode != 0:
		res.Status = model.StatusError
	default:
		res.Status = model.StatusSuccess
	}
	if res.Status != model.StatusSuccess {
		parsed := pyerror.Parse(res.Stderr)
		res.Error = &parsed
	}

	e.logger.Info("code executed",
		zap.String("session", raw.Session),
		zap.String("kind", string(kind)),
		zap.String("status", string(res.Status)),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Duration("duration", raw.Duration))
	return res
}

func (e *Executor) check(req any) error {
	err := e.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
}

func (e *Executor) checkInput(code string, stdins []string) error {
	if e.opts.MaxCodeBytes > 0 && len(code) > e.opts.MaxCodeBytes {
		return fmt.Errorf("%w: code is %d bytes, limit is %d", ErrInvalidRequest, len(code), e.opts.MaxCodeBytes)
	}
	if e.opts.MaxStdinBytes <= 0 {
		return nil
	}
	for _, stdin := range stdins {
		if len(stdin) > e.opts.MaxStdinBytes {
			return fmt.Errorf("%w: stdin is %d bytes, limit is %d", ErrInvalidRequest, len(stdin), e.opts.MaxStdinBytes)
		}
	}
	return nil
}
