package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ImageSpec names a base image and the Dockerfile that builds it
type ImageSpec struct {
	Name       string
	Dockerfile string
}

// Provisioner ensures base images exist and probes for GPU support. It
// always drives the CLI, also when containers are managed through the
// Engine API.
type Provisioner struct {
	logger       *zap.Logger
	binary       string
	cmdRunner    CommandRunner
	images       map[Kind]ImageSpec
	buildContext string
	buildTimeout time.Duration
	probe        []string
}

// ProvisionerOption defines a functional option for Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionerCommandRunner sets the CommandRunner for Provisioner
func WithProvisionerCommandRunner(cmdRunner CommandRunner) ProvisionerOption {
	return func(p *Provisioner) {
		p.cmdRunner = cmdRunner
	}
}

// WithBuildTimeout bounds a single image build
func WithBuildTimeout(timeout time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		p.buildTimeout = timeout
	}
}

// WithGPUProbe sets the capability probe command. An empty probe disables GPU support.
func WithGPUProbe(probe []string) ProvisionerOption {
	return func(p *Provisioner) {
		p.probe = probe
	}
}

// NewProvisioner creates a Provisioner building images from buildContext
func NewProvisioner(logger *zap.Logger, binary string, images map[Kind]ImageSpec, buildContext string, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		logger:       logger,
		binary:       binary,
		cmdRunner:    &RealCommandRunner{},
		images:       images,
		buildContext: buildContext,
		buildTimeout: 15 * time.Minute,
		probe:        []string{"nvidia-smi", "--query-gpu=name", "--format=csv,noheader"},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Image returns the image name for kind
func (p *Provisioner) Image(kind Kind) string {
	return p.images[kind].Name
}

// EnsureImage builds the image for kind unless it already exists
func (p *Provisioner) EnsureImage(ctx context.Context, kind Kind) error {
	spec, ok := p.images[kind]
	if !ok || spec.Name == "" {
		return Infra("build", fmt.Errorf("no image configured for kind %s", kind))
	}

	exists, err := p.imageExists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Info("image present", zap.String("kind", string(kind)), zap.String("image", spec.Name))
		return nil
	}

	return p.buildImage(ctx, kind, spec)
}

func (p *Provisioner) imageExists(ctx context.Context, image string) (bool, error) {
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, []string{p.binary, "image", "inspect", image}, "")
	if err != nil {
		return false, Infra("build", fmt.Errorf("failed to inspect image %s: %w", image, err))
	}
	if exitCode == 0 {
		return true, nil
	}
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "no such image") || strings.Contains(lower, "image not known") || strings.Contains(lower, "failed to find image") {
		return false, nil
	}
	return false, Infra("build", fmt.Errorf("failed to inspect image %s: %s", image, strings.TrimSpace(stderr)))
}

func (p *Provisioner) buildImage(ctx context.Context, kind Kind, spec ImageSpec) error {
	ctx, cancel := context.WithTimeout(ctx, p.buildTimeout)
	defer cancel()

	dockerfile := spec.Dockerfile
	if dockerfile != "" && !filepath.IsAbs(dockerfile) && p.buildContext != "" && !strings.HasPrefix(dockerfile, p.buildContext) {
		dockerfile = filepath.Join(p.buildContext, dockerfile)
	}

	args := []string{p.binary, "build", "-t", spec.Name}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	args = append(args, p.buildContext)

	p.logger.Info("building image",
		zap.String("kind", string(kind)),
		zap.String("image", spec.Name),
		zap.String("dockerfile", dockerfile))

	start := time.Now()
	_, stderr, exitCode, err := p.cmdRunner.RunCommand(ctx, args, "")
	if err != nil {
		p.logger.Error("image build failed", zap.String("image", spec.Name), zap.Error(err))
		return Infra("build", fmt.Errorf("failed to build image %s: %w", spec.Name, err))
	}
	if exitCode != 0 {
		p.logger.Error("image build failed",
			zap.String("image", spec.Name),
			zap.Int("exit_code", exitCode),
			zap.String("stderr", tail(stderr, 2048)))
		return Infra("build", fmt.Errorf("failed to build image %s: exit %d", spec.Name, exitCode))
	}

	p.logger.Info("image built", zap.String("image", spec.Name), zap.Duration("duration", time.Since(start)))
	return nil
}

// GPUAvailable runs the capability probe. Any failure means no GPU.
func (p *Provisioner) GPUAvailable(ctx context.Context) bool {
	if len(p.probe) == 0 {
		return false
	}

	stdout, _, exitCode, err := p.cmdRunner.RunCommand(ctx, p.probe, "")
	if err != nil || exitCode != 0 {
		p.logger.Info("no GPU detected", zap.Strings("probe", p.probe))
		return false
	}

	name := strings.TrimSpace(stdout)
	if name == "" {
		return false
	}

	p.logger.Info("GPU detected", zap.String("device", strings.Split(name, "\n")[0]))
	return true
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
