package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
)

// NewRuntime creates the container runtime selected by runtime.backend
func NewRuntime(cfg *config.Config, logger *zap.Logger) (Runtime, error) {
	switch cfg.Runtime.Backend {
	case "docker", "podman":
		return NewCLIRuntime(logger, cliBinary(cfg),
			WithCommandTimeout(cfg.Runtime.CommandTimeout),
			WithMaxOutputBytes(cfg.Execution.MaxOutputBytes)), nil
	case "engine":
		return NewEngineRuntime(logger, cfg.Runtime.CommandTimeout, cfg.Execution.MaxOutputBytes)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Runtime.Backend)
	}
}

// NewProvisionerFromConfig creates the image provisioner for cfg
func NewProvisionerFromConfig(cfg *config.Config, logger *zap.Logger) *Provisioner {
	images := map[Kind]ImageSpec{
		KindCPU: {Name: cfg.Images.CPU.Name, Dockerfile: cfg.Images.CPU.Dockerfile},
	}

	probe := cfg.GPU.ProbeCommand
	if cfg.GPU.Enabled {
		images[KindGPU] = ImageSpec{Name: cfg.Images.GPU.Name, Dockerfile: cfg.Images.GPU.Dockerfile}
	} else {
		probe = nil
	}

	return NewProvisioner(logger, cliBinary(cfg), images, cfg.Images.BuildContext,
		WithBuildTimeout(cfg.Images.BuildTimeout),
		WithGPUProbe(probe))
}

// SpecFor returns the container template for kind
func SpecFor(cfg *config.Config, kind Kind, image string) ContainerSpec {
	limits := cfg.Limits.CPU
	if kind == KindGPU {
		limits = cfg.Limits.GPU
	}

	spec := ContainerSpec{
		Image:     image,
		Kind:      kind,
		MemoryMB:  limits.MemoryMB,
		CPUs:      limits.CPUs,
		TmpfsPath: cfg.Execution.Workdir,
		TmpfsMB:   limits.TmpfsMB,
		PidsLimit: limits.PidsLimit,
		ReadOnly:  limits.ReadOnly,
		User:      limits.User,
		GPU:       kind == KindGPU,
		Env: map[string]string{
			"PYTHONUNBUFFERED":        "1",
			"PYTHONDONTWRITEBYTECODE": "1",
			"MPLBACKEND":              "Agg",
			"SDL_VIDEODRIVER":         "dummy",
			"SDL_AUDIODRIVER":         "dummy",
			"HOME":                    cfg.Execution.Workdir,
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelKind:    string(kind),
		},
	}

	if kind == KindGPU {
		spec.Env["NVIDIA_VISIBLE_DEVICES"] = "all"
		spec.Env["NVIDIA_DRIVER_CAPABILITIES"] = "compute,utility"
	}

	return spec
}

func cliBinary(cfg *config.Config) string {
	if cfg.Runtime.Binary != "" {
		return cfg.Runtime.Binary
	}
	if cfg.Runtime.Backend == "podman" {
		return "podman"
	}
	return "docker"
}
