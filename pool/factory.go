package pool

import (
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/sandbox"
)

// NewManagerFromConfig creates a Manager sized by the pool section of cfg
func NewManagerFromConfig(cfg *config.Config, logger *zap.Logger, runtime sandbox.Runtime, provisioner *sandbox.Provisioner) *Manager {
	specFor := func(kind sandbox.Kind, image string) sandbox.ContainerSpec {
		return sandbox.SpecFor(cfg, kind, image)
	}
	return NewManager(logger, runtime, provisioner, specFor, Options{
		Floors: map[sandbox.Kind]int{
			sandbox.KindCPU: cfg.Pool.CPUFloor,
			sandbox.KindGPU: cfg.Pool.GPUFloor,
		},
		IdleTimeout:       cfg.Pool.IdleTimeout,
		ReapInterval:      cfg.Pool.ReapInterval,
		WarmupConcurrency: cfg.Pool.WarmupConcurrency,
	})
}
