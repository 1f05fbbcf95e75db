// Package config provides application configuration management.
//
// The config package loads the service configuration from a YAML file,
// environment variables prefixed with PYSANDBOX_ and an optional .env file,
// then validates it. It covers the transport, the container runtime, base
// images, warm pool sizing, per-kind resource limits and execution budgets.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("CPU pool floor: %d\n", cfg.Pool.CPUFloor)
package config
