package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Images    ImagesConfig    `mapstructure:"images" yaml:"images"`
	GPU       GPUConfig       `mapstructure:"gpu" yaml:"gpu"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// NATSConfig holds the NATS transport settings
type NATSConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	RunSubject     string        `mapstructure:"run_subject" yaml:"run_subject"`
	SubmitSubject  string        `mapstructure:"submit_subject" yaml:"submit_subject"`
	StatsSubject   string        `mapstructure:"stats_subject" yaml:"stats_subject"`
	QueueGroup     string        `mapstructure:"queue_group" yaml:"queue_group"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// RuntimeConfig selects the container control surface
type RuntimeConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	Binary         string        `mapstructure:"binary" yaml:"binary"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// ImageConfig describes one base image and how to build it
type ImageConfig struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Dockerfile string `mapstructure:"dockerfile" yaml:"dockerfile"`
}

// ImagesConfig holds the CPU and GPU base images
type ImagesConfig struct {
	CPU          ImageConfig   `mapstructure:"cpu" yaml:"cpu"`
	GPU          ImageConfig   `mapstructure:"gpu" yaml:"gpu"`
	BuildContext string        `mapstructure:"build_context" yaml:"build_context"`
	BuildTimeout time.Duration `mapstructure:"build_timeout" yaml:"build_timeout"`
}

// GPUConfig controls GPU detection
type GPUConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	ProbeCommand []string `mapstructure:"probe_command" yaml:"probe_command"`
}

// PoolConfig holds warm pool sizing and reaping
type PoolConfig struct {
	CPUFloor          int           `mapstructure:"cpu_floor" yaml:"cpu_floor"`
	GPUFloor          int           `mapstructure:"gpu_floor" yaml:"gpu_floor"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	WarmupConcurrency int           `mapstructure:"warmup_concurrency" yaml:"warmup_concurrency"`
	StartupTimeout    time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
}

// ResourceLimits are the per-environment ceilings fixed at creation time
type ResourceLimits struct {
	MemoryMB  int     `mapstructure:"memory_mb" yaml:"memory_mb"`
	CPUs      float64 `mapstructure:"cpus" yaml:"cpus"`
	TmpfsMB   int     `mapstructure:"tmpfs_mb" yaml:"tmpfs_mb"`
	PidsLimit int     `mapstructure:"pids_limit" yaml:"pids_limit"`
	ReadOnly  bool    `mapstructure:"read_only" yaml:"read_only"`
	User      string  `mapstructure:"user" yaml:"user"`
}

// LimitsConfig holds resource limits per environment kind
type LimitsConfig struct {
	CPU ResourceLimits `mapstructure:"cpu" yaml:"cpu"`
	GPU ResourceLimits `mapstructure:"gpu" yaml:"gpu"`
}

// ExecutionConfig holds per-run settings
type ExecutionConfig struct {
	CPUTimeout     time.Duration `mapstructure:"cpu_timeout" yaml:"cpu_timeout"`
	GPUTimeout     time.Duration `mapstructure:"gpu_timeout" yaml:"gpu_timeout"`
	KillGrace      time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
	MaxCodeBytes   int           `mapstructure:"max_code_bytes" yaml:"max_code_bytes"`
	MaxStdinBytes  int           `mapstructure:"max_stdin_bytes" yaml:"max_stdin_bytes"`
	MaxTestCases   int           `mapstructure:"max_test_cases" yaml:"max_test_cases"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	Workdir        string        `mapstructure:"workdir" yaml:"workdir"`
}

// EnvPrefix is the prefix for environment overrides, e.g. PYSANDBOX_POOL_CPU_FLOOR
const EnvPrefix = "PYSANDBOX"

// New loads and validates the application configuration. The file named by
// PYSANDBOX_CONFIG is used when set, otherwise config.yaml is searched in
// the working directory and ./config.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}
	return Load(os.Getenv(EnvPrefix + "_CONFIG"))
}

// Load reads configuration from path, or from the default search paths when
// path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.run_subject", "pysandbox.run")
	v.SetDefault("nats.submit_subject", "pysandbox.submit")
	v.SetDefault("nats.stats_subject", "pysandbox.stats")
	v.SetDefault("nats.queue_group", "pysandbox")
	v.SetDefault("nats.request_timeout", 2*time.Minute)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("runtime.backend", "docker")
	v.SetDefault("runtime.binary", "")
	v.SetDefault("runtime.command_timeout", 30*time.Second)

	v.SetDefault("images.cpu.name", "python-code-runner")
	v.SetDefault("images.cpu.dockerfile", "images/Dockerfile")
	v.SetDefault("images.gpu.name", "python-code-runner-gpu")
	v.SetDefault("images.gpu.dockerfile", "images/Dockerfile.gpu")
	v.SetDefault("images.build_context", "images")
	v.SetDefault("images.build_timeout", 15*time.Minute)

	v.SetDefault("gpu.enabled", true)
	v.SetDefault("gpu.probe_command", []string{"nvidia-smi", "--query-gpu=name", "--format=csv,noheader"})

	v.SetDefault("pool.cpu_floor", 10)
	v.SetDefault("pool.gpu_floor", 3)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.reap_interval", time.Minute)
	v.SetDefault("pool.warmup_concurrency", 4)
	v.SetDefault("pool.startup_timeout", 20*time.Minute)

	v.SetDefault("limits.cpu.memory_mb", 128)
	v.SetDefault("limits.cpu.cpus", 0.5)
	v.SetDefault("limits.cpu.tmpfs_mb", 50)
	v.SetDefault("limits.cpu.pids_limit", 64)
	v.SetDefault("limits.cpu.read_only", true)
	v.SetDefault("limits.cpu.user", "1000:1000")

	v.SetDefault("limits.gpu.memory_mb", 4096)
	v.SetDefault("limits.gpu.cpus", 2.0)
	v.SetDefault("limits.gpu.tmpfs_mb", 100)
	v.SetDefault("limits.gpu.pids_limit", 256)
	v.SetDefault("limits.gpu.read_only", true)
	v.SetDefault("limits.gpu.user", "")

	v.SetDefault("execution.cpu_timeout", 10*time.Second)
	v.SetDefault("execution.gpu_timeout", 30*time.Second)
	v.SetDefault("execution.kill_grace", time.Second)
	v.SetDefault("execution.max_code_bytes", 64*1024)
	v.SetDefault("execution.max_stdin_bytes", 64*1024)
	v.SetDefault("execution.max_test_cases", 100)
	v.SetDefault("execution.max_output_bytes", 4*1024*1024)
	v.SetDefault("execution.workdir", "/tmp")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "rest", "nats":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http', 'rest' or 'nats'", c.Server.Transport)
	}

	if (c.Server.Transport == "http" || c.Server.Transport == "rest") && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got: %d", c.Server.HTTPPort)
	}

	if c.Server.Transport == "nats" && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when server.transport is 'nats'")
	}

	switch c.Runtime.Backend {
	case "docker", "podman", "engine":
	default:
		return fmt.Errorf("unsupported runtime.backend: %s", c.Runtime.Backend)
	}

	if c.Images.CPU.Name == "" {
		return fmt.Errorf("images.cpu.name is required")
	}

	if c.GPU.Enabled && c.Images.GPU.Name == "" {
		return fmt.Errorf("images.gpu.name is required when gpu.enabled is true")
	}

	if c.Pool.CPUFloor < 0 {
		return fmt.Errorf("pool.cpu_floor must be non-negative, got: %d", c.Pool.CPUFloor)
	}

	if c.Pool.GPUFloor < 0 {
		return fmt.Errorf("pool.gpu_floor must be non-negative, got: %d", c.Pool.GPUFloor)
	}

	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool.idle_timeout must be positive, got: %s", c.Pool.IdleTimeout)
	}

	if c.Pool.ReapInterval <= 0 {
		return fmt.Errorf("pool.reap_interval must be positive, got: %s", c.Pool.ReapInterval)
	}

	if c.Pool.WarmupConcurrency <= 0 {
		return fmt.Errorf("pool.warmup_concurrency must be positive, got: %d", c.Pool.WarmupConcurrency)
	}

	if err := c.Limits.CPU.validate("limits.cpu"); err != nil {
		return err
	}

	if err := c.Limits.GPU.validate("limits.gpu"); err != nil {
		return err
	}

	if c.Execution.CPUTimeout <= 0 {
		return fmt.Errorf("execution.cpu_timeout must be positive, got: %s", c.Execution.CPUTimeout)
	}

	if c.Execution.GPUTimeout <= 0 {
		return fmt.Errorf("execution.gpu_timeout must be positive, got: %s", c.Execution.GPUTimeout)
	}

	if c.Execution.MaxCodeBytes <= 0 {
		return fmt.Errorf("execution.max_code_bytes must be positive, got: %d", c.Execution.MaxCodeBytes)
	}

	if c.Execution.MaxTestCases <= 0 {
		return fmt.Errorf("execution.max_test_cases must be positive, got: %d", c.Execution.MaxTestCases)
	}

	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive, got: %d", c.Execution.MaxOutputBytes)
	}

	if !strings.HasPrefix(c.Execution.Workdir, "/") {
		return fmt.Errorf("execution.workdir must be an absolute path, got: %q", c.Execution.Workdir)
	}

	return nil
}

func (l ResourceLimits) validate(prefix string) error {
	if l.MemoryMB <= 0 {
		return fmt.Errorf("%s.memory_mb must be positive, got: %d", prefix, l.MemoryMB)
	}
	if l.CPUs <= 0 {
		return fmt.Errorf("%s.cpus must be positive, got: %g", prefix, l.CPUs)
	}
	if l.TmpfsMB <= 0 {
		return fmt.Errorf("%s.tmpfs_mb must be positive, got: %d", prefix, l.TmpfsMB)
	}
	return nil
}

// ExecutionTimeout returns the wall-clock budget for one run
func (c *Config) ExecutionTimeout(gpu bool) time.Duration {
	if gpu {
		return c.Execution.GPUTimeout
	}
	return c.Execution.CPUTimeout
}

// WriteYAML writes the effective configuration as YAML
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
