// Package config loads PCE and Server configuration from an optional YAML file
// with PCE_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (e.g. PCE_SCHEDULER_BACKEND).
const EnvPrefix = "PCE"

// Config holds configuration for the PCE service, the CLI and the Server-side client.
type Config struct {
	Root              string        // Installation root; state, modules and users live below it
	Port              string        // API port
	MetricsPort       string        // Prometheus scrape port
	APIKey            string        // Read from APIKeyFile; empty disables auth
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string
	ScriptTimeout     time.Duration // Upper bound for any module script

	Scheduler  SchedulerConfig
	Dispatcher DispatcherConfig
	Server     ServerConfig
}

// SchedulerConfig selects and tunes the batch scheduler backend.
type SchedulerConfig struct {
	Backend        string        // Registry name: slurm, sge, docker
	CommandTimeout time.Duration // Upper bound for sbatch/squeue/qsub/... invocations
	NotifyEmail    string        // Optional address for scheduler mail notifications
	SGEParallelEnv string        // Parallel environment used for SGE task counts
	DockerImage    string        // Image used by the docker backend
}

// DispatcherConfig sizes the postprocess worker pool.
type DispatcherConfig struct {
	Workers    int
	BufferSize int
}

// ServerConfig configures the Server-side reconciliation client.
type ServerConfig struct {
	DBPath      string        // sqlite system-of-record
	OutputDir   string        // Captured job output files, one per job id
	HTTPTimeout time.Duration // Per-request timeout towards a PCE
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", "/var/lib/pce")
	v.SetDefault("port", "8080")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("api_key_file", "")
	v.SetDefault("shutdown_drain_wait", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("scripts.timeout", 30*time.Minute)
	v.SetDefault("scheduler.backend", "slurm")
	v.SetDefault("scheduler.command_timeout", 60*time.Second)
	v.SetDefault("scheduler.notify_email", "")
	v.SetDefault("scheduler.sge_pe", "orte")
	v.SetDefault("scheduler.docker_image", "debian:stable-slim")
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.buffer_size", 256)
	v.SetDefault("server.db", "server.db")
	v.SetDefault("server.output_dir", "job_output")
	v.SetDefault("server.http_timeout", 30*time.Second)
}

// Load reads configuration from path (optional) and the environment.
// A missing path is not an error; a path that cannot be parsed is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Root:              v.GetString("root"),
		Port:              v.GetString("port"),
		MetricsPort:       v.GetString("metrics_port"),
		APIKey:            GetSecretFile(v.GetString("api_key_file")),
		ShutdownDrainWait: v.GetDuration("shutdown_drain_wait"),
		LogLevel:          v.GetString("log.level"),
		ScriptTimeout:     v.GetDuration("scripts.timeout"),
		Scheduler: SchedulerConfig{
			Backend:        v.GetString("scheduler.backend"),
			CommandTimeout: v.GetDuration("scheduler.command_timeout"),
			NotifyEmail:    v.GetString("scheduler.notify_email"),
			SGEParallelEnv: v.GetString("scheduler.sge_pe"),
			DockerImage:    v.GetString("scheduler.docker_image"),
		},
		Dispatcher: DispatcherConfig{
			Workers:    v.GetInt("dispatcher.workers"),
			BufferSize: v.GetInt("dispatcher.buffer_size"),
		},
		Server: ServerConfig{
			DBPath:      v.GetString("server.db"),
			OutputDir:   v.GetString("server.output_dir"),
			HTTPTimeout: v.GetDuration("server.http_timeout"),
		},
	}

	if cfg.Root == "" {
		return nil, fmt.Errorf("root must not be empty")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("invalid root %q: %w", cfg.Root, err)
	}
	cfg.Root = root

	// Relative Server paths live under the root.
	for _, p := range []*string{&cfg.Server.DBPath, &cfg.Server.OutputDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}

	return cfg, nil
}

// StateDir is where entity records and their lock files live.
func (c *Config) StateDir() string { return filepath.Join(c.Root, "state") }

// ModulesDir is the default parent directory for installed modules.
func (c *Config) ModulesDir() string { return filepath.Join(c.Root, "modules") }

// UsersDir is the parent of every per-user run directory tree.
func (c *Config) UsersDir() string { return filepath.Join(c.Root, "users") }
