/*
Package config loads the session-worker core's environment-first
configuration (spec.md §6), with defaults matching the spec exactly, plus
an optional YAML overlay file for local development.

Reading is explicit os.Getenv-plus-fallback, the same flag-reading
register the teacher's cmd/warren/main.go uses for its own CLI flags —
the configuration surface here is small enough that an env-to-struct
mapping library would add a dependency without buying anything.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/rpasession/pkg/session"
)

// Config is the full set of tunables for a host process or standalone
// reaper binary.
type Config struct {
	// MaxWorkersPerContainer bounds how many sessions one host may claim
	// concurrently (spec.md §4.D).
	MaxWorkersPerContainer int `yaml:"maxWorkersPerContainer"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// IdleTimeout is how long a session may go without activity before
	// the reaper terminates it (spec.md §4.E).
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	ReapInterval time.Duration `yaml:"reapInterval"`

	LeaseTTL   time.Duration `yaml:"leaseTTL"`
	SessionTTL time.Duration `yaml:"sessionTTL"`

	// ManagerID identifies this host's Worker Manager. Generated at
	// process start unless pinned (e.g. in tests).
	ManagerID string `yaml:"managerID"`
}

// Default returns the spec's documented defaults, with a freshly
// generated ManagerID.
func Default() Config {
	return Config{
		MaxWorkersPerContainer: 5,
		RedisAddr:              "127.0.0.1:6379",
		RedisDB:                0,
		IdleTimeout:            session.DefaultIdleTimeout,
		ReapInterval:           session.DefaultReapInterval,
		LeaseTTL:               session.DefaultLeaseTTL,
		SessionTTL:             session.DefaultRecordTTL,
		ManagerID:              uuid.NewString(),
	}
}

// Load builds a Config from Default, then environment variables, then
// (if path is non-empty) a YAML overlay file. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MAX_WORKERS_PER_CONTAINER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkersPerContainer = n
		}
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.RedisAddr = host + ":" + port
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.IdleTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MANAGER_ID"); v != "" {
		cfg.ManagerID = v
	}
}
