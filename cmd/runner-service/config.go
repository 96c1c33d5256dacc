package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"acarunner/internal/common/cache"
	"acarunner/internal/common/mq"
	"acarunner/internal/common/storage"
	"acarunner/internal/grading/archive"
	"acarunner/internal/grading/backendclient"
	"acarunner/internal/grading/registry"
	"acarunner/internal/grading/service"
	"acarunner/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:5001"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultBackendURL      = "http://localhost:3000/api"
	defaultSubmissionsDir  = "../backend/data/submissions"
	defaultFixturesRoot    = "../tasks"
	defaultStatusTimeout   = 2 * time.Second
	defaultStatusEntries   = 4096
	defaultFinalTopic      = "runner.status.final"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// StorageConfig locates submission archives. MinIO takes precedence when configured.
type StorageConfig struct {
	SubmissionsDir string              `yaml:"submissionsDir"`
	MinIO          storage.MinIOConfig `yaml:"minio"`
	Limits         archive.Limits      `yaml:"limits"`
}

// FixturesConfig holds the fixture roots searched in order.
type FixturesConfig struct {
	Root       string `yaml:"root"`
	CustomRoot string `yaml:"customRoot"`
}

// WorkConfig holds run directory settings.
type WorkConfig struct {
	Root              string        `yaml:"root"`
	MaxConcurrentRuns int           `yaml:"maxConcurrentRuns"`
	SlotWait          time.Duration `yaml:"slotWait"`
}

// RunnerConfig holds orchestrator settings.
type RunnerConfig struct {
	DefaultLanguage string `yaml:"defaultLanguage"`
}

// StatusConfig holds run status persistence settings.
type StatusConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Timeout       time.Duration `yaml:"timeout"`
	FinalTopic    string        `yaml:"finalTopic"`
	MemoryEntries int           `yaml:"memoryEntries"`
}

// AppConfig holds runner-service config.
type AppConfig struct {
	Server   ServerConfig         `yaml:"server"`
	Logger   logger.Config        `yaml:"logger"`
	Backend  backendclient.Config `yaml:"backend"`
	Storage  StorageConfig        `yaml:"storage"`
	Fixtures FixturesConfig       `yaml:"fixtures"`
	Work     WorkConfig           `yaml:"work"`
	Runner   RunnerConfig         `yaml:"runner"`
	Redis    cache.RedisConfig    `yaml:"redis"`
	Status   StatusConfig         `yaml:"status"`
	Kafka    mq.KafkaConfig       `yaml:"kafka"`
	Plugins  registry.Options     `yaml:"plugins"`
}

// loadDotEnv loads a .env file when present; a missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if cfg.Storage.MinIO.Enabled() && cfg.Storage.MinIO.Bucket == "" {
		return nil, fmt.Errorf("storage.minio.bucket is required when minio is enabled")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = "0.0.0.0:" + port
	}
	if url := strings.TrimSpace(os.Getenv("RUNNER_BACKEND_URL")); url != "" {
		cfg.Backend.BaseURL = url
	}
	if dir := strings.TrimSpace(os.Getenv("SUBMISSIONS_DIR")); dir != "" {
		cfg.Storage.SubmissionsDir = dir
	}
	if dir := strings.TrimSpace(os.Getenv("TASKS_DIR")); dir != "" {
		cfg.Fixtures.Root = dir
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = defaultBackendURL
	}
	if cfg.Storage.SubmissionsDir == "" {
		cfg.Storage.SubmissionsDir = defaultSubmissionsDir
	}
	if cfg.Fixtures.Root == "" {
		cfg.Fixtures.Root = defaultFixturesRoot
	}
	if cfg.Work.Root == "" {
		cfg.Work.Root = os.TempDir()
	}
	if cfg.Runner.DefaultLanguage == "" {
		cfg.Runner.DefaultLanguage = service.DefaultLanguage
	}
	if cfg.Status.Timeout == 0 {
		cfg.Status.Timeout = defaultStatusTimeout
	}
	if cfg.Status.MemoryEntries <= 0 {
		cfg.Status.MemoryEntries = defaultStatusEntries
	}
	if cfg.Status.FinalTopic == "" {
		cfg.Status.FinalTopic = defaultFinalTopic
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}
}
