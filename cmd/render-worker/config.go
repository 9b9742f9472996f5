package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"workbench/internal/common/cache"
	"workbench/internal/common/db"
	"workbench/internal/common/mq"
	"workbench/internal/common/storage"
	"workbench/internal/render/kernel"
	"workbench/internal/sandbox/protocol"
	"workbench/internal/sandbox/supervisor"
	"workbench/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr          = "0.0.0.0:8090"
	defaultReadTimeout       = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
	defaultRenderTopic       = "workbench.render"
	defaultConsumerGroup     = "render-worker"
)

// Lock store backends.
const (
	lockBackendPostgres = "postgres"
	lockBackendMySQL    = "mysql"
	lockBackendRedis    = "redis"
)

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// LockStoreConfig selects where render locks live.
type LockStoreConfig struct {
	Backend   string            `yaml:"backend"`
	MySQL     db.Config         `yaml:"mysql"`
	Redis     cache.RedisConfig `yaml:"redis"`
	RedisTTL  time.Duration     `yaml:"redisTTL"`
	Keepalive time.Duration     `yaml:"keepalive"`
}

// RenderConfig holds dispatcher and renderer settings.
type RenderConfig struct {
	Topic           string        `yaml:"topic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputBytes  int64         `yaml:"maxOutputBytes"`
	Bucket          string        `yaml:"bucket"`
}

// SandboxConfig holds forkserver and child sandbox settings.
type SandboxConfig struct {
	supervisor.Config `yaml:",inline"`
	// Features, when set, lists the only sandbox features children apply.
	Features  []protocol.Feature      `yaml:"features"`
	ChrootDir string                  `yaml:"chrootDir"`
	Network   *protocol.NetworkConfig `yaml:"network"`
}

// AppConfig holds render-worker config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Database  db.Config           `yaml:"database"`
	LockStore LockStoreConfig     `yaml:"lockStore"`
	Kafka     mq.KafkaConfig      `yaml:"kafka"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Render    RenderConfig        `yaml:"render"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = db.DriverPostgres
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}

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

	switch cfg.LockStore.Backend {
	case "":
		cfg.LockStore.Backend = lockBackendPostgres
	case lockBackendPostgres:
	case lockBackendMySQL:
		if cfg.LockStore.MySQL.DSN == "" {
			return fmt.Errorf("lockStore.mysql.dsn is required")
		}
		cfg.LockStore.MySQL.Driver = db.DriverMySQL
	case lockBackendRedis:
		if cfg.LockStore.Redis.Addr == "" {
			return fmt.Errorf("lockStore.redis.addr is required")
		}
	default:
		return fmt.Errorf("unknown lock store backend %q", cfg.LockStore.Backend)
	}
	if cfg.LockStore.Backend == lockBackendPostgres && cfg.Database.Driver != db.DriverPostgres {
		return fmt.Errorf("postgres lock store needs a postgres database")
	}
	if cfg.LockStore.Keepalive == 0 {
		cfg.LockStore.Keepalive = defaultKeepaliveInterval
	}

	if cfg.Render.Topic == "" {
		cfg.Render.Topic = defaultRenderTopic
	}
	if cfg.Render.ConsumerGroup == "" {
		cfg.Render.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Render.Bucket == "" {
		cfg.Render.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Render.Bucket == "" {
		return fmt.Errorf("render bucket is required")
	}

	if cfg.Sandbox.ChildMain == "" {
		cfg.Sandbox.ChildMain = kernel.EntryName
	}
	if len(cfg.Sandbox.PreloadModules) == 0 {
		cfg.Sandbox.PreloadModules = []string{kernel.EnginePreload}
	}
	if cfg.Sandbox.ChrootDir != "" && !filepath.IsAbs(cfg.Sandbox.ChrootDir) {
		return fmt.Errorf("sandbox.chrootDir must be absolute")
	}
	if err := cfg.Sandbox.childSandbox().Validate(); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	return nil
}

// childSandbox is the per-spawn sandbox config for render children.
func (s SandboxConfig) childSandbox() protocol.SandboxConfig {
	cfg := protocol.SandboxConfig{ChrootDir: s.ChrootDir, Network: s.Network}
	if s.Features != nil {
		cfg.SkipSandboxExcept = protocol.SkipAllExcept(s.Features...)
	}
	return cfg
}
