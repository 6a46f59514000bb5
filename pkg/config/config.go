// Package config loads the orchestrator configuration from YAML with
// environment overrides, and hot-reloads the tunable parts on file change.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/evidentra/testcycle-orchestrator/pkg/clients"
	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/store"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const configComponent = "config"

// SLAConfig holds the hot-reloadable workflow timing knobs.
type SLAConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	CheckInterval   time.Duration `yaml:"check_interval"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	JWTSecret       string        `yaml:"jwt_secret"`
}

// Config is the full orchestrator configuration tree.
type Config struct {
	Environment string                      `yaml:"environment"`
	LogLevel    string                      `yaml:"log_level"`
	Server      ServerConfig                `yaml:"server"`
	SLA         SLAConfig                   `yaml:"sla"`
	Invoker     clients.InvokerConfig       `yaml:"invoker"`
	Notifier    clients.NotifierConfig      `yaml:"notifier"`
	Documents   clients.DocumentStoreConfig `yaml:"documents"`
	Postgres    store.PostgresConfig        `yaml:"postgres"`
	Cache       store.CacheConfig           `yaml:"cache"`
	// Roles maps actor ids to role grants; real deployments point the
	// authorizer at an identity provider instead.
	Roles map[string][]workflow.Role `yaml:"roles"`
}

// Default returns the baseline configuration before file and env layers.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		SLA: SLAConfig{
			DefaultDeadline: workflow.DefaultSLADeadline,
			CheckInterval:   30 * time.Second,
		},
		Invoker:  clients.DefaultInvokerConfig(),
		Notifier: clients.DefaultNotifierConfig(),
		Postgres: store.DefaultPostgresConfig(),
		Cache:    store.DefaultCacheConfig(),
	}
}

// Load reads the file (when path is non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, configComponent, "load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, configComponent, "load", "parse config file")
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.ListenAddr = getEnvOrDefault("ORCH_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.JWTSecret = getEnvOrDefault("ORCH_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.LogLevel = getEnvOrDefault("ORCH_LOG_LEVEL", cfg.LogLevel)
	cfg.Environment = getEnvOrDefault("ORCH_ENVIRONMENT", cfg.Environment)
	cfg.Postgres.DSN = getEnvOrDefault("ORCH_POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Cache.Address = getEnvOrDefault("ORCH_REDIS_ADDR", cfg.Cache.Address)
	cfg.Invoker.BaseURL = getEnvOrDefault("ORCH_COLLABORATOR_URL", cfg.Invoker.BaseURL)
	cfg.Invoker.APIKey = getEnvOrDefault("ORCH_COLLABORATOR_API_KEY", cfg.Invoker.APIKey)
	cfg.Notifier.WebhookURL = getEnvOrDefault("ORCH_WEBHOOK_URL", cfg.Notifier.WebhookURL)
	cfg.Documents.Bucket = getEnvOrDefault("ORCH_DOCS_BUCKET", cfg.Documents.Bucket)
	cfg.Documents.Region = getEnvOrDefault("ORCH_DOCS_REGION", cfg.Documents.Region)

	if v := os.Getenv("ORCH_SLA_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SLA.DefaultDeadline = d
		}
	}
	if v := os.Getenv("ORCH_SLA_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SLA.CheckInterval = d
		}
	}
	if v := os.Getenv("ORCH_POSTGRES_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Postgres.MaxOpenConns = n
		}
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Watcher re-reads the config file on change and hands the result to the
// registered callback. Only the callback decides which parts are safe to
// apply live; everything else waits for a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *logging.StructuredLogger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

func NewWatcher(path string, onChange func(*Config), logger *logging.StructuredLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, configComponent, "watch", "create watcher")
	}
	// Watch the directory: editors and config-map mounts replace the file
	// rather than writing it in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close() //nolint:errcheck
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, configComponent, "watch", "watch config dir")
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger.WithComponent(configComponent),
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close() //nolint:errcheck
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.ErrorWithContext("config reload failed, keeping previous", err)
				continue
			}
			w.logger.InfoWithContext("config reloaded", "path", w.path)
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WarnWithContext("config watcher error", "error", err.Error())
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
