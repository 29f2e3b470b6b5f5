package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
// It is read once at start; changing it requires a restart.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Control  ControlConfig  `yaml:"control"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Remedy   RemedyConfig   `yaml:"remedy"`
	Patterns PatternsConfig `yaml:"patterns"`
	Notify   NotifyConfig   `yaml:"notify"`
	History  HistoryConfig  `yaml:"history"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls the HTTP control surface and metrics listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ControlConfig configures access to the container-control collaborator.
type ControlConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

// MonitorConfig controls the scheduled detection cycle.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// LogTailLines bounds how many log lines are pulled per target per cycle.
	LogTailLines int `yaml:"logTailLines"`
	// SilencePeriod retires an active incident that stops matching.
	SilencePeriod time.Duration `yaml:"silencePeriod"`
	// CollectionFailureThreshold is how many consecutive collection failures
	// for one target are tolerated before a low-severity incident is raised.
	CollectionFailureThreshold int `yaml:"collectionFailureThreshold"`
	// Targets is the static list of monitored instances used when the
	// collaborator's target listing is empty or unavailable.
	Targets []string `yaml:"targets"`
}

// RemedyConfig controls the remediation state machine.
type RemedyConfig struct {
	MaxRetryAttempts      int           `yaml:"maxRetryAttempts"`
	ActionTimeout         time.Duration `yaml:"actionTimeout"`
	GracePeriod           time.Duration `yaml:"gracePeriod"`
	FallbackDelay         time.Duration `yaml:"fallbackDelay"`
	BackupBeforeFix       bool          `yaml:"backupBeforeFix"`
	AutoRebuildImages     bool          `yaml:"autoRebuildImages"`
	AutoRestartContainers bool          `yaml:"autoRestartContainers"`
	EnableDockerCommands  bool          `yaml:"enableDockerCommands"`
	EnableFileOperations  bool          `yaml:"enableFileOperations"`
	EnableNetworkChecks   bool          `yaml:"enableNetworkChecks"`
}

// PatternsConfig controls optional pattern-pack loading on top of built-ins.
type PatternsConfig struct {
	Path string `yaml:"path"`
}

// NotifyConfig configures the optional outbound webhook.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HistoryConfig bounds the status ledger rings.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the Valkey-backed remediation lock provider.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
	LockTTL      time.Duration `yaml:"lockTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FLEET_MEDIC_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Timeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:                   30 * time.Second,
			LogTailLines:               200,
			SilencePeriod:              10 * time.Minute,
			CollectionFailureThreshold: 3,
		},
		Remedy: RemedyConfig{
			MaxRetryAttempts:      3,
			ActionTimeout:         30 * time.Second,
			GracePeriod:           5 * time.Second,
			FallbackDelay:         0,
			BackupBeforeFix:       true,
			AutoRebuildImages:     true,
			AutoRestartContainers: true,
			EnableDockerCommands:  true,
			EnableFileOperations:  true,
			EnableNetworkChecks:   true,
		},
		Notify:  NotifyConfig{Timeout: 5 * time.Second},
		History: HistoryConfig{Capacity: 256},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			LockTTL:      2 * time.Minute,
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if cfg.Monitor.LogTailLines <= 0 {
		return fmt.Errorf("monitor.logTailLines must be positive")
	}
	if cfg.Remedy.MaxRetryAttempts <= 0 {
		return fmt.Errorf("remedy.maxRetryAttempts must be positive")
	}
	if cfg.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_MEDIC_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("FLEET_MEDIC_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("FLEET_MEDIC_CONTROL_BASE_URL"); v != "" {
		cfg.Control.BaseURL = v
	}
	if v := os.Getenv("FLEET_MEDIC_CONTROL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Control.Timeout = d
		}
	}
	if v := os.Getenv("FLEET_MEDIC_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("FLEET_MEDIC_LOG_TAIL_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.LogTailLines = n
		}
	}
	if v := os.Getenv("FLEET_MEDIC_MONITOR_TARGETS"); v != "" {
		cfg.Monitor.Targets = cfg.Monitor.Targets[:0]
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Monitor.Targets = append(cfg.Monitor.Targets, t)
			}
		}
	}
	if v := os.Getenv("FLEET_MEDIC_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remedy.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("FLEET_MEDIC_BACKUP_BEFORE_FIX"); v != "" {
		cfg.Remedy.BackupBeforeFix = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_AUTO_REBUILD_IMAGES"); v != "" {
		cfg.Remedy.AutoRebuildImages = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_AUTO_RESTART_CONTAINERS"); v != "" {
		cfg.Remedy.AutoRestartContainers = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_ENABLE_DOCKER_COMMANDS"); v != "" {
		cfg.Remedy.EnableDockerCommands = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_ENABLE_FILE_OPERATIONS"); v != "" {
		cfg.Remedy.EnableFileOperations = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_ENABLE_NETWORK_CHECKS"); v != "" {
		cfg.Remedy.EnableNetworkChecks = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_NOTIFICATION_WEBHOOK"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("FLEET_MEDIC_PATTERNS_PATH"); v != "" {
		cfg.Patterns.Path = v
	}
	if v := os.Getenv("FLEET_MEDIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLEET_MEDIC_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("FLEET_MEDIC_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = isTrue(v)
	}
	if v := os.Getenv("FLEET_MEDIC_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("FLEET_MEDIC_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("FLEET_MEDIC_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("FLEET_MEDIC_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("FLEET_MEDIC_CACHE_TLS"); isTrue(v) {
		cfg.Cache.TLS = true
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
