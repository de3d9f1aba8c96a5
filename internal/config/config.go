package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "aidledger.config"

const (
	DefaultShutdownTimeout = "30s"
	DefaultOracleTimeout   = "5s"
	DefaultStorage         = StorageSQLite
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageBadger = "badger"
)

// ErrInvalidStorage is returned for an unknown storage backend.
var ErrInvalidStorage = errors.New("invalid storage backend")

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	Storage              string   `yaml:"storage"`
	DatabasePath         string   `yaml:"databasePath"         split_words:"true"`
	BindAddr             string   `yaml:"bindAddr"             split_words:"true"`
	Port                 uint     `yaml:"port"`
	MetricsPort          uint     `yaml:"metricsPort"          split_words:"true"`
	TlsCertFilePath      string   `yaml:"tlsCertFilePath"      envconfig:"TLS_CERT_FILE_PATH"`
	TlsKeyFilePath       string   `yaml:"tlsKeyFilePath"       envconfig:"TLS_KEY_FILE_PATH"`
	MaxCommitments       uint64   `yaml:"maxCommitments"       split_words:"true"`
	LoggingFee           int64    `yaml:"loggingFee"           split_words:"true"`
	Authorities          []string `yaml:"authorities"`
	DuplicationOracleURL string   `yaml:"duplicationOracleURL" envconfig:"DUPLICATION_ORACLE_URL"`
	UpdateOracleURL      string   `yaml:"updateOracleURL"      envconfig:"UPDATE_ORACLE_URL"`
	OracleProtobuf       bool     `yaml:"oracleProtobuf"       split_words:"true"`
	OracleTimeout        string   `yaml:"oracleTimeout"        split_words:"true"`
	JournalPath          string   `yaml:"journalPath"          split_words:"true"`
	JournalKeyFile       string   `yaml:"journalKeyFile"       split_words:"true"`
	AnchorEvery          uint64   `yaml:"anchorEvery"          split_words:"true"`
	ShutdownTimeout      string   `yaml:"shutdownTimeout"      split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage:         DefaultStorage,
		DatabasePath:    ".aidledger",
		BindAddr:        "0.0.0.0",
		Port:            8080,
		MetricsPort:     12799,
		LoggingFee:      100,
		OracleTimeout:   DefaultOracleTimeout,
		AnchorEvery:     100,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Load builds a configuration from the defaults, the YAML file (if any)
// and the AIDLEDGER_* environment, in that order.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile == "" {
		// Check for config file in this path: ~/.aidledger/aidledger.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".aidledger", "aidledger.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}
		if configFile == "" {
			systemPath := "/etc/aidledger/aidledger.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("aidledger", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend names and durations.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageSQLite, StorageBadger:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorage, c.Storage)
	}
	if c.MaxCommitments > math.MaxInt64 {
		return fmt.Errorf("invalid maxCommitments %d: above %d", c.MaxCommitments, int64(math.MaxInt64))
	}
	if _, err := c.OracleTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.ShutdownTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// OracleTimeoutDuration parses OracleTimeout.
func (c *Config) OracleTimeoutDuration() (time.Duration, error) {
	return parseDuration("oracleTimeout", c.OracleTimeout, DefaultOracleTimeout)
}

// ShutdownTimeoutDuration parses ShutdownTimeout.
func (c *Config) ShutdownTimeoutDuration() (time.Duration, error) {
	return parseDuration("shutdownTimeout", c.ShutdownTimeout, DefaultShutdownTimeout)
}

func parseDuration(name, val, def string) (time.Duration, error) {
	if val == "" {
		val = def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, val, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative", name, val)
	}
	return d, nil
}

// APIAddr returns the API listen address.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// MetricsAddr returns the metrics listen address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.MetricsPort)
}
