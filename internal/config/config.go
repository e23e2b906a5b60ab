package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pixelcraft/backend/internal/keypool"
	"github.com/pixelcraft/backend/internal/services"
)

const (
	MinPort = 1
	MaxPort = 65535
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	RabbitMQ   RabbitMQConfig    `yaml:"rabbitmq"`
	Auth       AuthConfig        `yaml:"auth"`
	Dispatcher DispatcherConfig  `yaml:"dispatcher"`
	Provider   ProviderConfig    `yaml:"provider"`
	Operations []OperationConfig `yaml:"operations"`
	Limits     LimitsConfig      `yaml:"limits"`
	Retention  RetentionConfig   `yaml:"retention"`
	Reconcile  ReconcileConfig   `yaml:"reconcile"`
	Logging    LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig selects Postgres persistence. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig enables the shared per-user limiter when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	SlotTTL   time.Duration `yaml:"slot_ttl"`
}

// RabbitMQConfig enables job lifecycle events when URL is set.
type RabbitMQConfig struct {
	URL           string        `yaml:"url"`
	Exchange      string        `yaml:"exchange"`
	ExchangeType  string        `yaml:"exchange_type"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// ServiceTokenHash is the bcrypt hash of the payment collaborator's token.
	ServiceTokenHash string `yaml:"service_token_hash"`
}

type DispatcherConfig struct {
	Workers        int           `yaml:"workers"`
	ScanDepth      int           `yaml:"scan_depth"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	SettleRetries  int           `yaml:"settle_retries"`
	InitialAverage time.Duration `yaml:"initial_average"`
	// Aging promotes long-waiting jobs one lane per interval. Zero keeps strict priority.
	Aging        time.Duration `yaml:"aging"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	// InstanceID names the process that owns the jobs it accepts. Startup
	// recovery only re-enqueues jobs carrying this id. Empty means the hostname.
	InstanceID string `yaml:"instance_id"`
}

type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	CooldownBase time.Duration `yaml:"cooldown_base"`
	CooldownMax  time.Duration `yaml:"cooldown_max"`
	Keys         []KeyConfig   `yaml:"keys"`
}

type KeyConfig struct {
	ID            string  `yaml:"id"`
	Secret        string  `yaml:"secret"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type OperationConfig struct {
	Type        string        `yaml:"type"`
	Cost        int64         `yaml:"cost"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	Schema      string        `yaml:"schema"`
	SchemaFile  string        `yaml:"schema_file"`
}

type LimitsConfig struct {
	MaxConcurrentPerUser int `yaml:"max_concurrent_per_user"`
}

type RetentionConfig struct {
	Jobs          time.Duration `yaml:"jobs"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type ReconcileConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"http://localhost:3000"},
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 2 * time.Minute,
		},
		Redis:    RedisConfig{KeyPrefix: "pixelcraft:inflight:", SlotTTL: 30 * time.Minute},
		RabbitMQ: RabbitMQConfig{Exchange: "pixelcraft.jobs", ExchangeType: "topic", RetryAttempts: 5, RetryInterval: 2 * time.Second, Heartbeat: 10 * time.Second},
		Auth:     AuthConfig{TokenTTL: 24 * time.Hour},
		Dispatcher: DispatcherConfig{
			Workers:        4,
			ScanDepth:      64,
			PollInterval:   time.Second,
			RetryBase:      2 * time.Second,
			RetryMax:       2 * time.Minute,
			SettleRetries:  3,
			InitialAverage: 30 * time.Second,
			ScanInterval:   time.Second,
		},
		Provider: ProviderConfig{
			Timeout:      60 * time.Second,
			CooldownBase: 5 * time.Second,
			CooldownMax:  5 * time.Minute,
		},
		Limits:    LimitsConfig{MaxConcurrentPerUser: 3},
		Retention: RetentionConfig{Jobs: 7 * 24 * time.Hour, PurgeInterval: time.Hour},
		Reconcile: ReconcileConfig{Interval: 5 * time.Minute, StaleAfter: 10 * time.Minute},
		Logging:   LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
	}
}

// Load reads a .env file if present, expands ${VAR} and ${VAR:-default}
// references in the YAML at configPath and decodes it over Default().
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv only touches the braced form so bcrypt hashes survive untouched.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher workers must be greater than 0")
	}
	if c.Limits.MaxConcurrentPerUser <= 0 {
		return fmt.Errorf("limits max_concurrent_per_user must be greater than 0")
	}
	if len(c.Provider.Keys) == 0 {
		return fmt.Errorf("at least one provider key is required")
	}
	for i, k := range c.Provider.Keys {
		if k.ID == "" {
			return fmt.Errorf("provider key %d: id is required", i)
		}
		if k.MaxConcurrent <= 0 {
			return fmt.Errorf("provider key %q: max_concurrent must be greater than 0", k.ID)
		}
	}
	if len(c.Operations) == 0 {
		return fmt.Errorf("at least one operation is required")
	}
	for _, op := range c.Operations {
		if op.Type == "" {
			return fmt.Errorf("operation type is required")
		}
		if op.Cost <= 0 {
			return fmt.Errorf("operation %q: cost must be greater than 0", op.Type)
		}
	}
	return nil
}

// OperationSpecs converts the operation catalog for services.NewValidator.
func (c *Config) OperationSpecs() []services.OperationSpec {
	out := make([]services.OperationSpec, 0, len(c.Operations))
	for _, op := range c.Operations {
		out = append(out, services.OperationSpec{
			Type:        op.Type,
			Cost:        op.Cost,
			MaxAttempts: op.MaxAttempts,
			Timeout:     op.Timeout,
			Schema:      op.Schema,
			SchemaFile:  op.SchemaFile,
		})
	}
	return out
}

// KeyConfigs converts the provider keys for keypool.New.
func (c *Config) KeyConfigs() []keypool.KeyConfig {
	out := make([]keypool.KeyConfig, 0, len(c.Provider.Keys))
	for _, k := range c.Provider.Keys {
		out = append(out, keypool.KeyConfig{
			ID:            k.ID,
			Secret:        k.Secret,
			MaxConcurrent: k.MaxConcurrent,
			RatePerSecond: k.RatePerSecond,
			Burst:         k.Burst,
		})
	}
	return out
}

// ServicesDispatcher converts the dispatcher section.
func (c *Config) ServicesDispatcher() services.DispatcherConfig {
	d := c.Dispatcher
	return services.DispatcherConfig{
		Workers:        d.Workers,
		ScanDepth:      d.ScanDepth,
		PollInterval:   d.PollInterval,
		RetryBase:      d.RetryBase,
		RetryMax:       d.RetryMax,
		SettleRetries:  d.SettleRetries,
		InitialAverage: d.InitialAverage,
	}
}
