package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"repro_market/pkg/market"
	"repro_market/pkg/utils"
)

// EnvPrefix prefixes environment overrides, e.g. REPRO_API_LISTEN_ADDR.
const EnvPrefix = "REPRO"

// DefaultTokenSecret is rejected outside development.
const DefaultTokenSecret = "development-only-secret"

// Config holds all configuration settings for the application
type Config struct {
	Environment string            `mapstructure:"environment"`
	LogLevel    string            `mapstructure:"log_level"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Scheduler   SchedConfig       `mapstructure:"scheduler"`
	Security    SecurityConfig    `mapstructure:"security"`
	API         APIConfig         `mapstructure:"api"`
	P2P         P2PConfig         `mapstructure:"p2p"`
}

// LogConfig holds log file settings
type LogConfig struct {
	OutputPath string `mapstructure:"output_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
	Debug      bool   `mapstructure:"debug"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string         `mapstructure:"url"`
	MaxConns int            `mapstructure:"max_conns"`
	MinConns int            `mapstructure:"min_conns"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Embedded EmbeddedConfig `mapstructure:"embedded"`
}

// EmbeddedConfig controls the bundled Postgres instance.
type EmbeddedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     uint32 `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// StorageConfig selects the marketplace persistence backend.
type StorageConfig struct {
	// Backend is one of memory, file or postgres.
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// MarketplaceConfig holds marketplace rule parameters
type MarketplaceConfig struct {
	AuditRate       float64       `mapstructure:"audit_rate"`
	ClaimWindow     time.Duration `mapstructure:"claim_window"`
	AuditWindow     time.Duration `mapstructure:"audit_window"`
	DefaultBounty   string        `mapstructure:"default_bounty"`
	StartingBalance string        `mapstructure:"starting_balance"`
	PoolSize        int           `mapstructure:"pool_size"`
	SampleSize      int           `mapstructure:"sample_size"`
	SurfacedSize    int           `mapstructure:"surfaced_size"`
	CommitRetries   int           `mapstructure:"commit_retries"`
}

// SchedConfig holds scheduler related configuration
type SchedConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	ExpirySchedule string        `mapstructure:"expiry_schedule"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// SecurityConfig holds token settings
type SecurityConfig struct {
	TokenSecret       string        `mapstructure:"token_secret"`
	TokenSalt         string        `mapstructure:"token_salt"`
	TokenExpiry       time.Duration `mapstructure:"token_expiry"`
	Issuer            string        `mapstructure:"issuer"`
	KeyDerivationIter int           `mapstructure:"key_derivation_iterations"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// P2PConfig holds event broadcast settings
type P2PConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	ListenAddrs    []string `mapstructure:"listen_addrs"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	TopicPrefix    string   `mapstructure:"topic_prefix"`
	// KeyFile holds the host identity. Empty means a fresh identity per run.
	KeyFile string `mapstructure:"key_file"`
}

// Load reads the configuration file, if any, and environment variables.
// An empty path or a missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("log.output_path", "logs/repro-market.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.debug", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.embedded.enabled", false)
	v.SetDefault("database.embedded.port", 5433)
	v.SetDefault("database.embedded.data_dir", "./data/postgres")
	v.SetDefault("database.embedded.username", "postgres")
	v.SetDefault("database.embedded.password", "postgres")
	v.SetDefault("database.embedded.database", "repro_market")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "./data/marketplace")

	v.SetDefault("marketplace.audit_rate", 0.35)
	v.SetDefault("marketplace.claim_window", "24h")
	v.SetDefault("marketplace.audit_window", "24h")
	v.SetDefault("marketplace.default_bounty", "60")
	v.SetDefault("marketplace.starting_balance", "100")
	v.SetDefault("marketplace.pool_size", 1000)
	v.SetDefault("marketplace.sample_size", 64)
	v.SetDefault("marketplace.surfaced_size", 16)
	v.SetDefault("marketplace.commit_retries", 5)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.expiry_schedule", "0 */5 * * * *")
	v.SetDefault("scheduler.task_timeout", "2m")
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "10s")

	v.SetDefault("security.token_secret", DefaultTokenSecret)
	v.SetDefault("security.token_salt", "repro-market")
	v.SetDefault("security.token_expiry", "24h")
	v.SetDefault("security.issuer", "repro-market")
	v.SetDefault("security.key_derivation_iterations", 100000)

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "15s")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.listen_addrs", []string{"/ip4/0.0.0.0/tcp/4001"})
	v.SetDefault("p2p.bootstrap_peers", []string{})
	v.SetDefault("p2p.topic_prefix", "repro-market/v1")
	v.SetDefault("p2p.key_file", "./data/p2p/identity.key")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateMarketplace(); err != nil {
		return fmt.Errorf("marketplace config: %w", err)
	}

	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}

	if err := c.validateAPI(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory", "postgres":
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("dir cannot be empty for the file backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Storage.Backend != "postgres" {
		return nil
	}
	if c.Database.URL == "" && !c.Database.Embedded.Enabled {
		return fmt.Errorf("database URL cannot be empty unless embedded postgres is enabled")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("min_conns must be between 0 and max_conns")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Database.Embedded.Enabled && c.Database.Embedded.Port == 0 {
		return fmt.Errorf("embedded port must be set")
	}
	return nil
}

func (c *Config) validateMarketplace() error {
	if _, err := c.Marketplace.Rules(); err != nil {
		return err
	}
	if _, err := c.Marketplace.StartingBalanceELF(); err != nil {
		return err
	}
	if c.Marketplace.CommitRetries < 1 {
		return fmt.Errorf("commit_retries must be at least 1")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}

	if c.Scheduler.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Scheduler.ExpirySchedule); err != nil {
		return fmt.Errorf("invalid expiry_schedule %q: %w", c.Scheduler.ExpirySchedule, err)
	}

	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.TokenSecret == "" {
		return fmt.Errorf("token_secret cannot be empty")
	}
	if !c.IsDevelopment() && c.Security.TokenSecret == DefaultTokenSecret {
		return fmt.Errorf("token_secret must be changed outside development")
	}
	if c.Security.TokenExpiry <= 0 {
		return fmt.Errorf("token_expiry must be positive")
	}
	if c.Security.KeyDerivationIter < 1000 {
		return fmt.Errorf("key_derivation_iterations must be at least 1000")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.API.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if !c.P2P.Enabled {
		return nil
	}
	if len(c.P2P.ListenAddrs) == 0 {
		return fmt.Errorf("listen_addrs cannot be empty when p2p is enabled")
	}
	if c.P2P.TopicPrefix == "" {
		return fmt.Errorf("topic_prefix cannot be empty")
	}
	return nil
}

// Rules converts the marketplace section into engine rules.
func (m MarketplaceConfig) Rules() (market.Rules, error) {
	bounty, err := decimal.NewFromString(m.DefaultBounty)
	if err != nil {
		return market.Rules{}, fmt.Errorf("default_bounty %q: %w", m.DefaultBounty, err)
	}
	rules := market.Rules{
		AuditRate:     m.AuditRate,
		ClaimWindow:   m.ClaimWindow,
		AuditWindow:   m.AuditWindow,
		DefaultBounty: bounty,
		PoolSize:      m.PoolSize,
		SampleSize:    m.SampleSize,
		SurfacedSize:  m.SurfacedSize,
	}
	if err := rules.Validate(); err != nil {
		return market.Rules{}, err
	}
	return rules, nil
}

// StartingBalanceELF returns the balance granted to newly registered
// validators.
func (m MarketplaceConfig) StartingBalanceELF() (decimal.Decimal, error) {
	balance, err := decimal.NewFromString(m.StartingBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("starting_balance %q: %w", m.StartingBalance, err)
	}
	if balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("starting_balance cannot be negative")
	}
	return balance, nil
}

// LoggerConfig builds the utils logger configuration.
func (c *Config) LoggerConfig() *utils.LogConfig {
	return &utils.LogConfig{
		Level:      c.GetLogLevel().String(),
		OutputPath: c.Log.OutputPath,
		MaxSize:    c.Log.MaxSize,
		MaxAge:     c.Log.MaxAge,
		MaxBackups: c.Log.MaxBackups,
		Compress:   c.Log.Compress,
		Debug:      c.Log.Debug,
	}
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
