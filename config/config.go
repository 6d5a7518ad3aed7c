/*
Package config loads server configuration.

SOURCES (highest precedence first):
  1. Command-line flags bound by cmd/server
  2. Environment variables prefixed COURSEMARKET_ (e.g. COURSEMARKET_PORT)
  3. .env / .env.local in the working directory (loaded into the environment)
  4. Optional config file passed with --config
  5. Defaults below

POLICY VALUES:
  group_pool_size           groups created on a course's first purchase (10)
  max_group_size            reporting denominator only, never enforced (30)
  starting_balance          balance given to every new user (1000.00)
  placement_retry_interval  how often pending placements are retried (30s)
  placement_batch_size      tasks per retry pass (50)
  enroll_retries            attempts when a balance version conflicts (3)
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/course-market/market"
)

const EnvPrefix = "COURSEMARKET"

// Keys shared with the flag bindings in cmd/server.
const (
	KeyPort                   = "port"
	KeyDB                     = "db"
	KeyEnv                    = "env"
	KeyAllowedOrigins         = "allowed_origins"
	KeyReadTimeout            = "read_timeout"
	KeyWriteTimeout           = "write_timeout"
	KeyIdleTimeout            = "idle_timeout"
	KeyShutdownTimeout        = "shutdown_timeout"
	KeyGroupPoolSize          = "group_pool_size"
	KeyMaxGroupSize           = "max_group_size"
	KeyStartingBalance        = "starting_balance"
	KeyPlacementRetryInterval = "placement_retry_interval"
	KeyPlacementBatchSize     = "placement_batch_size"
	KeyEnrollRetries          = "enroll_retries"
)

// MemoryDB selects the in-memory store instead of SQLite.
const MemoryDB = "memory"

type Config struct {
	Port           int
	DBPath         string
	Env            string
	AllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	GroupPoolSize          int
	MaxGroupSize           int
	StartingBalance        market.Money
	PlacementRetryInterval time.Duration
	PlacementBatchSize     int
	EnrollRetries          int
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	// Missing .env files are fine.
	_ = godotenv.Load(".env", ".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyDB, "courses.db")
	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyAllowedOrigins, []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault(KeyReadTimeout, 15*time.Second)
	v.SetDefault(KeyWriteTimeout, 15*time.Second)
	v.SetDefault(KeyIdleTimeout, 60*time.Second)
	v.SetDefault(KeyShutdownTimeout, 30*time.Second)
	v.SetDefault(KeyGroupPoolSize, 10)
	v.SetDefault(KeyMaxGroupSize, 30)
	v.SetDefault(KeyStartingBalance, "1000.00")
	v.SetDefault(KeyPlacementRetryInterval, 30*time.Second)
	v.SetDefault(KeyPlacementBatchSize, 50)
	v.SetDefault(KeyEnrollRetries, 3)
}

// Load reads an optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	startingBalance, err := market.ParseMoney(v.GetString(KeyStartingBalance))
	if err != nil {
		return Config{}, fmt.Errorf("starting_balance: %w", err)
	}

	cfg := Config{
		Port:                   v.GetInt(KeyPort),
		DBPath:                 v.GetString(KeyDB),
		Env:                    v.GetString(KeyEnv),
		AllowedOrigins:         v.GetStringSlice(KeyAllowedOrigins),
		ReadTimeout:            v.GetDuration(KeyReadTimeout),
		WriteTimeout:           v.GetDuration(KeyWriteTimeout),
		IdleTimeout:            v.GetDuration(KeyIdleTimeout),
		ShutdownTimeout:        v.GetDuration(KeyShutdownTimeout),
		GroupPoolSize:          v.GetInt(KeyGroupPoolSize),
		MaxGroupSize:           v.GetInt(KeyMaxGroupSize),
		StartingBalance:        startingBalance,
		PlacementRetryInterval: v.GetDuration(KeyPlacementRetryInterval),
		PlacementBatchSize:     v.GetInt(KeyPlacementBatchSize),
		EnrollRetries:          v.GetInt(KeyEnrollRetries),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be in 1..65535, got %d", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db must not be empty"))
	}
	if c.GroupPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("group_pool_size must be positive, got %d", c.GroupPoolSize))
	}
	if c.MaxGroupSize <= 0 {
		errs = append(errs, fmt.Errorf("max_group_size must be positive, got %d", c.MaxGroupSize))
	}
	if c.StartingBalance.IsNegative() {
		errs = append(errs, fmt.Errorf("starting_balance must not be negative, got %s", c.StartingBalance))
	}
	if c.PlacementRetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("placement_retry_interval must be positive, got %s", c.PlacementRetryInterval))
	}
	if c.PlacementBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("placement_batch_size must be positive, got %d", c.PlacementBatchSize))
	}
	if c.EnrollRetries <= 0 {
		errs = append(errs, fmt.Errorf("enroll_retries must be positive, got %d", c.EnrollRetries))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", market.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

func (c Config) Production() bool { return c.Env == "production" }
