// Package config loads settings from defaults, an optional TOML file and the
// environment, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Telegram TelegramConfig `toml:"telegram" envPrefix:"TELEGRAM_"`
	HTTP     HTTPConfig     `toml:"http"`
	Database DatabaseConfig `toml:"database" envPrefix:"DATABASE_"`
	Economy  EconomyConfig  `toml:"economy" envPrefix:"ECONOMY_"`
	Ledger   LedgerConfig   `toml:"ledger" envPrefix:"LEDGER_"`
	Games    GamesConfig    `toml:"games" envPrefix:"GAMES_"`
	Sweeper  SweeperConfig  `toml:"sweeper" envPrefix:"SWEEPER_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
}

type TelegramConfig struct {
	Token       string        `toml:"token" env:"BOT_TOKEN"`
	PollTimeout time.Duration `toml:"poll_timeout" env:"POLL_TIMEOUT"`
	WebAppURL   string        `toml:"web_app_url" env:"WEB_APP_URL"`
	// AdminID receives alerts about refunds the sweeper could not apply.
	AdminID int64 `toml:"admin_id" env:"ADMIN_ID"`
	// ChannelID is a public channel (@name or numeric id) for sweep summaries.
	ChannelID string `toml:"channel_id" env:"CHANNEL_ID"`
}

type HTTPConfig struct {
	Port            string        `toml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
	// LeaderboardCacheTTL is how long /api/leaderboard responses are reused.
	LeaderboardCacheTTL time.Duration `toml:"leaderboard_cache_ttl" env:"HTTP_LEADERBOARD_CACHE_TTL"`
}

type DatabaseConfig struct {
	Path         string        `toml:"path" env:"PATH"`
	BusyTimeout  time.Duration `toml:"busy_timeout" env:"BUSY_TIMEOUT"`
	MaxOpenConns int           `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type EconomyConfig struct {
	StartCoins int64 `toml:"start_coins" env:"START_COINS"`
	StartGems  int64 `toml:"start_gems" env:"START_GEMS"`
	StartLevel int64 `toml:"start_level" env:"START_LEVEL"`
	// RewardChance is the probability that a group message earns coins.
	RewardChance float64 `toml:"reward_chance" env:"REWARD_CHANCE"`
	RewardMin    int64   `toml:"reward_min" env:"REWARD_MIN"`
	RewardMax    int64   `toml:"reward_max" env:"REWARD_MAX"`
}

type LedgerConfig struct {
	MaxAttempts     uint          `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `toml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `toml:"max_interval" env:"MAX_INTERVAL"`
	Multiplier      float64       `toml:"multiplier" env:"MULTIPLIER"`
	Jitter          float64       `toml:"jitter" env:"JITTER"`
	RefundTimeout   time.Duration `toml:"refund_timeout" env:"REFUND_TIMEOUT"`
}

type GamesConfig struct {
	PowerMin int64 `toml:"power_min" env:"POWER_MIN"`
	PowerMax int64 `toml:"power_max" env:"POWER_MAX"`
	// Seed fixes the outcome RNG. Zero seeds from the clock.
	Seed uint64 `toml:"seed" env:"SEED"`
}

type SweeperConfig struct {
	Enabled   bool          `toml:"enabled" env:"ENABLED"`
	Interval  time.Duration `toml:"interval" env:"INTERVAL"`
	Grace     time.Duration `toml:"grace" env:"GRACE"`
	BatchSize int           `toml:"batch_size" env:"BATCH_SIZE"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{
			PollTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Port:                "8080",
			ShutdownTimeout:     10 * time.Second,
			LeaderboardCacheTTL: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/samuraibot.db",
			BusyTimeout: 5 * time.Second,
		},
		Economy: EconomyConfig{
			StartCoins:   100,
			StartGems:    0,
			StartLevel:   1,
			RewardChance: 0.1,
			RewardMin:    1,
			RewardMax:    5,
		},
		Ledger: LedgerConfig{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Jitter:          0.2,
			RefundTimeout:   10 * time.Second,
		},
		Games: GamesConfig{
			PowerMin: 50,
			PowerMax: 150,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Interval:  time.Minute,
			Grace:     5 * time.Minute,
			BatchSize: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load applies the TOML file at path (if any) and then the environment on
// top of Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(strings.TrimSpace(c.Database.Path) != "", "database.path is required")
	check(c.HTTP.Port != "", "http.port is required")
	check(c.Economy.StartCoins >= 0, "economy.start_coins must be >= 0, got %d", c.Economy.StartCoins)
	check(c.Economy.StartGems >= 0, "economy.start_gems must be >= 0, got %d", c.Economy.StartGems)
	check(c.Economy.StartLevel >= 0, "economy.start_level must be >= 0, got %d", c.Economy.StartLevel)
	check(c.Economy.RewardChance >= 0 && c.Economy.RewardChance <= 1, "economy.reward_chance must be in [0, 1], got %v", c.Economy.RewardChance)
	check(c.Economy.RewardMin > 0 && c.Economy.RewardMin <= c.Economy.RewardMax,
		"economy.reward_min must be positive and <= reward_max, got %d..%d", c.Economy.RewardMin, c.Economy.RewardMax)
	check(c.Ledger.MaxAttempts >= 1, "ledger.max_attempts must be >= 1")
	check(c.Ledger.InitialInterval > 0, "ledger.initial_interval must be positive")
	check(c.Ledger.Multiplier >= 1, "ledger.multiplier must be >= 1, got %v", c.Ledger.Multiplier)
	check(c.Ledger.Jitter >= 0 && c.Ledger.Jitter < 1, "ledger.jitter must be in [0, 1), got %v", c.Ledger.Jitter)
	check(c.Games.PowerMin >= 0 && c.Games.PowerMin <= c.Games.PowerMax,
		"games.power_min must be >= 0 and <= power_max, got %d..%d", c.Games.PowerMin, c.Games.PowerMax)
	if c.Sweeper.Enabled {
		check(c.Sweeper.Interval > 0, "sweeper.interval must be positive")
		check(c.Sweeper.Grace > 0, "sweeper.grace must be positive")
		check(c.Sweeper.BatchSize > 0, "sweeper.batch_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RequireToken fails when no Telegram bot token is configured.
func (c Config) RequireToken() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}
