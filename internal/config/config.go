package config

import (
	"fmt"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable of the engine. Values come from the
// environment (optionally via .env through godotenv autoload).
type Config struct {
	// --- HTTP ---
	Port int `envconfig:"PORT" default:"8080"`

	// --- Application ---
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`

	// --- Round timings ---
	BettingDurationMS int `envconfig:"BETTING_DURATION_MS" default:"5000"`
	PostCrashPauseMS  int `envconfig:"POST_CRASH_PAUSE_MS" default:"5000"`
	TickIntervalMS    int `envconfig:"TICK_INTERVAL_MS" default:"100"`

	// --- Betting limits ---
	MinBet               float64 `envconfig:"MIN_BET" default:"1.00"`
	MaxBet               float64 `envconfig:"MAX_BET" default:"10000.00"`
	MaxActiveBetsPerUser int     `envconfig:"MAX_ACTIVE_BETS_PER_USER_PER_ROUND" default:"2"`

	// --- Multiplier curve ---
	MultiplierCeiling float64 `envconfig:"MULTIPLIER_CEILING" default:"100.00"`
	// multiplier(t) = 1 + t/GrowthLinear + t^2 * GrowthQuadratic
	GrowthLinear    float64 `envconfig:"MULTIPLIER_GROWTH_LINEAR" default:"1.5"`
	GrowthQuadratic float64 `envconfig:"MULTIPLIER_GROWTH_QUADRATIC" default:"0.005"`

	// --- Replay / audit window ---
	ReplayWindowMinutes int `envconfig:"REPLAY_WINDOW_MINUTES" default:"10"`
	CrashHistorySize    int `envconfig:"CRASH_HISTORY_SIZE" default:"50"`

	// --- Database ---
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD" default:"postgres"`
	DBName     string `envconfig:"DB_NAME" default:"skycrash"`
	DBSchema   string `envconfig:"DB_SCHEMA" default:"public"`

	// --- Redis ---
	RedisURL      string `envconfig:"REDIS_URL" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.MinBet <= 0 || cfg.MaxBet < cfg.MinBet {
		return nil, fmt.Errorf("config: invalid bet limits [%.2f, %.2f]", cfg.MinBet, cfg.MaxBet)
	}
	if cfg.TickIntervalMS <= 0 {
		return nil, fmt.Errorf("config: TICK_INTERVAL_MS must be positive")
	}
	return &cfg, nil
}

func (c *Config) BettingDuration() time.Duration {
	return time.Duration(c.BettingDurationMS) * time.Millisecond
}

func (c *Config) PostCrashPause() time.Duration {
	return time.Duration(c.PostCrashPauseMS) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c *Config) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowMinutes) * time.Minute
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema)
}
