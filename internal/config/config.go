package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/funhub-backend/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig                    `yaml:"server"`
	Postgres    PostgresConfig                  `yaml:"postgres"`
	Redis       RedisConfig                     `yaml:"redis"`
	Kafka       KafkaConfig                     `yaml:"kafka"`
	Auth        AuthConfig                      `yaml:"auth"`
	OTP         OTPConfig                       `yaml:"otp"`
	PayPal      PayPalConfig                    `yaml:"paypal"`
	Games       map[string]GameConfig           `yaml:"games"`
	Packages    map[string]domain.CreditPackage `yaml:"packages"`
	Leaderboard LeaderboardConfig               `yaml:"leaderboard"`
	Cleanup     CleanupConfig                   `yaml:"cleanup"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaConfig holds the trusted score feed configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// AuthConfig holds token signing configuration. The signing secret is
// process-wide immutable state loaded once at startup and passed explicitly
// to the signer.
type AuthConfig struct {
	SigningSecret   string        `yaml:"signing_secret"`
	SessionTokenTTL time.Duration `yaml:"session_token_ttl"`
	GameSessionTTL  time.Duration `yaml:"game_session_ttl"`
}

// OTPConfig holds verification code configuration
type OTPConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// PayPalConfig holds the external payment processor configuration
type PayPalConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Live         bool   `yaml:"live"`
	// BaseURL overrides the live/sandbox endpoint, used in tests.
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether payment verification can be performed at all.
func (c *PayPalConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// GameConfig is the static per-game rule set the score envelope is computed
// from. These values are server-held and never trusted from the client.
type GameConfig struct {
	// MaxScore is the hard cap regardless of elapsed time.
	MaxScore int64 `yaml:"max_score"`
	// MaxScorePerSecond bounds how fast points can plausibly accumulate.
	MaxScorePerSecond float64 `yaml:"max_score_per_second"`
	// MaxDuration bounds the plausible length of one play.
	MaxDuration time.Duration `yaml:"max_duration"`
	// RewardCredits is granted per accepted score.
	RewardCredits int64 `yaml:"reward_credits"`
}

// LeaderboardConfig holds ranking query limits and broadcast size
type LeaderboardConfig struct {
	DefaultLimit  int `yaml:"default_limit"`
	MaxLimit      int `yaml:"max_limit"`
	BroadcastTopN int `yaml:"broadcast_top_n"`
}

// CleanupConfig holds the storage hygiene worker configuration. The worker
// is optional: expiry is enforced lazily at use time.
type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
	Enabled  bool          `yaml:"enabled"`
	// RetainExpired keeps expired sessions and codes around this long
	// before purging, for audit.
	RetainExpired time.Duration `yaml:"retain_expired"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// Validate fails fast on configuration the process cannot run without.
func (c *Config) Validate() error {
	if c.Auth.SigningSecret == "" {
		return errors.New("auth.signing_secret must be set")
	}
	if len(c.Games) == 0 {
		return errors.New("at least one game must be configured")
	}
	for slug, g := range c.Games {
		if g.MaxScore <= 0 {
			return fmt.Errorf("games.%s.max_score must be positive", slug)
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "accepted-scores"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "leaderboard-ingest"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Auth defaults
	if c.Auth.SessionTokenTTL == 0 {
		c.Auth.SessionTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.GameSessionTTL == 0 {
		c.Auth.GameSessionTTL = 2 * time.Hour
	}

	// OTP defaults
	if c.OTP.TTL == 0 {
		c.OTP.TTL = 10 * time.Minute
	}
	if c.OTP.MaxAttempts == 0 {
		c.OTP.MaxAttempts = 5
	}

	// Game defaults
	if c.Games == nil {
		c.Games = defaultGames()
	}
	for slug, g := range c.Games {
		if g.MaxDuration == 0 {
			g.MaxDuration = 30 * time.Minute
		}
		if g.RewardCredits == 0 {
			g.RewardCredits = 1
		}
		c.Games[slug] = g
	}

	// Package defaults mirror the storefront configuration.
	if c.Packages == nil {
		c.Packages = map[string]domain.CreditPackage{
			"starter":    {Credits: 5, PriceCents: 49},
			"popular":    {Credits: 15, PriceCents: 129},
			"best-value": {Credits: 50, PriceCents: 299},
		}
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 100
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 500
	}
	if c.Leaderboard.BroadcastTopN == 0 {
		c.Leaderboard.BroadcastTopN = 10
	}

	// Cleanup defaults
	if c.Cleanup.Interval == 0 {
		c.Cleanup.Interval = 1 * time.Hour
	}
	if c.Cleanup.RetainExpired == 0 {
		c.Cleanup.RetainExpired = 24 * time.Hour
	}
}

func defaultGames() map[string]GameConfig {
	return map[string]GameConfig{
		"quizmo": {
			// ~10 points per 6-second answer.
			MaxScore:          10000,
			MaxScorePerSecond: 10.0 / 6.0,
			MaxDuration:       30 * time.Minute,
			RewardCredits:     1,
		},
		"mixmo": {
			// ~5 discoveries per minute.
			MaxScore:          1000,
			MaxScorePerSecond: 1.0 / 12.0,
			MaxDuration:       30 * time.Minute,
			RewardCredits:     1,
		},
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Cleanup.Enabled = true
	return cfg
}
