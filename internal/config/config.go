// Package config loads the server configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/titanplay/backend/internal/ratelimit"
)

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Redis      RedisConfig       `yaml:"redis"`
	Sessions   SessionConfig     `yaml:"sessions"`
	Tickets    TicketConfig      `yaml:"tickets"`
	RateLimit  *ratelimit.Config `yaml:"rate_limit"`
	Encryption EncryptionConfig  `yaml:"encryption"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// AllowedOrigins restricts WebSocket negotiation in production.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	LifetimeHours      int `yaml:"lifetime_hours"`
	SlidingWindowHours int `yaml:"sliding_window_hours"`
	MaxPerUser         int `yaml:"max_per_user"`
}

type TicketConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type EncryptionConfig struct {
	Required              bool `yaml:"required"`
	RotationIntervalMin   int  `yaml:"rotation_interval_minutes"`
	MaxMessagesPerKey     int  `yaml:"max_messages_per_key"`
	PreviousKeyGraceSec   int  `yaml:"previous_key_grace_seconds"`
	ReplayWindowSeconds   int  `yaml:"replay_window_seconds"`
	CleanupIntervalSecond int  `yaml:"cleanup_interval_seconds"`
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Sessions: SessionConfig{
			LifetimeHours:      24,
			SlidingWindowHours: 6,
			MaxPerUser:         5,
		},
		Tickets:   TicketConfig{TTLSeconds: 30},
		RateLimit: ratelimit.DefaultConfig(),
		Encryption: EncryptionConfig{
			RotationIntervalMin:   60,
			MaxMessagesPerKey:     10000,
			PreviousKeyGraceSec:   30,
			ReplayWindowSeconds:   60,
			CleanupIntervalSecond: 30,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error: deployments that
// configure purely through the environment skip the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.RateLimit == nil {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TITAN_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("TITAN_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

// SessionLifetime returns the configured lifetime as a duration.
func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.Sessions.LifetimeHours) * time.Hour
}

// SessionSlidingWindow returns the configured sliding window as a duration.
func (c *Config) SessionSlidingWindow() time.Duration {
	return time.Duration(c.Sessions.SlidingWindowHours) * time.Hour
}

// TicketTTL returns the connection ticket TTL as a duration.
func (c *Config) TicketTTL() time.Duration {
	return time.Duration(c.Tickets.TTLSeconds) * time.Second
}
