package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	DBPath   string
	LogLevel string
	// Policy
	PolicyPath    string // optional YAML policy file; built-in default when empty
	MaxIterations int    // fallback when no policy file sets it
	HardCap       int
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:          envInt("PORT", 8732),
		DBPath:        envStr("COORD_DB_PATH", "/data/coordd.db"),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		PolicyPath:    envStr("POLICY_PATH", ""),
		MaxIterations: envInt("MAX_ITERATIONS", 5),
		HardCap:       envInt("HARD_CAP", 25),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("COORD_DB_PATH must not be empty")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("MAX_ITERATIONS must be positive, got %d", c.MaxIterations)
	}
	if c.HardCap < c.MaxIterations {
		return fmt.Errorf("HARD_CAP (%d) must be >= MAX_ITERATIONS (%d)", c.HardCap, c.MaxIterations)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
