// Package config provides configuration loading from environment
// variables and command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Admin authentication
	AdminAPIKey string

	// Paths
	CredentialsDir string
	DataDir        string
	DBPath         string
	PricePath      string

	// Upstream settings
	Region         string
	RequestTimeout time.Duration
	KiroVersion    string
	NodeVersion    string

	// Pool settings
	FailureCooldown time.Duration
	MaxFailures     uint64
	RetryLimit      int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration. Environment variables override defaults;
// command-line flags override environment variables.
func Load() *Config {
	cfg := &Config{
		Port:            8080,
		Host:            "0.0.0.0",
		GracefulTimeout: 30 * time.Second,
		CredentialsDir:  "credentials",
		DataDir:         "data",
		Region:          "us-east-1",
		RequestTimeout:  720 * time.Second,
		KiroVersion:     "0.3.16",
		NodeVersion:     "22.21.1",
		FailureCooldown: 300 * time.Second,
		MaxFailures:     3,
		RetryLimit:      9,
		LogLevel:        "info",
		LogFormat:       "text",
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "kiro.db")
	}
	if cfg.PricePath == "" {
		cfg.PricePath = filepath.Join(cfg.DataDir, "model_prices.json")
	}

	return cfg
}

// Validate checks the settings that have no workable default.
func (c *Config) Validate() error {
	if c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY must be set")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		c.AdminAPIKey = v
	}
	if v := os.Getenv("KIRO_CREDENTIALS_DIR"); v != "" {
		c.CredentialsDir = v
	}
	if v := os.Getenv("KIRO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIRO_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("KIRO_PRICE_PATH"); v != "" {
		c.PricePath = v
	}
	if v := os.Getenv("KIRO_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.RequestTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("KIRO_VERSION"); v != "" {
		c.KiroVersion = v
	}
	if v := os.Getenv("NODE_VERSION"); v != "" {
		c.NodeVersion = v
	}
	if v := os.Getenv("FAILURE_COOLDOWN_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			c.FailureCooldown = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("MAX_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.MaxFailures = n
		}
	}
	if v := os.Getenv("RETRY_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RetryLimit = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse once to avoid "flag redefined" panics in tests.
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Listen port")
	flag.StringVar(&c.Host, "host", c.Host, "Listen host")
	flag.StringVar(&c.AdminAPIKey, "admin-key", c.AdminAPIKey, "Admin API key")
	flag.StringVar(&c.CredentialsDir, "credentials-dir", c.CredentialsDir, "Kiro credential files directory")
	flag.StringVar(&c.DataDir, "data-dir", c.DataDir, "Data directory")
	flag.StringVar(&c.Region, "region", c.Region, "Default upstream region")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (text, json)")
	flag.Parse()
}
