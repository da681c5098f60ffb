// Package config loads the daemon configuration from a single YAML file.
// The file is the only source of truth; environment variables never
// override loaded values.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration. Durations are YAML strings
// in time.ParseDuration syntax ("30s", "2m") and validated by Validate.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auction  AuctionConfig  `yaml:"auction"`
	Closure  ClosureConfig  `yaml:"closure"`
	Escrow   EscrowConfig   `yaml:"escrow"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`

	// DrainDuration is how long to keep serving after /drain flips
	// readiness, so load balancers notice before shutdown.
	DrainDuration            string `yaml:"drain_duration"`
	GracefulShutdownDuration string `yaml:"graceful_shutdown_duration"`
}

// AuctionConfig configures the phase engine.
type AuctionConfig struct {
	BiddingDuration string `yaml:"bidding_duration"`
	RevealDuration  string `yaml:"reveal_duration"`

	// AutoExtendIncrement is added to the bidding deadline when a
	// commitment lands inside the final increment; AutoExtendMax bounds
	// how many times a single auction may extend.
	AutoExtendIncrement string `yaml:"auto_extend_increment"`
	AutoExtendMax       int    `yaml:"auto_extend_max"`
}

// ClosureConfig configures the deadline sweep.
type ClosureConfig struct {
	SweepInterval string `yaml:"sweep_interval"`

	// SafetyMargin is how far past its deadline an auction must be
	// before the sweep acts on it.
	SafetyMargin  string `yaml:"safety_margin"`
	OracleTimeout string `yaml:"oracle_timeout"`
}

// EscrowConfig configures the settlement gateway.
type EscrowConfig struct {
	// ChainEndpoint is the settlement service base URL. Empty disables
	// the authoritative path; every transaction settles off-chain.
	ChainEndpoint string `yaml:"chain_endpoint"`
	CallTimeout   string `yaml:"call_timeout"`
}

// PostgresConfig selects the persistent store. An empty host keeps the
// daemon on the in-memory store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:               ":8080",
			ReadTimeout:              "10s",
			WriteTimeout:             "10s",
			DrainDuration:            "5s",
			GracefulShutdownDuration: "10s",
		},
		Auction: AuctionConfig{
			BiddingDuration:     "5m",
			RevealDuration:      "5m",
			AutoExtendIncrement: "30s",
			AutoExtendMax:       3,
		},
		Closure: ClosureConfig{
			SweepInterval: "2s",
			SafetyMargin:  "5s",
			OracleTimeout: "3s",
		},
		Escrow: EscrowConfig{
			CallTimeout: "5s",
		},
		Postgres: PostgresConfig{
			Port:    5432,
			SSLMode: "disable",
		},
	}
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every duration parses and every bound makes sense.
func (c *Config) Validate() error {
	var errs []error

	durations := map[string]string{
		"server.read_timeout":               c.Server.ReadTimeout,
		"server.write_timeout":              c.Server.WriteTimeout,
		"server.drain_duration":             c.Server.DrainDuration,
		"server.graceful_shutdown_duration": c.Server.GracefulShutdownDuration,
		"auction.bidding_duration":          c.Auction.BiddingDuration,
		"auction.reveal_duration":           c.Auction.RevealDuration,
		"auction.auto_extend_increment":     c.Auction.AutoExtendIncrement,
		"closure.sweep_interval":            c.Closure.SweepInterval,
		"closure.safety_margin":             c.Closure.SafetyMargin,
		"closure.oracle_timeout":            c.Closure.OracleTimeout,
		"escrow.call_timeout":               c.Escrow.CallTimeout,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if c.Auction.AutoExtendMax < 0 {
		errs = append(errs, fmt.Errorf("auction.auto_extend_max must be non-negative"))
	}
	if d, err := time.ParseDuration(c.Closure.SweepInterval); err == nil && d <= 0 {
		errs = append(errs, fmt.Errorf("closure.sweep_interval must be positive"))
	}
	if d, err := time.ParseDuration(c.Closure.SafetyMargin); err == nil && d < 0 {
		errs = append(errs, fmt.Errorf("closure.safety_margin must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a validated duration string. It panics on malformed
// input, so call Validate first.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", s, err))
	}
	return d
}

// UsePostgres reports whether a persistent store is configured.
func (c *Config) UsePostgres() bool {
	return c.Postgres.Host != ""
}
