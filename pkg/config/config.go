// Package config assembles runtime settings for a conclave node from
// the environment and an optional YAML deployment profile.
//
// Precedence is defaults, then profile, then environment: a profile
// tunes the ritual surface for a whole fleet, and explicit env vars win
// for per-node overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/synod-labs/synod/pkg/contracts"
)

// Config holds everything the runtime needs to boot a node.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// StoreDSN selects the event store: "memory", a sqlite file path,
	// or a postgres:// URL.
	StoreDSN string

	// TimeAuthorityURL points at a remote time authority. Empty keeps
	// the local monotone authority.
	TimeAuthorityURL string

	// RedisAddr enables the shared lease store when non-empty.
	RedisAddr string

	// LeaseTTL is the identity lease duration.
	LeaseTTL time.Duration

	// WitnessMin is the witness floor per sealed event.
	WitnessMin int

	// QuorumFraction is the roster share a tally must strictly exceed.
	QuorumFraction float64

	// OverrideDefault applies when an override names no duration.
	OverrideDefault time.Duration

	// Thresholds is the adoption table per consensus level.
	Thresholds contracts.ThresholdTable

	// SuppressionGrace is how many recorded suppression attempts a
	// cycle tolerates before the core halts.
	SuppressionGrace int

	// Intake bounds the quarantined petition queue per cycle.
	Intake IntakeSettings

	// ObserverListen is the bind address of the read-only surface.
	ObserverListen string

	// JWTSecret signs observer access tokens. Empty leaves the
	// protected routes closed.
	JWTSecret string

	// OTLPEndpoint enables the OpenTelemetry exporters when non-empty.
	OTLPEndpoint string

	// ArchiveBucket is the sealed bundle destination: file://, s3://
	// or gs://.
	ArchiveBucket string

	// RootSeed derives per-epoch agent keys. Hex.
	RootSeed string

	// ProfilePath is the profile the node booted with, for diagnostics.
	ProfilePath string
}

// IntakeSettings bounds outside-text submission pressure.
type IntakeSettings struct {
	Capacity int     `yaml:"capacity"`
	Rate     float64 `yaml:"rate"`
	Burst    int     `yaml:"burst"`
}

// Defaults boots a single-node conclave with the embedded store.
func Defaults() *Config {
	return &Config{
		LogLevel:         "INFO",
		StoreDSN:         "synod.db",
		LeaseTTL:         30 * time.Second,
		WitnessMin:       2,
		QuorumFraction:   0.5,
		OverrideDefault:  72 * time.Hour,
		Thresholds:       contracts.DefaultThresholds(),
		SuppressionGrace: 3,
		Intake:           IntakeSettings{Capacity: 64, Rate: 4, Burst: 8},
		ObserverListen:   ":8440",
		ArchiveBucket:    "file://./archive",
	}
}

// Load reads an optional .env file, the SYNOD_PROFILE profile, then the
// environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("SYNOD_PROFILE"); path != "" {
		p, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.applyProfile(p)
		cfg.ProfilePath = path
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.StoreDSN = envOr("STORE_DSN", c.StoreDSN)
	c.TimeAuthorityURL = envOr("TIME_AUTHORITY_URL", c.TimeAuthorityURL)
	c.RedisAddr = envOr("REDIS_ADDR", c.RedisAddr)
	c.ObserverListen = envOr("OBSERVER_LISTEN", c.ObserverListen)
	c.JWTSecret = envOr("SYNOD_JWT_SECRET", c.JWTSecret)
	c.OTLPEndpoint = envOr("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.ArchiveBucket = envOr("ARCHIVE_BUCKET", c.ArchiveBucket)
	c.RootSeed = envOr("SYNOD_ROOT_SEED", c.RootSeed)

	if v := os.Getenv("LEASE_TTL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: LEASE_TTL_SECONDS %q: %w", v, err)
		}
		c.LeaseTTL = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("WITNESS_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: WITNESS_MIN %q: %w", v, err)
		}
		c.WitnessMin = n
	}
	if v := os.Getenv("QUORUM_FRACTION"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: QUORUM_FRACTION %q: %w", v, err)
		}
		c.QuorumFraction = f
	}
	if v := os.Getenv("OVERRIDE_DEFAULT_HOURS"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: OVERRIDE_DEFAULT_HOURS %q: %w", v, err)
		}
		c.OverrideDefault = time.Duration(h) * time.Hour
	}
	return nil
}

// Validate rejects settings no node should boot with.
func (c *Config) Validate() error {
	if c.StoreDSN == "" {
		return fmt.Errorf("config: store DSN must not be empty")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("config: lease TTL %v must be positive", c.LeaseTTL)
	}
	if c.WitnessMin < 1 {
		return fmt.Errorf("config: witness minimum %d must be at least 1", c.WitnessMin)
	}
	if c.QuorumFraction <= 0 || c.QuorumFraction >= 1 {
		return fmt.Errorf("config: quorum fraction %v outside (0,1)", c.QuorumFraction)
	}
	if c.OverrideDefault <= 0 {
		return fmt.Errorf("config: override default %v must be positive", c.OverrideDefault)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SuppressionGrace < 1 {
		return fmt.Errorf("config: suppression grace %d must be at least 1", c.SuppressionGrace)
	}
	if c.Intake.Capacity < 1 || c.Intake.Rate <= 0 || c.Intake.Burst < 1 {
		return fmt.Errorf("config: intake settings %+v must be positive", c.Intake)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
