// Package config loads engine configuration from a YAML file overlaid
// with environment variables. Environment wins; everything has a
// working single-node default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/provenact/provenact/pkg/limits"
	"github.com/provenact/provenact/pkg/policy"
	"github.com/provenact/provenact/pkg/replay"
)

// Config holds the engine's wiring.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// ReceiptStore selects the receipt backend: memory, sqlite, postgres.
	ReceiptStore string `yaml:"receipt_store"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`

	// ArchiveBackend selects the output archive: memory, s3.
	ArchiveBackend string `yaml:"archive_backend"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`

	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// RedisAddr enables the shared submission limiter when set.
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	SubmitLimit   limits.Policy `yaml:"submit_limit"`

	// BundleDir is scanned for policy bundles at startup.
	BundleDir string `yaml:"bundle_dir"`
	// BundleKey verifies bundle signatures; empty disables verification.
	BundleKey string `yaml:"bundle_key"`
	// IdentityKey signs and verifies principal tokens; empty disables
	// token-based submission.
	IdentityKey string `yaml:"identity_key"`
	// TieBreak resolves equal-specificity rule conflicts: deny-wins or
	// allow-wins.
	TieBreak string `yaml:"tie_break"`

	PoolSize        int           `yaml:"pool_size"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`

	OverrideQuorum int           `yaml:"override_quorum"`
	OverrideSLA    time.Duration `yaml:"override_sla"`

	// Tolerances is the per-kind replay drift table.
	Tolerances replay.Tolerances `yaml:"tolerances"`
	// TolerancesPath optionally loads the table from its own file.
	TolerancesPath string `yaml:"tolerances_path"`
}

// Default returns the single-node development configuration.
func Default() *Config {
	return &Config{
		LogLevel:        "INFO",
		ReceiptStore:    "memory",
		SQLitePath:      "provenact.db",
		ArchiveBackend:  "memory",
		SubmitLimit:     limits.DefaultPolicy,
		TieBreak:        string(policy.TieBreakDeny),
		PoolSize:        16,
		MonitorInterval: 2 * time.Millisecond,
		OverrideQuorum:  2,
		OverrideSLA:     24 * time.Hour,
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if cfg.TolerancesPath != "" {
		tols, err := replay.LoadTolerances(cfg.TolerancesPath)
		if err != nil {
			return nil, err
		}
		cfg.Tolerances = tols
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	setString(&c.LogLevel, "PROVENACT_LOG_LEVEL")
	setString(&c.ReceiptStore, "PROVENACT_RECEIPT_STORE")
	setString(&c.SQLitePath, "PROVENACT_SQLITE_PATH")
	setString(&c.PostgresDSN, "PROVENACT_POSTGRES_DSN")
	setString(&c.ArchiveBackend, "PROVENACT_ARCHIVE_BACKEND")
	setString(&c.S3Bucket, "PROVENACT_S3_BUCKET")
	setString(&c.S3Region, "PROVENACT_S3_REGION")
	setString(&c.S3Endpoint, "PROVENACT_S3_ENDPOINT")
	setString(&c.OTLPEndpoint, "PROVENACT_OTLP_ENDPOINT")
	setString(&c.RedisAddr, "PROVENACT_REDIS_ADDR")
	setString(&c.RedisPassword, "PROVENACT_REDIS_PASSWORD")
	setString(&c.BundleDir, "PROVENACT_BUNDLE_DIR")
	setString(&c.BundleKey, "PROVENACT_BUNDLE_KEY")
	setString(&c.IdentityKey, "PROVENACT_IDENTITY_KEY")
	setString(&c.TieBreak, "PROVENACT_TIE_BREAK")
	setString(&c.TolerancesPath, "PROVENACT_TOLERANCES_PATH")
	setInt(&c.PoolSize, "PROVENACT_POOL_SIZE")
	setInt(&c.OverrideQuorum, "PROVENACT_OVERRIDE_QUORUM")
	setDuration(&c.OverrideSLA, "PROVENACT_OVERRIDE_SLA")
}

func (c *Config) validate() error {
	switch c.ReceiptStore {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown receipt_store %q", c.ReceiptStore)
	}
	switch c.ArchiveBackend {
	case "memory", "s3":
	default:
		return fmt.Errorf("config: unknown archive_backend %q", c.ArchiveBackend)
	}
	switch c.TieBreak {
	case "deny", "deny-wins":
		c.TieBreak = string(policy.TieBreakDeny)
	case "allow", "allow-wins":
		c.TieBreak = string(policy.TieBreakAllow)
	default:
		return fmt.Errorf("config: tie_break must be deny-wins or allow-wins, got %q", c.TieBreak)
	}
	if c.ReceiptStore == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres receipt store requires postgres_dsn")
	}
	if c.ArchiveBackend == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("config: s3 archive requires s3_bucket")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
