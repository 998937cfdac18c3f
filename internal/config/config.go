// Package config holds the immutable, validated configuration record
// shared by every MerkleKV Mobile component (spec §1 C1, §6 "Configuration").
//
// Interview explanation — why a single immutable struct?
//
//	Dynamic options objects are natural in a dynamically typed host
//	language. In Go we want one validated value, built once at startup
//	and handed to every component by reference. Nothing mutates it after
//	Load/New returns, which removes an entire class of "who changed the
//	timeout at runtime" bugs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"merklekv/internal/errs"
)

// Size and timing limits from spec §3 invariant I3 and §4.
const (
	MaxKeyBytes            = 256
	MaxValueBytes          = 262144
	MaxCommandPayloadBytes = 524288
	MaxReplicationEventBytes = 307200
	MaxSyncKeysBatchBytes   = 524288

	TimeoutSingleKey  = 10 * time.Second
	TimeoutMultiKey   = 20 * time.Second
	TimeoutAntiEntropy = 30 * time.Second
)

// Config is the fully validated, immutable configuration for a node.
// Default supplies the spec-mandated defaults for every field except the
// identity fields (NodeID, ClientID); Load layers the TOML file and the
// environment over those defaults before validating.
type Config struct {
	MQTTHost   string
	MQTTPort   int
	MQTTUseTLS bool

	Username string
	Password string

	ClientID     string
	NodeID       string
	TopicPrefix  string

	KeepAliveSeconds    int
	SessionExpirySeconds int

	SkewMaxFutureMs        int64
	TombstoneRetentionHours int

	PersistenceEnabled bool
	StoragePath        string

	OutboxCapacity int
	DedupTTL       time.Duration
	DedupCapacity  int

	AERequestsPerSecond float64
	AEBucket            int

	IdempotencyCacheCapacity int
	IdempotencyTTL           time.Duration
}

// Default returns the spec-mandated defaults with no identity fields set;
// callers must still supply ClientID/NodeID before calling Validate.
func Default() Config {
	return Config{
		MQTTHost:                "localhost",
		MQTTPort:                1883,
		MQTTUseTLS:              false,
		TopicPrefix:             "mkv",
		KeepAliveSeconds:        60,
		SessionExpirySeconds:    86400,
		SkewMaxFutureMs:         300000,
		TombstoneRetentionHours: 24,
		PersistenceEnabled:      false,
		OutboxCapacity:          1000,
		DedupTTL:                10 * time.Minute,
		DedupCapacity:           1000,
		AERequestsPerSecond:     5.0,
		AEBucket:                10,
		IdempotencyCacheCapacity: 1000,
		IdempotencyTTL:           10 * time.Minute,
	}
}

// fileConfig mirrors Config's fields using TOML-friendly names and plain
// durations-as-seconds/ms, since go-toml/v2 does not natively round-trip
// time.Duration.
type fileConfig struct {
	MQTTHost   string `toml:"mqtt_host"`
	MQTTPort   int    `toml:"mqtt_port"`
	MQTTUseTLS bool   `toml:"mqtt_use_tls"`

	Username string `toml:"username"`
	Password string `toml:"password"`

	ClientID    string `toml:"client_id"`
	NodeID      string `toml:"node_id"`
	TopicPrefix string `toml:"topic_prefix"`

	KeepAliveSeconds     int `toml:"keep_alive_seconds"`
	SessionExpirySeconds int `toml:"session_expiry_seconds"`

	SkewMaxFutureMs         int64 `toml:"skew_max_future_ms"`
	TombstoneRetentionHours int   `toml:"tombstone_retention_hours"`

	PersistenceEnabled bool   `toml:"persistence_enabled"`
	StoragePath        string `toml:"storage_path"`

	OutboxCapacity int   `toml:"outbox_capacity"`
	DedupTTLMs     int64 `toml:"dedup_ttl_ms"`
	DedupCapacity  int   `toml:"dedup_capacity"`

	AERequestsPerSecond float64 `toml:"ae_requests_per_second"`
	AEBucket            int     `toml:"ae_bucket"`
}

// Load reads a TOML file at path (if non-empty) layered over Default(),
// then applies MKV_* environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read config file: %v", errs.ErrInvalidConfiguration, err)
		}
		var fc fileConfig
		if err := toml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("%w: parse config file: %v", errs.ErrInvalidConfiguration, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.MQTTHost != "" {
		cfg.MQTTHost = fc.MQTTHost
	}
	if fc.MQTTPort != 0 {
		cfg.MQTTPort = fc.MQTTPort
	}
	cfg.MQTTUseTLS = cfg.MQTTUseTLS || fc.MQTTUseTLS
	if fc.Username != "" {
		cfg.Username = fc.Username
	}
	if fc.Password != "" {
		cfg.Password = fc.Password
	}
	if fc.ClientID != "" {
		cfg.ClientID = fc.ClientID
	}
	if fc.NodeID != "" {
		cfg.NodeID = fc.NodeID
	}
	if fc.TopicPrefix != "" {
		cfg.TopicPrefix = fc.TopicPrefix
	}
	if fc.KeepAliveSeconds != 0 {
		cfg.KeepAliveSeconds = fc.KeepAliveSeconds
	}
	if fc.SessionExpirySeconds != 0 {
		cfg.SessionExpirySeconds = fc.SessionExpirySeconds
	}
	if fc.SkewMaxFutureMs != 0 {
		cfg.SkewMaxFutureMs = fc.SkewMaxFutureMs
	}
	if fc.TombstoneRetentionHours != 0 {
		cfg.TombstoneRetentionHours = fc.TombstoneRetentionHours
	}
	cfg.PersistenceEnabled = cfg.PersistenceEnabled || fc.PersistenceEnabled
	if fc.StoragePath != "" {
		cfg.StoragePath = fc.StoragePath
	}
	if fc.OutboxCapacity != 0 {
		cfg.OutboxCapacity = fc.OutboxCapacity
	}
	if fc.DedupTTLMs != 0 {
		cfg.DedupTTL = time.Duration(fc.DedupTTLMs) * time.Millisecond
	}
	if fc.DedupCapacity != 0 {
		cfg.DedupCapacity = fc.DedupCapacity
	}
	if fc.AERequestsPerSecond != 0 {
		cfg.AERequestsPerSecond = fc.AERequestsPerSecond
	}
	if fc.AEBucket != 0 {
		cfg.AEBucket = fc.AEBucket
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MKV_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("MKV_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("MKV_MQTT_HOST"); v != "" {
		cfg.MQTTHost = v
	}
	if v := os.Getenv("MKV_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("MKV_PASSWORD"); v != "" {
		cfg.Password = v
	}
}

// Validate fails fast with errs.ErrInvalidConfiguration naming the
// offending parameter, per spec §6.
func (c Config) Validate() error {
	if len(c.NodeID) == 0 || len(c.NodeID) > 128 {
		return fmt.Errorf("%w: node_id must be 1-128 bytes", errs.ErrInvalidConfiguration)
	}
	if len(c.ClientID) == 0 || len(c.ClientID) > 128 {
		return fmt.Errorf("%w: client_id must be 1-128 bytes", errs.ErrInvalidConfiguration)
	}
	prefix := strings.Trim(c.TopicPrefix, "/")
	if prefix == "" {
		return fmt.Errorf("%w: topic_prefix must not be empty", errs.ErrInvalidConfiguration)
	}
	if strings.ContainsAny(prefix, " \t\n\r") {
		return fmt.Errorf("%w: topic_prefix must not contain whitespace", errs.ErrInvalidConfiguration)
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("%w: mqtt_port out of range", errs.ErrInvalidConfiguration)
	}
	if (c.Username != "" || c.Password != "") && !c.MQTTUseTLS {
		// warning only per spec, not fatal — surfaced by the caller's logger.
		_ = "credentials set without TLS"
	}
	if c.KeepAliveSeconds <= 0 {
		return fmt.Errorf("%w: keep_alive_seconds must be positive", errs.ErrInvalidConfiguration)
	}
	if c.SessionExpirySeconds <= 0 {
		return fmt.Errorf("%w: session_expiry_seconds must be positive", errs.ErrInvalidConfiguration)
	}
	if c.TombstoneRetentionHours <= 0 {
		return fmt.Errorf("%w: tombstone_retention_hours must be positive", errs.ErrInvalidConfiguration)
	}
	if c.PersistenceEnabled && c.StoragePath == "" {
		return fmt.Errorf("%w: storage_path required when persistence_enabled", errs.ErrInvalidConfiguration)
	}
	if c.OutboxCapacity <= 0 {
		return fmt.Errorf("%w: outbox_capacity must be positive", errs.ErrInvalidConfiguration)
	}
	if c.DedupCapacity <= 0 {
		return fmt.Errorf("%w: dedup_capacity must be positive", errs.ErrInvalidConfiguration)
	}
	if c.AERequestsPerSecond <= 0 {
		return fmt.Errorf("%w: ae_requests_per_second must be positive", errs.ErrInvalidConfiguration)
	}
	if c.AEBucket <= 0 {
		return fmt.Errorf("%w: ae_bucket must be positive", errs.ErrInvalidConfiguration)
	}
	return nil
}

// CleanTopicPrefix returns the trimmed prefix used to build topic names.
func (c Config) CleanTopicPrefix() string {
	return strings.Trim(c.TopicPrefix, "/")
}

// CredentialsSet reports whether bus credentials were configured, without
// exposing their values — used by loggers that must never print secrets.
func (c Config) CredentialsSet() bool {
	return c.Username != "" || c.Password != ""
}

// String implements fmt.Stringer while masking secrets (spec §5 "Shared
// resource policy": debug formatters must mask secrets).
func (c Config) String() string {
	pw := ""
	if c.Password != "" {
		pw = "***"
	}
	return fmt.Sprintf("Config{NodeID:%s ClientID:%s MQTTHost:%s MQTTPort:%d TLS:%v Username:%q Password:%q TopicPrefix:%s}",
		c.NodeID, c.ClientID, c.MQTTHost, c.MQTTPort, c.MQTTUseTLS, c.Username, pw, c.TopicPrefix)
}
