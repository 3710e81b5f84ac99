// Package config loads the relayer's configuration from the environment,
// following the teacher's env-or-default helper style
// (infrastructure/config.GetEnv/GetEnvInt/...).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chainrelay/eventrelayer/internal/svcerrors"
)

// StoreType identifies a checkpoint store backend.
type StoreType string

const (
	StoreEmbedded  StoreType = "embedded"
	StoreNetworked StoreType = "networked"
)

// Config holds every option named in spec §6 "Configuration".
type Config struct {
	ChainID               string
	RPCURL                string
	RootContractAddress   string
	RootABIPath           string
	ChildABIPath          string
	EventNamesRoot        []string
	EventNamesChild       []string
	StartBlock            uint64
	PollInterval          time.Duration
	BatchSize             uint64
	MaxRetries            int
	RPCRateLimitDelay     time.Duration
	RPCMaxRetries         int
	RPCBackoffFactor      float64
	RPCMaxBackoff         time.Duration
	MaxConcurrentRequests int
	CleanupIntervalHours  int
	CheckpointStoreType   StoreType
	CheckpointStoreURL    string
	AutoFastForward       uint64
	AdminSecret           string

	RegistryPath   string
	PublishTimeout time.Duration
	AdminAddr      string
	RedisAddr      string
	RedisTopic     string
}

// Load reads configuration from the environment (after optionally loading
// a .env file, matching the teacher's cmd/appserver local-dev convenience)
// and validates required fields. Missing required fields produce a
// svcerrors KindConfigError, which main treats as a fatal startup error
// (non-zero exit, per spec §6).
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		ChainID:               getEnv("CHAIN_ID", ""),
		RPCURL:                getEnv("RPC_URL", ""),
		RootContractAddress:   getEnv("ROOT_CONTRACT_ADDRESS", ""),
		RootABIPath:           getEnv("ROOT_ABI_PATH", ""),
		ChildABIPath:          getEnv("CHILD_ABI_PATH", ""),
		EventNamesRoot:        splitCSV(getEnv("EVENT_NAMES_ROOT", "Deployed")),
		EventNamesChild:       splitCSV(getEnv("EVENT_NAMES_CHILD", "Approved,Released,Refunded")),
		StartBlock:            getEnvUint64("START_BLOCK", 0),
		PollInterval:          getEnvDuration("POLL_INTERVAL_SECONDS", 12*time.Second, time.Second),
		BatchSize:             getEnvUint64("BATCH_SIZE", 5),
		MaxRetries:            getEnvInt("MAX_RETRIES", 3),
		RPCRateLimitDelay:     getEnvDurationFloat("RPC_RATE_LIMIT_DELAY", 100*time.Millisecond),
		RPCMaxRetries:         getEnvInt("RPC_MAX_RETRIES", 5),
		RPCBackoffFactor:      getEnvFloat("RPC_BACKOFF_FACTOR", 2.0),
		RPCMaxBackoff:         getEnvDurationFloat("RPC_MAX_BACKOFF", 60*time.Second),
		MaxConcurrentRequests: getEnvInt("MAX_CONCURRENT_REQUESTS", 10),
		CleanupIntervalHours:  getEnvInt("CLEANUP_INTERVAL_HOURS", 24),
		CheckpointStoreType:   StoreType(getEnv("CHECKPOINT_STORE_TYPE", string(StoreEmbedded))),
		CheckpointStoreURL:    getEnv("CHECKPOINT_STORE_URL", ""),
		AutoFastForward:       getEnvUint64("AUTO_FAST_FORWARD_THRESHOLD", 500),
		AdminSecret:           getEnv("ADMIN_SECRET", ""),
		RegistryPath:          getEnv("REGISTRY_PATH", "data/registry.json"),
		PublishTimeout:        getEnvDurationFloat("PUBLISH_TIMEOUT_SECONDS", 10*time.Second),
		AdminAddr:             getEnv("ADMIN_ADDR", ":8090"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisTopic:            getEnv("REDIS_TOPIC", "chain-events"),
	}
	// Only the embedded store has a default location; a networked store
	// needs an explicit connection string (checked in validate).
	if cfg.CheckpointStoreType == StoreEmbedded && cfg.CheckpointStoreURL == "" {
		cfg.CheckpointStoreURL = "relayer_checkpoints.db"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.ChainID == "" {
		missing = append(missing, "CHAIN_ID")
	}
	if c.RPCURL == "" {
		missing = append(missing, "RPC_URL")
	}
	if c.RootContractAddress == "" {
		missing = append(missing, "ROOT_CONTRACT_ADDRESS")
	}
	if c.RootABIPath == "" {
		missing = append(missing, "ROOT_ABI_PATH")
	}
	if c.ChildABIPath == "" {
		missing = append(missing, "CHILD_ABI_PATH")
	}
	if len(missing) > 0 {
		return svcerrors.ConfigErrorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.CheckpointStoreType != StoreEmbedded && c.CheckpointStoreType != StoreNetworked {
		return svcerrors.ConfigErrorf("checkpoint_store_type must be %q or %q, got %q", StoreEmbedded, StoreNetworked, c.CheckpointStoreType)
	}
	if c.CheckpointStoreType == StoreNetworked && c.CheckpointStoreURL == "" {
		return svcerrors.ConfigErrorf("checkpoint_store_url is required when checkpoint_store_type=networked")
	}
	if c.BatchSize == 0 {
		return svcerrors.ConfigErrorf("batch_size must be > 0")
	}
	return nil
}

// IsWebsocket reports whether RPCURL uses a ws/wss scheme, the trigger for
// the filter-create/fetch-all/filter-uninstall path in spec §4.1.
func (c *Config) IsWebsocket() bool {
	return strings.HasPrefix(c.RPCURL, "ws://") || strings.HasPrefix(c.RPCURL, "wss://")
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvUint64(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getEnvDuration parses a plain integer number of `unit`s from key.
func getEnvDuration(key string, def time.Duration, unit time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(parsed) * unit
}

// getEnvDurationFloat parses a fractional number of seconds from key (e.g.
// "0.1" for the RPC rate-limit pacer's 100ms default).
func getEnvDurationFloat(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return time.Duration(parsed * float64(time.Second))
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
