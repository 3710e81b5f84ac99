package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelayerEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"CHAIN_ID", "RPC_URL", "ROOT_CONTRACT_ADDRESS", "ROOT_ABI_PATH", "CHILD_ABI_PATH",
		"EVENT_NAMES_ROOT", "EVENT_NAMES_CHILD", "START_BLOCK", "POLL_INTERVAL_SECONDS",
		"BATCH_SIZE", "MAX_RETRIES", "RPC_RATE_LIMIT_DELAY", "RPC_MAX_RETRIES",
		"RPC_BACKOFF_FACTOR", "RPC_MAX_BACKOFF", "MAX_CONCURRENT_REQUESTS",
		"CLEANUP_INTERVAL_HOURS", "CHECKPOINT_STORE_TYPE", "CHECKPOINT_STORE_URL",
		"AUTO_FAST_FORWARD_THRESHOLD", "ADMIN_SECRET",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("CHAIN_ID", "1")
	os.Setenv("RPC_URL", "https://rpc.example.com")
	os.Setenv("ROOT_CONTRACT_ADDRESS", "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	os.Setenv("ROOT_ABI_PATH", "testdata/root.json")
	os.Setenv("CHILD_ABI_PATH", "testdata/child.json")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearRelayerEnv(t)
	setRequiredEnv(t)
	defer clearRelayerEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint64(5), cfg.BatchSize)
	assert.Equal(t, 12*time.Second, cfg.PollInterval)
	assert.Equal(t, 5, cfg.RPCMaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RPCRateLimitDelay)
	assert.Equal(t, 2.0, cfg.RPCBackoffFactor)
	assert.Equal(t, 60*time.Second, cfg.RPCMaxBackoff)
	assert.Equal(t, 10, cfg.MaxConcurrentRequests)
	assert.Equal(t, StoreEmbedded, cfg.CheckpointStoreType)
	assert.Equal(t, uint64(500), cfg.AutoFastForward)
	assert.Equal(t, []string{"Deployed"}, cfg.EventNamesRoot)
	assert.Equal(t, []string{"Approved", "Released", "Refunded"}, cfg.EventNamesChild)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	clearRelayerEnv(t)
	defer clearRelayerEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAIN_ID")
}

func TestLoad_NetworkedStoreRequiresURL(t *testing.T) {
	clearRelayerEnv(t)
	setRequiredEnv(t)
	os.Setenv("CHECKPOINT_STORE_TYPE", "networked")
	os.Setenv("CHECKPOINT_STORE_URL", "")
	defer clearRelayerEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint_store_url")
}

func TestIsWebsocket(t *testing.T) {
	cfg := &Config{RPCURL: "wss://rpc.example.com"}
	assert.True(t, cfg.IsWebsocket())

	cfg.RPCURL = "https://rpc.example.com"
	assert.False(t, cfg.IsWebsocket())
}

func TestSplitCSV(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV("a, b ,c"))
	assert.Nil(t, splitCSV(""))
}
