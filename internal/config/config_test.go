package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PRIVATE_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, DefaultMaxTransferAttempts, cfg.MaxTransferAttempts)
	assert.Equal(t, DefaultRetryBaseDelay, cfg.RetryBaseDelay)
	assert.Equal(t, DefaultConfirmTimeout, cfg.ConfirmTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "0x"+testKey)
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("MAX_TRANSFER_ATTEMPTS", "7")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("CONFIRM_TIMEOUT", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, 7, cfg.MaxTransferAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.ConfirmTimeout)
}

func TestValidate_MissingPrivateKey(t *testing.T) {
	cfg := &Config{RPCURL: DefaultRPCURL, MaxTransferAttempts: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY")
}

func TestValidate_BadPrivateKeyLength(t *testing.T) {
	cfg := &Config{PrivateKey: "abc123", RPCURL: DefaultRPCURL, MaxTransferAttempts: 1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestValidate_BadAttempts(t *testing.T) {
	cfg := &Config{PrivateKey: testKey, RPCURL: DefaultRPCURL, MaxTransferAttempts: 0}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TRANSFER_ATTEMPTS")
}
