package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens("usdc:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48:6, USDT:0xdAC17F958D2ee523a2206206994597C13D831ec7:6")
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	assert.Equal(t, "USDC", tokens[0].Symbol)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", tokens[0].Address)
	assert.Equal(t, int32(6), tokens[0].Decimals)
	assert.Equal(t, "USDT", tokens[1].Symbol)
}

func TestParseTokens_Invalid(t *testing.T) {
	_, err := ParseTokens("USDC:0xabc")
	assert.Error(t, err)

	_, err = ParseTokens("USDC:0xabc:six")
	assert.Error(t, err)
}

func TestBlockchainConfig_Token(t *testing.T) {
	cfg := BlockchainConfig{Tokens: []TokenConfig{{Symbol: "USDC", Address: "0xabc", Decimals: 6}}}

	tok, ok := cfg.Token("usdc")
	require.True(t, ok)
	assert.Equal(t, "0xabc", tok.Address)

	_, ok = cfg.Token("0xABC")
	assert.True(t, ok)

	_, ok = cfg.Token("DAI")
	assert.False(t, ok)
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 40*24*time.Hour, FundingConfig{GracePeriodDays: 40}.GracePeriod())
	assert.Equal(t, 5*time.Second, BlockchainConfig{ReconnectDelay: 5}.ReconnectDelayDuration())
	assert.Equal(t, time.Second, BlockchainConfig{RPCRetryDelayMs: 1000}.RPCRetryDelay())
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Database:   DatabaseConfig{URL: "postgres://localhost/db"},
		App:        AppConfig{Identifier: "gw"},
		Validator:  ValidatorConfig{BaseURL: "http://validator", SharedSecret: "s"},
		Blockchain: BlockchainConfig{RPCRetryAttempts: 3},
	}
	assert.NoError(t, validate(cfg))

	cfg.Blockchain.RPCURL = "wss://node"
	assert.Error(t, validate(cfg), "chain monitoring without tokens")

	cfg.Blockchain.Tokens = []TokenConfig{{Symbol: "USDC", Address: "0xabc", Decimals: 6}}
	assert.NoError(t, validate(cfg))

	cfg.Validator.SharedSecret = ""
	assert.Error(t, validate(cfg))
}
