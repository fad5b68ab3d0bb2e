package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-hq/kestrel/pkg/types"
)

const sampleYAML = `
simulation: true
log_level: debug
rpc:
  endpoints:
    - url: https://rpc-a.example.com
      ws_url: wss://rpc-a.example.com
    - url: https://rpc-b.example.com
  call_timeout: 1500ms
capital:
  total_base: "25.5"
  per_mint_ceiling: 2
position:
  max_hold: 5m
  stop_loss_pct: 0.2
threat:
  blacklist_creators: []
`

func TestLoadSampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.Simulation)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.RPC.Endpoints, 2)
	require.Equal(t, 1500*time.Millisecond, cfg.RPC.CallTimeout)
	require.True(t, cfg.Capital.TotalBase.Equal(decimal.NewFromFloat(25.5)))
	require.True(t, cfg.Capital.PerMintCeiling.Equal(decimal.NewFromInt(2)))
	require.Equal(t, 5*time.Minute, cfg.Position.MaxHold)
	require.True(t, cfg.Position.StopLossPct.Equal(decimal.NewFromFloat(0.2)))
	// Defaults survive partial files.
	require.Equal(t, 1024, cfg.Listener.ChannelCapacity)
}

func TestValidateRejectsMissingEndpoints(t *testing.T) {
	cfg := types.DefaultConfig()
	require.Error(t, Validate(&cfg))
}

func TestValidateLiveModeNeedsWallet(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.RPC.Endpoints = []types.RPCEndpointConfig{{URL: "https://rpc.example.com"}}
	cfg.Simulation = false
	require.Error(t, Validate(&cfg))

	cfg.Wallet.KeypairPath = "/tmp/key.json"
	require.NoError(t, Validate(&cfg))
}
