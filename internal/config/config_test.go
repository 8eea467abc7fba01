package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/repaircoin"
gateway:
  base_url: "https://api.stripe.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Sessions.TTLMinutes)
	require.Equal(t, 60, cfg.Sessions.SweepSeconds)
	require.Equal(t, 30, cfg.Reconcile.StaleMinutes)
	require.Equal(t, int64(20), cfg.Redemption.CrossShopPercent)
	require.Equal(t, 10, cfg.Gateway.TimeoutSeconds)
	require.Equal(t, 3, cfg.Chain.FailoverThreshold)
	require.False(t, cfg.Chain.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/repaircoin"
gateway:
  base_url: "https://api.stripe.com"
sessions:
  ttl_minutes: 5
`)
	t.Setenv("SESSION_TTL_MINUTES", "10")
	t.Setenv("CROSS_SHOP_PERCENT", "25")
	t.Setenv("CHAIN_RPC_ENDPOINTS", "http://rpc-a:26657, http://rpc-b:26657")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Sessions.TTLMinutes)
	require.Equal(t, int64(25), cfg.Redemption.CrossShopPercent)
	require.Equal(t, []string{"http://rpc-a:26657", "http://rpc-b:26657"}, cfg.Chain.RPCEndpoints)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
db:
  dsn: "postgres://localhost/repaircoin"
gateway:
  base_url: "https://api.stripe.com"
`))
	require.ErrorContains(t, err, "server.addr")

	_, err = Load(writeConfig(t, `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/repaircoin"
gateway:
  base_url: "https://api.stripe.com"
chain:
  enabled: true
`))
	require.ErrorContains(t, err, "chain.rpc_endpoints")
}
