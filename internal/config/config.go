package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Chain struct {
		Enabled           bool     `yaml:"enabled"`
		RPCEndpoints      []string `yaml:"rpc_endpoints"`
		FailoverThreshold int      `yaml:"failover_threshold"`
		SinkXPub          string   `yaml:"sink_xpub"`
		Bech32Prefix      string   `yaml:"bech32_prefix"`
	} `yaml:"chain"`
	Gateway struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"gateway"`
	Sessions struct {
		TTLMinutes   int `yaml:"ttl_minutes"`
		SweepSeconds int `yaml:"sweep_seconds"`
	} `yaml:"sessions"`
	Reconcile struct {
		StaleMinutes    int `yaml:"stale_minutes"`
		IntervalMinutes int `yaml:"interval_minutes"`
	} `yaml:"reconcile"`
	Redemption struct {
		CrossShopPercent int64 `yaml:"cross_shop_percent"`
	} `yaml:"redemption"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Chain.Enabled && len(cfg.Chain.RPCEndpoints) == 0 {
		return nil, errors.New("chain.rpc_endpoints is required when chain is enabled")
	}
	if cfg.Gateway.BaseURL == "" {
		return nil, errors.New("gateway.base_url is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sessions.TTLMinutes <= 0 {
		cfg.Sessions.TTLMinutes = 5
	}
	if cfg.Sessions.SweepSeconds <= 0 {
		cfg.Sessions.SweepSeconds = 60
	}
	if cfg.Reconcile.StaleMinutes <= 0 {
		cfg.Reconcile.StaleMinutes = 30
	}
	if cfg.Reconcile.IntervalMinutes <= 0 {
		cfg.Reconcile.IntervalMinutes = 30
	}
	if cfg.Redemption.CrossShopPercent <= 0 {
		cfg.Redemption.CrossShopPercent = 20
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 10
	}
	if cfg.Chain.FailoverThreshold <= 0 {
		cfg.Chain.FailoverThreshold = 3
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("CHAIN_ENABLED"); v != "" {
		cfg.Chain.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CHAIN_RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("CHAIN_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.FailoverThreshold = atoiOr(cfg.Chain.FailoverThreshold, v)
	}
	if v := os.Getenv("CHAIN_SINK_XPUB"); v != "" {
		cfg.Chain.SinkXPub = v
	}
	if v := os.Getenv("CHAIN_BECH32_PREFIX"); v != "" {
		cfg.Chain.Bech32Prefix = v
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); v != "" {
		cfg.Gateway.TimeoutSeconds = atoiOr(cfg.Gateway.TimeoutSeconds, v)
	}
	if v := os.Getenv("SESSION_TTL_MINUTES"); v != "" {
		cfg.Sessions.TTLMinutes = atoiOr(cfg.Sessions.TTLMinutes, v)
	}
	if v := os.Getenv("SESSION_SWEEP_SECONDS"); v != "" {
		cfg.Sessions.SweepSeconds = atoiOr(cfg.Sessions.SweepSeconds, v)
	}
	if v := os.Getenv("RECONCILE_STALE_MINUTES"); v != "" {
		cfg.Reconcile.StaleMinutes = atoiOr(cfg.Reconcile.StaleMinutes, v)
	}
	if v := os.Getenv("RECONCILE_INTERVAL_MINUTES"); v != "" {
		cfg.Reconcile.IntervalMinutes = atoiOr(cfg.Reconcile.IntervalMinutes, v)
	}
	if v := os.Getenv("CROSS_SHOP_PERCENT"); v != "" {
		cfg.Redemption.CrossShopPercent = atoi64Or(cfg.Redemption.CrossShopPercent, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
