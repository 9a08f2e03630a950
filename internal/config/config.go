package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Gateway struct {
		APIURL         string `yaml:"api_url"`
		AppID          string `yaml:"app_id"`
		MchID          string `yaml:"mch_id"`
		APIKey         string `yaml:"api_key"`
		NotifyURL      string `yaml:"notify_url"`
		TradeType      string `yaml:"trade_type"`
		Sandbox        bool   `yaml:"sandbox"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"gateway"`
	Orders struct {
		AllowSelfOrder bool `yaml:"allow_self_order"`
	} `yaml:"orders"`
	Sweep struct {
		IntervalSeconds       int64 `yaml:"interval_seconds"`
		PendingTimeoutMinutes int64 `yaml:"pending_timeout_minutes"`
	} `yaml:"sweep"`
	Notify struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"notify"`
}

func (c *Config) GatewayTimeout() time.Duration {
	if c.Gateway.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	if c.Sweep.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

func (c *Config) PendingTimeout() time.Duration {
	if c.Sweep.PendingTimeoutMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Sweep.PendingTimeoutMinutes) * time.Minute
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

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Gateway.APIURL == "" || cfg.Gateway.AppID == "" || cfg.Gateway.MchID == "" || cfg.Gateway.APIKey == "" {
		return nil, errors.New("gateway config is incomplete")
	}
	if cfg.Gateway.NotifyURL == "" {
		return nil, errors.New("gateway.notify_url is required")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("GATEWAY_API_URL"); v != "" {
		cfg.Gateway.APIURL = v
	}
	if v := os.Getenv("GATEWAY_APP_ID"); v != "" {
		cfg.Gateway.AppID = v
	}
	if v := os.Getenv("GATEWAY_MCH_ID"); v != "" {
		cfg.Gateway.MchID = v
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GATEWAY_NOTIFY_URL"); v != "" {
		cfg.Gateway.NotifyURL = v
	}
	if v := os.Getenv("GATEWAY_TRADE_TYPE"); v != "" {
		cfg.Gateway.TradeType = v
	}
	if v := os.Getenv("GATEWAY_SANDBOX"); v != "" {
		cfg.Gateway.Sandbox = boolOr(cfg.Gateway.Sandbox, v)
	}
	if v := os.Getenv("GATEWAY_TIMEOUT_SECONDS"); v != "" {
		cfg.Gateway.TimeoutSeconds = atoiOr(cfg.Gateway.TimeoutSeconds, v)
	}
	if v := os.Getenv("ORDERS_ALLOW_SELF_ORDER"); v != "" {
		cfg.Orders.AllowSelfOrder = boolOr(cfg.Orders.AllowSelfOrder, v)
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		cfg.Sweep.IntervalSeconds = atoi64Or(cfg.Sweep.IntervalSeconds, v)
	}
	if v := os.Getenv("SWEEP_PENDING_TIMEOUT_MINUTES"); v != "" {
		cfg.Sweep.PendingTimeoutMinutes = atoi64Or(cfg.Sweep.PendingTimeoutMinutes, v)
	}
	if v := os.Getenv("NOTIFY_BUFFER"); v != "" {
		cfg.Notify.Buffer = atoiOr(cfg.Notify.Buffer, v)
	}
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

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
