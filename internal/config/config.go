// Package config loads the monitor configuration: defaults first, then an
// optional YAML file, then GLUCOLINK_ environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first file found wins.
var DefaultConfigPaths = []string{
	"glucolink.yaml",
	"glucolink.yml",
	"/etc/glucolink/config.yaml",
}

// EnvPrefix namespaces the environment overrides, e.g.
// GLUCOLINK_XDRIP_URL overrides xdrip.url.
const EnvPrefix = "GLUCOLINK_"

// Config is the monitor command's configuration.
type Config struct {
	Source string       `koanf:"source"` // external, wireless, or auto
	XDrip  XDripConfig  `koanf:"xdrip"`
	BLE    BLEConfig    `koanf:"ble"`
	Health HealthConfig `koanf:"health"`
	Server ServerConfig `koanf:"server"`
}

// XDripConfig configures the external source.
type XDripConfig struct {
	URL          string        `koanf:"url"`
	APISecret    string        `koanf:"api_secret"`
	PollInterval time.Duration `koanf:"poll_interval"`
	QueryCount   int           `koanf:"query_count"`
	Timeout      time.Duration `koanf:"timeout"`
}

// BLEConfig configures the wireless source.
type BLEConfig struct {
	ScanWindow     time.Duration `koanf:"scan_window"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	AddressFilter  string        `koanf:"address_filter"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	CheckInterval    time.Duration `koanf:"check_interval"`
	ReconnectCeiling int           `koanf:"reconnect_ceiling"`
}

// ServerConfig configures the optional metrics endpoint.
type ServerConfig struct {
	MetricsListen string `koanf:"metrics_listen"` // empty disables promhttp
}

func defaultConfig() *Config {
	return &Config{
		Source: "auto",
		XDrip: XDripConfig{
			URL:          "http://127.0.0.1:17580",
			PollInterval: 30 * time.Second,
			QueryCount:   20,
			Timeout:      10 * time.Second,
		},
		BLE: BLEConfig{
			ScanWindow:     10 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:    30 * time.Second,
			ReconnectCeiling: 5,
		},
		Server: ServerConfig{},
	}
}

// Load builds the config. path may be empty, in which case the default
// paths are probed; a missing file is fine, a malformed one is not.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		for _, candidate := range DefaultConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// GLUCOLINK_XDRIP_POLL_INTERVAL -> xdrip.poll_interval
	envProvider := env.Provider(EnvPrefix, ".", func(key string) string {
		key = strings.TrimPrefix(key, EnvPrefix)
		key = strings.ToLower(key)
		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Source {
	case "external", "wireless", "auto":
	default:
		return fmt.Errorf("invalid source %q: use external, wireless, or auto", c.Source)
	}
	if c.XDrip.URL == "" {
		return fmt.Errorf("xdrip.url must not be empty")
	}
	if c.XDrip.QueryCount <= 0 {
		return fmt.Errorf("xdrip.query_count must be positive")
	}
	return nil
}
