package config

import (
	"fmt"
	"strings"
)

func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.App.Env {
	case "paper", "live":
	default:
		return fmt.Errorf("app.env must be paper or live, got %q", cfg.App.Env)
	}
	enabled := 0
	for name, b := range cfg.Brokers {
		if !b.Enabled {
			continue
		}
		enabled++
		switch strings.ToLower(strings.TrimSpace(b.Driver)) {
		case "binance":
		default:
			return fmt.Errorf("brokers.%s: unknown driver %q", name, b.Driver)
		}
		if cfg.App.Env == "live" && (b.APIKey == "" || b.APISecret == "") {
			return fmt.Errorf("brokers.%s: api_key/api_secret required in live env", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one broker must be enabled")
	}
	if cfg.Auth.KeysPath == "" {
		return fmt.Errorf("auth.keys_path is required")
	}
	return nil
}
