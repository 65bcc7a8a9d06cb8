package binance

import (
	"strings"
	"time"
)

type Config struct {
	Name        string
	APIKey      string
	APISecret   string
	Testnet     bool
	RESTBaseURL string
	HTTPTimeout time.Duration

	// DefaultLeverage is applied when an order carries no leverage of its own.
	DefaultLeverage int
	// FeeRatePct estimates round-trip taker fees for breakeven buffers.
	FeeRatePct float64
}

func (c *Config) withDefaults() Config {
	out := *c
	out.Name = strings.TrimSpace(out.Name)
	if out.Name == "" {
		out.Name = "binance"
	}
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		if out.Testnet {
			out.RESTBaseURL = "https://testnet.binancefuture.com"
		} else {
			out.RESTBaseURL = "https://fapi.binance.com"
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	if out.DefaultLeverage <= 0 {
		out.DefaultLeverage = 1
	}
	if out.FeeRatePct <= 0 {
		out.FeeRatePct = 0.05
	}
	return out
}
