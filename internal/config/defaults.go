package config

import "strings"

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.App.Env) == "" {
		c.App.Env = "paper"
	}
	if strings.TrimSpace(c.App.LogLevel) == "" {
		c.App.LogLevel = "info"
	}
	if strings.TrimSpace(c.App.HTTPAddr) == "" {
		c.App.HTTPAddr = ":8090"
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = "data/ordo.db"
	}
	if c.Auth.TimestampSkewSeconds <= 0 {
		c.Auth.TimestampSkewSeconds = 300
	}
	for name, b := range c.Brokers {
		if strings.TrimSpace(b.Driver) == "" {
			b.Driver = "binance"
		}
		if b.HTTPTimeoutSeconds <= 0 {
			b.HTTPTimeoutSeconds = 10
		}
		if b.DefaultLeverage <= 0 {
			b.DefaultLeverage = 1
		}
		if b.FeeRatePct <= 0 {
			b.FeeRatePct = 0.05
		}
		c.Brokers[name] = b
	}
	if c.MarketData.PollIntervalSeconds <= 0 {
		c.MarketData.PollIntervalSeconds = 2
	}
	if c.MarketData.Buffer <= 0 {
		c.MarketData.Buffer = 512
	}
	if c.Tracker.ReconcileIntervalSeconds <= 0 {
		c.Tracker.ReconcileIntervalSeconds = 1
	}
	if c.Tracker.SettleGraceSeconds <= 0 {
		c.Tracker.SettleGraceSeconds = 5
	}
	if c.Tracker.NotFoundGraceSeconds <= 0 {
		c.Tracker.NotFoundGraceSeconds = 10
	}
	if c.Tracker.TradeLookback <= 0 {
		c.Tracker.TradeLookback = 20
	}
	if c.Monitor.CheckIntervalSeconds <= 0 {
		c.Monitor.CheckIntervalSeconds = 1
	}
	if c.Monitor.BreakevenBufferPct <= 0 {
		c.Monitor.BreakevenBufferPct = 0.1
	}
	if c.Ledger.TTLHours <= 0 {
		c.Ledger.TTLHours = 24
	}
	if c.Ledger.CleanupIntervalMinutes <= 0 {
		c.Ledger.CleanupIntervalMinutes = 60
	}
	if c.Hub.HeartbeatSeconds <= 0 {
		c.Hub.HeartbeatSeconds = 30
	}
	if c.Hub.ClientTimeoutSeconds <= 0 {
		c.Hub.ClientTimeoutSeconds = 60
	}
	if strings.TrimSpace(c.Sink.Dir) == "" {
		c.Sink.Dir = "data/analytics"
	}
	if c.Balance.IntervalSeconds <= 0 {
		c.Balance.IntervalSeconds = 30
	}
}
