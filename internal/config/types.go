package config

// Config is the main configuration carrier for the engine.
type Config struct {
	App        AppConfig               `toml:"app"`
	Store      StoreConfig             `toml:"store"`
	Auth       AuthConfig              `toml:"auth"`
	Brokers    map[string]BrokerConfig `toml:"brokers"`
	MarketData MarketDataConfig        `toml:"market_data"`
	Tracker    TrackerConfig           `toml:"tracker"`
	Monitor    MonitorConfig           `toml:"monitor"`
	Ledger     LedgerConfig            `toml:"ledger"`
	Hub        HubConfig               `toml:"hub"`
	Sink       SinkConfig              `toml:"sink"`
	Balance    BalanceConfig           `toml:"balance"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// AuthConfig points at the hot-reloadable API key registry used by the REST
// and WebSocket boundaries.
type AuthConfig struct {
	KeysPath             string `toml:"keys_path"`
	TimestampSkewSeconds int    `toml:"timestamp_skew_seconds"`
}

// BrokerConfig describes one broker adapter entry. Driver selects the
// implementation ("binance" is the only built-in).
type BrokerConfig struct {
	Enabled            bool    `toml:"enabled"`
	Driver             string  `toml:"driver"`
	APIKey             string  `toml:"api_key"`
	APISecret          string  `toml:"api_secret"`
	Testnet            bool    `toml:"testnet"`
	RESTBaseURL        string  `toml:"rest_base_url"`
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`
	DefaultLeverage    int     `toml:"default_leverage"`
	FeeRatePct         float64 `toml:"fee_rate_pct"`
}

type MarketDataConfig struct {
	WSEnabled           bool `toml:"ws_enabled"`
	PollIntervalSeconds int  `toml:"poll_interval_seconds"`
	Buffer              int  `toml:"buffer"`
}

type TrackerConfig struct {
	ReconcileIntervalSeconds int `toml:"reconcile_interval_seconds"`
	SettleGraceSeconds       int `toml:"settle_grace_seconds"`
	NotFoundGraceSeconds     int `toml:"not_found_grace_seconds"`
	TradeLookback            int `toml:"trade_lookback"`
}

type MonitorConfig struct {
	CheckIntervalSeconds int     `toml:"check_interval_seconds"`
	BreakevenBufferPct   float64 `toml:"breakeven_buffer_pct"`
}

type LedgerConfig struct {
	TTLHours               int `toml:"ttl_hours"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

type HubConfig struct {
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	ClientTimeoutSeconds int `toml:"client_timeout_seconds"`
}

type SinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type BalanceConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}
