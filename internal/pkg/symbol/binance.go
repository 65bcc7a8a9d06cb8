package symbol

import "strings"

// BinanceConverter maps between the internal BASE/QUOTE form and Binance's
// concatenated form (BTC/USDT <-> BTCUSDT).
type BinanceConverter struct{}

func (BinanceConverter) ToExchange(internal string) string {
	s := strings.ToUpper(strings.TrimSpace(internal))
	return strings.ReplaceAll(s, "/", "")
}

func (BinanceConverter) FromExchange(raw string) string {
	return Parse(raw).Internal()
}

var Binance = BinanceConverter{}
