package marketdata

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"ordo/internal/logger"
	symbolpkg "ordo/internal/pkg/symbol"
	"ordo/internal/types"
)

// BinanceSource streams best bid/ask via the futures bookTicker websocket,
// reconnecting with exponential backoff.
type BinanceSource struct{}

func NewBinanceSource() *BinanceSource { return &BinanceSource{} }

func (s *BinanceSource) Name() string { return "binance-ws" }

func (s *BinanceSource) Run(ctx context.Context, symbol string, emit func(types.Quote)) error {
	exch := symbolpkg.Binance.ToExchange(symbol)
	internal := symbolpkg.Normalize(symbol)
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsBookTickerEvent) {
			q, ok := convertBookTicker(event, internal)
			if !ok {
				return
			}
			emit(q)
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsBookTickerServe(exch, handler, errHandler)
		if err != nil {
			logger.Warnf("[binance-ws] subscribe %s failed: %v", symbol, err)
			if !sleepWithContext(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return ctx.Err()
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		logger.Warnf("[binance-ws] stream for %s closed (err=%v), reconnecting", symbol, errCopy)
		if !sleepWithContext(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay)
	}
}

func convertBookTicker(ev *futures.WsBookTickerEvent, internal string) (types.Quote, bool) {
	if ev == nil {
		return types.Quote{}, false
	}
	bid := parseFloat(ev.BestBidPrice)
	ask := parseFloat(ev.BestAskPrice)
	if bid <= 0 || ask <= 0 {
		return types.Quote{}, false
	}
	return types.Quote{
		Symbol: internal,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		At:     time.Now(),
	}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
