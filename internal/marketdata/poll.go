package marketdata

import (
	"context"
	"time"

	"ordo/internal/broker"
	"ordo/internal/logger"
	"ordo/internal/types"
)

// PollSource fetches quotes over REST on a fixed interval. It serves as the
// paper-trading source and as the fallback when no websocket feed exists for
// a broker.
type PollSource struct {
	adapter  broker.Adapter
	interval time.Duration
}

func NewPollSource(adapter broker.Adapter, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollSource{adapter: adapter, interval: interval}
}

func (s *PollSource) Name() string { return s.adapter.Name() + "-poll" }

func (s *PollSource) Run(ctx context.Context, symbol string, emit func(types.Quote)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q, err := s.adapter.GetQuote(ctx, symbol)
			if err != nil {
				logger.Debugf("[%s] quote %s: %v", s.Name(), symbol, err)
				continue
			}
			emit(q)
		}
	}
}
