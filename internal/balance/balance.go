// Package balance keeps a periodically refreshed view of broker balances.
// Risk sizing and the balances endpoints read from here instead of hitting
// every broker on each request.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ordo/internal/broker"
	"ordo/internal/scheduler"
	"ordo/internal/tracker"
	"ordo/internal/types"
)

type Service struct {
	brokers  *broker.Manager
	tracker  *tracker.Tracker
	interval time.Duration

	mu        sync.RWMutex
	perBroker map[string]map[string]float64
	aggregate map[string]float64
	updatedAt time.Time

	nowFn func() time.Time
}

func New(brokers *broker.Manager, trk *tracker.Tracker, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{
		brokers:   brokers,
		tracker:   trk,
		interval:  interval,
		perBroker: make(map[string]map[string]float64),
		aggregate: make(map[string]float64),
		nowFn:     time.Now,
	}
}

// Run refreshes the cached view on the configured interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.refresh(ctx)
	sch := scheduler.NewIntervalScheduler(ctx, "balance", s.interval)
	sch.Start(func(c context.Context) error {
		s.refresh(c)
		return nil
	})
	return ctx.Err()
}

func (s *Service) refresh(ctx context.Context) {
	per := make(map[string]map[string]float64)
	agg := make(map[string]float64)
	for _, name := range s.brokers.Names() {
		a, err := s.brokers.EnsureConnected(ctx, name)
		if err != nil {
			continue
		}
		bals, err := a.GetBalances(ctx)
		s.brokers.Record(name, err)
		if err != nil {
			continue
		}
		assets := make(map[string]float64, len(bals))
		for _, b := range bals {
			assets[b.Asset] = b.Available
			agg[b.Asset] += b.Available
		}
		per[name] = assets
	}
	if len(per) == 0 {
		return
	}
	s.mu.Lock()
	s.perBroker = per
	s.aggregate = agg
	s.updatedAt = s.nowFn()
	s.mu.Unlock()
}

// Available returns the free balance of one asset on one broker. A cache
// miss falls through to a live fetch so sizing works before the first sweep.
func (s *Service) Available(ctx context.Context, brokerName, asset string) (float64, error) {
	s.mu.RLock()
	assets, ok := s.perBroker[brokerName]
	s.mu.RUnlock()
	if ok {
		return assets[asset], nil
	}
	a, err := s.brokers.EnsureConnected(ctx, brokerName)
	if err != nil {
		return 0, err
	}
	bals, err := a.GetBalances(ctx)
	s.brokers.Record(brokerName, err)
	if err != nil {
		return 0, fmt.Errorf("balances from %s: %w", brokerName, err)
	}
	for _, b := range bals {
		if b.Asset == asset {
			return b.Available, nil
		}
	}
	return 0, nil
}

// AggregatedAvailable sums the free balance of one asset across all brokers.
func (s *Service) AggregatedAvailable(ctx context.Context, asset string) (float64, error) {
	s.mu.RLock()
	if len(s.aggregate) > 0 {
		v := s.aggregate[asset]
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()
	agg, err := s.brokers.AggregatedBalances(ctx)
	if err != nil {
		return 0, err
	}
	return agg[asset], nil
}

// Snapshot summarises the aggregate account in the given currency.
func (s *Service) Snapshot(currency string) types.AccountSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := types.AccountSnapshot{
		Currency:  currency,
		Available: s.aggregate[currency],
		UpdatedAt: s.updatedAt,
	}
	snap.Used = s.marginUsed("")
	snap.Total = snap.Available + snap.Used
	return snap
}

// StrategySnapshot attributes margin use to one strategy against the shared
// account pool.
func (s *Service) StrategySnapshot(strategyID, currency string) types.AccountSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := types.AccountSnapshot{
		Currency:  currency,
		Available: s.aggregate[currency],
		UpdatedAt: s.updatedAt,
	}
	snap.Used = s.marginUsed(strategyID)
	snap.Total = snap.Available + snap.Used
	return snap
}

func (s *Service) marginUsed(strategyID string) float64 {
	if s.tracker == nil {
		return 0
	}
	var used float64
	for _, pos := range s.tracker.ListPositions(strategyID) {
		used += pos.MarginUsed
	}
	return used
}
