// Package app wires the engine's singletons from configuration and owns the
// process lifecycle: every loop starts under one errgroup and stops when the
// root context is cancelled.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ordo/internal/balance"
	"ordo/internal/broker"
	"ordo/internal/broker/binance"
	"ordo/internal/config"
	"ordo/internal/hub"
	"ordo/internal/ledger"
	"ordo/internal/lifecycle"
	"ordo/internal/logger"
	"ordo/internal/marketdata"
	"ordo/internal/monitor"
	"ordo/internal/sink"
	"ordo/internal/store"
	"ordo/internal/tracker"
	resthttp "ordo/internal/transport/http"
	"ordo/internal/types"
)

type App struct {
	cfg *config.Config

	store     *store.Store
	brokers   *broker.Manager
	feed      *marketdata.Feed
	hub       *hub.Hub
	sink      *sink.Sink
	tracker   *tracker.Tracker
	monitor   *monitor.Monitor
	ledger    *ledger.Ledger
	balances  *balance.Service
	lifecycle *lifecycle.Service
	http      *resthttp.Server
}

// New builds the full dependency graph without starting anything.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	mgr := broker.NewManager()
	var first broker.Adapter
	for name, bc := range cfg.Brokers {
		if !bc.Enabled {
			continue
		}
		adapter := binance.New(binance.Config{
			Name:            name,
			APIKey:          bc.APIKey,
			APISecret:       bc.APISecret,
			Testnet:         bc.Testnet,
			RESTBaseURL:     bc.RESTBaseURL,
			HTTPTimeout:     time.Duration(bc.HTTPTimeoutSeconds) * time.Second,
			DefaultLeverage: bc.DefaultLeverage,
			FeeRatePct:      bc.FeeRatePct,
		})
		mgr.Register(adapter)
		if first == nil {
			first = adapter
		}
	}
	if first == nil {
		_ = st.Close()
		return nil, fmt.Errorf("no enabled brokers")
	}

	var source marketdata.Source
	if cfg.MarketData.WSEnabled {
		source = marketdata.NewBinanceSource()
	} else {
		source = marketdata.NewPollSource(first, time.Duration(cfg.MarketData.PollIntervalSeconds)*time.Second)
	}
	feed := marketdata.NewFeed(source)
	h := hub.New()

	var snk *sink.Sink
	if cfg.Sink.Enabled {
		snk, err = sink.New(cfg.Sink.Dir)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	trk := tracker.New(tracker.Config{
		ReconcileInterval: time.Duration(cfg.Tracker.ReconcileIntervalSeconds) * time.Second,
		SettleGrace:       time.Duration(cfg.Tracker.SettleGraceSeconds) * time.Second,
		NotFoundGrace:     time.Duration(cfg.Tracker.NotFoundGraceSeconds) * time.Second,
		TradeLookback:     cfg.Tracker.TradeLookback,
	}, mgr, st, h, feed, sinkOrNil(snk))

	mon := monitor.New(monitor.Config{
		CheckInterval:      time.Duration(cfg.Monitor.CheckIntervalSeconds) * time.Second,
		BreakevenBufferPct: cfg.Monitor.BreakevenBufferPct,
	}, mgr, trk, feed, h)

	led := ledger.New(st, time.Duration(cfg.Ledger.TTLHours)*time.Hour)
	bal := balance.New(mgr, trk, time.Duration(cfg.Balance.IntervalSeconds)*time.Second)
	svc := lifecycle.New(lifecycle.Config{}, mgr, led, trk, bal, h, recorderOrNil(snk))

	keys, err := resthttp.NewKeyRegistry(cfg.Auth.KeysPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	srv, err := resthttp.NewServer(resthttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Lifecycle: svc,
		Tracker:   trk,
		Balances:  bal,
		Brokers:   mgr,
		Events:    h,
		Keys:      keys,
		Skew:      time.Duration(cfg.Auth.TimestampSkewSeconds) * time.Second,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		store:     st,
		brokers:   mgr,
		feed:      feed,
		hub:       h,
		sink:      snk,
		tracker:   trk,
		monitor:   mon,
		ledger:    led,
		balances:  bal,
		lifecycle: svc,
		http:      srv,
	}, nil
}

// nil interface values must stay nil, not wrap a nil *Sink.
func sinkOrNil(s *sink.Sink) tracker.ClosedRecorder {
	if s == nil {
		return nil
	}
	return s
}

func recorderOrNil(s *sink.Sink) lifecycle.Recorder {
	if s == nil {
		return nil
	}
	return s
}

// Run starts every loop and blocks until ctx is cancelled or one loop fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if err := a.tracker.Rebuild(ctx); err != nil {
		logger.Warnf("app: rebuild working set: %v", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.tracker.Run(ctx) })
	group.Go(func() error { return a.monitor.Run(ctx) })
	group.Go(func() error { return a.balances.Run(ctx) })
	group.Go(func() error {
		a.ledger.RunCleanup(ctx, time.Duration(a.cfg.Ledger.CleanupIntervalMinutes)*time.Minute)
		return nil
	})
	group.Go(func() error { return a.runHeartbeat(ctx) })
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	logger.Infof("app: running env=%s addr=%s brokers=%d",
		a.cfg.App.Env, a.http.Addr(), len(a.cfg.Brokers))
	err := group.Wait()
	a.shutdown()
	return err
}

func (a *App) runHeartbeat(ctx context.Context) error {
	interval := time.Duration(a.cfg.Hub.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.hub.Publish(types.Event{
				Type: types.EventHeartbeat,
				Data: map[string]any{"subscribers": a.hub.SubscriberCount()},
			})
		}
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.brokers.DisconnectAll(ctx)
	if err := a.store.Close(); err != nil {
		logger.Errorf("app: close store: %v", err)
	}
}

// Lifecycle exposes the order service for test and replay harnesses.
func (a *App) Lifecycle() *lifecycle.Service {
	if a == nil {
		return nil
	}
	return a.lifecycle
}
