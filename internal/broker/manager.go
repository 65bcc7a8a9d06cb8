package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordo/internal/logger"
	"ordo/internal/pkg/circuit"
	"ordo/internal/types"
)

// Manager owns the registered adapters and fronts every broker call with a
// per-broker circuit breaker. Routing decisions (which broker handles a
// symbol) go through here.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	breakers map[string]*circuit.Breaker
	order    []string
	connected map[string]bool
}

func NewManager() *Manager {
	return &Manager{
		adapters:  make(map[string]Adapter),
		breakers:  make(map[string]*circuit.Breaker),
		connected: make(map[string]bool),
	}
}

func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := a.Name()
	if _, ok := m.adapters[name]; ok {
		return
	}
	m.adapters[name] = a
	m.breakers[name] = circuit.NewBreaker(name, 5, 30*time.Second)
	m.order = append(m.order, name)
	sort.Strings(m.order)
}

// Get returns the named adapter or an error if unknown or fenced off.
func (m *Manager) Get(name string) (Adapter, error) {
	m.mu.RLock()
	a, ok := m.adapters[name]
	br := m.breakers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("broker %q not registered", name)
	}
	if br != nil && !br.Allow() {
		return nil, fmt.Errorf("broker %q: %w (circuit open)", name, ErrUnavailable)
	}
	return a, nil
}

// Names returns the registered broker names in deterministic order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// EnsureConnected lazily connects the named broker, once.
func (m *Manager) EnsureConnected(ctx context.Context, name string) (Adapter, error) {
	a, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	already := m.connected[name]
	m.mu.Unlock()
	if already {
		return a, nil
	}
	if err := a.Connect(ctx); err != nil {
		m.Record(name, err)
		return nil, fmt.Errorf("connect broker %q: %w", name, err)
	}
	m.mu.Lock()
	m.connected[name] = true
	m.mu.Unlock()
	logger.Infof("broker %s connected", name)
	return a, nil
}

// Record feeds one call outcome into the broker's circuit breaker.
func (m *Manager) Record(name string, err error) {
	m.mu.RLock()
	br := m.breakers[name]
	m.mu.RUnlock()
	if br == nil {
		return
	}
	if err != nil {
		br.RecordFailure()
	} else {
		br.RecordSuccess()
	}
}

// FirstSupporting resolves AUTO routing: the first connected broker, in
// deterministic name order, that lists the symbol. No fallback to a second
// broker once one has been chosen.
func (m *Manager) FirstSupporting(ctx context.Context, symbol string) (Adapter, error) {
	for _, name := range m.Names() {
		a, err := m.EnsureConnected(ctx, name)
		if err != nil {
			logger.Warnf("routing: skip broker %s: %v", name, err)
			continue
		}
		if a.SupportsSymbol(ctx, symbol) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no broker supports %s", ErrSymbolUnknown, symbol)
}

// AggregatedBalances merges available balances per asset across all
// connected brokers. Used by PCT_ALL sizing.
func (m *Manager) AggregatedBalances(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	var firstErr error
	for _, name := range m.Names() {
		a, err := m.EnsureConnected(ctx, name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		bals, err := a.GetBalances(ctx)
		m.Record(name, err)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, b := range bals {
			out[b.Asset] += b.Available
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Snapshot reports connection and circuit state per broker, for the health
// endpoint.
func (m *Manager) Snapshot(ctx context.Context) []types.BrokerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.BrokerHealth, 0, len(m.order))
	for _, name := range m.order {
		h := types.BrokerHealth{Name: name, Connected: m.connected[name]}
		if br := m.breakers[name]; br != nil {
			h.Circuit = br.State().String()
		}
		out = append(out, h)
	}
	return out
}

// DisconnectAll tears down every connected adapter.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, a := range m.adapters {
		if !m.connected[name] {
			continue
		}
		if err := a.Disconnect(ctx); err != nil {
			logger.Warnf("disconnect broker %s: %v", name, err)
		}
		m.connected[name] = false
	}
}
