package broker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/broker"
	"ordo/internal/broker/brokertest"
)

func newTestManager(t *testing.T) (*broker.Manager, *brokertest.Fake, *brokertest.Fake) {
	t.Helper()
	m := broker.NewManager()
	a := brokertest.New("alpha")
	b := brokertest.New("beta")
	m.Register(a)
	m.Register(b)
	return m, a, b
}

func TestManagerFirstSupportingDeterministic(t *testing.T) {
	m, a, b := newTestManager(t)
	a.SetMarket("ETH/USDT", broker.MarketInfo{TickSize: 0.01, LotSize: 0.001})
	b.SetMarket("ETH/USDT", broker.MarketInfo{TickSize: 0.01, LotSize: 0.001})

	got, err := m.FirstSupporting(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name(), "ties resolve by name order")
}

func TestManagerFirstSupportingSkipsNonListing(t *testing.T) {
	m, _, b := newTestManager(t)
	b.SetMarket("DOGE/USDT", broker.MarketInfo{TickSize: 0.00001, LotSize: 1})

	got, err := m.FirstSupporting(context.Background(), "DOGE/USDT")
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Name())
}

func TestManagerFirstSupportingNoBroker(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.FirstSupporting(context.Background(), "XYZ/USDT")
	assert.ErrorIs(t, err, broker.ErrSymbolUnknown)
}

func TestManagerCircuitOpensAfterFailures(t *testing.T) {
	m, a, _ := newTestManager(t)
	_, err := m.EnsureConnected(context.Background(), "alpha")
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		m.Record("alpha", boom)
	}
	_, err = m.Get("alpha")
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	_ = a
}

func TestManagerAggregatedBalances(t *testing.T) {
	m, a, b := newTestManager(t)
	a.SetBalances([]broker.Balance{{Asset: "USDT", Total: 100, Available: 80}})
	b.SetBalances([]broker.Balance{
		{Asset: "USDT", Total: 50, Available: 50},
		{Asset: "BTC", Total: 1, Available: 1},
	})

	got, err := m.AggregatedBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 130.0, got["USDT"])
	assert.Equal(t, 1.0, got["BTC"])
}

func TestManagerGetUnknown(t *testing.T) {
	m := broker.NewManager()
	_, err := m.Get("nope")
	assert.Error(t, err)
}
