package lifecycle

import (
	"context"

	"ordo/internal/broker"
	"ordo/internal/pkg/symbol"
	"ordo/internal/types"
)

// resolveQuantity turns the intent's quantity-or-sizing into base units at a
// reference price. The reference is the limit price when one exists,
// otherwise the live last price.
func (s *Service) resolveQuantity(ctx context.Context, adapter broker.Adapter, o *types.OrderPayload) (float64, float64, *Error) {
	sym := symbol.Normalize(o.Instrument.Symbol)

	refPrice := o.Price
	if refPrice <= 0 {
		q, err := adapter.GetQuote(ctx, sym)
		s.brokers.Record(adapter.Name(), err)
		if err != nil {
			return 0, 0, errf(CodeRiskSizing, "no reference price for %s: %v", sym, err)
		}
		refPrice = q.Last
	}
	if refPrice <= 0 {
		return 0, 0, errf(CodeRiskSizing, "no reference price for %s", sym)
	}

	if o.Quantity != nil {
		qty := o.Quantity.Value
		if o.Quantity.Type == types.QuantityContracts {
			qty = adapter.FromBrokerUnits(qty, sym)
		}
		return qty, refPrice, nil
	}

	sz := o.Risk.Sizing
	quoteAsset := symbol.Quote(sym)
	var notional float64
	switch sz.Mode {
	case types.SizeUSD:
		notional = sz.Value
	case types.SizePctBalance:
		avail, err := s.balances.Available(ctx, adapter.Name(), quoteAsset)
		if err != nil {
			return 0, 0, errf(CodeRiskSizing, "balance lookup: %v", err)
		}
		notional = avail * sz.Value / 100
	case types.SizePctBroker:
		avail, err := s.balances.Available(ctx, sz.Broker, quoteAsset)
		if err != nil {
			return 0, 0, errf(CodeRiskSizing, "balance lookup on %s: %v", sz.Broker, err)
		}
		notional = avail * sz.Value / 100
	case types.SizePctMarket:
		asset := symbol.Quote(sz.Market)
		if asset == "" {
			return 0, 0, errf(CodeRiskSizing, "unrecognized sizing market %q", sz.Market)
		}
		avail, err := s.balances.Available(ctx, adapter.Name(), asset)
		if err != nil {
			return 0, 0, errf(CodeRiskSizing, "balance lookup: %v", err)
		}
		notional = avail * sz.Value / 100
	case types.SizePctAll:
		avail, err := s.balances.AggregatedAvailable(ctx, quoteAsset)
		if err != nil {
			return 0, 0, errf(CodeRiskSizing, "aggregated balance lookup: %v", err)
		}
		notional = avail * sz.Value / 100
	default:
		return 0, 0, errf(CodeRiskSizing, "unknown sizing mode %q", sz.Mode)
	}

	if sz.CapNotional > 0 && notional > sz.CapNotional {
		notional = sz.CapNotional
	}
	if sz.FloorNotional > 0 && notional < sz.FloorNotional {
		notional = sz.FloorNotional
	}
	if notional <= 0 {
		return 0, 0, errf(CodeRiskSizing, "%s sizing resolved to zero notional", sz.Mode)
	}
	return notional / refPrice, refPrice, nil
}
