// Package binance implements broker.Adapter on Binance USD-M futures via
// the go-binance SDK.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"

	"ordo/internal/broker"
	"ordo/internal/logger"
	symbolpkg "ordo/internal/pkg/symbol"
	"ordo/internal/types"
)

const (
	orderNotExistCode  = -2013
	infoRefreshPeriod  = time.Hour
	defaultTradesLimit = 20
)

type Adapter struct {
	cfg    Config
	client *futures.Client

	infoMu      sync.RWMutex
	info        map[string]broker.MarketInfo // keyed by internal symbol
	infoLoaded  time.Time
	leverageMu  sync.Mutex
	leverageSet map[string]int // last leverage applied per exchange symbol
}

func New(cfg Config) *Adapter {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Adapter{
		cfg:         final,
		client:      client,
		info:        make(map[string]broker.MarketInfo),
		leverageSet: make(map[string]int),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Features() broker.Features {
	return broker.Features{
		NativeStopOrders: true,
		AttachedExits:    false,
		AmendOrders:      true,
		PostOnly:         true,
	}
}

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return a.refreshExchangeInfo(ctx)
}

func (a *Adapter) Disconnect(ctx context.Context) error { return nil }

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.client.NewPingService().Do(ctx)
}

func (a *Adapter) refreshExchangeInfo(ctx context.Context) error {
	res, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	next := make(map[string]broker.MarketInfo, len(res.Symbols))
	for i := range res.Symbols {
		s := &res.Symbols[i]
		if s.Status != "TRADING" {
			continue
		}
		mi := broker.MarketInfo{
			Symbol:       symbolpkg.Binance.FromExchange(s.Symbol),
			ContractSize: 1,
			MaxLeverage:  125,
		}
		if mi.Symbol == "" {
			continue
		}
		if pf := s.PriceFilter(); pf != nil {
			mi.TickSize = parseFloat(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			mi.LotSize = parseFloat(lf.StepSize)
			mi.MinQty = parseFloat(lf.MinQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			mi.MinNotional = parseFloat(nf.Notional)
		}
		next[mi.Symbol] = mi
	}
	a.infoMu.Lock()
	a.info = next
	a.infoLoaded = time.Now()
	a.infoMu.Unlock()
	logger.Debugf("binance: exchange info loaded, %d symbols", len(next))
	return nil
}

func (a *Adapter) marketInfo(symbol string) (broker.MarketInfo, bool) {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()
	mi, ok := a.info[symbolpkg.Normalize(symbol)]
	return mi, ok
}

func (a *Adapter) GetMarketInfo(ctx context.Context, symbol string) (broker.MarketInfo, error) {
	a.infoMu.RLock()
	stale := time.Since(a.infoLoaded) > infoRefreshPeriod
	a.infoMu.RUnlock()
	if stale {
		if err := a.refreshExchangeInfo(ctx); err != nil {
			logger.Warnf("binance: exchange info refresh failed: %v", err)
		}
	}
	mi, ok := a.marketInfo(symbol)
	if !ok {
		return broker.MarketInfo{}, fmt.Errorf("%w: %s", broker.ErrSymbolUnknown, symbol)
	}
	return mi, nil
}

func (a *Adapter) SupportsSymbol(ctx context.Context, symbol string) bool {
	_, ok := a.marketInfo(symbol)
	return ok
}

func (a *Adapter) ensureLeverage(ctx context.Context, exchSymbol string, leverage int) error {
	if leverage <= 0 {
		leverage = a.cfg.DefaultLeverage
	}
	a.leverageMu.Lock()
	current := a.leverageSet[exchSymbol]
	a.leverageMu.Unlock()
	if current == leverage {
		return nil
	}
	_, err := a.client.NewChangeLeverageService().Symbol(exchSymbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("set leverage %dx on %s: %w", leverage, exchSymbol, err)
	}
	a.leverageMu.Lock()
	a.leverageSet[exchSymbol] = leverage
	a.leverageMu.Unlock()
	return nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.PlaceRequest) (broker.PlaceResult, error) {
	mi, ok := a.marketInfo(req.Symbol)
	if !ok {
		return broker.PlaceResult{}, fmt.Errorf("%w: %s", broker.ErrSymbolUnknown, req.Symbol)
	}
	exch := symbolpkg.Binance.ToExchange(req.Symbol)
	if err := a.ensureLeverage(ctx, exch, req.Leverage); err != nil {
		return broker.PlaceResult{}, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(exch).
		Side(toSide(req.Side)).
		Type(toOrderType(req.Type)).
		NewClientOrderID(clientOrderID(req.ClientTag))

	if !req.ClosePosition {
		svc = svc.Quantity(broker.FormatQty(req.Quantity, mi.LotSize))
	}
	if req.ReduceOnly && !req.ClosePosition {
		svc = svc.ReduceOnly(true)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	}
	if req.Price > 0 && needsPrice(req.Type) {
		svc = svc.Price(broker.FormatPrice(req.Price, mi.TickSize))
	}
	if req.StopPrice > 0 {
		svc = svc.StopPrice(broker.FormatPrice(req.StopPrice, mi.TickSize))
	}
	if tif := toTimeInForce(req); tif != "" {
		svc = svc.TimeInForce(tif)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return broker.PlaceResult{}, mapError(err)
	}
	return broker.PlaceResult{
		BrokerOrderID: strconv.FormatInt(res.OrderID, 10),
		Status:        fromStatus(res.Status),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		AvgPrice:      parseFloat(res.AvgPrice),
	}, nil
}

// AmendOrder on Binance futures is cancel-and-replace. The replacement keeps
// the original client tag so downstream classification still works. Between
// the cancel and the re-place the book briefly holds neither order; if the
// re-place is rejected we put the original order back before reporting the
// error.
func (a *Adapter) AmendOrder(ctx context.Context, symbol, brokerOrderID string, amend broker.Amend) (broker.PlaceResult, error) {
	snap, err := a.GetOrder(ctx, symbol, brokerOrderID)
	if err != nil {
		return broker.PlaceResult{}, err
	}
	if snap.Status.Terminal() {
		return broker.PlaceResult{}, fmt.Errorf("amend %s: order already %s", brokerOrderID, snap.Status)
	}
	if err := a.CancelOrder(ctx, symbol, brokerOrderID); err != nil {
		return broker.PlaceResult{}, fmt.Errorf("amend %s: cancel leg: %w", brokerOrderID, err)
	}
	req, original := replaceRequests(symbol, snap, amend)
	res, err := a.PlaceOrder(ctx, req)
	if err != nil {
		if _, restoreErr := a.PlaceOrder(ctx, original); restoreErr != nil {
			logger.Errorf("binance: amend %s: restore after failed re-place: %v", brokerOrderID, restoreErr)
		}
		return broker.PlaceResult{}, fmt.Errorf("amend %s: re-place leg: %w", brokerOrderID, err)
	}
	return res, nil
}

// replaceRequests builds the amended place request and the request that
// restores the cancelled order as it was. The original's flags, reduce-only
// included, carry over so an amended resting entry stays an entry.
func replaceRequests(symbol string, snap broker.OrderSnapshot, amend broker.Amend) (req, original broker.PlaceRequest) {
	original = broker.PlaceRequest{
		Symbol:     symbol,
		Side:       snap.Side,
		Type:       snap.Type,
		Quantity:   snap.Quantity - snap.ExecutedQty,
		Price:      snap.Price,
		StopPrice:  snap.StopPrice,
		ReduceOnly: snap.ReduceOnly,
		ClientTag:  snap.ClientTag,
	}
	req = original
	if amend.Price != nil {
		req.Price = *amend.Price
	}
	if amend.StopPrice != nil {
		req.StopPrice = *amend.StopPrice
	}
	if amend.Quantity != nil {
		req.Quantity = *amend.Quantity
	}
	return req, original
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	id, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid broker order id %q: %w", brokerOrderID, err)
	}
	exch := symbolpkg.Binance.ToExchange(symbol)
	_, err = a.client.NewCancelOrderService().Symbol(exch).OrderID(id).Do(ctx)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, brokerOrderID string) (broker.OrderSnapshot, error) {
	id, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return broker.OrderSnapshot{}, fmt.Errorf("invalid broker order id %q: %w", brokerOrderID, err)
	}
	exch := symbolpkg.Binance.ToExchange(symbol)
	o, err := a.client.NewGetOrderService().Symbol(exch).OrderID(id).Do(ctx)
	if err != nil {
		return broker.OrderSnapshot{}, mapError(err)
	}
	return broker.OrderSnapshot{
		BrokerOrderID: strconv.FormatInt(o.OrderID, 10),
		Symbol:        symbolpkg.Binance.FromExchange(o.Symbol),
		Side:          fromSide(o.Side),
		Type:          fromOrderType(o.Type),
		Status:        fromStatus(o.Status),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		Quantity:      parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		ClientTag:     tagFromClientOrderID(o.ClientOrderID),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context, symbol string) ([]broker.PositionSnapshot, error) {
	svc := a.client.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbolpkg.Binance.ToExchange(symbol))
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]broker.PositionSnapshot, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := types.SideBuy
		size := amt
		if amt < 0 {
			side = types.SideSell
			size = -amt
		}
		out = append(out, broker.PositionSnapshot{
			BrokerPositionID: r.Symbol,
			Symbol:           symbolpkg.Binance.FromExchange(r.Symbol),
			Side:             side,
			Size:             size,
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			UnrealizedPnL:    parseFloat(r.UnRealizedProfit),
			Leverage:         parseFloat(r.Leverage),
		})
	}
	return out, nil
}

func (a *Adapter) GetBalances(ctx context.Context) ([]broker.Balance, error) {
	bals, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]broker.Balance, 0, len(bals))
	for _, b := range bals {
		if b == nil {
			continue
		}
		total := parseFloat(b.Balance)
		avail := parseFloat(b.AvailableBalance)
		if total == 0 && avail == 0 {
			continue
		}
		out = append(out, broker.Balance{
			Asset:     strings.ToUpper(b.Asset),
			Total:     total,
			Available: avail,
		})
	}
	return out, nil
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	exch := symbolpkg.Binance.ToExchange(symbol)
	books, err := a.client.NewListBookTickersService().Symbol(exch).Do(ctx)
	if err != nil {
		return types.Quote{}, mapError(err)
	}
	if len(books) == 0 || books[0] == nil {
		return types.Quote{}, fmt.Errorf("%w: no book ticker for %s", broker.ErrSymbolUnknown, symbol)
	}
	b := books[0]
	bid := parseFloat(b.BidPrice)
	ask := parseFloat(b.AskPrice)
	return types.Quote{
		Symbol: symbolpkg.Normalize(symbol),
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		At:     time.Now(),
	}, nil
}

func (a *Adapter) RecentTrades(ctx context.Context, symbol string, limit int) ([]broker.Trade, error) {
	if limit <= 0 {
		limit = defaultTradesLimit
	}
	exch := symbolpkg.Binance.ToExchange(symbol)
	trades, err := a.client.NewListAccountTradeService().Symbol(exch).Limit(limit).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]broker.Trade, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		out = append(out, broker.Trade{
			TradeID:       strconv.FormatInt(t.ID, 10),
			BrokerOrderID: strconv.FormatInt(t.OrderID, 10),
			Symbol:        symbolpkg.Binance.FromExchange(t.Symbol),
			Side:          fromSide(t.Side),
			Price:         parseFloat(t.Price),
			Quantity:      parseFloat(t.Quantity),
			Fee:           parseFloat(t.Commission),
			RealizedPnL:   parseFloat(t.RealizedPnl),
			Maker:         t.Maker,
			Reducing:      parseFloat(t.RealizedPnl) != 0,
			Time:          time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

func (a *Adapter) SnapToTick(price float64, symbol string) float64 {
	mi, ok := a.marketInfo(symbol)
	if !ok {
		return price
	}
	return broker.SnapNearest(price, mi.TickSize)
}

func (a *Adapter) SnapToLot(qty float64, symbol string) float64 {
	mi, ok := a.marketInfo(symbol)
	if !ok {
		return qty
	}
	return broker.SnapDown(qty, mi.LotSize)
}

// Binance USD-M quantities are already base units.
func (a *Adapter) ToBrokerUnits(qty float64, symbol string) float64   { return qty }
func (a *Adapter) FromBrokerUnits(qty float64, symbol string) float64 { return qty }

func clientOrderID(tag string) string {
	tag = strings.TrimSpace(tag)
	suffix := strings.ReplaceAll(uuid.NewString()[:13], "-", "")
	if tag == "" {
		return "ordo-" + suffix
	}
	return fmt.Sprintf("ordo-%s-%s", tag, suffix)
}

// tagFromClientOrderID recovers the tag embedded by clientOrderID; ids not
// issued by this engine yield "".
func tagFromClientOrderID(id string) string {
	if !strings.HasPrefix(id, "ordo-") {
		return ""
	}
	rest := strings.TrimPrefix(id, "ordo-")
	if idx := strings.LastIndex(rest, "-"); idx > 0 {
		return rest[:idx]
	}
	return ""
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == orderNotExistCode {
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, apiErr.Message)
	}
	return err
}
