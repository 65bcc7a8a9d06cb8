// Package sink writes append-only analytic records for orders, closed
// positions and balance snapshots as per-strategy CSV files, so runs can be
// inspected with ordinary tooling without touching the live database.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"ordo/internal/logger"
	"ordo/internal/types"
)

var orderHeader = []string{
	"order_id", "broker_order_id", "position_id", "broker", "symbol",
	"kind", "side", "type", "quantity", "price", "stop_price", "status",
	"filled_quantity", "filled_price", "post_only", "reduce_only",
	"client_tag", "created_at", "updated_at",
}

var positionHeader = []string{
	"position_id", "broker", "symbol", "side", "size", "entry_price",
	"exit_price", "realized_pnl", "fees", "close_reason", "max_favorable",
	"max_adverse", "opened_at", "closed_at", "duration_seconds",
}

var balanceHeader = []string{
	"timestamp", "currency", "total", "available", "used",
}

// Sink keeps an in-memory index of order rows per strategy so a fill update
// can rewrite its row instead of appending a duplicate.
type Sink struct {
	dir string

	mu     sync.Mutex
	orders map[string]*orderFile
}

type orderFile struct {
	rows  [][]string
	index map[string]int
}

func New(dir string) (*Sink, error) {
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", dir, err)
	}
	return &Sink{dir: dir, orders: make(map[string]*orderFile)}, nil
}

// RecordOrder appends a row for a new order, or rewrites the existing row in
// place when the same order id is recorded again after a fill or cancel.
func (s *Sink) RecordOrder(o *types.TrackedOrder) {
	if o == nil || o.OrderID == "" {
		return
	}
	strategy := o.StrategyID
	if strategy == "" {
		strategy = "unattributed"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.orderFileLocked(strategy)
	if err != nil {
		logger.Errorf("sink: load orders for %s: %v", strategy, err)
		return
	}
	row := orderRow(o)
	if i, ok := f.index[o.OrderID]; ok {
		f.rows[i] = row
		if err := s.rewriteLocked(strategy, "orders.csv", orderHeader, f.rows); err != nil {
			logger.Errorf("sink: update order %s: %v", o.OrderID, err)
		}
		return
	}
	f.index[o.OrderID] = len(f.rows)
	f.rows = append(f.rows, row)
	if err := s.appendLocked(strategy, "orders.csv", orderHeader, row); err != nil {
		logger.Errorf("sink: record order %s: %v", o.OrderID, err)
	}
}

// RecordClosedPosition appends one row per closed position. Positions never
// update in place; the closed record is final.
func (s *Sink) RecordClosedPosition(c *types.ClosedPosition) {
	if c == nil {
		return
	}
	strategy := c.StrategyID
	if strategy == "" {
		strategy = "unattributed"
	}
	row := []string{
		c.PositionID, c.Broker, c.Symbol, string(c.Side),
		ftoa(c.Size), ftoa(c.EntryPrice), ftoa(c.ExitPrice),
		ftoa(c.RealizedPnL), ftoa(c.Fees), string(c.CloseReason),
		ftoa(c.MaxFavorable), ftoa(c.MaxAdverse),
		stamp(c.OpenedAt), stamp(c.ClosedAt), ftoa(c.Duration),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(strategy, "positions.csv", positionHeader, row); err != nil {
		logger.Errorf("sink: record closed position %s: %v", c.PositionID, err)
	}
}

// RecordBalance appends a balance snapshot row. The aggregate account uses
// strategy name "account".
func (s *Sink) RecordBalance(strategy string, snap types.AccountSnapshot) {
	if strategy == "" {
		strategy = "account"
	}
	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	row := []string{
		stamp(at), snap.Currency,
		ftoa(snap.Total), ftoa(snap.Available), ftoa(snap.Used),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(strategy, "balances.csv", balanceHeader, row); err != nil {
		logger.Errorf("sink: record balance for %s: %v", strategy, err)
	}
}

func (s *Sink) orderFileLocked(strategy string) (*orderFile, error) {
	if f, ok := s.orders[strategy]; ok {
		return f, nil
	}
	f := &orderFile{index: make(map[string]int)}
	path := filepath.Join(s.dir, strategy, "orders.csv")
	raw, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.orders[strategy] = f
			return f, nil
		}
		return nil, err
	}
	defer raw.Close()
	r := csv.NewReader(raw)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	for i, rec := range records {
		if i == 0 || len(rec) == 0 {
			continue
		}
		f.index[rec[0]] = len(f.rows)
		f.rows = append(f.rows, rec)
	}
	s.orders[strategy] = f
	return f, nil
}

func (s *Sink) appendLocked(strategy, name string, header, row []string) error {
	dir := filepath.Join(s.dir, strategy)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	fresh := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fresh = true
	}
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer fp.Close()
	w := csv.NewWriter(fp)
	if fresh {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (s *Sink) rewriteLocked(strategy, name string, header []string, rows [][]string) error {
	dir := filepath.Join(s.dir, strategy)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*")
	if err != nil {
		return err
	}
	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func orderRow(o *types.TrackedOrder) []string {
	return []string{
		o.OrderID, o.BrokerOrderID, o.ParentPositionID, o.Broker, o.Symbol,
		string(o.Kind), string(o.Side), string(o.Type),
		ftoa(o.Quantity), ftoa(o.Price), ftoa(o.StopPrice), string(o.Status),
		ftoa(o.FilledQuantity), ftoa(o.FilledPrice),
		strconv.FormatBool(o.PostOnly), strconv.FormatBool(o.ReduceOnly),
		o.ClientTag, stamp(o.CreatedAt), stamp(o.UpdatedAt),
	}
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
