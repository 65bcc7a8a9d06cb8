// Package marketdata maintains one upstream price subscription per symbol
// and fans quotes out to any number of engine-side consumers. Upstream
// subscriptions are reference counted: the first consumer starts the watch,
// the last one stops it.
package marketdata

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ordo/internal/logger"
	"ordo/internal/types"
)

const defaultBuffer = 16

// Source produces quotes for one symbol until ctx ends. Implementations own
// their reconnect policy.
type Source interface {
	Name() string
	Run(ctx context.Context, symbol string, emit func(types.Quote)) error
}

type Subscription struct {
	C      <-chan types.Quote
	id     string
	symbol string
	feed   *Feed
	once   sync.Once
}

// Close releases the subscription. The last close for a symbol stops the
// upstream watch.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.feed.release(s.symbol, s.id)
	})
}

type watcher struct {
	cancel context.CancelFunc
	subs   map[string]chan types.Quote
}

type Feed struct {
	source Source

	mu       sync.Mutex
	watchers map[string]*watcher

	latestMu sync.RWMutex
	latest   map[string]types.Quote
}

func NewFeed(source Source) *Feed {
	return &Feed{
		source:   source,
		watchers: make(map[string]*watcher),
		latest:   make(map[string]types.Quote),
	}
}

// Subscribe starts (or joins) the watch for symbol. Quotes that arrive while
// the consumer's buffer is full are dropped; consumers needing every tick
// should drain promptly or call Latest.
func (f *Feed) Subscribe(symbol string) *Subscription {
	id := uuid.NewString()
	ch := make(chan types.Quote, defaultBuffer)

	f.mu.Lock()
	w, ok := f.watchers[symbol]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w = &watcher{cancel: cancel, subs: make(map[string]chan types.Quote)}
		f.watchers[symbol] = w
		go f.runWatch(ctx, symbol)
	}
	w.subs[id] = ch
	f.mu.Unlock()

	return &Subscription{C: ch, id: id, symbol: symbol, feed: f}
}

func (f *Feed) release(symbol, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.watchers[symbol]
	if !ok {
		return
	}
	if ch, ok := w.subs[id]; ok {
		delete(w.subs, id)
		close(ch)
	}
	if len(w.subs) == 0 {
		w.cancel()
		delete(f.watchers, symbol)
		logger.Debugf("marketdata: stopped watch for %s", symbol)
	}
}

func (f *Feed) runWatch(ctx context.Context, symbol string) {
	logger.Debugf("marketdata: starting %s watch for %s", f.source.Name(), symbol)
	err := f.source.Run(ctx, symbol, func(q types.Quote) {
		f.latestMu.Lock()
		f.latest[symbol] = q
		f.latestMu.Unlock()
		f.fanout(symbol, q)
	})
	if err != nil && ctx.Err() == nil {
		logger.Errorf("marketdata: watch for %s ended: %v", symbol, err)
	}
}

func (f *Feed) fanout(symbol string, q types.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.watchers[symbol]
	if !ok {
		return
	}
	for _, ch := range w.subs {
		select {
		case ch <- q:
		default:
		}
	}
}

// Latest returns the most recent quote seen for symbol, if any.
func (f *Feed) Latest(symbol string) (types.Quote, bool) {
	f.latestMu.RLock()
	defer f.latestMu.RUnlock()
	q, ok := f.latest[symbol]
	return q, ok
}

// ActiveSymbols reports symbols with live watches, for the health endpoint.
func (f *Feed) ActiveSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.watchers))
	for sym := range f.watchers {
		out = append(out, sym)
	}
	return out
}
