package book

import (
	"context"
	"sort"
	"sync"

	"arbflow/logger"
	"arbflow/models"
)

// Store is the shared hot-path mapping (exchange, pair) -> latest Quote.
// Writers are the collectors, one per key at a time; readers are the
// detector and the hub. Replacement is conditional on the sequence
// strictly increasing, so reordered updates are rejected.
type Store struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
	stale  map[string]bool
	subs   []*Subscription
	log    *logger.Log
}

func NewStore() *Store {
	return &Store{
		quotes: make(map[string]models.Quote),
		stale:  make(map[string]bool),
		log:    logger.GetLogger(),
	}
}

// Put stores the quote if its sequence advances the current one and fans a
// QuoteChanged event out to all subscriptions. It reports whether the quote
// was accepted.
func (s *Store) Put(q models.Quote) bool {
	s.mu.Lock()
	cur, exists := s.quotes[q.Key()]
	if exists && q.Sequence <= cur.Sequence {
		s.mu.Unlock()
		logger.IncrementStaleReject()
		return false
	}
	var prev *models.Quote
	if exists {
		c := cur
		prev = &c
	}
	s.quotes[q.Key()] = q
	delete(s.stale, q.Exchange)
	subs := s.subs
	s.mu.Unlock()

	ev := models.QuoteChanged{New: q, Prev: prev}
	for _, sub := range subs {
		sub.push(ev)
	}
	return true
}

// Get returns the stored quote for (exchange, pair). Quotes of a stale
// exchange are withheld so the detector never trades against a dead feed.
func (s *Store) Get(exchange, pair string) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stale[exchange] {
		return models.Quote{}, false
	}
	q, ok := s.quotes[exchange+"|"+pair]
	return q, ok
}

// Snapshot returns a consistent point-in-time copy of all fresh quotes,
// ordered by key for deterministic fan-out.
func (s *Store) Snapshot() []models.Quote {
	s.mu.RLock()
	out := make([]models.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		if s.stale[q.Exchange] {
			continue
		}
		out = append(out, q)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Exchanges lists every exchange currently holding quotes, with staleness.
func (s *Store) Exchanges() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, q := range s.quotes {
		out[q.Exchange] = s.stale[q.Exchange]
	}
	return out
}

// Count returns the number of fresh quotes held.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, q := range s.quotes {
		if !s.stale[q.Exchange] {
			n++
		}
	}
	return n
}

// MarkExchangeStale excludes an exchange's quotes from Get and Snapshot
// until the next accepted Put from that exchange.
func (s *Store) MarkExchangeStale(exchange string) {
	s.mu.Lock()
	s.stale[exchange] = true
	s.mu.Unlock()
	s.log.WithComponent("book_store").WithFields(logger.Fields{"exchange": exchange}).Warn("exchange marked stale")
}

// ClearExchange drops all quotes of an exchange.
func (s *Store) ClearExchange(exchange string) {
	s.mu.Lock()
	for key, q := range s.quotes {
		if q.Exchange == exchange {
			delete(s.quotes, key)
		}
	}
	delete(s.stale, exchange)
	s.mu.Unlock()
}

// Subscribe registers a conflating change-event subscription. Events are
// coalesced per key when the consumer lags, keeping only the latest quote
// for each (exchange, pair).
func (s *Store) Subscribe(ctx context.Context, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscription{
		pending: make(map[string]models.QuoteChanged),
		notify:  make(chan struct{}, 1),
		out:     make(chan models.QuoteChanged, buffer),
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	go sub.pump(ctx)
	return sub
}

// Subscription delivers QuoteChanged events with per-key conflation.
type Subscription struct {
	mu      sync.Mutex
	pending map[string]models.QuoteChanged
	order   []string
	notify  chan struct{}
	out     chan models.QuoteChanged
}

// C is the consumer-facing event channel.
func (sub *Subscription) C() <-chan models.QuoteChanged {
	return sub.out
}

func (sub *Subscription) push(ev models.QuoteChanged) {
	sub.mu.Lock()
	key := ev.Key()
	if _, queued := sub.pending[key]; queued {
		logger.IncrementConflated()
	} else {
		sub.order = append(sub.order, key)
	}
	sub.pending[key] = ev
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *Subscription) pump(ctx context.Context) {
	defer close(sub.out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
		}
		for {
			sub.mu.Lock()
			if len(sub.order) == 0 {
				sub.mu.Unlock()
				break
			}
			key := sub.order[0]
			sub.order = sub.order[1:]
			ev := sub.pending[key]
			delete(sub.pending, key)
			sub.mu.Unlock()

			select {
			case sub.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
