package collector

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"arbflow/internal/book"
	"arbflow/models"
)

// State is the collector connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateSubscribing
	StateStreaming
	StateReconnectBackoff
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnectBackoff:
		return "reconnect_backoff"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Collector is the capability set every venue kind implements. The registry
// of enabled venues is assembled at startup; there is no dynamic dispatch by
// name beyond that.
type Collector interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	Status() models.ExchangeStatus
}

// Tracker holds the observable connection state of one collector.
type Tracker struct {
	state         int32
	lastData      int64 // unix nanos
	streamingExit int64 // unix nanos of the last transition away from streaming
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.streamingExit = time.Now().UnixNano()
	return t
}

func (t *Tracker) SetState(s State) {
	prev := State(atomic.SwapInt32(&t.state, int32(s)))
	if prev == StateStreaming && s != StateStreaming {
		atomic.StoreInt64(&t.streamingExit, time.Now().UnixNano())
	}
}

func (t *Tracker) State() State {
	return State(atomic.LoadInt32(&t.state))
}

func (t *Tracker) TouchData() {
	atomic.StoreInt64(&t.lastData, time.Now().UnixNano())
}

func (t *Tracker) LastData() time.Time {
	return time.Unix(0, atomic.LoadInt64(&t.lastData))
}

// DisconnectedFor returns how long the collector has been out of the
// streaming state; zero while streaming.
func (t *Tracker) DisconnectedFor() time.Duration {
	if t.State() == StateStreaming {
		return 0
	}
	return time.Since(time.Unix(0, atomic.LoadInt64(&t.streamingExit)))
}

func (t *Tracker) Status() models.ExchangeStatus {
	age := 0.0
	if last := atomic.LoadInt64(&t.lastData); last > 0 {
		age = time.Since(time.Unix(0, last)).Seconds()
	}
	return models.ExchangeStatus{
		State:       t.State().String(),
		LastDataAge: age,
	}
}

// Backoff implements exponential reconnect delays with jitter, starting at
// one second and capped at one minute.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	rng     *rand.Rand
}

func NewBackoff() *Backoff {
	return &Backoff{
		base: time.Second,
		max:  60 * time.Second,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Backoff) Next() time.Duration {
	d := b.base << uint(b.attempt)
	if d > b.max || d <= 0 {
		d = b.max
	}
	if b.attempt < 16 {
		b.attempt++
	}
	// jitter in [0.5, 1.5)
	return time.Duration(float64(d) * (0.5 + b.rng.Float64()))
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// streamResetAfter is how long a connection must stream before the backoff
// schedule resets.
const streamResetAfter = 30 * time.Second

// ResetAfterStream resets the backoff when the finished connection streamed
// long enough to count as healthy.
func (b *Backoff) ResetAfterStream(streamedFor time.Duration) {
	if streamedFor >= streamResetAfter {
		b.Reset()
	}
}

// ErrorRate tracks protocol-error bursts; exceeding the per-minute limit
// cycles the connection.
type ErrorRate struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
}

func NewErrorRate(limit int) *ErrorRate {
	return &ErrorRate{limit: limit, window: time.Minute}
}

// Add records one error and reports whether the rate limit is now exceeded.
func (e *ErrorRate) Add() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-e.window)
	kept := e.times[:0]
	for _, t := range e.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.times = append(kept, now)
	return len(e.times) > e.limit
}

// SeqCounter hands out monotonic per-symbol sequence numbers for venues
// whose feed carries no usable update id.
type SeqCounter struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewSeqCounter() *SeqCounter {
	return &SeqCounter{m: make(map[string]int64)}
}

func (c *SeqCounter) Next(symbol string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol]++
	return c.m[symbol]
}

// Dial opens a websocket connection with a bounded handshake.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// NowSeconds is the quote ingestion timestamp: fractional unix seconds.
func NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// MonitorStale marks the exchange stale in the store once the collector has
// been out of the streaming state beyond the grace period. The mark clears
// automatically on the next accepted quote.
func MonitorStale(ctx context.Context, wg *sync.WaitGroup, store *book.Store, name string, grace time.Duration, tr *Tracker) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := grace / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		marked := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if tr.State() == StateStreaming {
					marked = false
					continue
				}
				if !marked && tr.DisconnectedFor() > grace {
					store.MarkExchangeStale(name)
					marked = true
				}
			}
		}
	}()
}

// StatusMap builds the hub's per-venue status callback from a collector set.
func StatusMap(collectors []Collector) func() map[string]models.ExchangeStatus {
	return func() map[string]models.ExchangeStatus {
		out := make(map[string]models.ExchangeStatus, len(collectors))
		for _, c := range collectors {
			st := c.Status()
			st.Stale = st.State != StateStreaming.String() && st.LastDataAge > 0
			out[c.Name()] = st
		}
		return out
	}
}
