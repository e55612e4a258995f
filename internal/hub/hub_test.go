package hub

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/channel"
	"arbflow/internal/opps"
	"arbflow/internal/symbols"
	"arbflow/models"
)

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Channels.QuoteBuffer = 64
	cfg.Cache.TTL = 60 * time.Second
	cfg.Cache.SweepInterval = time.Second
	cfg.Cache.BestEpsilon = 0.01
	cfg.Hub.QueueSize = 1024
	cfg.Hub.BatchInterval = 10 * time.Millisecond
	cfg.Hub.BatchSize = 64
	cfg.Hub.StatsInterval = time.Hour
	cfg.Hub.Path = "/ws/arbitrage/"
	return cfg
}

func testRegistry(t *testing.T) *symbols.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yml")
	content := `
markets:
  - id: ETH/USDT
    base: ETH
    quote: USDT
    currency_name: Ethereum
    enabled: true
    aliases:
      bingx: ETH-USDT
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write markets: %v", err)
	}
	r, err := symbols.Load(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return r
}

func priceEvent(i int) models.Event {
	return models.Event{Type: models.EventPriceUpdate, Data: i}
}

func TestSessionBackpressureKeepsBest(t *testing.T) {
	s := newSession(nil, 4)

	for i := 0; i < 10; i++ {
		s.enqueue(priceEvent(i), false)
	}
	s.enqueue(models.Event{Type: models.EventBestOpportunity, Data: "best"}, true)

	// best jumps ahead of bulk data and carries the stale flag
	ev, ok := s.next()
	if !ok || ev.Type != models.EventBestOpportunity {
		t.Fatalf("expected best first, got %+v", ev)
	}
	if !ev.Stale {
		t.Fatalf("expected stale flag after overflow")
	}

	var delivered []int
	for {
		ev, ok := s.next()
		if !ok {
			break
		}
		if ev.Type != models.EventPriceUpdate {
			t.Fatalf("unexpected event %+v", ev)
		}
		delivered = append(delivered, ev.Data.(int))
	}

	// queue of 4: the oldest six price updates were shed
	if len(delivered) != 4 {
		t.Fatalf("expected 4 surviving price updates, got %d", len(delivered))
	}
	for i, v := range delivered {
		if v != 6+i {
			t.Fatalf("expected FIFO tail [6 7 8 9], got %v", delivered)
		}
	}
}

func TestSessionBestNeverDropped(t *testing.T) {
	s := newSession(nil, 1)

	s.enqueue(models.Event{Type: models.EventBestOpportunity, Data: "b1"}, true)
	for i := 0; i < 5; i++ {
		s.enqueue(priceEvent(i), false)
	}
	// a newer best replaces the held slot rather than queueing behind bulk
	s.enqueue(models.Event{Type: models.EventBestOpportunity, Data: "b2"}, true)

	ev, ok := s.next()
	if !ok || ev.Data.(string) != "b2" {
		t.Fatalf("expected latest best first, got %+v", ev)
	}
}

func TestSessionFIFOWithinType(t *testing.T) {
	s := newSession(nil, 64)
	for i := 0; i < 8; i++ {
		s.enqueue(priceEvent(i), false)
	}
	for i := 0; i < 8; i++ {
		ev, ok := s.next()
		if !ok || ev.Data.(int) != i {
			t.Fatalf("expected FIFO order at %d, got %+v", i, ev)
		}
	}
}

func TestServeHTTPSendsSnapshots(t *testing.T) {
	cfg := testConfig()
	store := book.NewStore()
	channels := channel.NewChannels(64)
	cache := opps.NewCache(cfg, channels)
	registry := testRegistry(t)

	store.Put(models.Quote{
		Exchange:  "bingx",
		Pair:      "ETH/USDT",
		BidPrice:  decimal.RequireFromString("2000"),
		BidVolume: decimal.NewFromInt(10),
		AskPrice:  decimal.RequireFromString("2001"),
		AskVolume: decimal.NewFromInt(10),
		Sequence:  1,
	})

	h := NewHub(cfg, store, cache, registry, channels, nil, nil)
	h.ctx = context.Background()

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// best is held in its own slot, so it is delivered first, then the
	// snapshots in FIFO order
	var first models.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Type != models.EventBestOpportunity {
		t.Fatalf("expected best first, got %s", first.Type)
	}
	if first.Data != nil {
		t.Fatalf("expected null best on empty cache, got %+v", first.Data)
	}

	var prices models.Event
	if err := conn.ReadJSON(&prices); err != nil {
		t.Fatalf("read prices: %v", err)
	}
	if prices.Type != models.EventInitialPrices {
		t.Fatalf("expected initial_prices, got %s", prices.Type)
	}
	data, ok := prices.Data.([]interface{})
	if !ok || len(data) != 1 {
		t.Fatalf("expected one initial price, got %+v", prices.Data)
	}
	entry := data[0].(map[string]interface{})
	if entry["currency_name"] != "Ethereum" {
		t.Fatalf("expected stamped metadata, got %+v", entry)
	}

	var opportunities models.Event
	if err := conn.ReadJSON(&opportunities); err != nil {
		t.Fatalf("read opportunities: %v", err)
	}
	if opportunities.Type != models.EventInitialOpportunities {
		t.Fatalf("expected initial_opportunities, got %s", opportunities.Type)
	}
}

func TestStatsPayload(t *testing.T) {
	cfg := testConfig()
	store := book.NewStore()
	channels := channel.NewChannels(64)
	cache := opps.NewCache(cfg, channels)

	statusFn := func() map[string]models.ExchangeStatus {
		return map[string]models.ExchangeStatus{
			"bingx": {State: "streaming", LastDataAge: 0.5},
		}
	}

	h := NewHub(cfg, store, cache, testRegistry(t), channels, nil, statusFn)
	h.started = time.Now().Add(-time.Minute)

	store.Put(models.Quote{Exchange: "bingx", Pair: "ETH/USDT", Sequence: 1})

	stats := h.Stats()
	if stats.PricesCount != 1 {
		t.Fatalf("expected 1 price, got %d", stats.PricesCount)
	}
	if stats.OpportunitiesCount != 0 {
		t.Fatalf("expected 0 opportunities, got %d", stats.OpportunitiesCount)
	}
	if stats.UptimeSeconds < 59 {
		t.Fatalf("expected uptime around a minute, got %f", stats.UptimeSeconds)
	}
	if stats.Exchanges["bingx"].State != "streaming" {
		t.Fatalf("expected exchange status, got %+v", stats.Exchanges)
	}
	if stats.Counters == nil {
		t.Fatalf("expected counters map")
	}
}
