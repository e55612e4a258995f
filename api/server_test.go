package api

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

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
	cfg.Arbflow.Name = "arbflow-test"
	cfg.API.Addr = ":0"
	cfg.Cache.TTL = 60 * time.Second
	cfg.Cache.SweepInterval = time.Second
	cfg.Cache.BestEpsilon = 0.01
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

func newTestServer(t *testing.T) (*Server, *book.Store) {
	t.Helper()
	cfg := testConfig()
	store := book.NewStore()
	cache := opps.NewCache(cfg, channel.NewChannels(16))
	statsFn := func() models.Stats {
		return models.Stats{PricesCount: store.Count(), UptimeSeconds: 12}
	}
	return NewServer(cfg, store, cache, testRegistry(t), statsFn), store
}

func TestGetPrices(t *testing.T) {
	s, store := newTestServer(t)

	store.Put(models.Quote{
		Exchange:  "bingx",
		Pair:      "ETH/USDT",
		BidPrice:  decimal.RequireFromString("2000"),
		AskPrice:  decimal.RequireFromString("2001"),
		BidVolume: decimal.NewFromInt(10),
		AskVolume: decimal.NewFromInt(10),
		Sequence:  1,
	})

	req := httptest.NewRequest("GET", "/api/prices/", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Success       bool                  `json:"success"`
		Data          []models.DisplayQuote `json:"data"`
		CurrencyNames map[string]string     `json:"currency_names"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || len(payload.Data) != 1 {
		t.Fatalf("unexpected payload %s", body)
	}
	if payload.Data[0].CurrencyName != "Ethereum" {
		t.Fatalf("expected stamped metadata, got %+v", payload.Data[0])
	}
	if payload.CurrencyNames["ETH"] != "Ethereum" {
		t.Fatalf("expected currency names, got %v", payload.CurrencyNames)
	}
}

func TestGetOpportunitiesEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/opportunities/", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Success         bool                 `json:"success"`
		Data            []models.Opportunity `json:"data"`
		BestOpportunity interface{}          `json:"best_opportunity"`
		TotalCount      int                  `json:"total_count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || payload.TotalCount != 0 || payload.BestOpportunity != nil {
		t.Fatalf("unexpected payload %s", body)
	}
}

func TestGetStats(t *testing.T) {
	s, store := newTestServer(t)
	store.Put(models.Quote{Exchange: "bingx", Pair: "ETH/USDT", Sequence: 1})

	req := httptest.NewRequest("GET", "/api/stats/", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Success bool         `json:"success"`
		Data    models.Stats `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || payload.Data.PricesCount != 1 || payload.Data.UptimeSeconds != 12 {
		t.Fatalf("unexpected payload %s", body)
	}
}
