package models

import (
	"github.com/shopspring/decimal"
)

// Quote is the top-of-book snapshot for one (exchange, canonical pair).
// The store keeps exactly one Quote per key; replacement is conditional on
// Sequence strictly increasing.
type Quote struct {
	Exchange  string          `json:"exchange"`
	Pair      string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidVolume decimal.Decimal `json:"bid_volume"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskVolume decimal.Decimal `json:"ask_volume"`
	Timestamp float64         `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Key returns the store key for this quote.
func (q Quote) Key() string {
	return q.Exchange + "|" + q.Pair
}

// DisplayQuote is a Quote stamped with display metadata from the symbol
// registry, as delivered to dashboard subscribers and the HTTP API.
type DisplayQuote struct {
	Exchange      string          `json:"exchange"`
	Symbol        string          `json:"symbol"`
	DisplaySymbol string          `json:"display_symbol"`
	BaseCurrency  string          `json:"base_currency"`
	CurrencyName  string          `json:"currency_name"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	AskPrice      decimal.Decimal `json:"ask_price"`
	BidVolume     decimal.Decimal `json:"bid_volume"`
	AskVolume     decimal.Decimal `json:"ask_volume"`
	Timestamp     float64         `json:"timestamp"`
}

// QuoteChanged is emitted by the store on every accepted Put. Prev is nil
// for the first quote of a key.
type QuoteChanged struct {
	New  Quote
	Prev *Quote
}

// Key returns the conflation key of the event.
func (e QuoteChanged) Key() string {
	return e.New.Key()
}

// ExchangeStatus reports one venue's connection state for stats payloads.
type ExchangeStatus struct {
	State       string  `json:"state"`
	LastDataAge float64 `json:"last_data_age"`
	Stale       bool    `json:"stale"`
}

// Stats is the periodic aggregate counters payload.
type Stats struct {
	PricesCount        int                       `json:"prices_count"`
	OpportunitiesCount int                       `json:"opportunities_count"`
	UptimeSeconds      float64                   `json:"uptime"`
	Counters           map[string]int64          `json:"counters"`
	Exchanges          map[string]ExchangeStatus `json:"exchange_status"`
	RedisMemory        string                    `json:"redis_memory"`
	RedisClients       int64                     `json:"redis_clients"`
	RedisOpsPerSec     int64                     `json:"redis_ops_per_sec"`
}

// Event is the dashboard websocket envelope. Stale is set on the first
// event delivered after the session queue overflowed, telling the client to
// refresh its view.
type Event struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	Stale bool        `json:"stale,omitempty"`
}

// Dashboard event types.
const (
	EventInitialPrices        = "initial_prices"
	EventPriceUpdate          = "price_update"
	EventInitialOpportunities = "initial_opportunities"
	EventOpportunitiesUpdate  = "opportunities_update"
	EventBestOpportunity      = "best_opportunity_update"
	EventRedisStats           = "redis_stats"
)
