package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Opportunity is a detected cross-exchange arbitrage edge: the best bid on
// the sell venue exceeds the best ask on the buy venue for the same pair.
type Opportunity struct {
	Pair             string          `json:"symbol"`
	DisplaySymbol    string          `json:"display_symbol,omitempty"`
	CurrencyName     string          `json:"currency_name,omitempty"`
	BuyExchange      string          `json:"buy_exchange"`
	SellExchange     string          `json:"sell_exchange"`
	BuyPrice         decimal.Decimal `json:"buy_price"`
	SellPrice        decimal.Decimal `json:"sell_price"`
	BuyVolume        decimal.Decimal `json:"buy_volume"`
	SellVolume       decimal.Decimal `json:"sell_volume"`
	TradeVolume      decimal.Decimal `json:"trade_volume"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
	FirstSeen        float64         `json:"first_seen"`
	LastSeen         float64         `json:"last_seen"`
	SeenCount        int64           `json:"seen_count"`
}

// Fingerprint is the stable identity of an opportunity across repeated
// detections. Prices are fixed to 10 decimal places and volumes to 8 so
// that equal fingerprints imply equal profit.
func (o Opportunity) Fingerprint() string {
	return strings.Join([]string{
		o.BuyExchange,
		o.SellExchange,
		o.Pair,
		o.BuyPrice.StringFixed(10),
		o.SellPrice.StringFixed(10),
		o.BuyVolume.StringFixed(8),
		o.SellVolume.StringFixed(8),
	}, "|")
}

// NewOpportunity computes the derived fields for a candidate edge. The
// caller has already verified sell > buy.
func NewOpportunity(pair, buyExchange, sellExchange string, buyPrice, sellPrice, buyVolume, sellVolume decimal.Decimal, now float64) Opportunity {
	trade := buyVolume
	if sellVolume.LessThan(trade) {
		trade = sellVolume
	}
	hundred := decimal.NewFromInt(100)
	profit := sellPrice.Sub(buyPrice).Div(buyPrice).Mul(hundred)
	return Opportunity{
		Pair:             pair,
		BuyExchange:      buyExchange,
		SellExchange:     sellExchange,
		BuyPrice:         buyPrice,
		SellPrice:        sellPrice,
		BuyVolume:        buyVolume,
		SellVolume:       sellVolume,
		TradeVolume:      trade,
		ProfitPercentage: profit,
		FirstSeen:        now,
		LastSeen:         now,
		SeenCount:        1,
	}
}

// Better reports whether o should outrank other for the "best" slot.
// Profit decides; equal profit is broken by executable size.
func (o Opportunity) Better(other Opportunity) bool {
	switch o.ProfitPercentage.Cmp(other.ProfitPercentage) {
	case 1:
		return true
	case -1:
		return false
	default:
		return o.TradeVolume.GreaterThan(other.TradeVolume)
	}
}
