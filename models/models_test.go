package models

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewOpportunityDerivedFields(t *testing.T) {
	opp := NewOpportunity("ETH/USDT", "bingx", "wallex",
		dec("2001"), dec("2010"), dec("10"), dec("5"), 1000)

	if !opp.TradeVolume.Equal(dec("5")) {
		t.Fatalf("expected trade volume 5, got %s", opp.TradeVolume)
	}
	// (2010-2001)/2001*100 = 0.44977...
	if opp.ProfitPercentage.StringFixed(4) != "0.4498" {
		t.Fatalf("expected profit 0.4498, got %s", opp.ProfitPercentage.StringFixed(4))
	}
	if opp.SeenCount != 1 {
		t.Fatalf("expected seen count 1, got %d", opp.SeenCount)
	}
	if opp.FirstSeen != opp.LastSeen {
		t.Fatalf("expected first_seen == last_seen on creation")
	}
}

func TestFingerprintFormat(t *testing.T) {
	opp := NewOpportunity("ETH/USDT", "bingx", "wallex",
		dec("2001"), dec("2010"), dec("10"), dec("5"), 1000)

	fp := opp.Fingerprint()
	parts := strings.Split(fp, "|")
	if len(parts) != 7 {
		t.Fatalf("expected 7 fingerprint parts, got %d: %s", len(parts), fp)
	}
	if parts[0] != "bingx" || parts[1] != "wallex" || parts[2] != "ETH/USDT" {
		t.Fatalf("unexpected fingerprint identity: %s", fp)
	}
	if parts[3] != "2001.0000000000" {
		t.Fatalf("expected buy price at 10dp, got %s", parts[3])
	}
	if parts[5] != "10.00000000" {
		t.Fatalf("expected buy volume at 8dp, got %s", parts[5])
	}
}

func TestFingerprintStableAcrossRepeats(t *testing.T) {
	a := NewOpportunity("BTC/USDT", "lbank", "ramzinex", dec("50000.5"), dec("50100"), dec("1"), dec("2"), 1)
	b := NewOpportunity("BTC/USDT", "lbank", "ramzinex", dec("50000.5"), dec("50100"), dec("1"), dec("2"), 99)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("timestamps must not affect the fingerprint")
	}
}

func TestBetterPrefersProfitThenVolume(t *testing.T) {
	low := NewOpportunity("ETH/USDT", "a", "b", dec("100"), dec("101"), dec("1"), dec("1"), 0)
	high := NewOpportunity("ETH/USDT", "a", "b", dec("100"), dec("105"), dec("1"), dec("1"), 0)
	if !high.Better(low) || low.Better(high) {
		t.Fatalf("higher profit must win")
	}

	small := NewOpportunity("ETH/USDT", "a", "b", dec("100"), dec("102"), dec("1"), dec("1"), 0)
	big := NewOpportunity("ETH/USDT", "a", "b", dec("100"), dec("102"), dec("7"), dec("9"), 0)
	if !big.Better(small) {
		t.Fatalf("equal profit must break ties on trade volume")
	}
}

func TestQuoteKey(t *testing.T) {
	q := Quote{Exchange: "bingx", Pair: "ETH/USDT"}
	if q.Key() != "bingx|ETH/USDT" {
		t.Fatalf("unexpected key %s", q.Key())
	}
}
