package detector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/channel"
	"arbflow/models"
)

func testConfig(minProfit float64) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Detector.Workers = 2
	cfg.Detector.InboxSize = 64
	cfg.Detector.MinProfitPercent = minProfit
	cfg.Source.Bingx.Enabled = true
	cfg.Source.Wallex.Enabled = true
	cfg.Source.Ramzinex.Enabled = true
	return cfg
}

func quote(exchange, pair string, seq int64, bid, ask, bidVol, askVol string) models.Quote {
	return models.Quote{
		Exchange:  exchange,
		Pair:      pair,
		BidPrice:  decimal.RequireFromString(bid),
		BidVolume: decimal.RequireFromString(bidVol),
		AskPrice:  decimal.RequireFromString(ask),
		AskVolume: decimal.RequireFromString(askVol),
		Sequence:  seq,
	}
}

func TestSinglePairOpportunity(t *testing.T) {
	store := book.NewStore()
	channels := channel.NewChannels(64)
	d := NewDetector(testConfig(0.1), store, channels)
	d.ctx = context.Background()

	store.Put(quote("bingx", "ETH/USDT", 1, "2000", "2001", "10", "10"))
	store.Put(quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5"))

	d.handle(models.QuoteChanged{New: quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5")})

	select {
	case opp := <-channels.Opportunities:
		if opp.BuyExchange != "bingx" || opp.SellExchange != "wallex" {
			t.Fatalf("unexpected direction %s -> %s", opp.BuyExchange, opp.SellExchange)
		}
		if !opp.BuyPrice.Equal(decimal.RequireFromString("2001")) {
			t.Fatalf("expected buy at 2001, got %s", opp.BuyPrice)
		}
		if !opp.SellPrice.Equal(decimal.RequireFromString("2010")) {
			t.Fatalf("expected sell at 2010, got %s", opp.SellPrice)
		}
		if !opp.TradeVolume.Equal(decimal.RequireFromString("5")) {
			t.Fatalf("expected trade volume 5, got %s", opp.TradeVolume)
		}
		if opp.ProfitPercentage.StringFixed(4) != "0.4498" {
			t.Fatalf("expected profit 0.4498, got %s", opp.ProfitPercentage.StringFixed(4))
		}
	default:
		t.Fatalf("expected an opportunity")
	}

	select {
	case extra := <-channels.Opportunities:
		t.Fatalf("expected a single opportunity, got extra %+v", extra)
	default:
	}
}

func TestNoOpportunityWhenSpreadInverted(t *testing.T) {
	store := book.NewStore()
	channels := channel.NewChannels(64)
	d := NewDetector(testConfig(0), store, channels)
	d.ctx = context.Background()

	// wallex bid (2000) does not exceed bingx ask (2001) and vice versa
	store.Put(quote("bingx", "ETH/USDT", 1, "1999", "2001", "10", "10"))
	store.Put(quote("wallex", "ETH/USDT", 1, "2000", "2002", "5", "5"))

	d.handle(models.QuoteChanged{New: quote("wallex", "ETH/USDT", 1, "2000", "2002", "5", "5")})

	select {
	case opp := <-channels.Opportunities:
		t.Fatalf("expected no opportunity, got %+v", opp)
	default:
	}
}

func TestThresholdFiltersThinEdges(t *testing.T) {
	store := book.NewStore()
	channels := channel.NewChannels(64)
	d := NewDetector(testConfig(0.5), store, channels)
	d.ctx = context.Background()

	// profit ~0.45% sits under the 0.5% threshold
	store.Put(quote("bingx", "ETH/USDT", 1, "2000", "2001", "10", "10"))
	store.Put(quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5"))

	d.handle(models.QuoteChanged{New: quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5")})

	select {
	case opp := <-channels.Opportunities:
		t.Fatalf("expected threshold to filter, got %+v", opp)
	default:
	}
}

func TestStaleExchangeSkipped(t *testing.T) {
	store := book.NewStore()
	channels := channel.NewChannels(64)
	d := NewDetector(testConfig(0), store, channels)
	d.ctx = context.Background()

	store.Put(quote("bingx", "ETH/USDT", 1, "2000", "2001", "10", "10"))
	store.Put(quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5"))
	store.MarkExchangeStale("bingx")

	d.handle(models.QuoteChanged{New: quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5")})

	select {
	case opp := <-channels.Opportunities:
		t.Fatalf("stale exchange must not trade, got %+v", opp)
	default:
	}
}

func TestBothDirectionsConsidered(t *testing.T) {
	store := book.NewStore()
	channels := channel.NewChannels(64)
	d := NewDetector(testConfig(0), store, channels)
	d.ctx = context.Background()

	// wallex is the cheap side here: buy wallex ask 2002, sell bingx bid 2010
	store.Put(quote("bingx", "ETH/USDT", 1, "2010", "2012", "10", "10"))
	store.Put(quote("wallex", "ETH/USDT", 1, "2000", "2002", "5", "5"))

	d.handle(models.QuoteChanged{New: quote("bingx", "ETH/USDT", 1, "2010", "2012", "10", "10")})

	select {
	case opp := <-channels.Opportunities:
		if opp.BuyExchange != "wallex" || opp.SellExchange != "bingx" {
			t.Fatalf("unexpected direction %s -> %s", opp.BuyExchange, opp.SellExchange)
		}
	default:
		t.Fatalf("expected symmetric direction to be found")
	}
}

func TestShardIsStablePerPair(t *testing.T) {
	d := NewDetector(testConfig(0), book.NewStore(), channel.NewChannels(16))
	for _, pair := range []string{"ETH/USDT", "BTC/USDT", "XRP/USDT"} {
		first := d.shard(pair)
		for i := 0; i < 10; i++ {
			if d.shard(pair) != first {
				t.Fatalf("shard must be deterministic for %s", pair)
			}
		}
	}
}

func TestStartStop(t *testing.T) {
	store := book.NewStore()
	channels := channel.NewChannels(16)
	d := NewDetector(testConfig(0), store, channels)

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}

	// end-to-end through the worker pool
	store.Put(quote("bingx", "ETH/USDT", 1, "2000", "2001", "10", "10"))
	store.Put(quote("wallex", "ETH/USDT", 1, "2010", "2011", "5", "5"))

	select {
	case opp := <-channels.Opportunities:
		if opp.Pair != "ETH/USDT" {
			t.Fatalf("unexpected pair %s", opp.Pair)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for detection")
	}

	cancel()
	d.Stop()
}
