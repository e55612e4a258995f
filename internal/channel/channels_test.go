package channel

import (
	"context"
	"testing"

	"arbflow/models"
)

func TestSendOpportunityDropsOnOverflow(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()

	if !c.SendOpportunity(ctx, models.Opportunity{Pair: "ETH/USDT"}) {
		t.Fatalf("first send must succeed")
	}
	if c.SendOpportunity(ctx, models.Opportunity{Pair: "ETH/USDT"}) {
		t.Fatalf("overflow send must drop")
	}

	stats := c.GetStats()
	if stats.OpportunitiesSent != 1 || stats.OpportunitiesDropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSendBestBlocksUntilConsumed(t *testing.T) {
	c := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())

	// fill the best channel, then verify a cancelled context releases the
	// blocked sender instead of dropping silently
	for i := 0; i < cap(c.Best); i++ {
		if !c.SendBest(ctx, nil) {
			t.Fatalf("buffered best send must succeed")
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- c.SendBest(ctx, &models.Opportunity{Pair: "ETH/USDT"})
	}()
	cancel()
	if ok := <-done; ok {
		t.Fatalf("cancelled context must abort the blocked send")
	}
}

func TestSendInsertCountsDrops(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()

	c.SendInsert(ctx, models.Opportunity{})
	c.SendInsert(ctx, models.Opportunity{})

	stats := c.GetStats()
	if stats.InsertsSent != 1 || stats.InsertsDropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
