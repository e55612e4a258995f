package detector

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/models"
)

// Detector reacts to quote changes and scans counter-side exchanges for
// executable cross-exchange edges. Work is sharded by pair across a fixed
// worker pool so updates for one pair are always handled in order.
type Detector struct {
	config    *appconfig.Config
	store     *book.Store
	channels  *channel.Channels
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
	venues    []string
	workers   int
	minProfit decimal.Decimal
}

func NewDetector(cfg *appconfig.Config, store *book.Store, channels *channel.Channels) *Detector {
	workers := cfg.Detector.Workers
	if workers < 1 {
		workers = 1
	}
	return &Detector{
		config:    cfg,
		store:     store,
		channels:  channels,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		venues:    cfg.EnabledVenues(),
		workers:   workers,
		minProfit: decimal.NewFromFloat(cfg.Detector.MinProfitPercent),
	}
}

// Start launches the worker pool. Each worker holds its own conflating
// store subscription and only handles the pairs hashed to it.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("detector already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("detector").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"workers":    d.workers,
		"min_profit": d.config.Detector.MinProfitPercent,
		"venues":     d.venues,
	}).Info("starting detector")

	for i := 0; i < d.workers; i++ {
		sub := d.store.Subscribe(ctx, d.config.Detector.InboxSize)
		d.wg.Add(1)
		go d.worker(i, sub)
	}

	log.Info("detector started successfully")
	return nil
}

// Stop waits for all workers to drain.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("detector").Info("stopping detector")
	d.wg.Wait()
	d.log.WithComponent("detector").Info("detector stopped")
}

func (d *Detector) worker(id int, sub *book.Subscription) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if d.shard(ev.New.Pair) != id {
				continue
			}
			d.handle(ev)
		}
	}
}

func (d *Detector) shard(pair string) int {
	h := fnv.New32a()
	h.Write([]byte(pair))
	return int(h.Sum32() % uint32(d.workers))
}

// handle re-reads the triggering quote so the scan always runs against the
// store's ground truth, then checks both directions against every other
// venue holding the pair. The scan is O(venues) per update.
func (d *Detector) handle(ev models.QuoteChanged) {
	pair := ev.New.Pair
	q, ok := d.store.Get(ev.New.Exchange, pair)
	if !ok {
		return
	}

	now := float64(time.Now().UnixNano()) / 1e9
	for _, venue := range d.venues {
		if venue == q.Exchange {
			continue
		}
		qx, ok := d.store.Get(venue, pair)
		if !ok {
			continue
		}
		d.check(q, qx, now)
		d.check(qx, q, now)
	}
}

// check considers buying at buy.AskPrice and selling at sell.BidPrice.
func (d *Detector) check(buy, sell models.Quote, now float64) {
	if !buy.AskPrice.IsPositive() || !sell.BidPrice.IsPositive() {
		return
	}
	if !sell.BidPrice.GreaterThan(buy.AskPrice) {
		return
	}
	if buy.AskVolume.IsZero() || sell.BidVolume.IsZero() {
		return
	}

	opp := models.NewOpportunity(
		buy.Pair,
		buy.Exchange,
		sell.Exchange,
		buy.AskPrice,
		sell.BidPrice,
		buy.AskVolume,
		sell.BidVolume,
		now,
	)
	if opp.ProfitPercentage.LessThan(d.minProfit) {
		return
	}

	if d.channels.SendOpportunity(d.ctx, opp) {
		logger.IncrementOpportunity()
	} else {
		d.log.WithComponent("detector").WithFields(logger.Fields{
			"pair": opp.Pair,
		}).Warn("opportunity channel full, dropping detection")
	}
}
