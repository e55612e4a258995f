package opps

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "arbflow/config"
	"arbflow/internal/channel"
	"arbflow/logger"
	"arbflow/models"
)

// Cache deduplicates detected opportunities by fingerprint and tracks the
// best one. A single task consumes the detector inbox; readers take
// point-in-time snapshots under a read lock.
type Cache struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	byFingerprint map[string]*models.Opportunity
	best          *models.Opportunity
	ttl           time.Duration
	epsilon       decimal.Decimal
	nowFn         func() float64
	insertHook    func(models.Opportunity)
}

// SetInsertHook registers a callback invoked for every newly inserted
// opportunity, used for the optional Redis write-through. It must be set
// before Start and must not block.
func (c *Cache) SetInsertHook(hook func(models.Opportunity)) {
	c.insertHook = hook
}

func NewCache(cfg *appconfig.Config, channels *channel.Channels) *Cache {
	return &Cache{
		config:        cfg,
		channels:      channels,
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
		byFingerprint: make(map[string]*models.Opportunity),
		ttl:           cfg.Cache.TTL,
		epsilon:       decimal.NewFromFloat(cfg.Cache.BestEpsilon),
		nowFn:         func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Start launches the cache task and the TTL sweeper.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("opportunity cache already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("opps_cache").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"ttl":            c.ttl.String(),
		"sweep_interval": c.config.Cache.SweepInterval.String(),
	}).Info("starting opportunity cache")

	c.wg.Add(1)
	go c.run()

	log.Info("opportunity cache started successfully")
	return nil
}

// Stop waits for the cache task to finish.
func (c *Cache) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("opps_cache").Info("stopping opportunity cache")
	c.wg.Wait()
	c.log.WithComponent("opps_cache").Info("opportunity cache stopped")
}

func (c *Cache) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Cache.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case opp, ok := <-c.channels.Opportunities:
			if !ok {
				return
			}
			c.upsert(opp)
		case <-ticker.C:
			c.sweep(c.nowFn())
		}
	}
}

// upsert refreshes a repeat detection or inserts a new entry. Equal
// fingerprints imply equal profit, so a repeat never moves the best slot;
// a new entry replaces best only when its profit clears the hysteresis
// band, avoiding flapping between near-equal edges.
func (c *Cache) upsert(opp models.Opportunity) {
	fp := opp.Fingerprint()

	c.mu.Lock()
	if existing, ok := c.byFingerprint[fp]; ok {
		existing.LastSeen = opp.LastSeen
		existing.SeenCount++
		c.mu.Unlock()
		return
	}

	stored := opp
	c.byFingerprint[fp] = &stored

	promoted := false
	if c.best == nil || stored.ProfitPercentage.GreaterThan(c.best.ProfitPercentage.Add(c.epsilon)) {
		b := stored
		c.best = &b
		promoted = true
	}
	bestCopy := c.copyBest()
	c.mu.Unlock()

	c.channels.SendInsert(c.ctx, stored)
	if c.insertHook != nil {
		c.insertHook(stored)
	}
	if promoted {
		c.channels.SendBest(c.ctx, bestCopy)
	}
}

// sweep evicts entries past the TTL. When the best entry expires the
// remaining entries are rescanned, breaking profit ties by executable size.
func (c *Cache) sweep(now float64) {
	c.mu.Lock()
	bestExpired := false
	for fp, opp := range c.byFingerprint {
		if now-opp.LastSeen > c.ttl.Seconds() {
			delete(c.byFingerprint, fp)
			if c.best != nil && c.best.Fingerprint() == fp {
				bestExpired = true
			}
		}
	}

	changed := false
	if bestExpired {
		c.best = nil
		for _, opp := range c.byFingerprint {
			if c.best == nil || opp.Better(*c.best) {
				b := *opp
				c.best = &b
			}
		}
		changed = true
	}
	bestCopy := c.copyBest()
	c.mu.Unlock()

	if changed {
		c.channels.SendBest(c.ctx, bestCopy)
	}
}

func (c *Cache) copyBest() *models.Opportunity {
	if c.best == nil {
		return nil
	}
	b := *c.best
	return &b
}

// Best returns a copy of the current best opportunity, or nil.
func (c *Cache) Best() *models.Opportunity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyBest()
}

// Count returns the number of live entries.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byFingerprint)
}

// Snapshot returns all live entries ordered by last_seen descending, the
// order dashboards present recent opportunities in.
func (c *Cache) Snapshot() []models.Opportunity {
	c.mu.RLock()
	out := make([]models.Opportunity, 0, len(c.byFingerprint))
	for _, opp := range c.byFingerprint {
		out = append(out, *opp)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}
