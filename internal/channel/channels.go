package channel

import (
	"context"
	"sync"

	"arbflow/logger"
	"arbflow/models"
)

type ChannelStats struct {
	OpportunitiesSent    int64
	OpportunitiesDropped int64
	InsertsSent          int64
	InsertsDropped       int64
	BestSent             int64
}

// Channels carries the bounded hand-off points between the detector, the
// opportunity cache and the broadcast hub.
type Channels struct {
	// Opportunities feeds detector output into the cache task.
	Opportunities chan models.Opportunity
	// Inserts carries newly inserted (not repeat) opportunities to the hub.
	Inserts chan models.Opportunity
	// Best carries BestChanged events to the hub. Nil means no best remains.
	Best chan *models.Opportunity

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(opportunityBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Opportunities: make(chan models.Opportunity, opportunityBuffer),
		Inserts:       make(chan models.Opportunity, opportunityBuffer),
		Best:          make(chan *models.Opportunity, 64),
		log:           log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"opportunity_buffer": opportunityBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Opportunities)
	close(c.Inserts)
	close(c.Best)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendOpportunity forwards a detected opportunity to the cache without
// blocking the detector. Overflow drops the event; the cache converges on
// the next detection of the same fingerprint.
func (c *Channels) SendOpportunity(ctx context.Context, opp models.Opportunity) bool {
	select {
	case c.Opportunities <- opp:
		c.statsMutex.Lock()
		c.stats.OpportunitiesSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.OpportunitiesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendInsert forwards a newly inserted opportunity toward the hub batcher.
func (c *Channels) SendInsert(ctx context.Context, opp models.Opportunity) bool {
	select {
	case c.Inserts <- opp:
		c.statsMutex.Lock()
		c.stats.InsertsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.InsertsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendBest forwards a BestChanged event. Best updates must not be shed, so
// the send blocks until the hub takes it or shutdown begins.
func (c *Channels) SendBest(ctx context.Context, opp *models.Opportunity) bool {
	select {
	case c.Best <- opp:
		c.statsMutex.Lock()
		c.stats.BestSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
