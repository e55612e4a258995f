package wallex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "arbflow/config"
	"arbflow/collector"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

const exchangeName = "wallex"

// Some upstream samples carry a stray U+064E prefix on channel names; it is
// tolerated on receive and never sent.
const strayPrefix = "َ"

// half accumulates the two single-sided depth channels of one symbol until
// both halves can be combined into a full quote.
type half struct {
	bid *models.WallexDepthEntry
	ask *models.WallexDepthEntry
}

// Collector speaks the array-framed depth protocol: every symbol is
// subscribed twice (buyDepth and sellDepth), each channel delivers one side
// of the book, and a quote is emitted whenever both sides are known.
type Collector struct {
	config   *appconfig.Config
	venue    appconfig.VenueConfig
	store    *book.Store
	registry *symbols.Registry
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	tracker  *collector.Tracker
	seq      *collector.SeqCounter
	limiter  *rate.Limiter
}

func NewCollector(cfg *appconfig.Config, store *book.Store, registry *symbols.Registry) *Collector {
	venue := cfg.Source.Wallex
	return &Collector{
		config:   cfg,
		venue:    venue,
		store:    store,
		registry: registry,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		tracker:  collector.NewTracker(),
		seq:      collector.NewSeqCounter(),
		limiter:  rate.NewLimiter(rate.Limit(venue.SubscribesPerSec), venue.SubscribeBurst),
	}
}

func (c *Collector) Name() string {
	return exchangeName
}

func (c *Collector) Status() models.ExchangeStatus {
	return c.tracker.Status()
}

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("wallex collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("wallex_collector").WithFields(logger.Fields{"operation": "start"})

	if !c.venue.Enabled {
		log.Warn("wallex source is disabled")
		return fmt.Errorf("wallex source is disabled")
	}

	aliases := c.registry.ForExchange(exchangeName)
	if len(aliases) == 0 {
		log.Warn("no wallex markets configured")
		return fmt.Errorf("no wallex markets configured")
	}

	log.WithFields(logger.Fields{"symbols": len(aliases)}).Info("starting wallex collector")

	c.wg.Add(1)
	go c.stream(aliases)
	collector.MonitorStale(ctx, c.wg, c.store, exchangeName, c.venue.ReconnectGrace, c.tracker)

	log.Info("wallex collector started successfully")
	return nil
}

func (c *Collector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("wallex_collector").Info("stopping wallex collector")
	c.wg.Wait()
	c.tracker.SetState(collector.StateShutdown)
	c.log.WithComponent("wallex_collector").Info("wallex collector stopped")
}

func (c *Collector) stream(aliases []symbols.Alias) {
	defer c.wg.Done()

	log := c.log.WithComponent("wallex_collector").WithFields(logger.Fields{
		"worker":  "stream",
		"symbols": len(aliases),
	})

	backoff := collector.NewBackoff()

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.tracker.SetState(collector.StateConnecting)
		conn, err := collector.Dial(c.ctx, c.venue.URL)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket")
			c.tracker.SetState(collector.StateReconnectBackoff)
			if !c.sleep(backoff.Next()) {
				return
			}
			continue
		}

		c.tracker.SetState(collector.StateHandshaking)
		streamedFor := c.run(conn, aliases, log)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.tracker.SetState(collector.StateReconnectBackoff)
		backoff.ResetAfterStream(streamedFor)
		log.Warn("wallex websocket disconnected, reconnecting")
		if !c.sleep(backoff.Next()) {
			return
		}
	}
}

func (c *Collector) run(conn *websocket.Conn, aliases []symbols.Alias, log *logger.Entry) time.Duration {
	c.tracker.SetState(collector.StateSubscribing)

	for _, alias := range aliases {
		for _, side := range []string{"buyDepth", "sellDepth"} {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return 0
			}
			frame := []interface{}{"subscribe", map[string]string{"channel": alias.Native + "@" + side}}
			if err := conn.WriteJSON(frame); err != nil {
				log.WithError(err).Warn("failed to send subscription")
				return 0
			}
		}
	}

	errRate := collector.NewErrorRate(c.venue.ProtocolErrorRate)
	halves := make(map[string]*half)
	ackDeadline := time.Now().Add(c.venue.AckTimeout)
	var streamStart time.Time

	streaming := func() time.Duration {
		if streamStart.IsZero() {
			return 0
		}
		return time.Since(streamStart)
	}

	for {
		if c.ctx.Err() != nil {
			return streaming()
		}

		if streamStart.IsZero() {
			conn.SetReadDeadline(ackDeadline)
		} else {
			conn.SetReadDeadline(time.Now().Add(c.venue.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if streamStart.IsZero() {
				log.WithError(err).Warn("no channel data before deadline")
			} else {
				log.WithError(err).Warn("websocket read failed")
			}
			return streaming()
		}

		trimmed := strings.TrimSpace(string(data))
		if !strings.HasPrefix(trimmed, "[") {
			// Non-array frames are protocol chatter (acks, pings).
			continue
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			logger.IncrementDecodeError()
			log.WithError(err).Warn("malformed array frame")
			if errRate.Add() {
				log.Warn("decode error rate exceeded, cycling connection")
				return streaming()
			}
			continue
		}

		var channelName string
		if err := json.Unmarshal(frame[0], &channelName); err != nil {
			logger.IncrementDecodeError()
			continue
		}
		channelName = strings.TrimPrefix(channelName, strayPrefix)

		parts := strings.SplitN(channelName, "@", 2)
		if len(parts) != 2 {
			continue
		}
		native, side := parts[0], parts[1]

		var entries []models.WallexDepthEntry
		if err := json.Unmarshal(frame[1], &entries); err != nil {
			logger.IncrementDecodeError()
			log.WithError(err).Warn("failed to decode depth entries")
			if errRate.Add() {
				return streaming()
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		if streamStart.IsZero() {
			streamStart = time.Now()
			c.tracker.SetState(collector.StateStreaming)
		}

		pair, ok := c.registry.Canonicalize(exchangeName, native)
		if !ok {
			log.WithFields(logger.Fields{"symbol": native}).Debug("unknown symbol, dropping")
			continue
		}

		h, ok := halves[native]
		if !ok {
			h = &half{}
			halves[native] = h
		}
		top := entries[0]
		switch side {
		case "buyDepth":
			h.bid = &top
		case "sellDepth":
			h.ask = &top
		default:
			continue
		}

		if h.bid == nil || h.ask == nil {
			continue
		}

		quote := models.Quote{
			Exchange:  exchangeName,
			Pair:      pair,
			BidPrice:  h.bid.Price,
			BidVolume: h.bid.Quantity,
			AskPrice:  h.ask.Price,
			AskVolume: h.ask.Quantity,
			Timestamp: collector.NowSeconds(),
			Sequence:  c.seq.Next(native),
		}
		c.store.Put(quote)
		c.tracker.TouchData()
		logger.IncrementQuoteRead(len(data))
	}
}

func (c *Collector) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
