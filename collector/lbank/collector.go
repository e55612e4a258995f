package lbank

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	appconfig "arbflow/config"
	"arbflow/collector"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

const exchangeName = "lbank"

// Collector streams full depth books over plain JSON frames. The server
// sends {"action":"ping","ping":<id>} and expects the id echoed back in a
// pong; depth messages carry the whole top of book for one pair.
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
	venue := cfg.Source.Lbank
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
		return fmt.Errorf("lbank collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("lbank_collector").WithFields(logger.Fields{"operation": "start"})

	if !c.venue.Enabled {
		log.Warn("lbank source is disabled")
		return fmt.Errorf("lbank source is disabled")
	}

	aliases := c.registry.ForExchange(exchangeName)
	if len(aliases) == 0 {
		log.Warn("no lbank markets configured")
		return fmt.Errorf("no lbank markets configured")
	}

	log.WithFields(logger.Fields{"pairs": len(aliases), "depth": c.venue.Depth}).Info("starting lbank collector")

	c.wg.Add(1)
	go c.stream(aliases)
	collector.MonitorStale(ctx, c.wg, c.store, exchangeName, c.venue.ReconnectGrace, c.tracker)

	log.Info("lbank collector started successfully")
	return nil
}

func (c *Collector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("lbank_collector").Info("stopping lbank collector")
	c.wg.Wait()
	c.tracker.SetState(collector.StateShutdown)
	c.log.WithComponent("lbank_collector").Info("lbank collector stopped")
}

func (c *Collector) stream(aliases []symbols.Alias) {
	defer c.wg.Done()

	log := c.log.WithComponent("lbank_collector").WithFields(logger.Fields{
		"worker": "stream",
		"pairs":  len(aliases),
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
		log.Warn("lbank websocket disconnected, reconnecting")
		if !c.sleep(backoff.Next()) {
			return
		}
	}
}

func (c *Collector) run(conn *websocket.Conn, aliases []symbols.Alias, log *logger.Entry) time.Duration {
	c.tracker.SetState(collector.StateSubscribing)

	for _, alias := range aliases {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return 0
		}
		req := models.LbankSubscribeReq{
			Action:    "subscribe",
			Subscribe: "depth",
			Depth:     strconv.Itoa(c.venue.Depth),
			Pair:      alias.Native,
		}
		if err := conn.WriteJSON(req); err != nil {
			log.WithError(err).Warn("failed to send subscription")
			return 0
		}
	}

	errRate := collector.NewErrorRate(c.venue.ProtocolErrorRate)
	books := make(map[string]*book.Book)
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
				log.WithError(err).Warn("no depth data before deadline")
			} else {
				log.WithError(err).Warn("websocket read failed")
			}
			return streaming()
		}

		var frame models.LbankFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.IncrementDecodeError()
			log.WithError(err).Warn("failed to decode frame")
			if errRate.Add() {
				log.Warn("decode error rate exceeded, cycling connection")
				return streaming()
			}
			continue
		}

		if frame.Action == "ping" {
			pong := models.LbankPong{Action: "pong", Pong: frame.Ping}
			conn.SetWriteDeadline(time.Now().Add(c.venue.HeartbeatTimeout))
			if err := conn.WriteJSON(pong); err != nil {
				log.WithError(err).Warn("failed to send pong")
				return streaming()
			}
			continue
		}

		if frame.Type != "depth" || frame.Depth == nil {
			continue
		}

		// First depth frame doubles as the subscription ack.
		if streamStart.IsZero() {
			streamStart = time.Now()
			c.tracker.SetState(collector.StateStreaming)
		}

		pair, ok := c.registry.Canonicalize(exchangeName, frame.Pair)
		if !ok {
			log.WithFields(logger.Fields{"symbol": frame.Pair}).Debug("unknown symbol, dropping")
			continue
		}

		b, ok := books[frame.Pair]
		if !ok {
			b = book.NewBook()
			books[frame.Pair] = b
		}
		b.ApplySnapshot(tupleLevels(frame.Depth.Bids), tupleLevels(frame.Depth.Asks), c.seq.Next(frame.Pair))

		bid, hasBid := b.BestBid()
		ask, hasAsk := b.BestAsk()
		if !hasBid && !hasAsk {
			continue
		}

		quote := models.Quote{
			Exchange:  exchangeName,
			Pair:      pair,
			Timestamp: collector.NowSeconds(),
			Sequence:  b.LastID(),
		}
		if hasBid {
			quote.BidPrice = bid.Price
			quote.BidVolume = bid.Volume
		}
		if hasAsk {
			quote.AskPrice = ask.Price
			quote.AskVolume = ask.Volume
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

func tupleLevels(tuples [][]decimal.Decimal) []book.Level {
	levels := make([]book.Level, 0, len(tuples))
	for _, t := range tuples {
		if len(t) < 2 {
			continue
		}
		levels = append(levels, book.Level{Price: t[0], Volume: t[1]})
	}
	return levels
}
