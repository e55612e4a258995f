package ramzinex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
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

const (
	exchangeName  = "ramzinex"
	channelPrefix = "orderbook:"
	connectID     = 1
)

// Collector speaks the Centrifugo-style protocol: JSON connect/subscribe/
// push envelopes, an empty {} server ping that must be answered {} within
// the heartbeat window, and orderbook channels keyed by numeric pair id.
// In fossil mode publications carry diffs applied to a local book.
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
	venue := cfg.Source.Ramzinex
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
		return fmt.Errorf("ramzinex collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("ramzinex_collector").WithFields(logger.Fields{"operation": "start"})

	if !c.venue.Enabled {
		log.Warn("ramzinex source is disabled")
		return fmt.Errorf("ramzinex source is disabled")
	}

	aliases := c.registry.ForExchange(exchangeName)
	if len(aliases) == 0 {
		log.Warn("no ramzinex markets configured")
		return fmt.Errorf("no ramzinex markets configured")
	}

	log.WithFields(logger.Fields{
		"pairs":      len(aliases),
		"delta_mode": c.venue.DeltaMode,
	}).Info("starting ramzinex collector")

	c.wg.Add(1)
	go c.stream(aliases)
	collector.MonitorStale(ctx, c.wg, c.store, exchangeName, c.venue.ReconnectGrace, c.tracker)

	log.Info("ramzinex collector started successfully")
	return nil
}

func (c *Collector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("ramzinex_collector").Info("stopping ramzinex collector")
	c.wg.Wait()
	c.tracker.SetState(collector.StateShutdown)
	c.log.WithComponent("ramzinex_collector").Info("ramzinex collector stopped")
}

func (c *Collector) stream(aliases []symbols.Alias) {
	defer c.wg.Done()

	log := c.log.WithComponent("ramzinex_collector").WithFields(logger.Fields{
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

		streamedFor := c.run(conn, aliases, log)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.tracker.SetState(collector.StateReconnectBackoff)
		backoff.ResetAfterStream(streamedFor)
		log.Warn("ramzinex websocket disconnected, reconnecting")
		if !c.sleep(backoff.Next()) {
			return
		}
	}
}

func (c *Collector) run(conn *websocket.Conn, aliases []symbols.Alias, log *logger.Entry) time.Duration {
	c.tracker.SetState(collector.StateHandshaking)

	connect := models.RamzinexCommand{ID: connectID, Connect: &models.RamzinexConnect{Name: "go"}}
	if err := conn.WriteJSON(connect); err != nil {
		log.WithError(err).Warn("failed to send connect")
		return 0
	}

	conn.SetReadDeadline(time.Now().Add(c.venue.AckTimeout))
	var reply models.RamzinexReply
	if err := conn.ReadJSON(&reply); err != nil {
		log.WithError(err).Warn("no connect reply before deadline")
		return 0
	}
	if reply.Error != nil {
		log.WithFields(logger.Fields{"code": reply.Error.Code, "message": reply.Error.Message}).Warn("connect rejected")
		return 0
	}

	c.tracker.SetState(collector.StateSubscribing)
	subID := connectID
	channelToPair := make(map[string]string, len(aliases))
	for _, alias := range aliases {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return 0
		}
		subID++
		sub := models.RamzinexCommand{
			ID: subID,
			Subscribe: &models.RamzinexSubscribe{
				Channel: channelPrefix + alias.Native,
				Recover: true,
			},
		}
		if c.venue.DeltaMode {
			sub.Subscribe.Delta = "fossil"
		}
		if err := conn.WriteJSON(sub); err != nil {
			log.WithError(err).Warn("failed to send subscription")
			return 0
		}
		channelToPair[channelPrefix+alias.Native] = alias.Pair
	}

	errRate := collector.NewErrorRate(c.venue.ProtocolErrorRate)
	books := make(map[string]*book.Book)
	pendingAcks := subID - connectID
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
				log.WithError(err).Warn("no subscription ack before deadline")
			} else {
				log.WithError(err).Warn("websocket read failed")
			}
			return streaming()
		}

		if strings.TrimSpace(string(data)) == "{}" {
			// Server ping; the reply must land within the 25s window or the
			// server drops the connection.
			conn.SetWriteDeadline(time.Now().Add(c.venue.HeartbeatTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
				log.WithError(err).Warn("failed to answer ping")
				return streaming()
			}
			continue
		}

		var msg models.RamzinexReply
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.IncrementDecodeError()
			log.WithError(err).Warn("failed to decode envelope")
			if errRate.Add() {
				log.Warn("decode error rate exceeded, cycling connection")
				return streaming()
			}
			continue
		}

		if msg.Error != nil {
			log.WithFields(logger.Fields{"code": msg.Error.Code, "message": msg.Error.Message}).Warn("server error")
			if errRate.Add() {
				return streaming()
			}
			continue
		}

		if msg.Subscribe != nil && msg.ID > connectID {
			pendingAcks--
			if pendingAcks <= 0 && streamStart.IsZero() {
				streamStart = time.Now()
				c.tracker.SetState(collector.StateStreaming)
				log.Info("all channels acknowledged")
			}
			continue
		}

		if msg.Push == nil || msg.Push.Pub == nil {
			continue
		}

		if streamStart.IsZero() {
			streamStart = time.Now()
			c.tracker.SetState(collector.StateStreaming)
		}

		pair, ok := channelToPair[msg.Push.Channel]
		if !ok {
			log.WithFields(logger.Fields{"channel": msg.Push.Channel}).Debug("unknown channel, dropping")
			continue
		}
		native := strings.TrimPrefix(msg.Push.Channel, channelPrefix)

		var ob models.RamzinexOrderbook
		if err := json.Unmarshal(msg.Push.Pub.Data, &ob); err != nil {
			logger.IncrementDecodeError()
			log.WithError(err).Warn("failed to decode orderbook publication")
			if errRate.Add() {
				return streaming()
			}
			continue
		}

		b, ok := books[native]
		if !ok {
			b = book.NewBook()
			books[native] = b
		}

		bids := tupleLevels(ob.Buys)
		asks := tupleLevels(ob.Sells)

		if msg.Push.Pub.Delta {
			if !b.Ready() {
				// still waiting for the fresh snapshot after a resubscribe
				continue
			}
			diff := book.Diff{ID: msg.Push.Pub.Offset, Bids: bids, Asks: asks}
			if err := b.ApplyDiff(diff); err != nil {
				logger.IncrementSequenceGap()
				log.WithFields(logger.Fields{"channel": msg.Push.Channel, "offset": msg.Push.Pub.Offset}).Warn("delta gap, resubscribing")
				subID++
				resub := models.RamzinexCommand{
					ID:        subID,
					Subscribe: &models.RamzinexSubscribe{Channel: msg.Push.Channel, Recover: true},
				}
				if c.venue.DeltaMode {
					resub.Subscribe.Delta = "fossil"
				}
				if err := conn.WriteJSON(resub); err != nil {
					log.WithError(err).Warn("failed to resubscribe")
					return streaming()
				}
				continue
			}
		} else {
			b.ApplySnapshot(bids, asks, msg.Push.Pub.Offset)
		}

		bid, hasBid := b.BestBid()
		ask, hasAsk := b.BestAsk()
		if !hasBid && !hasAsk {
			continue
		}

		seq := b.LastID()
		if seq == 0 {
			seq = c.seq.Next(native)
		}
		quote := models.Quote{
			Exchange:  exchangeName,
			Pair:      pair,
			Timestamp: collector.NowSeconds(),
			Sequence:  seq,
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

// tupleLevels converts [price, amount, ...] tuples; trailing tuple fields
// are venue bookkeeping and ignored.
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
