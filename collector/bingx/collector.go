package bingx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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
	exchangeName = "bingx"
	// The venue allows at most 60 sockets per source IP regardless of the
	// configured socket cap.
	socketsPerIP = 60
)

// Collector speaks the futures-style websocket protocol: gzip-compressed
// JSON binary frames, a textual "Ping" heartbeat that must be answered
// "Pong" before the next server tick, and uuid-identified subscriptions
// sharded at 200 topics per socket.
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
	venue := cfg.Source.Bingx
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

// Start shards the subscription set across sockets and launches one stream
// goroutine per shard.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("bingx collector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("bingx_collector").WithFields(logger.Fields{"operation": "start"})

	if !c.venue.Enabled {
		log.Warn("bingx source is disabled")
		return fmt.Errorf("bingx source is disabled")
	}

	aliases := c.registry.ForExchange(exchangeName)
	if len(aliases) == 0 {
		log.Warn("no bingx markets configured")
		return fmt.Errorf("no bingx markets configured")
	}

	shards := c.shard(aliases)
	log.WithFields(logger.Fields{
		"symbols": len(aliases),
		"sockets": len(shards),
		"channel": c.venue.Channel,
	}).Info("starting bingx collector")

	for _, shard := range shards {
		c.wg.Add(1)
		go c.stream(shard)
	}
	collector.MonitorStale(ctx, c.wg, c.store, exchangeName, c.venue.ReconnectGrace, c.tracker)

	log.Info("bingx collector started successfully")
	return nil
}

// Stop terminates all socket goroutines.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("bingx_collector").Info("stopping bingx collector")
	c.wg.Wait()
	c.tracker.SetState(collector.StateShutdown)
	c.log.WithComponent("bingx_collector").Info("bingx collector stopped")
}

// shard greedily fills sockets up to the 200-topic cap, bounded by both the
// configured socket cap and the per-IP limit.
func (c *Collector) shard(aliases []symbols.Alias) [][]symbols.Alias {
	perSocket := c.venue.MaxSubsPerSocket
	maxSockets := c.venue.MaxSockets
	if maxSockets > socketsPerIP {
		maxSockets = socketsPerIP
	}

	var shards [][]symbols.Alias
	for start := 0; start < len(aliases); start += perSocket {
		if len(shards) == maxSockets {
			c.log.WithComponent("bingx_collector").WithFields(logger.Fields{
				"dropped": len(aliases) - start,
			}).Warn("socket cap reached, dropping remaining subscriptions")
			break
		}
		end := start + perSocket
		if end > len(aliases) {
			end = len(aliases)
		}
		shards = append(shards, aliases[start:end])
	}
	return shards
}

func (c *Collector) stream(shard []symbols.Alias) {
	defer c.wg.Done()

	log := c.log.WithComponent("bingx_collector").WithFields(logger.Fields{
		"worker":  "stream",
		"symbols": len(shard),
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
		streamedFor := c.run(conn, shard, log)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.tracker.SetState(collector.StateReconnectBackoff)
		backoff.ResetAfterStream(streamedFor)
		log.Warn("bingx websocket disconnected, reconnecting")
		if !c.sleep(backoff.Next()) {
			return
		}
	}
}

// run subscribes the shard and pumps frames until the connection dies. It
// returns how long the connection spent streaming.
func (c *Collector) run(conn *websocket.Conn, shard []symbols.Alias, log *logger.Entry) time.Duration {
	c.tracker.SetState(collector.StateSubscribing)

	pending := make(map[string]string, len(shard))
	for _, alias := range shard {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return 0
		}
		id := uuid.NewString()
		req := models.BingxSubscribeReq{
			ID:       id,
			ReqType:  "sub",
			DataType: alias.Native + "@" + c.venue.Channel,
		}
		if err := conn.WriteJSON(req); err != nil {
			log.WithError(err).Warn("failed to send subscription")
			return 0
		}
		pending[id] = req.DataType
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

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if streamStart.IsZero() {
				log.WithError(err).Warn("no subscription ack before deadline")
			} else {
				log.WithError(err).Warn("websocket read failed")
			}
			return streaming()
		}

		payload := data
		if msgType == websocket.BinaryMessage {
			payload, err = gunzip(data)
			if err != nil {
				logger.IncrementDecodeError()
				log.WithError(err).Warn("gzip decompression failed")
				if errRate.Add() {
					log.Warn("decode error rate exceeded, cycling connection")
					return streaming()
				}
				continue
			}
		}

		text := strings.TrimSpace(string(payload))
		if text == "Ping" {
			// The server disconnects unless Pong arrives before its next
			// ~5s tick.
			conn.SetWriteDeadline(time.Now().Add(c.venue.HeartbeatTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Pong")); err != nil {
				log.WithError(err).Warn("failed to send pong")
				return streaming()
			}
			continue
		}

		var frame models.BingxDataFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			logger.IncrementDecodeError()
			log.WithError(err).Warn("failed to decode frame")
			if errRate.Add() {
				log.Warn("decode error rate exceeded, cycling connection")
				return streaming()
			}
			continue
		}

		if frame.DataType == "" {
			var ack models.BingxSubscribeAck
			if err := json.Unmarshal(payload, &ack); err != nil || ack.ID == "" {
				continue
			}
			if ack.Code != 0 {
				log.WithFields(logger.Fields{"id": ack.ID, "code": ack.Code, "msg": ack.Msg}).Warn("subscription rejected")
				if errRate.Add() {
					return streaming()
				}
				continue
			}
			delete(pending, ack.ID)
			if len(pending) == 0 && streamStart.IsZero() {
				streamStart = time.Now()
				c.tracker.SetState(collector.StateStreaming)
				log.Info("all subscriptions acknowledged")
			}
			continue
		}

		// Venue-dependent rule: the first data frame also counts as
		// subscription success.
		if streamStart.IsZero() {
			streamStart = time.Now()
			c.tracker.SetState(collector.StateStreaming)
		}

		if err := c.handleData(conn, frame, books, log); err != nil {
			if errRate.Add() {
				log.Warn("protocol error rate exceeded, cycling connection")
				return streaming()
			}
		}
	}
}

func (c *Collector) handleData(conn *websocket.Conn, frame models.BingxDataFrame, books map[string]*book.Book, log *logger.Entry) error {
	parts := strings.SplitN(frame.DataType, "@", 2)
	if len(parts) != 2 {
		logger.IncrementDecodeError()
		return fmt.Errorf("malformed dataType %q", frame.DataType)
	}
	native, channel := parts[0], parts[1]

	pair, ok := c.registry.Canonicalize(exchangeName, native)
	if !ok {
		log.WithFields(logger.Fields{"symbol": native}).Debug("unknown symbol, dropping")
		return nil
	}

	switch channel {
	case "bookTicker":
		var tick models.BingxBookTicker
		if err := json.Unmarshal(frame.Data, &tick); err != nil {
			logger.IncrementDecodeError()
			return err
		}
		quote := models.Quote{
			Exchange:  exchangeName,
			Pair:      pair,
			BidPrice:  tick.BidPrice,
			BidVolume: tick.BidVolume,
			AskPrice:  tick.AskPrice,
			AskVolume: tick.AskVolume,
			Timestamp: collector.NowSeconds(),
			Sequence:  c.seq.Next(native),
		}
		c.store.Put(quote)
		c.tracker.TouchData()
		logger.IncrementQuoteRead(len(frame.Data))
		return nil

	case "incrDepth":
		var depth models.BingxDepth
		if err := json.Unmarshal(frame.Data, &depth); err != nil {
			logger.IncrementDecodeError()
			return err
		}
		b, ok := books[native]
		if !ok {
			b = book.NewBook()
			books[native] = b
		}

		switch depth.Action {
		case "partial":
			b.ApplySnapshot(tupleLevels(depth.Bids), tupleLevels(depth.Asks), depth.LastUpdateID)
		default:
			diff := book.Diff{ID: depth.LastUpdateID, Bids: tupleLevels(depth.Bids), Asks: tupleLevels(depth.Asks)}
			if err := b.ApplyDiff(diff); err != nil {
				logger.IncrementSequenceGap()
				log.WithFields(logger.Fields{"symbol": native, "last_id": b.LastID()}).Warn("depth gap, resubscribing")
				c.resubscribe(conn, native)
				return nil
			}
		}

		bid, hasBid := b.BestBid()
		ask, hasAsk := b.BestAsk()
		if !hasBid && !hasAsk {
			return nil
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
		logger.IncrementQuoteRead(len(frame.Data))
		return nil

	default:
		log.WithFields(logger.Fields{"data_type": frame.DataType}).Debug("unhandled channel")
		return nil
	}
}

// resubscribe re-requests one topic; the venue answers with a fresh partial
// snapshot.
func (c *Collector) resubscribe(conn *websocket.Conn, native string) {
	req := models.BingxSubscribeReq{
		ID:       uuid.NewString(),
		ReqType:  "sub",
		DataType: native + "@" + c.venue.Channel,
	}
	if err := conn.WriteJSON(req); err != nil {
		c.log.WithComponent("bingx_collector").WithError(err).Warn("failed to resubscribe")
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

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
