package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/channel"
	"arbflow/internal/opps"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

// RedisInfo supplies server statistics for the periodic stats payload.
// When no mirror is configured the zero values are broadcast.
type RedisInfo interface {
	ServerStats(ctx context.Context) (memory string, clients, ops int64)
}

// StatusFunc reports per-venue connection states.
type StatusFunc func() map[string]models.ExchangeStatus

// Hub multiplexes the price stream, opportunity stream and best-opportunity
// watch to dashboard websocket subscribers.
type Hub struct {
	config   *appconfig.Config
	store    *book.Store
	cache    *opps.Cache
	registry *symbols.Registry
	channels *channel.Channels
	redis    RedisInfo
	statusFn StatusFunc

	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	sessions map[*Session]struct{}
	started  time.Time
	srv      *http.Server
	upgrader websocket.Upgrader
}

func NewHub(cfg *appconfig.Config, store *book.Store, cache *opps.Cache, registry *symbols.Registry, channels *channel.Channels, redis RedisInfo, statusFn StatusFunc) *Hub {
	return &Hub{
		config:   cfg,
		store:    store,
		cache:    cache,
		registry: registry,
		channels: channels,
		redis:    redis,
		statusFn: statusFn,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		sessions: make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start launches the fan-out loops and the websocket endpoint.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("hub already running")
	}
	h.running = true
	h.ctx = ctx
	h.started = time.Now()
	h.mu.Unlock()

	log := h.log.WithComponent("hub").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"addr": h.config.Hub.Addr,
		"path": h.config.Hub.Path,
	}).Info("starting broadcast hub")

	sub := h.store.Subscribe(ctx, h.config.Channels.QuoteBuffer)
	h.wg.Add(1)
	go h.quoteLoop(sub)

	h.wg.Add(1)
	go h.opportunityLoop()

	h.wg.Add(1)
	go h.bestLoop()

	h.wg.Add(1)
	go h.statsLoop()

	mux := http.NewServeMux()
	mux.Handle(h.config.Hub.Path, h)
	h.srv = &http.Server{Addr: h.config.Hub.Addr, Handler: mux}

	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("hub server failed")
		}
	}()

	log.Info("broadcast hub started successfully")
	return nil
}

// Stop closes all sessions with a going-away code and shuts the server down.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.running = false
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[*Session]struct{})
	h.mu.Unlock()

	h.log.WithComponent("hub").Info("stopping broadcast hub")
	for _, s := range sessions {
		s.close(websocket.CloseGoingAway)
	}
	if h.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.srv.Shutdown(shutdownCtx)
		cancel()
	}
	h.wg.Wait()
	h.log.WithComponent("hub").Info("broadcast hub stopped")
}

// ServeHTTP upgrades a dashboard connection, replays the current snapshots
// and registers the session for live events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.log.WithComponent("hub").WithFields(logger.Fields{"remote": r.RemoteAddr})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s := newSession(conn, h.config.Hub.QueueSize)

	prices := make([]models.DisplayQuote, 0)
	for _, q := range h.store.Snapshot() {
		prices = append(prices, h.registry.DecorateQuote(q))
	}
	s.enqueue(models.Event{Type: models.EventInitialPrices, Data: prices}, false)

	opportunities := h.registry.DecorateOpportunities(h.cache.Snapshot())
	s.enqueue(models.Event{Type: models.EventInitialOpportunities, Data: opportunities}, false)

	s.enqueue(models.Event{Type: models.EventBestOpportunity, Data: h.decorateBest(h.cache.Best())}, true)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	count := len(h.sessions)
	h.mu.Unlock()

	go s.writeLoop()
	go s.readLoop(h.drop)

	log.WithFields(logger.Fields{"sessions": count}).Info("dashboard session opened")
}

func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()
	h.log.WithComponent("hub").WithFields(logger.Fields{"sessions": count}).Info("dashboard session closed")
}

func (h *Hub) broadcast(ev models.Event, isBest bool) {
	h.mu.RLock()
	for s := range h.sessions {
		s.enqueue(ev, isBest)
	}
	h.mu.RUnlock()
}

func (h *Hub) quoteLoop(sub *book.Subscription) {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			dq := h.registry.DecorateQuote(ev.New)
			h.broadcast(models.Event{Type: models.EventPriceUpdate, Data: dq}, false)
		}
	}
}

// opportunityLoop batches newly inserted opportunities, flushing on the
// configured interval or when the batch fills.
func (h *Hub) opportunityLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.Hub.BatchInterval)
	defer ticker.Stop()

	batch := make([]models.Opportunity, 0, h.config.Hub.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := h.registry.DecorateOpportunities(batch)
		h.broadcast(models.Event{Type: models.EventOpportunitiesUpdate, Data: out}, false)
		batch = batch[:0]
	}

	for {
		select {
		case <-h.ctx.Done():
			flush()
			return
		case opp, ok := <-h.channels.Inserts:
			if !ok {
				flush()
				return
			}
			batch = append(batch, opp)
			if len(batch) >= h.config.Hub.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (h *Hub) bestLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case best, ok := <-h.channels.Best:
			if !ok {
				return
			}
			h.broadcast(models.Event{Type: models.EventBestOpportunity, Data: h.decorateBest(best)}, true)
		}
	}
}

func (h *Hub) statsLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.Hub.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(models.Event{Type: models.EventRedisStats, Data: h.Stats()}, false)
		}
	}
}

// Stats assembles the aggregate counters payload shared by the periodic
// broadcast and the HTTP API.
func (h *Hub) Stats() models.Stats {
	stats := models.Stats{
		PricesCount:        h.store.Count(),
		OpportunitiesCount: h.cache.Count(),
		UptimeSeconds:      time.Since(h.started).Seconds(),
		Counters:           logger.Counters(),
	}
	if h.statusFn != nil {
		stats.Exchanges = h.statusFn()
	}
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		stats.RedisMemory, stats.RedisClients, stats.RedisOpsPerSec = h.redis.ServerStats(ctx)
		cancel()
	}
	return stats
}

func (h *Hub) decorateBest(best *models.Opportunity) interface{} {
	if best == nil {
		return nil
	}
	decorated := h.registry.DecorateOpportunity(*best)
	return decorated
}
