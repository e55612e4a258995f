package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

const (
	priceKeyPrefix = "prices:"
	oppKeyPrefix   = "opportunity:"
	latestZSet     = "opportunities:latest"
	oppTTL         = 5 * time.Minute
	latestKept     = 500
)

// Mirror writes quotes and opportunities through to Redis for the HTTP
// snapshot endpoints of surrounding applications. It is never on the
// detection path: writes flow through its own conflated subscription and a
// bounded inbox.
type Mirror struct {
	config   *appconfig.Config
	client   *redis.Client
	store    *book.Store
	registry *symbols.Registry
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	oppInbox chan models.Opportunity
}

func NewMirror(cfg *appconfig.Config, store *book.Store, registry *symbols.Registry) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return &Mirror{
		config:   cfg,
		client:   client,
		store:    store,
		registry: registry,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		oppInbox: make(chan models.Opportunity, 1024),
	}
}

// Start verifies connectivity and launches the write pumps. An unreachable
// Redis with mirroring enabled is a configuration error.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("redis mirror already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("redis_mirror").WithFields(logger.Fields{"operation": "start"})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping %s:%d: %w", m.config.Redis.Host, m.config.Redis.Port, err)
	}

	log.WithFields(logger.Fields{
		"addr": fmt.Sprintf("%s:%d", m.config.Redis.Host, m.config.Redis.Port),
		"db":   m.config.Redis.DB,
	}).Info("starting redis mirror")

	sub := m.store.Subscribe(ctx, m.config.Channels.QuoteBuffer)
	m.wg.Add(1)
	go m.priceLoop(sub)

	m.wg.Add(1)
	go m.opportunityLoop()

	log.Info("redis mirror started successfully")
	return nil
}

// Stop drains the pumps and closes the client.
func (m *Mirror) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("redis_mirror").Info("stopping redis mirror")
	m.wg.Wait()
	m.client.Close()
	m.log.WithComponent("redis_mirror").Info("redis mirror stopped")
}

// EnqueueOpportunity hands a newly inserted opportunity to the write pump
// without blocking the cache task.
func (m *Mirror) EnqueueOpportunity(opp models.Opportunity) {
	select {
	case m.oppInbox <- opp:
	default:
		m.log.WithComponent("redis_mirror").Debug("opportunity inbox full, dropping mirror write")
	}
}

func (m *Mirror) priceLoop(sub *book.Subscription) {
	defer m.wg.Done()
	log := m.log.WithComponent("redis_mirror")

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			dq := m.registry.DecorateQuote(ev.New)
			payload, err := json.Marshal(dq)
			if err != nil {
				continue
			}
			key := priceKeyPrefix + ev.New.Exchange + ":" + ev.New.Pair
			if err := m.client.Set(m.ctx, key, payload, 0).Err(); err != nil {
				log.WithError(err).Debug("price mirror write failed")
			}
		}
	}
}

func (m *Mirror) opportunityLoop() {
	defer m.wg.Done()
	log := m.log.WithComponent("redis_mirror")

	for {
		select {
		case <-m.ctx.Done():
			return
		case opp, ok := <-m.oppInbox:
			if !ok {
				return
			}
			decorated := m.registry.DecorateOpportunity(opp)
			payload, err := json.Marshal(decorated)
			if err != nil {
				continue
			}
			key := oppKeyPrefix + opp.Fingerprint()
			pipe := m.client.Pipeline()
			pipe.SetEX(m.ctx, key, payload, oppTTL)
			pipe.ZAdd(m.ctx, latestZSet, &redis.Z{Score: opp.LastSeen, Member: key})
			pipe.ZRemRangeByRank(m.ctx, latestZSet, 0, -int64(latestKept)-1)
			if _, err := pipe.Exec(m.ctx); err != nil {
				log.WithError(err).Debug("opportunity mirror write failed")
			}
		}
	}
}

// ServerStats reports memory, client and throughput figures for the stats
// payload. Failures degrade to zero values.
func (m *Mirror) ServerStats(ctx context.Context) (string, int64, int64) {
	info, err := m.client.Info(ctx, "memory", "clients", "stats").Result()
	if err != nil {
		return "", 0, 0
	}

	memory := ""
	var clients, ops int64
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "used_memory_human:"):
			memory = strings.TrimPrefix(line, "used_memory_human:")
		case strings.HasPrefix(line, "connected_clients:"):
			clients, _ = strconv.ParseInt(strings.TrimPrefix(line, "connected_clients:"), 10, 64)
		case strings.HasPrefix(line, "instantaneous_ops_per_sec:"):
			ops, _ = strconv.ParseInt(strings.TrimPrefix(line, "instantaneous_ops_per_sec:"), 10, 64)
		}
	}
	return memory, clients, ops
}
