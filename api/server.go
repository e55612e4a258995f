package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"

	appconfig "arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/opps"
	"arbflow/internal/symbols"
	"arbflow/logger"
	"arbflow/models"
)

// StatsFunc supplies the aggregate stats payload; the hub owns its assembly.
type StatsFunc func() models.Stats

// Server exposes the HTTP JSON snapshot endpoints consumed by the
// surrounding application. All reads come from the same in-memory
// snapshots the dashboard websocket uses.
type Server struct {
	config   *appconfig.Config
	store    *book.Store
	cache    *opps.Cache
	registry *symbols.Registry
	statsFn  StatsFunc
	app      *fiber.App
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewServer(cfg *appconfig.Config, store *book.Store, cache *opps.Cache, registry *symbols.Registry, statsFn StatsFunc) *Server {
	s := &Server{
		config:   cfg,
		store:    store,
		cache:    cache,
		registry: registry,
		statsFn:  statsFn,
		log:      logger.GetLogger(),
	}

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.Arbflow.Name,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	s.app.Get("/api/prices/", s.getPrices)
	s.app.Get("/api/opportunities/", s.getOpportunities)
	s.app.Get("/api/stats/", s.getStats)

	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("api server already running")
	}
	s.running = true
	s.mu.Unlock()

	log := s.log.WithComponent("api").WithFields(logger.Fields{"addr": s.config.API.Addr})
	log.Info("starting api server")

	go func() {
		if err := s.app.Listen(s.config.API.Addr); err != nil {
			log.WithError(err).Error("api server failed")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("api").Info("stopping api server")
	if err := s.app.Shutdown(); err != nil {
		s.log.WithComponent("api").WithError(err).Warn("api shutdown failed")
	}
	s.log.WithComponent("api").Info("api server stopped")
}

// Handles GET /api/prices/.
func (s *Server) getPrices(c fiber.Ctx) error {
	quotes := s.store.Snapshot()
	prices := make([]models.DisplayQuote, 0, len(quotes))
	for _, q := range quotes {
		prices = append(prices, s.registry.DecorateQuote(q))
	}

	return c.JSON(fiber.Map{
		"success":        true,
		"data":           prices,
		"currency_names": s.registry.CurrencyNames(),
	})
}

// Handles GET /api/opportunities/.
func (s *Server) getOpportunities(c fiber.Ctx) error {
	opportunities := s.registry.DecorateOpportunities(s.cache.Snapshot())

	var best interface{}
	if b := s.cache.Best(); b != nil {
		best = s.registry.DecorateOpportunity(*b)
	}

	return c.JSON(fiber.Map{
		"success":          true,
		"data":             opportunities,
		"best_opportunity": best,
		"total_count":      len(opportunities),
		"currency_names":   s.registry.CurrencyNames(),
	})
}

// Handles GET /api/stats/.
func (s *Server) getStats(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    s.statsFn(),
	})
}
