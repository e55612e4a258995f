package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"arbflow/api"
	"arbflow/collector"
	"arbflow/collector/bingx"
	"arbflow/collector/lbank"
	"arbflow/collector/ramzinex"
	"arbflow/collector/wallex"
	"arbflow/config"
	"arbflow/internal/book"
	"arbflow/internal/channel"
	"arbflow/internal/detector"
	"arbflow/internal/hub"
	"arbflow/internal/mirror"
	"arbflow/internal/opps"
	"arbflow/internal/symbols"
	"arbflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Arbflow.Name,
		"version":     cfg.Arbflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting arbflow")

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	registry, err := symbols.Load(cfg.Markets.Path)
	if err != nil {
		log.WithError(err).Error("failed to load markets metadata")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{"pairs": len(registry.Pairs())}).Info("symbol registry loaded")

	store := book.NewStore()

	channels := channel.NewChannels(cfg.Channels.OpportunityBuffer)
	defer channels.Close()

	collectors := make([]collector.Collector, 0, 4)
	if cfg.Source.Bingx.Enabled {
		collectors = append(collectors, bingx.NewCollector(cfg, store, registry))
	}
	if cfg.Source.Wallex.Enabled {
		collectors = append(collectors, wallex.NewCollector(cfg, store, registry))
	}
	if cfg.Source.Ramzinex.Enabled {
		collectors = append(collectors, ramzinex.NewCollector(cfg, store, registry))
	}
	if cfg.Source.Lbank.Enabled {
		collectors = append(collectors, lbank.NewCollector(cfg, store, registry))
	}

	cache := opps.NewCache(cfg, channels)
	det := detector.NewDetector(cfg, store, channels)

	var redisMirror *mirror.Mirror
	var redisInfo hub.RedisInfo
	if cfg.Redis.Enabled {
		redisMirror = mirror.NewMirror(cfg, store, registry)
		cache.SetInsertHook(redisMirror.EnqueueOpportunity)
		redisInfo = redisMirror
	}

	h := hub.NewHub(cfg, store, cache, registry, channels, redisInfo, collector.StatusMap(collectors))

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, store, cache, registry, h.Stats)
	}

	if redisMirror != nil {
		if err := redisMirror.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start redis mirror")
			os.Exit(1)
		}
	}

	if err := cache.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start opportunity cache")
		os.Exit(1)
	}

	if err := det.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start detector")
		os.Exit(1)
	}

	if err := h.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start broadcast hub")
		os.Exit(1)
	}

	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			log.WithError(err).Error("failed to start api server")
			os.Exit(1)
		}
	}

	for _, c := range collectors {
		go func(c collector.Collector) {
			if err := c.Start(ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"exchange": c.Name()}).Warn("collector failed to start")
			}
		}(c)
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for _, c := range collectors {
			log.WithFields(logger.Fields{"exchange": c.Name()}).Info("stopping collector")
			c.Stop()
		}

		log.Info("stopping detector")
		det.Stop()

		log.Info("stopping opportunity cache")
		cache.Stop()

		log.Info("stopping broadcast hub")
		h.Stop()

		if apiServer != nil {
			log.Info("stopping api server")
			apiServer.Stop()
		}

		if redisMirror != nil {
			log.Info("stopping redis mirror")
			redisMirror.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("arbflow stopped")
}
