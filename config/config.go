package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Arbflow  AppConfig      `yaml:"arbflow"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Channels ChannelsConfig `yaml:"channels"`
	Markets  MarketsConfig  `yaml:"markets"`
	Source   SourceConfig   `yaml:"source"`
	Detector DetectorConfig `yaml:"detector"`
	Cache    CacheConfig    `yaml:"cache"`
	Hub      HubConfig      `yaml:"hub"`
	API      APIConfig      `yaml:"api"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
	Dashboard  string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	QuoteBuffer       int `yaml:"quote_buffer"`
	OpportunityBuffer int `yaml:"opportunity_buffer"`
}

type MarketsConfig struct {
	Path string `yaml:"path"`
}

type SourceConfig struct {
	Bingx    VenueConfig `yaml:"bingx"`
	Wallex   VenueConfig `yaml:"wallex"`
	Ramzinex VenueConfig `yaml:"ramzinex"`
	Lbank    VenueConfig `yaml:"lbank"`
}

type VenueConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Channel           string        `yaml:"channel"`
	Depth             int           `yaml:"depth"`
	DeltaMode         bool          `yaml:"delta_mode"`
	MaxSubsPerSocket  int           `yaml:"max_subs_per_socket"`
	MaxSockets        int           `yaml:"max_sockets"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectGrace    time.Duration `yaml:"reconnect_grace"`
	SubscribesPerSec  int           `yaml:"subscribes_per_sec"`
	SubscribeBurst    int           `yaml:"subscribe_burst"`
	ProtocolErrorRate int           `yaml:"protocol_error_rate"`
}

type DetectorConfig struct {
	Workers          int     `yaml:"workers"`
	MinProfitPercent float64 `yaml:"min_profit_percent"`
	InboxSize        int     `yaml:"inbox_size"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BestEpsilon   float64       `yaml:"best_epsilon"`
	InboxSize     int           `yaml:"inbox_size"`
}

type HubConfig struct {
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	QueueSize     int           `yaml:"queue_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	BatchSize     int           `yaml:"batch_size"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the YAML configuration file, applies defaults and
// environment overrides, and validates the result. Validation failures are
// structural configuration errors and should abort startup.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	applyEnvironment(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Arbflow.Name == "" {
		c.Arbflow.Name = "arbflow"
	}
	if c.Channels.QuoteBuffer <= 0 {
		c.Channels.QuoteBuffer = 4096
	}
	if c.Channels.OpportunityBuffer <= 0 {
		c.Channels.OpportunityBuffer = 1024
	}
	if c.Markets.Path == "" {
		c.Markets.Path = "config/markets.yml"
	}
	if c.Detector.Workers <= 0 {
		c.Detector.Workers = 8
	}
	if c.Detector.InboxSize <= 0 {
		c.Detector.InboxSize = 1024
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 60 * time.Second
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Second
	}
	if c.Cache.BestEpsilon <= 0 {
		c.Cache.BestEpsilon = 0.01
	}
	if c.Cache.InboxSize <= 0 {
		c.Cache.InboxSize = 1024
	}
	if c.Hub.Addr == "" {
		c.Hub.Addr = ":8081"
	}
	if c.Hub.Path == "" {
		c.Hub.Path = "/ws/arbitrage/"
	}
	if c.Hub.QueueSize <= 0 {
		c.Hub.QueueSize = 1024
	}
	if c.Hub.BatchInterval <= 0 {
		c.Hub.BatchInterval = 100 * time.Millisecond
	}
	if c.Hub.BatchSize <= 0 {
		c.Hub.BatchSize = 64
	}
	if c.Hub.StatsInterval <= 0 {
		c.Hub.StatsInterval = 30 * time.Second
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	for _, v := range []*VenueConfig{&c.Source.Bingx, &c.Source.Wallex, &c.Source.Ramzinex, &c.Source.Lbank} {
		if v.ReadTimeout <= 0 {
			v.ReadTimeout = 30 * time.Second
		}
		if v.AckTimeout <= 0 {
			v.AckTimeout = 10 * time.Second
		}
		if v.ReconnectGrace <= 0 {
			v.ReconnectGrace = 15 * time.Second
		}
		if v.SubscribesPerSec <= 0 {
			v.SubscribesPerSec = 10
		}
		if v.SubscribeBurst <= 0 {
			v.SubscribeBurst = 1
		}
		if v.ProtocolErrorRate <= 0 {
			v.ProtocolErrorRate = 5
		}
		if v.MaxSockets <= 0 {
			v.MaxSockets = 1000
		}
	}

	// Venue protocol constants that only make sense as defaults.
	if c.Source.Bingx.HeartbeatTimeout <= 0 {
		c.Source.Bingx.HeartbeatTimeout = 5 * time.Second
	}
	if c.Source.Bingx.MaxSubsPerSocket <= 0 {
		c.Source.Bingx.MaxSubsPerSocket = 200
	}
	if c.Source.Bingx.Channel == "" {
		c.Source.Bingx.Channel = "bookTicker"
	}
	if c.Source.Ramzinex.HeartbeatTimeout <= 0 {
		c.Source.Ramzinex.HeartbeatTimeout = 25 * time.Second
	}
	if c.Source.Wallex.HeartbeatTimeout <= 0 {
		c.Source.Wallex.HeartbeatTimeout = 25 * time.Second
	}
	if c.Source.Lbank.HeartbeatTimeout <= 0 {
		c.Source.Lbank.HeartbeatTimeout = 2 * time.Minute
	}
	if c.Source.Lbank.Depth <= 0 {
		c.Source.Lbank.Depth = 100
	}
}

func (c *Config) validate() error {
	if c.Markets.Path == "" {
		return fmt.Errorf("markets.path is required")
	}
	if c.Detector.MinProfitPercent < 0 {
		return fmt.Errorf("detector.min_profit_percent must be >= 0")
	}
	venues := map[string]*VenueConfig{
		"bingx":    &c.Source.Bingx,
		"wallex":   &c.Source.Wallex,
		"ramzinex": &c.Source.Ramzinex,
		"lbank":    &c.Source.Lbank,
	}
	enabled := 0
	for name, v := range venues {
		if !v.Enabled {
			continue
		}
		enabled++
		if v.URL == "" {
			return fmt.Errorf("source.%s.url is required when enabled", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no venue enabled")
	}
	return nil
}

// EnabledVenues lists the names of venues enabled in the source section.
func (c *Config) EnabledVenues() []string {
	names := []string{}
	if c.Source.Bingx.Enabled {
		names = append(names, "bingx")
	}
	if c.Source.Wallex.Enabled {
		names = append(names, "wallex")
	}
	if c.Source.Ramzinex.Enabled {
		names = append(names, "ramzinex")
	}
	if c.Source.Lbank.Enabled {
		names = append(names, "lbank")
	}
	return names
}
