// Package config loads service configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides, e.g. ROADSIDE_STORE__DRIVER=postgres.
const EnvPrefix = "ROADSIDE_"

type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Redis     RedisConfig     `json:"redis"`
	Broker    BrokerConfig    `json:"broker"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Presence  PresenceConfig  `json:"presence"`
	Estimate  EstimateConfig  `json:"estimate"`
	Notify    NotifyConfig    `json:"notify"`
	Auth      AuthConfig      `json:"auth"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Addr              string        `json:"addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	RateRPS           float64       `json:"rate_rps"`
	RateBurst         int           `json:"rate_burst"`
}

type StoreConfig struct {
	// Driver is memory, postgres or mongo.
	Driver        string `json:"driver"`
	DatabaseURL   string `json:"database_url"`
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`
	Migrate       bool   `json:"migrate"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type BrokerConfig struct {
	// Driver is memory or redis.
	Driver string `json:"driver"`
}

type DispatchConfig struct {
	MaxCandidates   int     `json:"max_candidates"`
	DefaultRadiusKm float64 `json:"default_radius_km"`
	// GeoIndex is store or redis.
	GeoIndex        string `json:"geo_index"`
	RequirePresence bool   `json:"require_presence"`
}

type PresenceConfig struct {
	// Driver is memory or redis.
	Driver string        `json:"driver"`
	TTL    time.Duration `json:"ttl"`
}

type EstimateConfig struct {
	// Mode is rules or http.
	Mode    string        `json:"mode"`
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

type NotifyConfig struct {
	// Queue is outbox or asynq.
	Queue string `json:"queue"`
	// Sinks is a comma separated list of log, webhook, fcm.
	Sinks              string `json:"sinks"`
	MaxAttempts        int    `json:"max_attempts"`
	Buffer             int    `json:"buffer"`
	WebhookURL         string `json:"webhook_url"`
	WebhookSecret      string `json:"webhook_secret"`
	FCMCredentialsFile string `json:"fcm_credentials_file"`
}

// SinkList splits Sinks.
func (n NotifyConfig) SinkList() []string {
	var out []string
	for _, s := range strings.Split(n.Sinks, ",") {
		if s = strings.TrimSpace(strings.ToLower(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type AuthConfig struct {
	// Mode is dev, hmac or jwks.
	Mode       string `json:"mode"`
	HMACSecret string `json:"hmac_secret"`
	JWKSURL    string `json:"jwks_url"`
	RoleClaim  string `json:"role_claim"`
	ActorClaim string `json:"actor_claim"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
	ServiceName  string `json:"service_name"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Load reads path (if it exists) then applies environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.applyLegacyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyEnv honours the plain variables most deployments already export.
func (c *Config) applyLegacyEnv() {
	if v := os.Getenv("PORT"); v != "" && c.Server.Addr == "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && c.Store.DatabaseURL == "" {
		c.Store.DatabaseURL = v
		if c.Store.Driver == "" {
			c.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv("MONGO_URI"); v != "" && c.Store.MongoURI == "" {
		c.Store.MongoURI = v
		if c.Store.Driver == "" {
			c.Store.Driver = "mongo"
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" && c.Redis.URL == "" {
		c.Redis.URL = v
	}
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.RateRPS == 0 {
		c.Server.RateRPS = 20
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 40
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MongoDatabase == "" {
		c.Store.MongoDatabase = "roadside"
	}
	if c.Broker.Driver == "" {
		c.Broker.Driver = "memory"
		if c.Redis.URL != "" {
			c.Broker.Driver = "redis"
		}
	}
	if c.Dispatch.MaxCandidates == 0 {
		c.Dispatch.MaxCandidates = 20
	}
	if c.Dispatch.DefaultRadiusKm == 0 {
		c.Dispatch.DefaultRadiusKm = 10
	}
	if c.Dispatch.GeoIndex == "" {
		c.Dispatch.GeoIndex = "store"
	}
	if c.Presence.Driver == "" {
		c.Presence.Driver = "memory"
		if c.Redis.URL != "" {
			c.Presence.Driver = "redis"
		}
	}
	if c.Presence.TTL == 0 {
		c.Presence.TTL = 90 * time.Second
	}
	if c.Estimate.Mode == "" {
		c.Estimate.Mode = "rules"
	}
	if c.Estimate.Timeout == 0 {
		c.Estimate.Timeout = 3 * time.Second
	}
	if c.Notify.Queue == "" {
		c.Notify.Queue = "outbox"
	}
	if strings.TrimSpace(c.Notify.Sinks) == "" {
		c.Notify.Sinks = "log"
		if c.Notify.WebhookURL != "" {
			c.Notify.Sinks += ",webhook"
		}
	}
	if c.Notify.MaxAttempts == 0 {
		c.Notify.MaxAttempts = 10
	}
	if c.Notify.Buffer == 0 {
		c.Notify.Buffer = 256
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "dev"
	}
	if c.Auth.RoleClaim == "" {
		c.Auth.RoleClaim = "role"
	}
	if c.Auth.ActorClaim == "" {
		c.Auth.ActorClaim = "sub"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "roadside-dispatch"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url required for postgres")
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("store.mongo_uri required for mongo")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	needRedis := c.Broker.Driver == "redis" || c.Presence.Driver == "redis" ||
		c.Dispatch.GeoIndex == "redis" || c.Notify.Queue == "asynq"
	if needRedis && c.Redis.URL == "" {
		return errors.New("redis.url required by broker, presence, geo index or asynq queue")
	}
	if c.Broker.Driver != "memory" && c.Broker.Driver != "redis" {
		return fmt.Errorf("unknown broker driver %q", c.Broker.Driver)
	}
	if c.Presence.Driver != "memory" && c.Presence.Driver != "redis" {
		return fmt.Errorf("unknown presence driver %q", c.Presence.Driver)
	}
	if c.Dispatch.GeoIndex != "store" && c.Dispatch.GeoIndex != "redis" {
		return fmt.Errorf("unknown geo index %q", c.Dispatch.GeoIndex)
	}
	if c.Dispatch.MaxCandidates < 1 {
		return errors.New("dispatch.max_candidates must be >= 1")
	}
	if c.Dispatch.DefaultRadiusKm < 1 || c.Dispatch.DefaultRadiusKm > 50 {
		return errors.New("dispatch.default_radius_km must be within [1,50]")
	}
	switch c.Estimate.Mode {
	case "rules":
	case "http":
		if c.Estimate.URL == "" {
			return errors.New("estimate.url required for http mode")
		}
	default:
		return fmt.Errorf("unknown estimate mode %q", c.Estimate.Mode)
	}
	if c.Notify.Queue != "outbox" && c.Notify.Queue != "asynq" {
		return fmt.Errorf("unknown notify queue %q", c.Notify.Queue)
	}
	for _, s := range c.Notify.SinkList() {
		switch s {
		case "log":
		case "webhook":
			if c.Notify.WebhookURL == "" {
				return errors.New("notify.webhook_url required for webhook sink")
			}
		case "fcm":
			if c.Notify.FCMCredentialsFile == "" {
				return errors.New("notify.fcm_credentials_file required for fcm sink")
			}
		default:
			return fmt.Errorf("unknown notify sink %q", s)
		}
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return errors.New("auth.hmac_secret required for hmac mode")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return errors.New("auth.jwks_url required for jwks mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	return nil
}
