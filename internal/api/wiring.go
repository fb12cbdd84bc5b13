package api

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"

	"roadside/internal/auth"
	"roadside/internal/buildinfo"
	"roadside/internal/config"
	"roadside/internal/dispatch"
	"roadside/internal/estimate"
	"roadside/internal/events"
	"roadside/internal/geo"
	"roadside/internal/logger"
	"roadside/internal/metrics"
	"roadside/internal/notify"
	"roadside/internal/presence"
	"roadside/internal/store"
)

// OpenStore connects the configured backend, migrating when asked to.
func OpenStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "postgres":
		pg, err := store.NewPostgres(c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if c.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return pg, nil
	case "mongo":
		m, err := store.NewMongo(ctx, c.MongoURI, c.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if c.Migrate {
			if err := m.EnsureIndexes(ctx); err != nil {
				_ = m.Close()
				return nil, fmt.Errorf("ensure indexes: %w", err)
			}
		}
		return m, nil
	default:
		return store.NewMemory(), nil
	}
}

// NewServer assembles the whole service from configuration.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	metrics.RegisterDefault()
	log := logger.New("api")
	var closers []func() error
	fail := func(err error) (*Server, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return fail(fmt.Errorf("open %s store: %w", cfg.Store.Driver, err))
	}
	closers = append(closers, st.Close)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("redis url: %w", err))
		}
		rdb = redis.NewClient(opt)
		closers = append(closers, rdb.Close)
	}

	var broker events.Broker = events.NewMemoryBroker()
	if cfg.Broker.Driver == "redis" {
		broker = events.NewRedisBroker(rdb)
	}

	var reg presence.Registry = presence.NewMemory(cfg.Presence.TTL)
	if cfg.Presence.Driver == "redis" {
		reg = presence.NewRedis(rdb, cfg.Presence.TTL)
	}
	var checker geo.PresenceChecker
	if cfg.Dispatch.RequirePresence {
		checker = reg
	}

	var index geo.Index = geo.NewStoreIndex(st, checker)
	var locator geo.Locator
	if cfg.Dispatch.GeoIndex == "redis" {
		ri := geo.NewRedisIndex(rdb, st, checker)
		index, locator = ri, ri
	}

	var estimator estimate.Estimator = estimate.Rules{}
	if cfg.Estimate.Mode == "http" {
		estimator = estimate.NewHTTP(cfg.Estimate.URL)
	}

	sinks, err := buildSinks(ctx, cfg.Notify, st, logger.New("notify"))
	if err != nil {
		return fail(err)
	}
	names := make([]string, len(sinks))
	for i, sk := range sinks {
		names[i] = sk.Name()
	}

	var background []func(context.Context)
	var queue notify.Queue
	switch cfg.Notify.Queue {
	case "asynq":
		opt, err := asynq.ParseRedisURI(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("asynq redis url: %w", err))
		}
		aq := notify.NewAsynqQueue(opt, cfg.Notify.MaxAttempts)
		closers = append(closers, aq.Close)
		queue = aq
		srv := notify.NewAsynqServer(opt, 10)
		mux := notify.NewAsynqMux(sinks, logger.New("notify-asynq"))
		background = append(background, func(ctx context.Context) {
			if err := srv.Start(mux); err != nil {
				log.Errorf("asynq server: %v", err)
				return
			}
			<-ctx.Done()
			srv.Shutdown()
		})
	default:
		queue = notify.OutboxQueue{Store: st}
		worker := notify.NewWorker(st, sinks, cfg.Notify.MaxAttempts, logger.New("notify-worker"))
		background = append(background, func(ctx context.Context) {
			worker.Start()
			<-ctx.Done()
			close(worker.Stop)
		})
	}
	notifier := notify.New(queue, names, cfg.Notify.Buffer, logger.New("notifier"))
	notifier.Start()
	closers = append(closers, func() error { notifier.Stop(); return nil })

	seq := events.NewSequencer(broker, events.DefaultGap, logger.New("events"))
	coord := dispatch.New(dispatch.Deps{
		Store:     st,
		Geo:       index,
		Locator:   locator,
		Presence:  reg,
		Estimator: estimator,
		Events:    events.NewFanout(seq),
		Notifier:  notifier,
		Log:       logger.New("dispatch"),
	}, dispatch.Config{
		MaxCandidates:   cfg.Dispatch.MaxCandidates,
		DefaultRadiusKm: cfg.Dispatch.DefaultRadiusKm,
		EstimateTimeout: cfg.Estimate.Timeout,
	})

	s := New(Options{
		Coordinator: coord,
		Store:       st,
		Broker:      broker,
		Presence:    reg,
		Auth: auth.NewVerifier(auth.Options{
			Mode:       cfg.Auth.Mode,
			HMACSecret: cfg.Auth.HMACSecret,
			JWKSURL:    cfg.Auth.JWKSURL,
			RoleClaim:  cfg.Auth.RoleClaim,
			ActorClaim: cfg.Auth.ActorClaim,
		}),
		Log:       log,
		RateRPS:   cfg.Server.RateRPS,
		RateBurst: cfg.Server.RateBurst,
		Info:      debugInfo(cfg),
	})
	if rdb != nil {
		s.checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	s.background = background
	s.closers = closers
	return s, nil
}

func buildSinks(ctx context.Context, c config.NotifyConfig, st store.Store, log logger.Logger) ([]notify.Sink, error) {
	var sinks []notify.Sink
	for _, name := range c.SinkList() {
		switch name {
		case "log":
			sinks = append(sinks, notify.LogSink{Log: log})
		case "webhook":
			sinks = append(sinks, notify.NewWebhookSink(c.WebhookURL, c.WebhookSecret))
		case "fcm":
			client, err := notify.NewFCMClient(ctx, c.FCMCredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("fcm: %w", err)
			}
			sinks = append(sinks, &notify.FCMSink{Client: client, Devices: st})
		}
	}
	return sinks, nil
}

func debugInfo(cfg *config.Config) map[string]any {
	return map[string]any{
		"build":   buildinfo.Info(),
		"started": time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"addr":             cfg.Server.Addr,
			"store":            cfg.Store.Driver,
			"broker":           cfg.Broker.Driver,
			"presence":         cfg.Presence.Driver,
			"geoIndex":         cfg.Dispatch.GeoIndex,
			"requirePresence":  cfg.Dispatch.RequirePresence,
			"maxCandidates":    cfg.Dispatch.MaxCandidates,
			"defaultRadiusKm":  cfg.Dispatch.DefaultRadiusKm,
			"estimateMode":     cfg.Estimate.Mode,
			"estimateTimeout":  cfg.Estimate.Timeout.String(),
			"notifyQueue":      cfg.Notify.Queue,
			"notifySinks":      cfg.Notify.SinkList(),
			"authMode":         cfg.Auth.Mode,
			"rateRps":          cfg.Server.RateRPS,
			"rateBurst":        cfg.Server.RateBurst,
			"hasRedis":         cfg.Redis.URL != "",
			"tracing":          cfg.Telemetry.OTLPEndpoint != "",
			"presenceTtl":      cfg.Presence.TTL.String(),
			"notifyMaxAttempt": cfg.Notify.MaxAttempts,
		},
	}
}
