// Command server hosts the admin/end-user transport (§4.0): broadcast
// create/cancel/list/deliveries, dead-letter operator actions, the
// per-user SSE stream, and health/metrics endpoints.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broadcasthub/platform/internal/broadcast"
	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/delivery"
	"github.com/broadcasthub/platform/internal/dlt"
	"github.com/broadcasthub/platform/internal/metrics"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/presence"
	"github.com/broadcasthub/platform/internal/storage"
	"github.com/broadcasthub/platform/internal/targeting"

	"github.com/broadcasthub/platform/pkg/api/ratelimit"
	"github.com/broadcasthub/platform/pkg/cache"
	"github.com/broadcasthub/platform/pkg/cache/adapters/memory"
	cacheredis "github.com/broadcasthub/platform/pkg/cache/adapters/redis"
	"github.com/broadcasthub/platform/pkg/config"
	apperrors "github.com/broadcasthub/platform/pkg/errors"
	"github.com/broadcasthub/platform/pkg/logger"
	"github.com/broadcasthub/platform/pkg/messaging"
	"github.com/broadcasthub/platform/pkg/messaging/adapters/kafka"
	"github.com/broadcasthub/platform/pkg/telemetry"

	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
)

// appConfig is the full set of environment-driven knobs for this process,
// loaded in one shot via config.Load.
type appConfig struct {
	Logger           logger.Config
	HTTPPort         string `env:"HTTP_PORT" env-default:"8080"`
	PodID            string `env:"POD_ID" env-default:"pod-1"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" env-default:"broadcasthub"`

	DB               storage.Config
	Cache            cache.Config
	CacheResilience  cache.ResilientConfig
	PresenceBloom    cache.BloomCacheConfig
	Kafka            kafka.Config
	BrokerResilience messaging.ResilientBrokerConfig
	Directory        targeting.DirectoryConfig
	Connection       connection.Config
	Telemetry        telemetry.Config

	CreateRateLimitPerMinute int64 `env:"CREATE_RATE_LIMIT_PER_MIN" env-default:"120"`
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}
	cfg.Connection.PodID = cfg.PodID

	logger.Init(cfg.Logger)
	log := logger.L()

	cfg.Telemetry.ServiceName = "broadcasthub-server"
	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Warn("tracing disabled: failed to initialize otel exporter", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DB)
	if err != nil {
		log.ErrorContext(ctx, "failed to open database", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(
		&model.Broadcast{}, &model.UserBroadcast{}, &model.OutboxEvent{},
		&model.BroadcastStatistics{}, &model.UserSession{}, &model.UserPreferences{},
		&model.DltRecord{},
	); err != nil {
		log.ErrorContext(ctx, "failed to auto-migrate schema", "error", err)
		os.Exit(1)
	}
	repo := storage.New(db)

	rawCache, redisClient, err := newCache(cfg.Cache)
	if err != nil {
		log.ErrorContext(ctx, "failed to construct cache", "error", err)
		os.Exit(1)
	}
	appCache := cache.NewResilientCache(cache.NewInstrumentedCache(rawCache), cfg.CacheResilience)

	broker, err := kafka.New(cfg.Kafka)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to kafka", "error", err)
		os.Exit(1)
	}
	appBroker := messaging.NewResilientBroker(messaging.NewInstrumentedBroker(broker), cfg.BrokerResilience)

	met := metrics.New(cfg.MetricsNamespace)

	// Pending-event and index lookups miss far more often than they hit (most
	// users are online or have nothing staged), so a Bloom filter in front
	// skips the round trip for keys that were never written.
	presenceCache := cache.NewBloomCache(appCache, cfg.PresenceBloom)
	pres := presence.New(presenceCache)

	var relay connection.Relay
	if redisClient != nil {
		relay = connection.NewRedisRelay(redisClient)
	}
	connMgr := connection.NewManager(cfg.Connection, repo, pres, relay, met)

	deliverySvc := delivery.NewService(repo, connMgr, pres, met)
	connMgr.SetReplayer(deliverySvc.ReplayForUser)

	directory := targeting.NewDirectory(cfg.Directory)
	targetingSvc := targeting.NewService(repo, directory)

	broadcastRepo := broadcast.NewRepoAdapter(repo)
	broadcastSvc := broadcast.NewService(broadcastRepo, targetingSvc, cfg.PodID, met)

	busPublisher := bus.NewPublisher(appBroker)
	dltSvc := dlt.NewService(repo, busPublisher, met)

	defer appBroker.Close()
	defer appCache.Close()
	defer busPublisher.Close()

	go connMgr.RunServerHeartbeat(ctx)
	go connMgr.RunDBHeartbeat(ctx)
	if relay != nil {
		go connMgr.RunRelay(ctx)
	}

	e := newEchoServer(serverDeps{
		broadcasts: broadcastSvc,
		deliveries: deliverySvc,
		dlt:        dltSvc,
		conns:      connMgr,
		metrics:    met,
		db:         db,
		broker:     appBroker,
		readBus:    busPublisher,
		limiter:    ratelimit.New(appCache, ratelimit.StrategyFixedWindow),
		rateLimit:  cfg.CreateRateLimitPerMinute,
	})

	go func() {
		addr := ":" + cfg.HTTPPort
		log.InfoContext(ctx, "starting http server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(ctx, "http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("error during http shutdown", "error", err)
	}
}

func newCache(cfg cache.Config) (cache.Cache, *goredis.Client, error) {
	if cfg.Driver == "redis" {
		c, err := cacheredis.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Host + ":" + cfg.Port,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		return c, client, nil
	}
	return memory.New(), nil, nil
}

func httpError(c echo.Context, err error) error {
	return c.JSON(apperrors.HTTPStatus(err), map[string]string{"error": err.Error()})
}
