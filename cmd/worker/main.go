// Command worker runs every background process in the pipeline that isn't
// triggered by an HTTP request: the outbox drainer (C3), the bus consumers
// that turn events into deliveries (C4), the dead-letter ingest consumers
// (C9), and the lifecycle controller's periodic jobs (C8).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/broadcasthub/platform/internal/broadcast"
	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/delivery"
	"github.com/broadcasthub/platform/internal/dispatcher"
	"github.com/broadcasthub/platform/internal/dlt"
	"github.com/broadcasthub/platform/internal/lifecycle"
	"github.com/broadcasthub/platform/internal/metrics"
	"github.com/broadcasthub/platform/internal/outbox"
	"github.com/broadcasthub/platform/internal/presence"
	"github.com/broadcasthub/platform/internal/storage"
	"github.com/broadcasthub/platform/internal/targeting"

	"github.com/broadcasthub/platform/pkg/cache"
	"github.com/broadcasthub/platform/pkg/cache/adapters/memory"
	cacheredis "github.com/broadcasthub/platform/pkg/cache/adapters/redis"
	"github.com/broadcasthub/platform/pkg/concurrency/distlock"
	distlockmemory "github.com/broadcasthub/platform/pkg/concurrency/distlock/adapters/memory"
	distlockredis "github.com/broadcasthub/platform/pkg/concurrency/distlock/adapters/redis"
	"github.com/broadcasthub/platform/pkg/config"
	"github.com/broadcasthub/platform/pkg/logger"
	"github.com/broadcasthub/platform/pkg/messaging"
	"github.com/broadcasthub/platform/pkg/messaging/adapters/kafka"
	"github.com/broadcasthub/platform/pkg/telemetry"

	goredis "github.com/redis/go-redis/v9"
)

type workerConfig struct {
	Logger           logger.Config
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

	Outbox    outbox.PublisherConfig
	Dispatch  dispatcher.Config
	Lifecycle lifecycle.Config
	Telemetry telemetry.Config
}

func main() {
	var cfg workerConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}
	cfg.Connection.PodID = cfg.PodID

	logger.Init(cfg.Logger)
	log := logger.L()

	cfg.Telemetry.ServiceName = "broadcasthub-worker"
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
	repo := storage.New(db)

	rawCache, redisClient, err := newCache(cfg.Cache)
	if err != nil {
		log.ErrorContext(ctx, "failed to construct cache", "error", err)
		os.Exit(1)
	}
	appCache := cache.NewResilientCache(cache.NewInstrumentedCache(rawCache), cfg.CacheResilience)
	defer appCache.Close()

	var locker distlock.Locker
	if redisClient != nil {
		locker = distlockredis.New(redisClient, "broadcasthub:lock:")
	} else {
		locker = distlockmemory.New()
		log.WarnContext(ctx, "running with an in-process lock implementation; lifecycle leases are not cluster-safe without redis")
	}
	defer locker.Close()

	broker, err := kafka.New(cfg.Kafka)
	if err != nil {
		log.ErrorContext(ctx, "failed to connect to kafka", "error", err)
		os.Exit(1)
	}
	appBroker := messaging.NewResilientBroker(messaging.NewInstrumentedBroker(broker), cfg.BrokerResilience)
	defer appBroker.Close()

	met := metrics.New(cfg.MetricsNamespace)

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
	defer busPublisher.Close()

	dltSvc := dlt.NewService(repo, busPublisher, met)

	drainer := outbox.NewDrainer(outbox.NewRepoAdapter(repo), busPublisher, cfg.Outbox, met)

	disp := dispatcher.New(cfg.Dispatch, deliverySvc, connMgr, pres, busPublisher, met)

	lifecycleCtrl := lifecycle.NewController(cfg.Lifecycle, locker, broadcastSvc, connMgr, repo, met)

	var wg sync.WaitGroup

	runBackground(ctx, &wg, "connection:server-heartbeat", connMgr.RunServerHeartbeat)
	runBackground(ctx, &wg, "connection:db-heartbeat", connMgr.RunDBHeartbeat)
	if relay != nil {
		runBackground(ctx, &wg, "connection:relay", connMgr.RunRelay)
	}

	runBackground(ctx, &wg, "outbox:drain", drainer.Run)
	runBackground(ctx, &wg, "lifecycle:controller", lifecycleCtrl.Run)

	for _, topic := range []string{bus.TopicSelected, bus.TopicGroup} {
		topic := topic
		runConsumer(ctx, &wg, log, appBroker, topic, cfg.Dispatch.ConsumerGroup, disp.Handle)
		runConsumer(ctx, &wg, log, appBroker, bus.DltTopic(topic), cfg.Dispatch.ConsumerGroup+"-dlt-ingest", dltSvc.Handle)
	}

	<-ctx.Done()
	log.Info("shutting down worker")
	wg.Wait()
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

func runBackground(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context)) {
	logger.L().Info("starting background job", "job", name)
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func runConsumer(ctx context.Context, wg *sync.WaitGroup, log interface {
	ErrorContext(context.Context, string, ...any)
}, broker messaging.Broker, topic, group string, handler messaging.MessageHandler) {
	consumer, err := broker.Consumer(topic, group)
	if err != nil {
		log.ErrorContext(ctx, "failed to create consumer", "error", err, "topic", topic, "group", group)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer consumer.Close()
		if err := consumer.Consume(ctx, handler); err != nil && ctx.Err() == nil {
			log.ErrorContext(ctx, "consumer stopped", "error", err, "topic", topic, "group", group)
		}
	}()
}
