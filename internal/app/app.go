// Package app wires the promotion service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-promotions/internal/catalog"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/engine"
	"github.com/xenking/kart-promotions/internal/events"
	"github.com/xenking/kart-promotions/internal/handler"
	"github.com/xenking/kart-promotions/internal/repository"
	"github.com/xenking/kart-promotions/internal/visit"
	"github.com/xenking/kart-promotions/pkg/health"
	"github.com/xenking/kart-promotions/pkg/httpmiddleware"
)

const serviceName = "promo-api"

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))
	ctx = zctx.Base(ctx, lg)

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	// Repositories.
	orderRepo := repository.NewOrderRepository(pool)
	productRepo := repository.NewProductRepository(pool)
	promotionRepo := repository.NewPromotionRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	// Redis backs visits and rate limits when configured.
	var (
		visits  visit.Tracker
		limiter httpmiddleware.Limiter
	)
	memLimiter := httpmiddleware.NewMemoryLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))

		visits = visit.NewRedisTracker(rdb, cfg.Redis.VisitTTL)
		limiter = httpmiddleware.NewRedisLimiter(rdb, "promo:ratelimit:", cfg.RateLimit.Max, cfg.RateLimit.Window)
		memLimiter = nil
	} else {
		lg.Warn("Redis not configured, visits and rate limits are kept in memory")
		visits = visit.NewMemoryTracker()
		limiter = memLimiter
	}

	// Promotion catalog.
	var source catalog.Source = promotionRepo
	if cfg.Catalog.File != "" {
		source = catalog.FileSource{Path: cfg.Catalog.File}
	}
	cat := catalog.New(source, promotion.NewBuilder(
		promotion.WithVisitTracker(visits),
		promotion.WithHistory(orderRepo),
		promotion.WithProducts(productRepo),
		promotion.WithSkipZero(cfg.Engine.SkipZero),
	))
	if err := cat.Reload(ctx); err != nil {
		return errors.Wrap(err, "load promotions")
	}

	eng, err := engine.New(repository.NewStore(pool), cat, engine.Options{
		Exclusive:      cfg.Engine.Exclusive,
		CreditPolicy:   engine.CreditPolicy(cfg.Engine.CreditPolicy),
		Parallelism:    cfg.Engine.Parallelism,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create engine")
	}

	deps := handler.Deps{
		Orders:   order.NewService(productRepo, orderRepo, eng),
		Engine:   eng,
		Products: productRepo,
		Catalog:  cat,
		Visits:   visits,
		APIKeys:  apikeyRepo,
	}
	// File catalogs are managed outside the service.
	if cfg.Catalog.File == "" {
		deps.Promotions = promotionRepo
	}

	g, gCtx := errgroup.WithContext(ctx)

	// Kafka carries asynchronous events when configured.
	if len(cfg.Kafka.Brokers) > 0 {
		consumer, publisher, closeKafka := newEvents(cfg.Kafka, eng)
		defer closeKafka()
		deps.Publisher = publisher
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.KafkaCheck(cfg.Kafka.Brokers))
		g.Go(func() error { return consumer.Run(gCtx) })
	}

	if cfg.Catalog.RefreshInterval > 0 {
		g.Go(func() error { return cat.Run(gCtx, cfg.Catalog.RefreshInterval) })
	}
	if memLimiter != nil {
		g.Go(func() error {
			memLimiter.Run(gCtx)
			return nil
		})
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.NewHandler(handler.HandlerConfig{APIKeyPepper: []byte(cfg.APIKeyPepper)}, deps)

	// LogRequests wraps the API mux directly so it sees the matched pattern.
	api := httpmiddleware.Wrap(h.Routes(), httpmiddleware.LogRequests())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", api)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimit(limiter, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.HeaderKey(handler.HeaderAPIKey),
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Instrument(serviceName, m.TracerProvider(), m.MeterProvider()),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// newEvents creates the order event consumer and publisher. The returned
// func closes the writers.
func newEvents(cfg KafkaConfig, eng *engine.Engine) (*events.Consumer, *events.Publisher, func()) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  time.Second,
	})
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	writers := []*kafka.Writer{writer}

	opts := events.Options{MaxAttempts: cfg.MaxAttempts}
	if cfg.DeadLetterTopic != "" {
		// The topic is set per message, so the writer must not have one.
		dlq := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		writers = append(writers, dlq)
		opts.DeadLetters = dlq
		opts.DeadLetterTopic = cfg.DeadLetterTopic
	}

	closeAll := func() {
		for _, w := range writers {
			_ = w.Close()
		}
	}
	return events.NewConsumer(reader, eng, opts), events.NewPublisher(writer), closeAll
}
