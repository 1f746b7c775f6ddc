package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/xenking/kart-offers/internal/api"
	"github.com/xenking/kart-offers/internal/coord"
	"github.com/xenking/kart-offers/internal/domain/auth"
	"github.com/xenking/kart-offers/internal/domain/offer"
	"github.com/xenking/kart-offers/internal/domain/order"
	"github.com/xenking/kart-offers/internal/repository"
	"github.com/xenking/kart-offers/internal/scheduler"
	"github.com/xenking/kart-offers/pkg/health"
	"github.com/xenking/kart-offers/pkg/httpmiddleware"
)

const redisPrefix = "kart:"

// Run creates all dependencies, starts the background jobs and the HTTP
// server, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = coord.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = rdb.Close() }()
	}

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	categoryRepo := repository.NewCategoryRepository(pool)
	offerRepo := repository.NewOfferRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	// Offer engine.
	resolver := offer.NewResolver(offerRepo, productRepo, categoryRepo)
	propagator := offer.NewPropagator(offer.PropagatorConfig{
		Concurrency: cfg.Offers.PropagationConcurrency,
		MaxAttempts: cfg.Offers.MaxWriteAttempts,
	}, resolver, offerRepo, productRepo, categoryRepo)
	sweeper := offer.NewSweeper(offerRepo, productRepo, categoryRepo)

	var throttle offer.Throttle = repository.NewJobThrottle(pool)
	if rdb != nil {
		throttle = coord.NewRedisThrottle(rdb, redisPrefix+"jobs:")
	}
	refresher := offer.NewRefresher(propagator, throttle, cfg.Offers.RefreshInterval)

	offerService := offer.NewService(offer.ServiceConfig{
		AutoCorrectMinPurchase: cfg.Offers.AutoCorrectMinPurchase,
	}, offerRepo, productRepo, categoryRepo, propagator)
	orderService := order.NewService(productRepo, resolver, orderRepo)

	// Background jobs. The refresh job probes more often than it runs; the
	// shared throttle decides which replica does the work.
	jobs, err := scheduler.New(m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return errors.Wrap(err, "create scheduler")
	}
	jobs.Add(scheduler.Job{
		Name:       offer.SweepJob,
		Interval:   cfg.Offers.SweepInterval,
		Timeout:    cfg.Offers.JobTimeout,
		RunOnStart: true,
		Run:        sweeper.Run,
	})
	jobs.Add(scheduler.Job{
		Name:       offer.RefreshJob,
		Interval:   max(cfg.Offers.RefreshInterval/4, time.Minute),
		Timeout:    cfg.Offers.JobTimeout,
		RunOnStart: true,
		Run:        refresher.Run,
	})

	// Health checks.
	healthSvc := health.New()
	healthSvc.Register(health.Readiness, "postgres", health.PingCheck(pool.Ping), health.WithTimeout(5*time.Second))
	if rdb != nil {
		healthSvc.Register(health.Readiness, "redis", health.PingCheck(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	healthSvc.Register(health.Readiness, "offer-sweep", health.StalenessCheck(
		func() time.Time { return jobs.LastSuccess(offer.SweepJob) },
		2*cfg.Offers.SweepInterval+cfg.Offers.JobTimeout,
		cfg.Offers.JobTimeout+time.Minute,
	), health.WithThresholds(1, 1))
	healthSvc.Register(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := api.NewHandler(api.Config{
		ImageBaseURL: cfg.ImageBaseURL,
		SweepJob:     offer.SweepJob,
	}, api.Deps{
		Products:   productRepo,
		Categories: categoryRepo,
		Pricer:     resolver,
		Offers:     offerService,
		Orders:     orderService,
		Jobs:       jobs,
		Propagator: propagator,
		Refresher:  refresher,
		Auth:       auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper)),
	})
	router := h.Router()
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	var limiter httpmiddleware.Limiter
	if rdb != nil {
		limiter = httpmiddleware.NewRedisWindow(rdb, redisPrefix+"ratelimit:", cfg.RateLimit.Max, cfg.RateLimit.Window)
	} else {
		window := httpmiddleware.NewSlidingWindow(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go window.Run(ctx)
		limiter = window
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", api.APIKeyHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(limiter, nil),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("kart-api", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	jobs.Start(ctx)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		lg.Info("Waiting for background jobs")
		jobs.Wait()
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
