package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/RateLite/config"
	"github.com/AlexKimmel/RateLite/httpmw"
	"github.com/AlexKimmel/RateLite/obs"
	"github.com/AlexKimmel/RateLite/ratelimit"
	"github.com/AlexKimmel/RateLite/ratelimit/memory"
	"github.com/AlexKimmel/RateLite/ratelimit/redisstore"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)

	// store selection: in-memory by default, redis when the limit is
	// shared across instances
	var store ratelimit.Store
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		defer client.Close()
		var ropts []redisstore.Option
		if cfg.Store.Redis.Prefix != "" {
			ropts = append(ropts, redisstore.WithPrefix(cfg.Store.Redis.Prefix))
		}
		ropts = append(ropts, redisstore.WithTTL(cfg.Store.IdleTTL()))
		store = redisstore.New(client, ropts...)
	default:
		mem := memory.New(
			memory.WithMaxKeys(cfg.Store.MaxKeys),
			memory.WithTTL(cfg.Store.IdleTTL()),
			memory.WithOnEvict(func(_, reason string) {
				metrics.StoreEvictions.WithLabelValues(reason).Inc()
			}),
		)
		obs.RegisterResidentKeys(reg, mem.Len)
		store = mem
	}
	defer store.Close()

	skip := map[string]struct{}{
		"/health":                         {},
		cfg.Observability.PrometheusPath: {},
	}

	limitMW, err := httpmw.RateLimit(httpmw.Options{
		Limit:     cfg.Limit.Requests,
		Window:    cfg.Limit.Window(),
		Store:     store,
		FailOpen:  cfg.Store.FailOpen,
		SkipPaths: skip,
		OnLimited: func(key string) {
			metrics.RateLimited.Inc()
			logger.Debug().Str("key", key).Msg("rate limited")
		},
		OnError: func(key string) {
			metrics.LimiterErrors.Inc()
			logger.Error().Str("key", key).Msg("rate limiter store error")
		},
	})
	if err != nil {
		log.Fatalf("rate limit setup: %v", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"hello":"ratelite"}`))
	})

	handler := httpmw.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		httpmw.BodyLimit(cfg.Server.MaxBody()),
		limitMW,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("backend", cfg.Store.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}
