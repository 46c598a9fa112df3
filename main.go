package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xtream-bridge/work/authconfig"
	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/handlers"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/middleware"
	"xtream-bridge/work/mirror"
	"xtream-bridge/work/proxy"
	"xtream-bridge/work/segments"
	"xtream-bridge/work/token"
	"xtream-bridge/work/xtream"
)

func main() {
	cfg := config.LoadConfig()

	logger.SetLevel(cfg.LogLevel)
	logger.Info("starting xtream-bridge on %s", cfg.ListenAddr)

	pool, err := ants.NewPool(cfg.WorkerThreads)
	if err != nil {
		logger.Error("creating worker pool: %v", err)
		os.Exit(1)
	}
	defer pool.Release()

	caches := cache.New(cfg.CacheTTL)
	httpClient := client.NewHeaderSettingClient(cfg)
	resolver := token.NewResolver(cfg)
	engine := segments.NewEngine(cfg, caches, pool)
	prox := proxy.New(cfg, resolver, caches, httpClient)
	auth := authconfig.New(cfg, caches, httpClient)

	var store *mirror.Store
	if cfg.MirrorEnabled {
		store, err = mirror.Open(cfg.MirrorPath)
		if err != nil {
			logger.Error("opening mirror database: %v", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	h := handlers.New(cfg, auth, caches, resolver, engine, prox, store, httpClient)

	router := mux.NewRouter()
	router.Use(middleware.Compression)
	h.Register(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if store != nil {
		go mirrorSyncLoop(ctx, cfg, auth, caches, httpClient, store)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// no write timeout: proxied streams stay open as long as the
		// client keeps watching
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown: %v", err)
	}
}

// mirrorSyncLoop refreshes the local mirror for every configured
// service on the configured interval.
func mirrorSyncLoop(ctx context.Context, cfg *config.Config, auth *authconfig.Client,
	caches *cache.Caches, httpClient *client.HeaderSettingClient, store *mirror.Store) {
	ticker := time.NewTicker(cfg.MirrorSyncInterval)
	defer ticker.Stop()

	for {
		services, err := auth.Services(ctx)
		if err != nil {
			logger.Warn("mirror sync: %v", err)
		} else {
			for _, svc := range services {
				c := xtream.NewClient(cfg, svc, caches, httpClient)
				if err := store.Sync(ctx, c); err != nil {
					logger.Warn("mirror sync for %s: %v", svc.ID, err)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
