// cmd/relay is the main entrypoint for one replica of the relay gateway.
//
// Configuration is entirely via environment, per the external interfaces
// section of the specification: a single binary serves any replica, with
// REDIS_URL and DATABASE_URL deciding whether it runs against shared
// coordination/persistence or degrades to single-instance, in-process
// state.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"foundry-relay/internal/api"
	"foundry-relay/internal/auth"
	"foundry-relay/internal/config"
	"foundry-relay/internal/headless"
	"foundry-relay/internal/jobs"
	"foundry-relay/internal/logging"
	"foundry-relay/internal/pending"
	"foundry-relay/internal/router"
	"foundry-relay/internal/socket"
	"foundry-relay/internal/store"
	"foundry-relay/internal/userstore"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.NodeEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := buildCoordinator(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize coordination store")
	}

	users, err := buildUserStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize user store")
	}
	if closer, ok := users.(interface{ Close() }); ok {
		defer closer.Close()
	}

	registry := socket.NewRegistry(coord, cfg.InstanceID, log)
	pendingReg := pending.New(log)
	routerSvc := router.New(coord, cfg.InstanceID, cfg.Port, log)
	accounting := auth.New(users, cfg.Tiers, coord, log)
	browser := headless.NewProcessBrowser(cfg.PuppeteerPath)
	headlessC := headless.New(coord, cfg.InstanceID, browser, registry, log)

	registry.SetOnConnect(func(worldID, credential string) {
		headlessC.HandleMigration(ctx, worldID)
	})

	api.WireReplyHandlers(registry, pendingReg)

	scheduler := jobs.New(accounting, registry, pendingReg, headlessC, cfg.InstanceID, log)
	scheduler.Start(ctx)

	if accounting.ShouldRunMonthlyReset(ctx, time.Now()) {
		if err := accounting.RunMonthlyReset(ctx, cfg.InstanceID); err != nil {
			log.Warn().Err(err).Msg("opportunistic startup monthly reset failed")
		}
	}

	if cfg.NodeEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	server := api.New(registry, pendingReg, routerSvc, accounting, headlessC, users, cfg.InstanceID, log)
	server.Register(engine)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     engine,
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: it measures from after the request headers are
		// read, so a global one would sever /start-session mid-handshake —
		// Controller.Redeem blocks up to 5 minutes waiting for the world to
		// connect back (local) or 10 minutes polling a remote replica's
		// session_result (spec.md §5). Each handler bounds its own work via
		// context deadlines instead (deadlineQuick/Default/Macro/Upload/
		// Download, and Redeem's own 5m/10m waits).
	}

	go func() {
		log.Info().Str("instance", cfg.InstanceID).Str("port", cfg.Port).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
}

// buildCoordinator selects the Redis-backed coordinator when REDIS_URL is
// set, falling back to the single-instance in-process implementation
// otherwise (spec.md §4.A).
func buildCoordinator(ctx context.Context, cfg config.Config) (store.Coordinator, error) {
	if cfg.RedisURL == "" {
		return store.NewLocalCoordinator(ctx), nil
	}
	return store.NewRedisCoordinator(cfg.RedisURL)
}

// buildUserStore selects Postgres unless the config says to use the
// in-process store (spec.md §4.E).
func buildUserStore(ctx context.Context, cfg config.Config) (userstore.Store, error) {
	if cfg.UsesMemoryStore() {
		return userstore.NewMemoryStore(), nil
	}
	return userstore.NewPostgresStore(ctx, cfg.DatabaseURL)
}
