package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammedshuaau/workplace/internal/app"
	"github.com/mohammedshuaau/workplace/internal/bridge"
	"github.com/mohammedshuaau/workplace/internal/config"
	"github.com/mohammedshuaau/workplace/internal/logging"
	"github.com/mohammedshuaau/workplace/internal/search"
	"github.com/mohammedshuaau/workplace/internal/session"
	"github.com/mohammedshuaau/workplace/internal/store"
	"github.com/mohammedshuaau/workplace/internal/telemetry"
)

const tokenPurgeInterval = time.Hour

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	for _, name := range applied {
		log.Info().Str("migration", name).Msg("applied migration")
	}

	dataStore := store.NewPostgresStore(db)

	var meiliClient *search.Meili
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.With().Str("component", "search").Logger())
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, search.NewPostgres(dataStore), log)

	chat, err := bridge.New(cfg, log.With().Str("component", "bridge").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("chat provider")
	}

	deps := app.Deps{
		Store:  dataStore,
		Chat:   chat,
		Search: searchService,
		Logger: log,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info().Msg("using redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		deps.Cache = redisStore
	} else {
		log.Info().Msg("using postgres for refresh token storage")
		go purgeTokens(ctx, dataStore, log)
	}
	service := app.New(cfg, deps)

	if meiliClient != nil {
		go func() {
			n, err := searchService.ReindexAll(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("initial search reindex failed")
				return
			}
			log.Info().Int("users", n).Msg("search index rebuilt")
		}()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("chat_provider", chat.Provider()).Msg("workplace api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// purgeTokens drops expired refresh sessions and revocations when Postgres
// holds them; Redis expires its own keys.
func purgeTokens(ctx context.Context, dataStore *store.PostgresStore, log zerolog.Logger) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := dataStore.PurgeExpiredTokens(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purge expired tokens")
				continue
			}
			if n > 0 {
				log.Debug().Int64("rows", n).Msg("purged expired tokens")
			}
		}
	}
}
