package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatd/internal/auth"
	"github.com/Tyrowin/chatd/internal/authz"
	"github.com/Tyrowin/chatd/internal/server"
	"github.com/Tyrowin/chatd/internal/store"
)

func main() {
	bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pg.Close()
		logger.Info().Msg("connected to PostgreSQL")

		applied, err := store.RunMigrations(ctx, pg.Pool())
		if err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Strs("applied", applied).Msg("migrations completed")
		st = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set; using in-memory store")
		st = store.NewMemoryStore()
	}

	tokens, err := auth.NewJWTService(auth.Options{Secret: cfg.SigningSecret(), TTL: cfg.TokenTTL})
	if err != nil {
		logger.Fatal().Err(err).Msg("token service")
	}
	if !cfg.IsProduction() && cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set; signing with the development secret")
	}

	if mem, ok := st.(*store.MemoryStore); ok {
		seedMemoryStore(mem, cfg, tokens, logger)
	} else if len(cfg.SeedUsers) > 0 {
		logger.Warn().Msg("SEED_USERS only applies to the in-memory store; use cmd/token -create")
	}

	var authorizer authz.Authorizer = authz.NewStoreAuthorizer(st)
	if cfg.RedisURL != "" {
		rdb, err := authz.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer func() { _ = rdb.Close() }()
		logger.Info().Dur("ttl", cfg.MemberCacheTTL).Msg("connected to Redis; caching membership checks")
		authorizer = authz.NewCachedAuthorizer(st, rdb, cfg.MemberCacheTTL,
			logger.With().Str("component", "authz").Logger())
	}

	app := server.NewApp(cfg, server.Deps{
		Store:      st,
		Verifier:   tokens,
		Authorizer: authorizer,
		Logger:     logger,
	})
	httpServer := server.CreateServer(cfg.Port, app.SetupRoutes())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("env", cfg.Env).Strs("allowed_origins", cfg.AllowedOrigins).Msg("starting chatd")
		serverErr <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
		return
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down server...")

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("connections did not drain")
	}

	logger.Info().Msg("server stopped")
}

// seedMemoryStore loads SEED_USERS and, outside production, logs a token for
// each seeded user so the test page can connect.
func seedMemoryStore(mem *store.MemoryStore, cfg *server.Config, tokens *auth.JWTService, logger zerolog.Logger) {
	users, err := mem.Seed(cfg.SeedUsers)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid SEED_USERS")
	}
	if len(users) == 0 {
		logger.Warn().Msg("in-memory store has no users; set SEED_USERS (e.g. alice,bob) to be able to log in")
		return
	}
	for _, u := range users {
		event := logger.Info().Str("user_id", u.ID).Str("username", u.Username)
		if !cfg.IsProduction() {
			token, err := tokens.Issue(u.ID, 0)
			if err != nil {
				logger.Fatal().Err(err).Msg("mint seed token")
			}
			event = event.Str("token", token)
		}
		event.Msg("seeded user")
	}
}

func newLogger(cfg *server.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
