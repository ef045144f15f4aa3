package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatd/internal/auth"
	"github.com/Tyrowin/chatd/internal/authz"
	"github.com/Tyrowin/chatd/internal/hub"
	"github.com/Tyrowin/chatd/internal/store"
)

// Deps are the collaborators an App is built from.
type Deps struct {
	Store    store.Store
	Verifier auth.Verifier
	// Authorizer defaults to a StoreAuthorizer over Store. When it also
	// implements authz.Invalidator, membership changes invalidate it.
	Authorizer authz.Authorizer
	Logger     zerolog.Logger
}

// App owns the connection registry and the HTTP surface for one process.
type App struct {
	cfg      *Config
	log      zerolog.Logger
	store    store.Store
	gate     *auth.Gate
	registry *hub.Registry
	router   *hub.Router
	sessions hub.SessionConfig
	origins  *originPolicy
	upgrader websocket.Upgrader
	api      *chatAPI

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopping bool
	clients  sync.WaitGroup
}

// NewApp wires the registry, router, session collaborators and REST API.
func NewApp(cfg *Config, deps Deps) *App {
	sanitized := sanitizeConfig(*cfg)
	cfg = &sanitized
	log := deps.Logger

	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = authz.NewStoreAuthorizer(deps.Store)
	}
	invalidator, ok := authorizer.(authz.Invalidator)
	if !ok {
		invalidator = authz.NewStoreAuthorizer(deps.Store)
	}

	registry := hub.NewRegistry(log.With().Str("component", "registry").Logger())
	router := hub.NewRouter(registry, log.With().Str("component", "router").Logger())
	gate := auth.NewGate(deps.Verifier, deps.Store, log.With().Str("component", "auth").Logger())
	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:      cfg,
		log:      log,
		store:    deps.Store,
		gate:     gate,
		registry: registry,
		router:   router,
		sessions: hub.SessionConfig{
			Gate:       gate,
			Authorizer: authorizer,
			Messages:   deps.Store,
			Registry:   registry,
			Router:     router,
			Logger:     log.With().Str("component", "session").Logger(),
		},
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
			Subprotocols:    []string{auth.BearerSubprotocol},
		},
		api: &chatAPI{
			store:       deps.Store,
			authorizer:  authorizer,
			invalidator: invalidator,
			router:      router,
			validate:    validator.New(),
			log:         log.With().Str("component", "api").Logger(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Registry exposes the connection registry.
func (a *App) Registry() *hub.Registry { return a.registry }

// Router exposes the broadcast router.
func (a *App) Router() *hub.Router { return a.router }

// track reserves a slot for a client's pumps unless shutdown has begun.
func (a *App) track() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopping {
		return false
	}
	a.clients.Add(1)
	return true
}

// Shutdown closes every live connection with 1001 and waits for the client
// pumps to exit or ctx to expire. Call it after the HTTP server has stopped
// accepting requests.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()

	a.log.Info().Int("connections", a.registry.Count()).Msg("closing live connections")
	a.registry.Shutdown(hub.CloseGoingAway, hub.ReasonShutdown)
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.clients.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.log.Info().Msg("all connections closed")
		return nil
	case <-ctx.Done():
		a.log.Warn().Msg("shutdown timeout reached, some connections may still be open")
		return ctx.Err()
	}
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it exits.
// http.ErrServerClosed is not treated as a failure.
func StartServer(server *http.Server, log zerolog.Logger) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", server.Addr, err)
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// Hijacked WebSocket connections are not covered; App.Shutdown handles those.
func ShutdownServer(server *http.Server, timeout time.Duration, log zerolog.Logger) error {
	log.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	log.Info().Msg("HTTP server shutdown completed")
	return nil
}
