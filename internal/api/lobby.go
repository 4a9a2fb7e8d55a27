package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/lobbyd/internal/config"
	"github.com/npezzotti/lobbyd/internal/repository"
	"github.com/npezzotti/lobbyd/internal/server"
	"github.com/rs/zerolog"
)

const wsBufferSize = 1024

type LobbyApp struct {
	log            zerolog.Logger
	repo           repository.Repository
	srv            *http.Server
	cs             *server.ChatServer
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewLobbyApp registers the lobby routes on mux. Routes registered on mux
// by other components, such as GET /debug/vars, are served as well.
func NewLobbyApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, repo repository.Repository, cfg *config.Config) *LobbyApp {
	s := &LobbyApp{
		log:            logger.With().Str("module", "api").Logger(),
		repo:           repo,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     s.checkOrigin,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /health", s.healthCheck)
	mux.HandleFunc("GET /store-status", s.storeStatus)
	mux.HandleFunc("GET /debug/rooms/{roomCode}", s.debugRoom)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.requestLogger(h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: h,
	}

	return s
}

func (s *LobbyApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *LobbyApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
