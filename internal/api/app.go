package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/campuslink/realtime/internal/config"
	"github.com/campuslink/realtime/internal/database"
	"github.com/campuslink/realtime/internal/server"
	"github.com/campuslink/realtime/internal/stats"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

// App is the HTTP surface of the realtime service: accounts, the direct
// message REST api and the websocket gateway.
type App struct {
	log            *zap.Logger
	db             database.Repository
	mux            *http.Server
	cs             *server.ChatServer
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
	fanOutOnSend   bool
}

func NewApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, db database.Repository, su stats.StatsProvider, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		stats:          su,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		fanOutOnSend:   cfg.FanOutOnSend,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("POST /api/message/send/{receiverId}", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("GET /api/message/getAll/{receiverId}", s.authMiddleware(s.getAllMessages))
	mux.HandleFunc("GET /api/message/prevChats", s.authMiddleware(s.getPrevChats))
	mux.HandleFunc("PUT /api/message/markSeen/{senderId}", s.authMiddleware(s.markSeen))
	mux.HandleFunc("GET /api/users/online", s.authMiddleware(s.onlineUsers))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped http handler.
func (s *App) Handler() http.Handler {
	return s.mux.Handler
}

func (s *App) Start() error {
	s.log.Info("starting server", zap.String("addr", s.mux.Addr))
	return s.mux.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
