package presenter

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

//go:embed static
var staticFS embed.FS

// Server exposes the presenter UI: the embedded map page, the WebSocket
// endpoint, and any extra API routes the caller registers.
type Server struct {
	log        *slog.Logger
	httpServer *http.Server
}

// ServerOption customizes the presenter server.
type ServerOption func(*mux.Router)

// WithHistorySearch mounts the optional session-history search endpoint.
func WithHistorySearch(handler http.HandlerFunc) ServerOption {
	return func(r *mux.Router) {
		r.HandleFunc("/api/history/search", handler).Methods(http.MethodGet)
	}
}

// NewServer builds the HTTP server around the hub.
func NewServer(addr string, hub *Hub, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "ui not bundled", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}).Methods(http.MethodGet)
	router.HandleFunc("/ws", hub.ServeWS)

	for _, opt := range opts {
		opt(router)
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	return &Server{
		log: logger,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("presenter listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("presenter server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
