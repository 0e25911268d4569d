package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/grouprelay/internal/config"
)

// Deps are the collaborators of a Server.
type Deps struct {
	Hub        *Hub
	Dispatcher Dispatcher
	// Stats, when set, is reported by the /healthz endpoint.
	Stats  func() any
	Logger *slog.Logger
}

// Server serves the relay's HTTP and WebSocket endpoints.
type Server struct {
	cfg        config.ServerConfig
	hub        *Hub
	dispatcher Dispatcher
	stats      func() any
	origins    *originPolicy
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// New builds a Server from cfg, which is expected to have defaults applied.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		stats:      deps.Stats,
		origins:    newOriginPolicy(cfg.AllowedOrigins, deps.Logger),
		logger:     deps.Logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Routes configures the HTTP routes: health at /, stats at /healthz, the
// WebSocket endpoint at /ws and the test page at /test.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/test", s.handleTestPage)
	return mux
}
