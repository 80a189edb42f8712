package server

import (
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/huddle/internal/chat"
	"github.com/Tyrowin/huddle/internal/config"
	"github.com/Tyrowin/huddle/internal/session"
)

// Store is everything the server persists: users, private messages and
// upload records.
type Store interface {
	chat.Store
	UploadStore
}

// Server assembles the hub, the session registry, the router and relay, and
// the HTTP handlers that front them.
type Server struct {
	cfg        config.Config
	hub        *Hub
	router     *chat.Router
	relay      *chat.Relay
	dispatcher *Dispatcher
	origins    *originPolicy
	upgrader   websocket.Upgrader
	uploads    *UploadHandler
	log        zerolog.Logger
}

// New builds a Server from cfg. The upload directory is created if missing.
func New(cfg config.Config, st Store, log zerolog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", cfg.UploadDir)
	}

	hub := NewHub(log)
	registry := session.NewRegistry()
	router := chat.NewRouter(st, registry, hub, log)
	relay := chat.NewRelay(registry, hub, log)
	hub.OnLeave(router.Unregister)

	origins := newOriginPolicy(cfg.AllowedOrigins, log)

	s := &Server{
		cfg:        cfg,
		hub:        hub,
		router:     router,
		relay:      relay,
		dispatcher: NewDispatcher(router, relay),
		origins:    origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		uploads: &UploadHandler{
			store:   st,
			dir:     cfg.UploadDir,
			maxSize: cfg.MaxUploadSize,
			origins: origins,
			now:     time.Now,
			log:     log.With().Str("component", "upload").Logger(),
		},
		log: log,
	}
	return s, nil
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the message router.
func (s *Server) Router() *chat.Router {
	return s.router
}

// Start runs the hub loop in its own goroutine. It must be called before
// the HTTP server accepts connections.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info().Msg("Hub started and ready to manage WebSocket connections")
}

// Shutdown closes every connection and waits up to timeout for the pumps to
// exit.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
