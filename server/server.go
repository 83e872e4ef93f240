package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pushchat/auth"
	"pushchat/db"
	"pushchat/delivery"
	"pushchat/presence"
)

type Server struct {
	db       *db.DB
	config   *ServerConfig
	auth     *auth.Authenticator
	registry *presence.Registry
	router   *delivery.Router
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	closing    bool
	sessions   map[*Session]struct{}
	active     sync.WaitGroup // running connection handlers
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration // max silence on a connection before it is dropped
	WriteTimeout   time.Duration
	StoreTimeout   time.Duration
	StaticDir      string
	CORSOrigins    []string
	VAPIDPublicKey string
}

func New(database *db.DB, authenticator *auth.Authenticator, registry *presence.Registry, router *delivery.Router, config *ServerConfig, logger *zap.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		db:       database,
		config:   config,
		auth:     authenticator,
		registry: registry,
		router:   router,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // the bearer token, not the origin, admits a client
			},
		},
	}
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Server started", zap.Int("port", s.config.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleWebSocket admits a connection: the credential is checked before the
// upgrade, so a rejected client never reaches the presence registry, and the
// session is registered only once the handshake has succeeded.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := newSession(s)

	identity, err := s.auth.Authenticate(auth.CredentialFromRequest(r))
	if err != nil {
		session.reject(err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.reject(err)
		return
	}

	if !s.track(session) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(s.config.WriteTimeout))
		conn.Close()
		session.reject(errors.New("server shutting down"))
		return
	}
	defer s.untrack(session)

	session.attach(conn)
	session.admit(identity)
	go session.writePump()
	session.readPump()
}

// track records a live session unless the server is shutting down.
func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[session] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	s.active.Done()
}

// Shutdown stops accepting connections, closes every live session with the
// given reason, waits for their handlers to return and then for in-flight
// push dispatches.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.closing = true
	srv := s.httpServer
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		// Hijacked connections are not waited for here.
		err = srv.Shutdown(ctx)
	}

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, reason)
	}
	s.logger.Info("Closed live connections", zap.Int("count", len(sessions)), zap.String("reason", reason))

	// Handlers may still be inside a send; pushes they start are drained below.
	s.active.Wait()
	s.router.Wait()
	return err
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	online := s.registry.Online()
	users := make([]string, 0, len(online))
	for _, id := range online {
		users = append(users, strconv.FormatInt(id, 10))
	}
	return "connections=" + strconv.Itoa(len(online)) + ",users=" + strings.Join(users, ";")
}
