// Package server exposes a chat session to a browser front end over a local HTTP API
// with a server-sent event feed of state changes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sportsphere/sportchat/internal/chat"
	"github.com/sportsphere/sportchat/internal/store"
)

type Server struct {
	session *chat.Session
	logger  *zap.Logger
	metrics http.Handler

	httpSrv    *http.Server
	listenAddr string
	ln         net.Listener
	addr       string

	// shutdownTimeout bounds how long Serve waits for open requests on shutdown.
	shutdownTimeout time.Duration

	// clients are /api/events subscribers, each woken through a one-slot channel.
	clientsMu sync.Mutex
	clients   map[chan struct{}]struct{}
	closed    bool
	unwatch   []func()
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAddr sets the listen address. The default binds a random loopback port.
func WithAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

func New(session *chat.Session, opts ...Option) *Server {
	s := &Server{
		session:    session,
		logger:     zap.NewNop(),
		listenAddr:      "127.0.0.1:0",
		shutdownTimeout: 5 * time.Second,
		clients:         make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/conversations", s.handleList)
	mux.HandleFunc("POST /api/conversations", s.handleNewChat)
	mux.HandleFunc("POST /api/conversations/{id}/open", s.handleOpen)
	mux.HandleFunc("PUT /api/conversations/{id}", s.handleRename)
	mux.HandleFunc("POST /api/conversations/{id}/pin", s.handlePin)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDelete)
	mux.HandleFunc("GET /api/conversations/{id}/share", s.handleShare)
	mux.HandleFunc("POST /api/turn", s.handleTurn)
	mux.HandleFunc("POST /api/turn/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	s.unwatch = append(s.unwatch,
		session.Store().Subscribe(func(store.Snapshot) { s.broadcast() }),
		session.Reconciler().Watch(func(chat.TurnState) { s.broadcast() }),
	)

	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the server's routes, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Listen binds the server's address. Call Serve to start handling requests.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("binding port: %w", err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	return nil
}

// Serve starts handling HTTP requests. Blocks until ctx is cancelled, then cancels the
// in-flight turn and drains open requests.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.session.Cancel()
		s.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutting down bridge", zap.Error(err))
		}
	}()

	s.logger.Info("bridge listening", zap.String("addr", "http://"+s.addr))

	err := s.httpSrv.Serve(s.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	s.logger.Info("bridge stopped")
	return nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.clients[ch] = struct{}{}
	return ch
}

func (s *Server) unsubscribe(ch chan struct{}) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[ch]; ok {
		delete(s.clients, ch)
		close(ch)
	}
}

// broadcast wakes every event stream. A stream that has not caught up yet already has
// a wake-up pending and will send the newest state anyway.
func (s *Server) broadcast() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close detaches the server from the session and ends open event streams.
func (s *Server) Close() {
	s.clientsMu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.closed = true
	for ch := range s.clients {
		delete(s.clients, ch)
		close(ch)
	}
	s.clientsMu.Unlock()

	for _, fn := range unwatch {
		fn()
	}
}
