package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/livechat/internal/account"
	"github.com/Tyrowin/livechat/internal/hub"
	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/store"
)

// ErrShuttingDown is returned for connections arriving during shutdown.
var ErrShuttingDown = errors.New("server shutting down")

// Server is the HTTP and websocket front of the chat.
type Server struct {
	cfg      Config
	log      *slog.Logger
	router   *hub.Router
	tokens   *identity.JWT
	accounts *account.Service
	messages store.MessageStore
	upgrader websocket.Upgrader
	http     *http.Server

	// ctx outlives individual requests and is handed to the read pumps.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New wires a Server. cfg is expected to be sanitized.
func New(
	log *slog.Logger,
	cfg Config,
	router *hub.Router,
	tokens *identity.JWT,
	accounts *account.Service,
	messages store.MessageStore,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      log,
		router:   router,
		tokens:   tokens,
		accounts: accounts,
		messages: messages,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(log, cfg.Origins()).checkOrigin,
	}
	s.http = CreateServer(cfg.Addr(), s.Routes())
	return s
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Run serves HTTP and runs history retention on retainer until ctx is done or
// the listener fails, then shuts everything down.
func (s *Server) Run(ctx context.Context, retainer store.Retainer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("Server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		return store.RunRetention(gctx, s.log, retainer, s.cfg.HistoryRetention, s.cfg.RetentionInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops accepting requests, closes every websocket and waits for
// their pumps, all bounded by the shutdown timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.log.Info("Shutting down HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	closed := s.router.CloseAll()
	s.log.Info("Closing websocket sessions", "sessions", closed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("All sessions closed")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
	}

	s.cancel()
	return errors.Join(errs...)
}
