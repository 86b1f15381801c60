package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete once the serving context is cancelled.
const gracefulShutdownTimeout = 5 * time.Second

// ErrNotListening is returned by Serve before Listen has succeeded.
var ErrNotListening = errors.New("api: not listening")

// ListenerConfig describes one HTTP(S) listener.
type ListenerConfig struct {
	// Name identifies the listener in logs and to the orchestrator.
	Name string

	// Addr is the host:port to bind.
	Addr string

	// TLS enables HTTPS when non-nil.
	TLS *tls.Config

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HTTPListener serves a handler with a bind / serve / close lifecycle.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type HTTPListener struct {
	cfg    ListenerConfig
	logger *logging.Logger
	server *http.Server

	mu sync.Mutex
	ln net.Listener
}

// NewHTTPListener creates a listener for handler. Nothing is bound until Listen.
func NewHTTPListener(cfg ListenerConfig, handler http.Handler, logger *logging.Logger) *HTTPListener {
	return &HTTPListener{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Name returns the configured listener name.
func (l *HTTPListener) Name() string {
	return l.cfg.Name
}

// Listen binds the configured address.
//
// Parameters:
//   - ctx: Context for the bind call
//
// Returns:
//   - error: If the port is in use or the address is invalid
func (l *HTTPListener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		return fmt.Errorf("%s listener already bound", l.cfg.Name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding %s listener on %s: %w", l.cfg.Name, l.cfg.Addr, err)
	}
	if l.cfg.TLS != nil {
		ln = tls.NewListener(ln, l.cfg.TLS)
	}
	l.ln = ln

	l.logger.Info("HTTP listener bound",
		"listener", l.cfg.Name,
		"address", ln.Addr().String(),
		"tls", l.cfg.TLS != nil,
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *HTTPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve handles requests until ctx is cancelled, then waits up to
// gracefulShutdownTimeout for in-flight requests.
func (l *HTTPListener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	if ln == nil {
		return ErrNotListening
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- l.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s listener: %w", l.cfg.Name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gracefulShutdownTimeout)
	defer cancel()

	err := l.server.Shutdown(shutdownCtx)
	<-errCh
	if err != nil {
		return fmt.Errorf("shutting down %s listener: %w", l.cfg.Name, err)
	}
	l.logger.Info("HTTP listener stopped", "listener", l.cfg.Name)
	return nil
}

// Close closes the listener and every connection immediately.
func (l *HTTPListener) Close() error {
	err := l.server.Close()

	l.mu.Lock()
	if l.ln != nil {
		l.ln.Close() //nolint:errcheck // already closed when Serve was running
	}
	l.mu.Unlock()

	return err
}

// RegisterOnShutdown registers a function to call when Serve begins
// shutting down. Hijacked connections (websockets) use it to close themselves.
func (l *HTTPListener) RegisterOnShutdown(f func()) {
	l.server.RegisterOnShutdown(f)
}
