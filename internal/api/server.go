package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
	"github.com/nerrad567/bumper-core/internal/registry"
)

// listenerName identifies the conf listener to the orchestrator.
const listenerName = "conf"

// Deps holds the dependencies required by the conf API server.
type Deps struct {
	Addr     string
	TLS      *tls.Config
	Logger   *logging.Logger
	Registry *registry.Registry
	Version  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Clock stamps response times. Defaults to time.Now.
	Clock func() time.Time
}

// Server is the conf API server.
//
// It embeds the HTTP listener lifecycle (Listen, Serve, Close, Addr).
type Server struct {
	*HTTPListener

	logger   *logging.Logger
	registry *registry.Registry
	version  string
	clock    func() time.Time
}

// New creates a new conf API server with the given dependencies.
//
// The server is not bound until Listen() is called.
//
// Parameters:
//   - deps: Required dependencies (address, logger, registry)
//
// Returns:
//   - *Server: Configured server ready to bind
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	s := &Server{
		logger:   deps.Logger.With("component", "api"),
		registry: deps.Registry,
		version:  deps.Version,
		clock:    deps.Clock,
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	s.HTTPListener = NewHTTPListener(ListenerConfig{
		Name:         listenerName,
		Addr:         deps.Addr,
		TLS:          deps.TLS,
		ReadTimeout:  deps.ReadTimeout,
		WriteTimeout: deps.WriteTimeout,
		IdleTimeout:  deps.IdleTimeout,
	}, s.buildRouter(), s.logger)

	return s, nil
}

// HealthCheck verifies the conf server is bound.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.Addr() == nil {
		return fmt.Errorf("api server not listening")
	}

	return nil
}
