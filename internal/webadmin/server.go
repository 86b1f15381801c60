package webadmin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/bumper-core/internal/api"
	"github.com/nerrad567/bumper-core/internal/events"
	"github.com/nerrad567/bumper-core/internal/infrastructure/config"
	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
	"github.com/nerrad567/bumper-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/bumper-core/internal/registry"
)

// listenerName identifies the admin listener to the orchestrator.
const listenerName = "webadmin"

// ErrNoHelperBot is returned by command routes when no helper bot is wired.
var ErrNoHelperBot = errors.New("webadmin: helper bot unavailable")

// CommandSender delivers a command to a bot and waits for its answer.
// *mqtt.Client implements it.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd mqtt.Command) (mqtt.Response, error)
}

// EventSource is the subscription side of the events bus.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Deps holds the dependencies required by the admin server.
type Deps struct {
	Addr     string
	Logger   *logging.Logger
	Registry *registry.Registry
	Version  string

	// Events feeds the websocket hub. Optional.
	Events EventSource

	// HelperBot sends bot commands. Optional; command routes answer 503
	// without it.
	HelperBot CommandSender

	// JWTSecret enables bearer authentication when non-empty.
	JWTSecret string

	WebSocket config.WebSocketConfig

	// CommandTimeout bounds POST /api/bots/{did}/command.
	CommandTimeout time.Duration
}

// Server is the debug admin server.
type Server struct {
	*api.HTTPListener

	logger         *logging.Logger
	registry       *registry.Registry
	events         EventSource
	helperBot      CommandSender
	jwtSecret      string
	version        string
	commandTimeout time.Duration
	hub            *Hub
}

// defaultCommandTimeout is used when Deps.CommandTimeout is zero.
const defaultCommandTimeout = 10 * time.Second

// New creates the admin server. It is not bound until Listen.
//
// Parameters:
//   - deps: Required dependencies (logger, registry); the rest are optional
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

	logger := deps.Logger.With("component", "webadmin")

	wsCfg := deps.WebSocket
	if wsCfg.PingInterval <= 0 || wsCfg.PongTimeout <= 0 {
		wsCfg = config.Default().Admin.WebSocket
	}

	s := &Server{
		logger:         logger,
		registry:       deps.Registry,
		events:         deps.Events,
		helperBot:      deps.HelperBot,
		jwtSecret:      deps.JWTSecret,
		version:        deps.Version,
		commandTimeout: deps.CommandTimeout,
		hub:            NewHub(wsCfg, logger),
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = defaultCommandTimeout
	}

	s.HTTPListener = api.NewHTTPListener(api.ListenerConfig{
		Name: listenerName,
		Addr: deps.Addr,
	}, s.buildRouter(), logger)

	// Hijacked websocket connections are not closed by http.Server.Shutdown.
	s.RegisterOnShutdown(s.hub.closeAll)

	return s, nil
}

// Serve relays bus events to websocket clients and handles requests until
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.events != nil {
		ch, unsubscribe := s.events.Subscribe(0)
		defer unsubscribe()

		hubCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.hub.Run(hubCtx, ch)
	}

	return s.HTTPListener.Serve(ctx)
}

// Close stops the listener and disconnects every websocket client.
func (s *Server) Close() error {
	s.hub.closeAll()
	return s.HTTPListener.Close()
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
