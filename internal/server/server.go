package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/bumper-core/internal/events"
	"github.com/nerrad567/bumper-core/internal/infrastructure/config"
	"github.com/nerrad567/bumper-core/internal/infrastructure/database"
	"github.com/nerrad567/bumper-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
	"github.com/nerrad567/bumper-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/bumper-core/internal/registry"
)

// Listener is a network endpoint supervised by the orchestrator.
//
// Listen binds without accepting. Serve accepts until ctx is cancelled and
// returns nil on a clean stop. Close stops the listener immediately and must
// make a running Serve return.
type Listener interface {
	Name() string
	Listen(ctx context.Context) error
	Serve(ctx context.Context) error
	Close() error
	Addr() net.Addr
}

// Option customises a Server.
type Option func(*Server)

// WithClock sets the clock used for token issuance, expiry checks and
// response timestamps. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithVersion sets the version reported in logs and health responses.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithListener adds a listener supervised alongside the configured ones.
func WithListener(l Listener) Option {
	return func(s *Server) {
		s.extra = append(s.extra, l)
	}
}

// Server is the lifecycle orchestrator.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	clock   func() time.Time
	version string
	extra   []Listener

	mu    sync.Mutex
	state State
	run   *run

	shuttingDown atomic.Bool
}

// run holds everything owned by one Start/Shutdown cycle.
type run struct {
	db        *database.DB
	registry  *registry.Registry
	bus       *events.Bus
	listeners []Listener
	helperBot *mqtt.Client
	influx    *influxdb.Client

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a stopped Server.
//
// Parameters:
//   - cfg: Configuration; it is validated here
//   - logger: Root logger; components derive their own from it
//   - opts: Optional overrides
//
// Returns:
//   - *Server: Orchestrator in the stopped state
//   - error: If a required argument is missing or cfg is invalid
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		clock:   time.Now,
		version: "dev",
		state:   StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ShuttingDown reports whether Shutdown has begun. It stays true until the
// next Start.
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Done returns a channel closed once every task of the current run has
// exited, either after Shutdown or because one task failed. Before the first
// Start it returns an already-closed channel.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.run.done
}

// Registry returns the registry of the current run, or nil when stopped.
func (s *Server) Registry() *registry.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return nil
	}
	return s.run.registry
}

// Events returns the connection event bus of the current run, or nil when stopped.
func (s *Server) Events() *events.Bus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return nil
	}
	return s.run.bus
}

// Addr returns the bound address of the named listener ("conf", "mqtt",
// "xmpp", "webadmin" or an added listener), or nil if it is not running.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return nil
	}
	for _, l := range s.run.listeners {
		if l.Name() == name {
			return l.Addr()
		}
	}
	return nil
}

// Start opens the store, binds every listener and launches the tasks.
//
// It logs "Starting Bumper" first. Storage and bind failures are fatal: the
// partially started resources are released and the server returns to
// stopped.
//
// Parameters:
//   - ctx: Bounds startup only; tasks run until Shutdown
//
// Returns:
//   - error: ErrAlreadyRunning, a wrapped database.ErrStorage, or a bind error
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.shuttingDown.Store(false)
	s.mu.Unlock()

	s.logger.Info("Starting Bumper", "version", s.version, "debug", s.cfg.Server.Debug)

	r, err := s.prepare(ctx)
	if err != nil {
		s.setState(StateStopped)
		return err
	}

	s.launch(ctx, r)

	s.mu.Lock()
	s.run = r
	s.state = StateRunning
	s.mu.Unlock()

	for _, l := range r.listeners {
		s.logger.Info("listener running", "listener", l.Name(), "address", l.Addr().String())
	}
	return nil
}

// Shutdown stops every task and closes the store.
//
// ShuttingDown becomes true before anything else happens. Tasks get the
// configured grace period to stop; after that, or when ctx ends, listeners
// are force-closed.
//
// Parameters:
//   - ctx: Cuts the grace period short when cancelled
//
// Returns:
//   - error: ErrNotRunning, or the first task failure of the run
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.shuttingDown.Store(true)
	s.state = StateStopping
	r := s.run
	s.mu.Unlock()

	s.logger.Info("Shutting down")
	r.cancel()

	grace := time.NewTimer(s.cfg.Shutdown.GracePeriod)
	defer grace.Stop()

	select {
	case <-r.done:
	case <-grace.C:
		s.logger.Warn("Shutdown grace period exceeded", "grace_period", s.cfg.Shutdown.GracePeriod.String())
		s.forceClose(r)
		<-r.done
	case <-ctx.Done():
		s.logger.Warn("Shutdown grace period exceeded", "error", ctx.Err())
		s.forceClose(r)
		<-r.done
	}

	s.release(r)

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("Shutdown complete")
	return r.err
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// prepare performs every fallible startup step.
func (s *Server) prepare(ctx context.Context) (*run, error) {
	path := s.cfg.DatabasePath()
	db, err := database.Open(ctx, database.Config{
		Path:        path,
		WALMode:     s.cfg.Database.WALMode,
		BusyTimeout: s.cfg.Database.BusyTimeout,
	})
	if err != nil {
		s.logger.Error("opening store", "path", path, "error", err)
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		s.logger.Error("migrating store", "path", path, "error", err)
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	s.logger.Info("store opened", "path", path)

	reg := registry.New(db.DB,
		registry.WithClock(s.clock),
		registry.WithTokenTTL(s.cfg.Tokens.TTL),
	)
	reg.SetLogger(s.logger.With("component", "registry"))

	r := &run{
		db:       db,
		registry: reg,
		bus:      events.NewBus(),
		done:     make(chan struct{}),
	}

	if err := s.bindListeners(ctx, r); err != nil {
		s.release(r)
		return nil, err
	}

	s.connectInflux(ctx, r)
	return r, nil
}

// launch starts every task in one errgroup. A failing task cancels the rest.
func (s *Server) launch(ctx context.Context, r *run) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)

	for _, l := range r.listeners {
		g.Go(func() error {
			if err := l.Serve(gctx); err != nil {
				s.logger.Error("listener failed", "listener", l.Name(), "error", err)
				return fmt.Errorf("%s listener: %w", l.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		s.maintain(gctx, r)
		return nil
	})

	if r.helperBot != nil {
		g.Go(func() error {
			s.runHelperBot(gctx, r.helperBot)
			return nil
		})
	}

	if r.influx != nil {
		ch, unsubscribe := r.bus.Subscribe(0)
		g.Go(func() error {
			defer unsubscribe()
			r.influx.Record(gctx, ch)
			return nil
		})
	}

	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.err = err
		close(r.done)
	}()
}

// forceClose closes every listener; a Serve ignoring cancellation returns.
func (s *Server) forceClose(r *run) {
	for _, l := range r.listeners {
		if err := l.Close(); err != nil {
			s.logger.Warn("force-closing listener", "listener", l.Name(), "error", err)
		}
	}
}

// release closes the per-run resources that outlive the tasks.
func (s *Server) release(r *run) {
	for _, l := range r.listeners {
		l.Close() //nolint:errcheck // already stopped
	}
	if r.influx != nil {
		r.influx.Close() //nolint:errcheck // flushes pending points
	}
	if err := r.db.Close(); err != nil {
		s.logger.Error("closing store", "error", err)
	}
}
