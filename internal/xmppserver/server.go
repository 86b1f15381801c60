package xmppserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nerrad567/bumper-core/internal/events"
	"github.com/nerrad567/bumper-core/internal/infrastructure/logging"
)

const (
	// listenerName identifies this listener to the orchestrator.
	listenerName = "xmpp"

	// defaultBindTimeout bounds how long a new connection may take to
	// authenticate and bind a resource.
	defaultBindTimeout = 30 * time.Second

	// defaultIdleTimeout closes a bound session that sends nothing, not even
	// a whitespace keepalive.
	defaultIdleTimeout = 10 * time.Minute

	// writeTimeout bounds a single stanza write to a peer.
	writeTimeout = 5 * time.Second

	// flagUpdateTimeout bounds the registry update made when a peer leaves,
	// which runs after the serving context may already be cancelled.
	flagUpdateTimeout = 5 * time.Second
)

// Registry is the subset of the credential registry the listener needs.
type Registry interface {
	Authenticate(ctx context.Context, userID, secret string) (bool, error)
	BotAdd(ctx context.Context, sn, did, dev, res, co string) error
	BotSetXMPP(ctx context.Context, did string, connected bool) error
	ClientAdd(ctx context.Context, userID, realm, resource string) error
	ClientSetXMPP(ctx context.Context, resource string, connected bool) error
}

// Deps holds the dependencies required by the XMPP listener.
type Deps struct {
	// Addr is the host:port to bind.
	Addr string

	// TLS enables TLS on accepted connections when non-nil.
	TLS *tls.Config

	Registry Registry
	Logger   *logging.Logger

	// Events receives connect and disconnect notifications. Optional.
	Events events.Publisher

	// Domain is announced in stream headers and bound JIDs.
	Domain string

	// BindTimeout overrides defaultBindTimeout when positive.
	BindTimeout time.Duration

	// IdleTimeout overrides defaultIdleTimeout when positive.
	IdleTimeout time.Duration
}

// Server is the XMPP listener.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	addr           string
	tlsConfig      *tls.Config
	registry       Registry
	events         events.Publisher
	logger         *logging.Logger
	domain         string
	bindTimeout    time.Duration
	idleTimeout    time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	// owners maps a peer's registry identity to the connection that holds
	// its connection flag. ownerMu also serialises the flag writes.
	ownerMu sync.Mutex
	owners  map[string]net.Conn
}

// New creates an XMPP listener. Nothing is bound until Listen is called.
//
// Parameters:
//   - deps: Required dependencies (address, registry, logger)
//
// Returns:
//   - *Server: Configured listener
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		addr:        deps.Addr,
		tlsConfig:   deps.TLS,
		registry:    deps.Registry,
		events:      deps.Events,
		logger:      deps.Logger.With("component", "xmppserver"),
		domain:      deps.Domain,
		bindTimeout: defaultBindTimeout,
		idleTimeout: defaultIdleTimeout,
		conns:       make(map[net.Conn]struct{}),
		owners:      make(map[string]net.Conn),
	}
	if s.domain == "" {
		s.domain = defaultDomain
	}
	if deps.BindTimeout > 0 {
		s.bindTimeout = deps.BindTimeout
	}
	if deps.IdleTimeout > 0 {
		s.idleTimeout = deps.IdleTimeout
	}
	return s, nil
}

// Name returns "xmpp".
func (s *Server) Name() string {
	return listenerName
}

// Listen binds the configured address.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return ErrAlreadyListening
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding xmpp listener on %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln

	s.logger.Info("XMPP listener bound", "address", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
// It returns after every connection handler has finished.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return ErrNotListening
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close() //nolint:errcheck // listener close error is not actionable during shutdown
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				s.logger.Info("XMPP listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.Close() //nolint:errcheck // already failing
			s.wg.Wait()
			return fmt.Errorf("accepting xmpp connection: %w", err)
		}

		if !s.track(conn) {
			conn.Close() //nolint:errcheck // shutting down
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting and closes every live connection.
// Safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close() //nolint:errcheck // forced close
	}
	return err
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// publishEvent forwards a connection change to the event bus, if any.
func (s *Server) publishEvent(p *peer, connected bool, remote string) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Protocol:  events.ProtocolXMPP,
		Kind:      p.kind,
		ID:        p.id,
		UserID:    p.userID,
		Realm:     p.realm,
		Connected: connected,
		Remote:    remote,
	})
}

// ownerKey identifies the registry record whose flag a peer holds.
func ownerKey(p *peer) string {
	if p.kind == events.KindClient {
		return "client:" + p.resource
	}
	return "bot:" + p.id
}

// claim makes conn the owner of the peer's identity and sets its flag. A
// previous stream for the same identity is closed.
func (s *Server) claim(ctx context.Context, p *peer, conn net.Conn) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	key := ownerKey(p)
	if prev, ok := s.owners[key]; ok && prev != conn {
		s.logger.Info("closing superseded XMPP session", "id", p.id, "resource", p.resource)
		prev.Close() //nolint:errcheck // its handler sees the closed connection
	}
	s.owners[key] = conn

	if err := s.setConnected(ctx, p, true); err != nil {
		s.logger.Error("setting connection flag", "id", p.id, "error", err)
	}
}

// release gives up conn's ownership and clears the flag. It reports false,
// leaving the flag alone, when a newer stream owns the identity.
func (s *Server) release(ctx context.Context, p *peer, conn net.Conn) bool {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	key := ownerKey(p)
	if s.owners[key] != conn {
		return false
	}
	delete(s.owners, key)

	if err := s.setConnected(ctx, p, false); err != nil {
		s.logger.Error("clearing connection flag", "id", p.id, "error", err)
	}
	return true
}

// setConnected records the peer's xmpp_connection flag.
func (s *Server) setConnected(ctx context.Context, p *peer, connected bool) error {
	if p.kind == events.KindClient {
		return s.registry.ClientSetXMPP(ctx, p.resource, connected)
	}
	return s.registry.BotSetXMPP(ctx, p.id, connected)
}
