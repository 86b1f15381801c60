package mqttserver

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
	listenerName = "mqtt"

	// defaultConnectTimeout bounds how long a new connection may take to
	// send CONNECT.
	defaultConnectTimeout = 10 * time.Second

	// writeTimeout bounds a single packet write to a peer.
	writeTimeout = 5 * time.Second

	// flagUpdateTimeout bounds the registry update made when a peer leaves,
	// which runs after the serving context may already be cancelled.
	flagUpdateTimeout = 5 * time.Second
)

// Registry is the subset of the credential registry the listener needs.
type Registry interface {
	Authenticate(ctx context.Context, userID, secret string) (bool, error)
	BotAdd(ctx context.Context, sn, did, dev, res, co string) error
	BotSetMQTT(ctx context.Context, did string, connected bool) error
	ClientAdd(ctx context.Context, userID, realm, resource string) error
	ClientSetMQTT(ctx context.Context, resource string, connected bool) error
}

// Deps holds the dependencies required by the MQTT listener.
type Deps struct {
	// Addr is the host:port to bind.
	Addr string

	// TLS enables TLS on accepted connections when non-nil.
	TLS *tls.Config

	Registry Registry
	Logger   *logging.Logger

	// Events receives connect and disconnect notifications. Optional.
	Events events.Publisher

	// HelperBotSecret is the password the internal helper bot must present.
	// Empty rejects every helper bot login.
	HelperBotSecret string

	// ConnectTimeout overrides defaultConnectTimeout when positive.
	ConnectTimeout time.Duration
}

// Server is the MQTT listener.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	addr           string
	tlsConfig      *tls.Config
	registry       Registry
	events         events.Publisher
	logger         *logging.Logger
	helperSecret   string
	connectTimeout time.Duration

	subs *subscriptions

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

// New creates an MQTT listener. Nothing is bound until Listen is called.
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

	timeout := deps.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	return &Server{
		addr:           deps.Addr,
		tlsConfig:      deps.TLS,
		registry:       deps.Registry,
		events:         deps.Events,
		logger:         deps.Logger.With("component", "mqttserver"),
		helperSecret:   deps.HelperBotSecret,
		connectTimeout: timeout,
		subs:           newSubscriptions(),
		conns:          make(map[net.Conn]struct{}),
		owners:         make(map[string]net.Conn),
	}, nil
}

// Name returns "mqtt".
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
		return fmt.Errorf("binding mqtt listener on %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.ln = ln

	s.logger.Info("MQTT listener bound", "address", ln.Addr().String(), "tls", s.tlsConfig != nil)
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
				s.logger.Info("MQTT listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.Close() //nolint:errcheck // already failing
			s.wg.Wait()
			return fmt.Errorf("accepting mqtt connection: %w", err)
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
		Protocol:  events.ProtocolMQTT,
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
	switch p.kind {
	case events.KindBot:
		return "bot:" + p.id
	case events.KindClient:
		return "client:" + p.resource
	default:
		return p.kind + ":" + p.clientID
	}
}

// claim makes conn the owner of the peer's identity and sets its flag. A
// previous connection for the same identity is closed.
func (s *Server) claim(ctx context.Context, p *peer, conn net.Conn) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	key := ownerKey(p)
	if prev, ok := s.owners[key]; ok && prev != conn {
		s.logger.Info("closing superseded MQTT session", "client_id", p.clientID)
		prev.Close() //nolint:errcheck // its handler sees the closed connection
	}
	s.owners[key] = conn

	if err := s.setConnected(ctx, p, true); err != nil {
		s.logger.Error("setting connection flag", "client_id", p.clientID, "error", err)
	}
}

// release gives up conn's ownership and clears the flag. It reports false,
// leaving the flag alone, when a newer connection owns the identity.
func (s *Server) release(ctx context.Context, p *peer, conn net.Conn) bool {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	key := ownerKey(p)
	if s.owners[key] != conn {
		return false
	}
	delete(s.owners, key)

	if err := s.setConnected(ctx, p, false); err != nil {
		s.logger.Error("clearing connection flag", "client_id", p.clientID, "error", err)
	}
	return true
}

// setConnected records the peer's mqtt_connection flag.
func (s *Server) setConnected(ctx context.Context, p *peer, connected bool) error {
	switch p.kind {
	case events.KindBot:
		return s.registry.BotSetMQTT(ctx, p.id, connected)
	case events.KindClient:
		return s.registry.ClientSetMQTT(ctx, p.resource, connected)
	default:
		return nil
	}
}

// route delivers a published message to every matching subscriber.
func (s *Server) route(topic string, payload []byte) {
	for _, d := range s.subs.match(topic) {
		if err := d.sess.deliver(topic, payload, d.qos); err != nil {
			s.logger.Debug("dropping delivery",
				"client_id", d.sess.peer.clientID,
				"topic", topic,
				"error", err,
			)
		}
	}
}
