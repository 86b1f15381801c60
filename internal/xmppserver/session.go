package xmppserver

import (
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/bumper-core/internal/events"
)

const (
	// defaultDomain is used when Deps.Domain is empty.
	defaultDomain = "ecouser.net"

	// clientRealmPrefix marks companion app streams.
	clientRealmPrefix = "ecouser"

	// legacyCompany is the company code recorded for XMPP bots.
	legacyCompany = "eco-legacy"
)

// peer is an authenticated session's identity.
type peer struct {
	kind     string
	id       string
	realm    string
	resource string
	userID   string
}

// session is one XMPP connection.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	dec    *xml.Decoder
	remote string
	to     string
}

// handleConn runs one connection from stream open to close.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck // connection teardown

	c := &session{
		srv:    s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		remote: conn.RemoteAddr().String(),
	}

	conn.SetReadDeadline(time.Now().Add(s.bindTimeout)) //nolint:errcheck // enforced by reads

	p, err := c.negotiate(ctx)
	if err != nil {
		s.logger.Info("XMPP session rejected", "remote", c.remote, "error", err)
		return
	}

	s.claim(ctx, p, conn)
	s.publishEvent(p, true, c.remote)
	s.logger.Info("XMPP peer connected", "id", p.id, "kind", p.kind, "resource", p.resource, "remote", c.remote)

	err = c.serve()

	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagUpdateTimeout)
	defer cancel()
	if !s.release(flagCtx, p, conn) {
		s.logger.Info("XMPP session superseded", "id", p.id, "resource", p.resource)
		return
	}
	s.publishEvent(p, false, c.remote)

	if err != nil && !errors.Is(err, errStreamClosed) && !errors.Is(err, net.ErrClosed) {
		s.logger.Info("XMPP peer dropped", "id", p.id, "error", err)
		return
	}
	s.logger.Info("XMPP peer disconnected", "id", p.id)
}

// negotiate runs stream open, SASL PLAIN, stream restart and resource bind.
func (c *session) negotiate(ctx context.Context) (*peer, error) {
	if err := c.openStream(); err != nil {
		return nil, err
	}
	if err := c.send(authFeatures()); err != nil {
		return nil, err
	}

	p, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	// The peer restarts its stream after SASL success.
	if err := c.openStream(); err != nil {
		return nil, err
	}
	if err := c.send(bindFeatures()); err != nil {
		return nil, err
	}

	for {
		start, err := nextElement(c.dec)
		if err != nil {
			return nil, err
		}
		if start.Name.Local != "iq" {
			if err := c.dec.Skip(); err != nil {
				return nil, err
			}
			continue
		}

		var q iq
		if err := c.dec.DecodeElement(&q, &start); err != nil {
			return nil, fmt.Errorf("decoding iq: %w", err)
		}
		if q.Bind == nil {
			if err := c.answer(q); err != nil {
				return nil, err
			}
			continue
		}

		p.resource = strings.TrimSpace(q.Bind.Resource)
		if p.resource == "" {
			p.resource = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		if err := c.register(ctx, p); err != nil {
			c.send(streamEnd) //nolint:errcheck // already failing
			return nil, err
		}

		jid := p.id + "@" + p.realm + "/" + p.resource
		if err := c.send(bindResult(q.ID, jid)); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// openStream reads a stream header and answers with our own.
func (c *session) openStream() error {
	c.dec = xml.NewDecoder(c.reader)

	start, err := nextElement(c.dec)
	if err != nil {
		return err
	}
	if start.Name.Local != "stream" || start.Name.Space != nsStream {
		return fmt.Errorf("expected stream header, got <%s>", start.Name.Local)
	}
	for _, a := range start.Attr {
		if a.Name.Local == "to" {
			c.to = a.Value
		}
	}
	if c.to == "" {
		c.to = c.srv.domain
	}

	return c.send(streamHeader(uuid.NewString(), c.to))
}

// authenticate reads the SASL exchange and checks companion app credentials.
// Bots are not challenged.
func (c *session) authenticate(ctx context.Context) (*peer, error) {
	start, err := nextElement(c.dec)
	if err != nil {
		return nil, err
	}
	if start.Name.Local != "auth" || start.Name.Space != nsSASL {
		return nil, fmt.Errorf("expected SASL auth, got <%s>", start.Name.Local)
	}

	var a saslAuth
	if err := c.dec.DecodeElement(&a, &start); err != nil {
		return nil, fmt.Errorf("decoding auth: %w", err)
	}
	if a.Mechanism != mechanismPlain {
		c.fail("invalid-mechanism")
		return nil, fmt.Errorf("unsupported mechanism %q", a.Mechanism)
	}

	user, password, err := plainCredentials(a.Value)
	if err != nil {
		c.fail("malformed-request")
		return nil, err
	}

	local, domain, _ := splitJID(user)
	p := &peer{id: local}

	if strings.HasPrefix(c.to, clientRealmPrefix) {
		p.kind = events.KindClient
		p.userID = local
		p.realm = c.to

		valid, err := c.srv.registry.Authenticate(ctx, p.userID, password)
		if err != nil {
			c.fail("temporary-auth-failure")
			return nil, fmt.Errorf("authenticating %s: %w", p.userID, err)
		}
		if !valid {
			c.fail("not-authorized")
			return nil, fmt.Errorf("bad credentials for %s", p.userID)
		}
	} else {
		p.kind = events.KindBot
		p.realm = domain
		if p.realm == "" {
			p.realm, _, _ = strings.Cut(c.to, ".")
		}
	}

	if err := c.send(saslSuccess()); err != nil {
		return nil, err
	}
	return p, nil
}

// register records the bound peer in the registry.
func (c *session) register(ctx context.Context, p *peer) error {
	if p.kind == events.KindClient {
		return c.srv.registry.ClientAdd(ctx, p.userID, p.realm, p.resource)
	}
	// Legacy bots carry no serial number on this protocol; the did stands in.
	return c.srv.registry.BotAdd(ctx, p.id, p.id, p.realm, p.resource, legacyCompany)
}

// serve handles stanzas until the stream ends.
func (c *session) serve() error {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout)) //nolint:errcheck // enforced by reads

		start, err := nextElement(c.dec)
		if err != nil {
			if errors.Is(err, errStreamClosed) {
				c.send(streamEnd) //nolint:errcheck // peer is leaving
			}
			return err
		}

		if start.Name.Local != "iq" {
			// presence and message stanzas are accepted and dropped
			if err := c.dec.Skip(); err != nil {
				return err
			}
			continue
		}

		var q iq
		if err := c.dec.DecodeElement(&q, &start); err != nil {
			return fmt.Errorf("decoding iq: %w", err)
		}
		if err := c.answer(q); err != nil {
			return err
		}
	}
}

// answer replies to an iq that is not a bind request.
func (c *session) answer(q iq) error {
	switch {
	case q.Type == "result" || q.Type == "error":
		return nil
	case q.Ping != nil, q.Session != nil:
		return c.send(iqResult(q.ID, ""))
	default:
		return c.send(iqNotImplemented(q.ID))
	}
}

// fail reports a SASL failure and ends the stream.
func (c *session) fail(condition string) {
	c.send(saslFailure(condition) + streamEnd) //nolint:errcheck // connection is being dropped
}

func (c *session) send(s string) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck // enforced by the write
	_, err := io.WriteString(c.conn, s)
	return err
}
