package mqttserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/bumper-core/internal/events"
)

// Client identifier classification.
const (
	helperBotRealm    = "bumper"
	helperBotUsername = "helperbot"
	clientRealmPrefix = "ecouser"
	botCompany        = "eco-ng"
)

// maxGrantedQoS is the highest QoS the listener delivers at.
const maxGrantedQoS = 1

// subscribeFailure is the SUBACK return code for a rejected filter.
const subscribeFailure = 0x80

// peer is an authenticated connection's identity.
type peer struct {
	kind     string
	clientID string
	id       string
	realm    string
	resource string
	userID   string
}

// parseClientID splits "<id>@<realm>/<resource>".
func parseClientID(clientID string) (id, realm, resource string, ok bool) {
	id, rest, found := strings.Cut(clientID, "@")
	if !found || id == "" {
		return "", "", "", false
	}
	realm, resource, found = strings.Cut(rest, "/")
	if !found || realm == "" || resource == "" {
		return "", "", "", false
	}
	return id, realm, resource, true
}

// authorize classifies a CONNECT and checks its credentials.
// The returned byte is a CONNACK return code.
func (s *Server) authorize(ctx context.Context, cp *packets.ConnectPacket) (*peer, byte) {
	id, realm, resource, ok := parseClientID(cp.ClientIdentifier)
	if !ok {
		return nil, packets.ErrRefusedIDRejected
	}

	p := &peer{
		clientID: cp.ClientIdentifier,
		id:       id,
		realm:    realm,
		resource: resource,
	}

	switch {
	case realm == helperBotRealm:
		if cp.Username != helperBotUsername || s.helperSecret == "" ||
			subtle.ConstantTimeCompare(cp.Password, []byte(s.helperSecret)) != 1 {
			return nil, packets.ErrRefusedNotAuthorised
		}
		p.kind = events.KindHelperBot
		return p, packets.Accepted

	case strings.HasPrefix(realm, clientRealmPrefix):
		// The user id travels as the username; a password alone is refused.
		userID := cp.Username
		if userID == "" {
			return nil, packets.ErrRefusedBadUsernameOrPassword
		}
		valid, err := s.registry.Authenticate(ctx, userID, string(cp.Password))
		if err != nil {
			s.logger.Error("authenticating client", "user_id", userID, "error", err)
			return nil, packets.ErrRefusedServerUnavailable
		}
		if !valid {
			return nil, packets.ErrRefusedBadUsernameOrPassword
		}
		if err := s.registry.ClientAdd(ctx, userID, realm, resource); err != nil {
			s.logger.Error("registering client", "resource", resource, "error", err)
			return nil, packets.ErrRefusedServerUnavailable
		}
		p.kind = events.KindClient
		p.userID = userID
		return p, packets.Accepted

	default:
		if err := s.registry.BotAdd(ctx, cp.Username, id, realm, resource, botCompany); err != nil {
			s.logger.Error("registering bot", "did", id, "error", err)
			return nil, packets.ErrRefusedServerUnavailable
		}
		p.kind = events.KindBot
		return p, packets.Accepted
	}
}

// handleConn runs one connection from CONNECT to close.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck // connection teardown

	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(s.connectTimeout)) //nolint:errcheck // enforced by the next read
	pkt, err := packets.ReadPacket(conn)
	if err != nil {
		s.logger.Debug("reading CONNECT", "remote", remote, "error", err)
		return
	}
	cp, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		s.logger.Warn("first packet was not CONNECT", "remote", remote, "packet", pkt.String())
		return
	}

	code := cp.Validate()
	var p *peer
	if code == packets.Accepted {
		p, code = s.authorize(ctx, cp)
	}

	connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	connack.ReturnCode = code
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck // enforced by the write
	if err := connack.Write(conn); err != nil {
		s.logger.Debug("writing CONNACK", "remote", remote, "error", err)
		return
	}
	if code != packets.Accepted {
		s.logger.Info("MQTT connection refused",
			"client_id", cp.ClientIdentifier,
			"remote", remote,
			"code", packets.ConnackReturnCodes[code],
		)
		return
	}

	sess := &session{
		srv:       s,
		conn:      conn,
		peer:      p,
		keepalive: time.Duration(cp.Keepalive) * time.Second,
		inbound:   make(map[uint16]*packets.PublishPacket),
	}

	s.claim(ctx, p, conn)
	s.publishEvent(p, true, remote)
	s.logger.Info("MQTT peer connected", "client_id", p.clientID, "kind", p.kind, "remote", remote)

	err = sess.serve()

	s.subs.drop(sess)

	flagCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flagUpdateTimeout)
	defer cancel()
	if !s.release(flagCtx, p, conn) {
		s.logger.Info("MQTT session superseded", "client_id", p.clientID, "remote", remote)
		return
	}
	s.publishEvent(p, false, remote)

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.logger.Info("MQTT peer dropped", "client_id", p.clientID, "error", err)
		return
	}
	s.logger.Info("MQTT peer disconnected", "client_id", p.clientID)
}

// session is one accepted MQTT connection.
type session struct {
	srv       *Server
	conn      net.Conn
	peer      *peer
	keepalive time.Duration

	// inbound holds QoS 2 messages awaiting PUBREL. Only the reading
	// goroutine touches it.
	inbound map[uint16]*packets.PublishPacket

	writeMu sync.Mutex
	nextID  uint16
}

// serve reads packets until the peer disconnects or the connection fails.
// A clean DISCONNECT returns nil.
func (c *session) serve() error {
	for {
		if c.keepalive > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.keepalive * 3 / 2)) //nolint:errcheck // enforced by the read
		} else {
			c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck // no keepalive requested
		}

		pkt, err := packets.ReadPacket(c.conn)
		if err != nil {
			return err
		}

		switch p := pkt.(type) {
		case *packets.PublishPacket:
			err = c.handlePublish(p)
		case *packets.PubrelPacket:
			err = c.handlePubrel(p)
		case *packets.PubackPacket, *packets.PubcompPacket:
			// Outbound deliveries are fire-and-forget at QoS 1.
		case *packets.PubrecPacket:
			rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
			rel.MessageID = p.MessageID
			err = c.write(rel)
		case *packets.SubscribePacket:
			err = c.handleSubscribe(p)
		case *packets.UnsubscribePacket:
			err = c.handleUnsubscribe(p)
		case *packets.PingreqPacket:
			err = c.write(packets.NewControlPacket(packets.Pingresp))
		case *packets.DisconnectPacket:
			return nil
		case *packets.ConnectPacket:
			return fmt.Errorf("%w: second CONNECT", ErrProtocol)
		default:
			return fmt.Errorf("%w: unexpected %s", ErrProtocol, pkt.String())
		}
		if err != nil {
			return err
		}
	}
}

func (c *session) handlePublish(p *packets.PublishPacket) error {
	if !validTopic(p.TopicName) {
		return fmt.Errorf("%w: invalid publish topic %q", ErrProtocol, p.TopicName)
	}

	switch p.Qos {
	case 0:
		c.srv.route(p.TopicName, p.Payload)
		return nil
	case 1:
		c.srv.route(p.TopicName, p.Payload)
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return c.write(ack)
	case 2:
		// Routed on PUBREL so a redelivered PUBLISH is not fanned out twice.
		c.inbound[p.MessageID] = p
		rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
		rec.MessageID = p.MessageID
		return c.write(rec)
	default:
		return fmt.Errorf("%w: invalid QoS %d", ErrProtocol, p.Qos)
	}
}

func (c *session) handlePubrel(p *packets.PubrelPacket) error {
	if msg, ok := c.inbound[p.MessageID]; ok {
		delete(c.inbound, p.MessageID)
		c.srv.route(msg.TopicName, msg.Payload)
	}
	comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	comp.MessageID = p.MessageID
	return c.write(comp)
}

func (c *session) handleSubscribe(p *packets.SubscribePacket) error {
	ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	ack.MessageID = p.MessageID
	ack.ReturnCodes = make([]byte, len(p.Topics))

	for i, filter := range p.Topics {
		if !validFilter(filter) {
			ack.ReturnCodes[i] = subscribeFailure
			continue
		}
		qos := byte(maxGrantedQoS)
		if i < len(p.Qoss) && p.Qoss[i] < qos {
			qos = p.Qoss[i]
		}
		c.srv.subs.add(c, filter, qos)
		ack.ReturnCodes[i] = qos
		c.srv.logger.Debug("subscribed", "client_id", c.peer.clientID, "filter", filter, "qos", qos)
	}
	return c.write(ack)
}

func (c *session) handleUnsubscribe(p *packets.UnsubscribePacket) error {
	for _, filter := range p.Topics {
		c.srv.subs.remove(c, filter)
	}
	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = p.MessageID
	return c.write(ack)
}

// deliver sends a routed message to this session.
func (c *session) deliver(topic string, payload []byte, qos byte) error {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = payload
	pub.Qos = qos

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if qos > 0 {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		pub.MessageID = c.nextID
	}
	return c.writeLocked(pub)
}

func (c *session) write(pkt packets.ControlPacket) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(pkt)
}

func (c *session) writeLocked(pkt packets.ControlPacket) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck // enforced by the write
	return pkt.Write(c.conn)
}
