package xmppserver

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// XML namespaces.
const (
	nsClient  = "jabber:client"
	nsStream  = "http://etherx.jabber.org/streams"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession = "urn:ietf:params:xml:ns:xmpp-session"
	nsPing    = "urn:xmpp:ping"
	nsStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// mechanismPlain is the only SASL mechanism offered.
const mechanismPlain = "PLAIN"

// errStreamClosed is returned when the peer ends its stream.
var errStreamClosed = errors.New("xmppserver: stream closed by peer")

// saslAuth is <auth mechanism="PLAIN">base64</auth>.
type saslAuth struct {
	XMLName   xml.Name `xml:"auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Value     string   `xml:",chardata"`
}

// iq is an info/query stanza with the payloads the listener understands.
type iq struct {
	XMLName xml.Name  `xml:"iq"`
	ID      string    `xml:"id,attr"`
	Type    string    `xml:"type,attr"`
	Bind    *bindReq  `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
	Session *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
	Ping    *struct{} `xml:"urn:xmpp:ping ping"`
}

type bindReq struct {
	Resource string `xml:"resource"`
}

// plainCredentials decodes a SASL PLAIN response: [authzid] NUL authcid NUL passwd.
func plainCredentials(encoded string) (user, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", fmt.Errorf("decoding PLAIN response: %w", err)
	}
	parts := bytes.Split(raw, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", "", fmt.Errorf("malformed PLAIN response")
	}
	return string(parts[1]), string(parts[2]), nil
}

// splitJID splits "local@domain/resource" into its parts; any part may be empty.
func splitJID(jid string) (local, domain, resource string) {
	rest := jid
	if l, d, ok := strings.Cut(rest, "@"); ok {
		local, rest = l, d
	}
	domain, resource, _ = strings.Cut(rest, "/")
	if local == "" && !strings.Contains(jid, "@") {
		local, domain = domain, ""
	}
	return local, domain, resource
}

// nextElement returns the next top-level start element in the stream,
// skipping whitespace keepalives. The end of the stream is errStreamClosed.
func nextElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, errStreamClosed
			}
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			if t.Name.Local == "stream" {
				return xml.StartElement{}, errStreamClosed
			}
		}
	}
}

// escape returns s escaped for use in XML text and attribute values.
func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s)) //nolint:errcheck // strings.Builder never fails
	return b.String()
}

func streamHeader(id, from string) string {
	return fmt.Sprintf("<?xml version='1.0'?><stream:stream xmlns='%s' xmlns:stream='%s' id='%s' from='%s' version='1.0'>",
		nsClient, nsStream, escape(id), escape(from))
}

func authFeatures() string {
	return fmt.Sprintf("<stream:features><mechanisms xmlns='%s'><mechanism>%s</mechanism></mechanisms></stream:features>",
		nsSASL, mechanismPlain)
}

func bindFeatures() string {
	return fmt.Sprintf("<stream:features><bind xmlns='%s'/><session xmlns='%s'/></stream:features>", nsBind, nsSession)
}

func saslSuccess() string {
	return fmt.Sprintf("<success xmlns='%s'/>", nsSASL)
}

func saslFailure(condition string) string {
	return fmt.Sprintf("<failure xmlns='%s'><%s/></failure>", nsSASL, condition)
}

func iqResult(id, body string) string {
	return fmt.Sprintf("<iq type='result' id='%s'>%s</iq>", escape(id), body)
}

func bindResult(id, jid string) string {
	return iqResult(id, fmt.Sprintf("<bind xmlns='%s'><jid>%s</jid></bind>", nsBind, escape(jid)))
}

func iqNotImplemented(id string) string {
	return fmt.Sprintf("<iq type='error' id='%s'><error type='cancel'><feature-not-implemented xmlns='%s'/></error></iq>",
		escape(id), nsStanzas)
}

const streamEnd = "</stream:stream>"
