package registry

import (
	"errors"
	"time"
)

// ErrTokenNotFound is returned when an authcode references a token that does
// not exist or has expired.
var ErrTokenNotFound = errors.New("token not found")

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = time.Hour

// User is an account and the device ids and bots associated with it.
type User struct {
	UserID  string   `json:"userid"`
	Devices []string `json:"devices"`
	Bots    []string `json:"bots"`
}

// Bot is a managed vacuum device record.
type Bot struct {
	DID            string `json:"did"`
	SN             string `json:"sn"`
	Dev            string `json:"dev"`
	Res            string `json:"res"`
	Co             string `json:"co"`
	Nick           string `json:"nick"`
	MQTTConnection bool   `json:"mqtt_connection"`
	XMPPConnection bool   `json:"xmpp_connection"`
}

// Client is a companion app connection record.
type Client struct {
	Resource       string `json:"resource"`
	UserID         string `json:"userid"`
	Realm          string `json:"realm"`
	MQTTConnection bool   `json:"mqtt_connection"`
	XMPPConnection bool   `json:"xmpp_connection"`
}

// Token is an opaque credential issued to a user.
type Token struct {
	UserID     string    `json:"userid"`
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

// Expired reports whether the token is expired at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.Expiration)
}

// Authcode is a one-time credential bound to a token.
type Authcode struct {
	UserID   string `json:"userid"`
	Token    string `json:"token"`
	Authcode string `json:"authcode"`
}
