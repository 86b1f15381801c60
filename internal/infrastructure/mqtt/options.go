package mqtt

import (
	"crypto/tls"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/bumper-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultCommandTimeout bounds SendCommand when the context has no deadline.
	defaultCommandTimeout = 30 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// helperBotUsername is the MQTT username the listener expects from the helper bot.
	helperBotUsername = "helperbot"
)

// Options configures the helper bot connection.
type Options struct {
	// Broker is the host:port of the MQTT listener.
	Broker string

	// TLS dials with TLS. Certificates are not verified: the peer is this
	// process's own listener.
	TLS bool

	// Password is the per-process helper bot secret.
	Password string

	config.HelperBotConfig
}

// buildClientOptions creates paho MQTT options for the helper bot.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and helper bot credentials
//   - Auto-reconnect with exponential backoff
//   - TLS configuration (if enabled)
//   - Clean session mode
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(scheme + "://" + o.Broker)

	opts.SetClientID(o.ClientID)
	opts.SetUsername(helperBotUsername)
	opts.SetPassword(o.Password)

	// Clean session - the listener keeps no session state anyway
	opts.SetCleanSession(true)

	// The listener is bound before the helper bot starts, so a failed first
	// attempt is reported instead of retried.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectRetryInterval(time.Duration(o.ReconnectDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(o.MaxReconnectDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tlsMinVersion,
			InsecureSkipVerify: true, //nolint:gosec // loopback connection to our own listener
		})
	}

	return opts
}
