package mqttserver

import "errors"

// Sentinel errors for the MQTT listener.
var (
	// ErrNotListening is returned by Serve before Listen has succeeded.
	ErrNotListening = errors.New("mqttserver: not listening")

	// ErrAlreadyListening is returned by a second call to Listen.
	ErrAlreadyListening = errors.New("mqttserver: already listening")

	// ErrProtocol marks a peer that broke the MQTT session rules.
	ErrProtocol = errors.New("mqttserver: protocol violation")
)
