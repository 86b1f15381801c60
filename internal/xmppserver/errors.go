package xmppserver

import "errors"

// Sentinel errors for the XMPP listener.
var (
	// ErrNotListening is returned by Serve before Listen has succeeded.
	ErrNotListening = errors.New("xmppserver: not listening")

	// ErrAlreadyListening is returned by a second call to Listen.
	ErrAlreadyListening = errors.New("xmppserver: already listening")
)
