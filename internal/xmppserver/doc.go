// Package xmppserver implements the legacy XMPP listener used by older bots
// and companion apps.
//
// A session runs: stream open, SASL PLAIN, stream restart, resource bind,
// then presence and iq traffic until the stream closes. The stream's "to"
// domain decides the peer kind: a domain starting with "ecouser" is a
// companion app whose password must be a live token or authcode; anything
// else is a bot, registered with BotAdd on bind. The peer's xmpp_connection
// flag is set from bind until the stream ends.
//
// Only the stanzas needed to hold a session open are understood. Unknown iq
// requests get a feature-not-implemented error; messages are dropped.
package xmppserver
