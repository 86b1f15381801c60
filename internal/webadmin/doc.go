// Package webadmin implements the debug administration listener.
//
// It exposes the registry over a small JSON API, lets an operator send
// commands to bots through the helper bot, and streams connection events to
// browsers over a websocket. The listener is only started in debug mode.
//
// # Authentication
//
// When a JWT secret is configured every route except /health requires an
// HS256 bearer token with the admin scope, sent either as an Authorization
// header or, for websocket upgrades, a token query parameter. Tokens are
// minted with "bumper admin-token".
//
// # Routes
//
//	GET    /health
//	GET    /api/bots
//	DELETE /api/bots/{did}
//	POST   /api/bots/{did}/command
//	GET    /api/clients
//	DELETE /api/clients/{resource}
//	GET    /api/users
//	GET    /api/users/{userid}
//	DELETE /api/users/{userid}/tokens
//	POST   /api/tokens/sweep
//	GET    /ws
package webadmin
