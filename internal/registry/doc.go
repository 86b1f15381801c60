// Package registry is the credential and device registry.
//
// It owns every persisted record family:
//   - Users, with the device ids and bot dids associated to them
//   - Bots (vacuum device records) and their per-protocol connection flags
//   - Clients (companion app connections) and their connection flags
//   - Tokens with a fixed TTL, and authcodes bound to a parent token
//
// All state lives in the SQLite store; nothing is cached in memory, so every
// check re-reads durable state. Each method is one statement or one
// transaction, which the store's single pinned connection serialises.
//
// Lookups of absent records return (nil, nil). Mutations addressed at a
// missing parent (an unknown user, an unknown bot did) are no-ops. The one
// explicit rejection is UserAddAuthcode without a live parent token, which
// returns ErrTokenNotFound.
//
// Expiration uses one clock (see WithClock) for issuance, checks and sweeps.
// A token is live while now < expiration.
package registry
