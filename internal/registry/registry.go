package registry

import (
	"database/sql"
	"time"
)

// Logger defines the logging interface for the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Registry answers credential and connection-state queries against the store.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Each call is a single statement
//     or a single transaction on the store's one connection.
type Registry struct {
	db       *sql.DB
	logger   Logger
	clock    func() time.Time
	tokenTTL time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now as the registry's clock. The same clock stamps
// token expiration, decides liveness and drives expiration sweeps.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithTokenTTL sets how long newly issued tokens stay valid.
// Non-positive values keep DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.tokenTTL = ttl
		}
	}
}

// New creates a registry over an opened and migrated store.
//
// Parameters:
//   - db: SQLite handle with the registry schema applied
//   - opts: Optional clock and token TTL overrides
//
// Returns:
//   - *Registry: Ready for use
func New(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{
		db:       db,
		logger:   noopLogger{},
		clock:    time.Now,
		tokenTTL: DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// TokenTTL returns the lifetime given to newly issued tokens.
func (r *Registry) TokenTTL() time.Duration {
	return r.tokenTTL
}

// now returns the registry clock in UTC.
func (r *Registry) now() time.Time {
	return r.clock().UTC()
}

// MilliTime returns t as integer milliseconds since the Unix epoch, the
// representation token expirations are stored in.
func MilliTime(t time.Time) int64 {
	return t.UnixMilli()
}

// timestamp formats the registry clock for created_at columns.
func (r *Registry) timestamp() string {
	return r.now().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
