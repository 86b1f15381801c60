package server

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/bumper-core/internal/infrastructure/mqtt"
)

// maintain sweeps expired tokens and fully disconnected clients every
// maintenance interval until ctx ends or shutdown begins.
func (s *Server) maintain(ctx context.Context, r *run) {
	ticker := time.NewTicker(s.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.ShuttingDown() {
				return
			}
			s.sweep(ctx, r)
		}
	}
}

// sweep runs one maintenance pass. Failures are logged; the next tick retries.
func (s *Server) sweep(ctx context.Context, r *run) {
	tokens, err := r.registry.RevokeExpiredTokens(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("revoking expired tokens", "error", err)
		}
		return
	}

	clients, err := r.registry.PruneDisconnectedClients(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("pruning disconnected clients", "error", err)
		}
		return
	}

	if tokens > 0 || clients > 0 {
		s.logger.Info("registry maintenance", "expired_tokens", tokens, "pruned_clients", clients)
	}
	if r.influx != nil {
		r.influx.WriteSweep(tokens, clients)
	}
}

// runHelperBot connects the helper bot and keeps it connected until ctx ends.
// A failed connection is logged; bot commands are then unavailable but the
// server keeps running.
func (s *Server) runHelperBot(ctx context.Context, bot *mqtt.Client) {
	bot.SetOnDisconnect(func(err error) {
		s.logger.Warn("helper bot disconnected", "error", err)
	})
	bot.SetOnConnect(func() {
		s.logger.Debug("helper bot connected")
	})

	if err := bot.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("helper bot unavailable", "error", err)
		}
		return
	}
	s.logger.Info("helper bot connected")

	<-ctx.Done()
	bot.Close() //nolint:errcheck // always nil
}
