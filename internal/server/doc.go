// Package server is the Bumper lifecycle orchestrator.
//
// A Server opens the credential store, binds every configured listener and
// supervises them, together with the registry maintenance loop, the helper
// bot and the optional InfluxDB recorder, as tasks of one errgroup.
//
// # Lifecycle
//
//	stopped → starting → running → stopping → stopped
//
// Start blocks until every listener is bound; a storage or bind failure
// returns the server to stopped. Shutdown cancels every task, waits up to the
// configured grace period, then force-closes the listeners still running.
// ShuttingDown reports true from the first instant of Shutdown so long-running
// tasks can stop scheduling new work.
//
// # Usage
//
//	srv, err := server.New(cfg, logger)
//	if err != nil { ... }
//	if err := srv.Start(ctx); err != nil { ... }
//
//	select {
//	case <-ctx.Done():
//	case <-srv.Done():
//	}
//	err = srv.Shutdown(context.Background())
package server
