package server

import "errors"

// State is a lifecycle phase of the orchestrator.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Lifecycle misuse errors.
var (
	// ErrAlreadyRunning is returned by Start unless the server is stopped.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotRunning is returned by Shutdown unless the server is running.
	ErrNotRunning = errors.New("server: not running")
)
