package mcp

import (
	"fmt"

	"github.com/pkg/errors"
)

// StartErrorKind classifies why a server could not be made available
type StartErrorKind string

// Start failures
const (
	// StartInvalid is a declaration the manager cannot act on
	StartInvalid StartErrorKind = "Invalid"
	// StartSpawn means the command could not be executed
	StartSpawn StartErrorKind = "Spawn"
	// StartTimeout means the handshake did not complete in time
	StartTimeout StartErrorKind = "Timeout"
	// StartNonZeroExit means the process exited with a failure status before the handshake completed
	StartNonZeroExit StartErrorKind = "NonZeroExit"
	// StartExited means the process exited cleanly before the handshake completed
	StartExited StartErrorKind = "Exited"
	// StartHandshake means the server answered but the initialize exchange failed
	StartHandshake StartErrorKind = "Handshake"
	// StartUnreachable means an http server did not answer the probe
	StartUnreachable StartErrorKind = "Unreachable"
)

// StartError is a recoverable failure to start or reach a declared server.
// The capability that needs the server stays dispatchable.
type StartError struct {
	Kind     StartErrorKind
	Server   string
	ExitCode int
	Err      error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("mcp server %q: %s", e.Server, e.Kind)
	if e.Kind == StartNonZeroExit {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// IsStartError reports whether err is a StartError of kind. An empty kind
// matches any StartError.
func IsStartError(err error, kind StartErrorKind) bool {
	var startErr *StartError
	if !errors.As(err, &startErr) {
		return false
	}
	return kind == "" || startErr.Kind == kind
}
