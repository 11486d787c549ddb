package transport

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("credentials rejected by endpoint")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrNotConnected       = errors.New("not connected")
	ErrPingUnsupported    = errors.New("ping not supported by transport")
	ErrDisconnected       = errors.New("disconnected while connecting")
)

// ConnectionError reports that a connection could not be established or
// re-established. Attempts counts the dials actually made.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("connect %s: failed after %d attempt(s): %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a manual retry could succeed without changing
// credentials.
func (e *ConnectionError) Retryable() bool {
	return !errors.Is(e.Err, ErrInvalidCredentials) && !errors.Is(e.Err, ErrUnauthorized)
}
