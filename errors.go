package marionette

import (
	"errors"
	"fmt"
)

var (
	ErrNameInvalid = errors.New("descriptor: names must only contain alphanum, dashes, dots and be less than 128 chars")

	ErrDescriptorInvalid = errors.New("descriptor: invalid")

	ErrInvalidCfg = errors.New("marionette: invalid options")

	// ErrTimeout is wrapped by the sentinel of whichever operation ran out
	// of time, so callers can match the operation, the cause, or both.
	ErrTimeout = errors.New("marionette: operation timed out")

	ErrAdvertiseBind = errors.New("discovery: could not bind announcement socket")

	ErrBind          = errors.New("server: could not bind listening endpoint")
	ErrServerRunning = errors.New("server: already running")
	ErrServerClosed  = errors.New("server: stopped")

	// ErrConn covers transport-level failures: refused, reset, I/O
	// timeouts. A Conn that returns it is Failed and must be discarded.
	ErrConn       = errors.New("conn: transport failure")
	ErrConnClosed = errors.New("conn: closed")

	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	ErrFrameInvalid  = errors.New("wire: malformed frame")

	ErrPoolExhausted = errors.New("pool: capacity exhausted")
	ErrPoolClosed    = errors.New("pool: closed")
	ErrNoService     = errors.New("pool: no descriptor found for service")
)

// InvokeError is an application-level failure reported by the remote
// worker itself. The connection that carried it is still healthy; whether
// the call should be retried is the caller's decision, never the pool's.
type InvokeError struct {
	// Kind is a worker-defined category, e.g. the remote error type.
	Kind string

	// Message is the human-readable remote failure description.
	Message string
}

func (e *InvokeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invoke: remote failure: %s", e.Message)
	}
	return fmt.Sprintf("invoke: remote failure (%s): %s", e.Kind, e.Message)
}

// AsInvokeError unwraps err into an *InvokeError if the failure was
// reported by the remote side rather than the transport.
func AsInvokeError(err error) (*InvokeError, bool) {
	var ie *InvokeError
	ok := errors.As(err, &ie)
	return ie, ok
}
