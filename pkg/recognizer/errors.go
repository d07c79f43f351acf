package recognizer

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned by [Client.Recognize] for a request with an
// unknown mode or format.
var ErrInvalidRequest = errors.New("recognizer: invalid request")

// ConnectError reports a failure to establish the WebSocket session: token
// acquisition, handshake rejection, TLS failure or timeout. It is never
// retried by the recognizer.
type ConnectError struct {
	// URL is the endpoint that was dialled, without credentials.
	URL string

	// StatusCode is the HTTP status of a rejected handshake, or 0.
	StatusCode int

	Err error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("recognizer: connect %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("recognizer: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
