package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingPath is reported when a frame carries no Path header.
	ErrMissingPath = errors.New("missing Path header")

	// ErrMissingBody is reported when an event that requires a JSON body has none.
	ErrMissingBody = errors.New("missing body")

	// ErrMalformedBody is reported when a body is not valid JSON.
	ErrMalformedBody = errors.New("malformed JSON body")

	// ErrMissingField is reported when a JSON body lacks a required field.
	ErrMissingField = errors.New("missing required field")

	// ErrMalformedHeader is reported for header lines that are not "Key: Value".
	ErrMalformedHeader = errors.New("malformed header line")

	// ErrHeaderTooLarge is returned by [EncodeBinary] when the header block does
	// not fit in the 16-bit length prefix.
	ErrHeaderTooLarge = errors.New("header block exceeds 65535 bytes")
)

// DecodeError describes an inbound frame that could not be turned into a
// protocol event. It is always fatal for the session.
type DecodeError struct {
	// Path is the frame's Path header, empty when the header itself was missing.
	Path string

	// Field names the missing JSON field, if that was the problem.
	Field string

	// Err is one of the Err* sentinels in this package, possibly wrapped.
	Err error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Path == "":
		return fmt.Sprintf("protocol: decode: %v", e.Err)
	case e.Field != "":
		return fmt.Sprintf("protocol: decode %s: %v %q", e.Path, e.Err, e.Field)
	default:
		return fmt.Sprintf("protocol: decode %s: %v", e.Path, e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnexpectedEventError is returned for inbound frames whose Path is not part of
// the protocol, or which arrive outside the turn they belong to.
type UnexpectedEventError struct {
	Path   string
	Reason string
}

func (e *UnexpectedEventError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("protocol: unexpected event %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("protocol: unexpected event %q", e.Path)
}
