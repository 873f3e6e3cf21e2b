package sanitize

import (
	"errors"
	"fmt"
)

// NoBodyError means a message has neither a text/html nor a text/plain part.
type NoBodyError struct{}

func (NoBodyError) Error() string { return "message has no text/html or text/plain part" }

// IsNoBody reports whether err wraps a NoBodyError.
func IsNoBody(err error) bool {
	var nb NoBodyError
	return errors.As(err, &nb)
}

// DecodeError describes one failed attempt to decode a body in a charset.
// The sanitizer recovers by falling back to the next charset.
type DecodeError struct {
	Charset string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode body as %q: %v", e.Charset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
