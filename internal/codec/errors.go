package codec

import (
	"errors"
)

var (
	// ErrUnsupportedType is returned when no demuxer is registered for a type.
	ErrUnsupportedType = errors.New("codec: unsupported media type")

	// ErrUnsupportedCodec is returned when no decoder is registered for a codec.
	ErrUnsupportedCodec = errors.New("codec: unsupported codec")

	// ErrReentrant is raised when a call is issued while another is in flight.
	ErrReentrant = errors.New("call issued while processing")

	// ErrClosed is raised for calls on a closed wrapper.
	ErrClosed = errors.New("codec closed")
)

// PreconditionError reports a call made in a state that indicates a logic
// bug in the caller. It is raised with panic, not returned.
type PreconditionError struct {
	Op  string
	Err error
}

func (e *PreconditionError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}
