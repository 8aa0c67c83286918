package encode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoFrames is returned when a batch holds no decodable frame.
	ErrNoFrames = errors.New("no frames to export")

	// ErrInsufficientFrames is returned when a batch holds fewer valid frames
	// than the configured minimum.
	ErrInsufficientFrames = errors.New("not enough frames to export")

	// ErrEncoderUnavailable is returned when the encoder binary cannot be found
	// or started.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrEncodeFailed is returned when the encoder rejected the batch, timed out,
	// or produced no output.
	ErrEncodeFailed = errors.New("encode failed")
)

// EncodeError describes a failed encode and carries the tail of the encoder's
// diagnostic output. It matches ErrEncodeFailed under errors.Is.
type EncodeError struct {
	Reason      string
	Diagnostics []string
	Err         error
}

func (e *EncodeError) Error() string {
	var b strings.Builder
	b.WriteString("encode failed: ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if n := len(e.Diagnostics); n > 0 {
		b.WriteString(" (")
		b.WriteString(e.Diagnostics[n-1])
		b.WriteString(")")
	}
	return b.String()
}

func (e *EncodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncodeFailed}
	}
	return []error{ErrEncodeFailed, e.Err}
}
