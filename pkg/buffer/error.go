package buffer

import (
	"errors"
	"fmt"
)

// ErrMissingNulTerminator is returned whenever a cstring is read from the
// buffer that does not contain a terminating NUL byte.
var ErrMissingNulTerminator = errors.New("missing NUL terminator")

// NewMissingNulTerminator wraps ErrMissingNulTerminator.
func NewMissingNulTerminator() error {
	return ErrMissingNulTerminator
}

// ErrInsufficientData is returned whenever the buffer is asked to decode more
// bytes than it currently holds.
var ErrInsufficientData = errors.New("insufficient data")

// NewInsufficientData wraps ErrInsufficientData with the number of bytes that
// were actually available.
func NewInsufficientData(available int) error {
	return fmt.Errorf("%w: %d bytes available", ErrInsufficientData, available)
}

// ErrMessageSizeExceeded is returned whenever a client message exceeds the
// maximum message size configured for the reader.
var ErrMessageSizeExceeded = errors.New("message size exceeded")

// MessageSizeExceeded carries the limit and observed size of a message that
// was rejected for being too large.
type MessageSizeExceeded struct {
	Max  int
	Size int
}

func (e *MessageSizeExceeded) Error() string {
	return fmt.Sprintf("%s: %d bytes, max %d bytes", ErrMessageSizeExceeded, e.Size, e.Max)
}

func (e *MessageSizeExceeded) Unwrap() error {
	return ErrMessageSizeExceeded
}

// NewMessageSizeExceeded constructs a MessageSizeExceeded error.
func NewMessageSizeExceeded(max, size int) error {
	return &MessageSizeExceeded{Max: max, Size: size}
}

// UnwrapMessageSizeExceeded extracts a *MessageSizeExceeded from err, if present.
func UnwrapMessageSizeExceeded(err error) (*MessageSizeExceeded, bool) {
	var exceeded *MessageSizeExceeded
	if errors.As(err, &exceeded) {
		return exceeded, true
	}

	return nil, false
}
