package ipc

import (
	"errors"
	"fmt"
)

var (
	ErrChannelClosed      = errors.New("ipc channel closed")
	ErrMessageUndecodable = errors.New("ipc message undecodable")
	ErrMessageTooLarge    = errors.New("ipc message too large")
)

// DecodeError reports an inbound packet that could not be turned into a
// Message. The channel stays usable.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v (%d bytes)", ErrMessageUndecodable, e.Err, len(e.Raw))
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMessageUndecodable
}
