package outbox

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("envelope not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCodec              = errors.New("request cannot be encoded")
	ErrNotImplemented     = errors.New("not implemented")
	ErrStorageUnavailable = errors.New("outbox storage unavailable")
)

// CodecError reports a request that could not be captured into an envelope,
// typically because its body stream failed mid-read.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("encode request: %v", e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func (e *CodecError) Is(target error) bool {
	return target == ErrCodec
}
