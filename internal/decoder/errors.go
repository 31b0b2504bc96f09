package decoder

import "errors"

// Errors returned by the decoder. Call sites wrap them with context, so
// compare with errors.Is.
var (
	// ErrDeviceUnavailable means the device could not be opened or
	// negotiated, or was lost while streaming.
	ErrDeviceUnavailable = errors.New("decoder device unavailable")

	// ErrFormatMismatch means the device applied a different pixel format
	// than the one requested.
	ErrFormatMismatch = errors.New("device format mismatch")

	// ErrResourceExhausted means no free input buffer is available. The
	// caller retries after input buffers are reclaimed.
	ErrResourceExhausted = errors.New("no free input buffer")

	// ErrBufferTooSmall means an access unit exceeds the input buffer
	// capacity. The pool is grown before the next submission unless the
	// error also matches ErrInputLimit.
	ErrBufferTooSmall = errors.New("access unit exceeds input buffer capacity")

	// ErrInputLimit accompanies ErrBufferTooSmall once the device refused
	// to grow its input buffers. Retrying the same access unit cannot
	// succeed.
	ErrInputLimit = errors.New("device input buffer limit reached")

	// ErrIDRange means a correlation id cannot be carried in a buffer
	// timestamp.
	ErrIDRange = errors.New("correlation id out of range")

	// ErrWouldBlock means the device has nothing to dequeue right now.
	ErrWouldBlock = errors.New("operation would block")

	// ErrBadIndex means the device or the consumer named a buffer the pool
	// does not own.
	ErrBadIndex = errors.New("buffer index out of range")

	// ErrDuplicateID means an access unit with the same correlation id is
	// still being decoded.
	ErrDuplicateID = errors.New("correlation id already submitted")

	// ErrInvalidState means the operation is not allowed in the current
	// lifecycle state.
	ErrInvalidState = errors.New("invalid decoder state")

	// ErrClosed means the decoder was destroyed.
	ErrClosed = errors.New("decoder destroyed")
)

// IsTransient reports whether err is resolved by retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrWouldBlock)
}
