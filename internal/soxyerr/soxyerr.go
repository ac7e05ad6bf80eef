// Package soxyerr defines soxy's small sentinel error taxonomy, meant for
// errors.Is/errors.As matching. It only names the conditions; each caller
// owns its handling policy.
package soxyerr

import "errors"

var (
	// ErrUnknownService is returned when a Start chunk names a service the
	// registry has no descriptor for. The multiplexer replies End to the
	// peer and creates no local state.
	ErrUnknownService = errors.New("soxy: unknown service")

	// ErrChunkTooLarge is returned by the chunk codec when a payload or
	// service name exceeds chunk.MaxPayloadLength.
	ErrChunkTooLarge = errors.New("soxy: chunk payload too large")

	// ErrInvalidChunk is returned when a framing error is detected (bad kind
	// byte, declared payload_len too large). The offending frame is dropped
	// with a warning; the transport is not torn down.
	ErrInvalidChunk = errors.New("soxy: invalid chunk")

	// ErrStreamDisconnected is returned by Stream operations once the stream
	// has transitioned to Disconnected.
	ErrStreamDisconnected = errors.New("soxy: stream disconnected")

	// ErrPipelineBroken is a fatal error propagated to an owning task when
	// an internal channel closed because a peer goroutine died.
	ErrPipelineBroken = errors.New("soxy: broken pipeline")
)
