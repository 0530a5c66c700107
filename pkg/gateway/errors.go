package gateway

import "errors"

// Custom error types for better error discrimination
var (
	// ErrAddrInUse is returned by Server.Run when the listen port is taken.
	ErrAddrInUse = errors.New("listen address already in use")

	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrBackpressure is returned when the outbound buffer crossed the
	// high watermark and the connection was closed to avoid unbounded growth.
	ErrBackpressure = errors.New("outbound buffer exceeded high watermark")

	// ErrSTTFailed is returned when the streaming STT upstream fails.
	ErrSTTFailed = errors.New("speech-to-text upstream failed")

	// ErrLLMFailed is returned when the LLM stream fails.
	ErrLLMFailed = errors.New("language model stream failed")

	// ErrTTSFailed is returned when text-to-speech synthesis fails.
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")
)
