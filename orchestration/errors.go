// Package orchestration is the execution core: it drives node executions of
// a plan through facilitation, step invocation, advice and resumption, and
// routes response events to their processors.
package orchestration

import "errors"

// ErrInvalidProtocolState means an execution's response log does not match
// what the engine expects to resume. It is returned immediately; the
// engine never guesses.
var ErrInvalidProtocolState = errors.New("invalid protocol state")

// ErrBackpressureTimeout indicates that the dispatcher queue stayed full for
// longer than the configured backpressure timeout.
var ErrBackpressureTimeout = errors.New("dispatcher queue full: backpressure timeout exceeded")

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// ErrUnknownEvent is returned for events whose payload kind is not known.
var ErrUnknownEvent = errors.New("unknown event kind")

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}
