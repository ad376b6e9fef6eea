package chatstream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a stream did not complete.
type ErrorKind int

const (
	// KindGenerationFailure means the server reported a failure record.
	KindGenerationFailure ErrorKind = iota + 1
	// KindTransportInterrupted means the body ended or broke before a terminal record.
	KindTransportInterrupted
	// KindTimeout means no line arrived within the idle timeout.
	KindTimeout
	// KindCanceled means the reader's context ended.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindGenerationFailure:
		return "generation_failure"
	case KindTransportInterrupted:
		return "transport_interrupted"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

var (
	// ErrStreamTimeout is wrapped by timeout failures.
	ErrStreamTimeout = errors.New("chatstream: no data within idle timeout")
	// ErrTransportInterrupted is wrapped by failures caused by a stream that ended early.
	ErrTransportInterrupted = errors.New("chatstream: stream ended before completion")
)

// StreamError describes a failed stream. Reason is suitable for display.
type StreamError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a StreamError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var streamErr *StreamError
	return errors.As(err, &streamErr) && streamErr.Kind == kind
}
