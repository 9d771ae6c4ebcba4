package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session handling. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	ErrMissingID  = errors.New("session: stream id is required")
	ErrMissingDep = errors.New("session: transport, sink and surface are required")
)

// SinkError records a sink operation that was rejected or failed. It is
// terminal for the session that issued the operation.
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("session: sink %s: %v", e.Op, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// TransportError records a transport failure. Transport errors are logged
// but do not close the session on their own.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
