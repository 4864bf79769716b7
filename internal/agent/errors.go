// Package agent provides the automation agent protocol layer.
//
// errors.go - Error taxonomy
//
// This file contains:
// - ConnectionError, TimeoutError, RemoteError, ProtocolError, CancelledError
// - Sentinel errors for usage mistakes
// - ErrorKind for mapping errors to metric labels and API responses

package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTaskInFlight is returned when a task is submitted while another is active
	ErrTaskInFlight = errors.New("a task is already in flight")
	// ErrNotConnected is returned when sending without a live connection
	ErrNotConnected = errors.New("agent channel is not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("agent channel is closed")
	// ErrNoActiveTask is returned when cancelling with nothing in flight
	ErrNoActiveTask = errors.New("no active task")
)

// ConnectionError reports an unavailable transport
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error during %s", e.Op)
	}
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that no terminal event arrived before the deadline
type TimeoutError struct {
	TaskID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %v", e.TaskID, e.After)
}

// RemoteError carries a failure reported by the agent
type RemoteError struct {
	TaskID  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// ProtocolError reports a malformed or unrecognized inbound payload.
// It never leaves the reconciliation boundary.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %q: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CancelledError is returned to the submitter of a cancelled task
type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %s was cancelled", e.TaskID)
}

// Error kinds
const (
	KindTimeout    = "timeout"
	KindRemote     = "remote"
	KindConnection = "connection"
	KindCancelled  = "cancelled"
	KindProtocol   = "protocol"
	KindUnknown    = "unknown"
)

// ErrorKind classifies err into one of the Kind constants
func ErrorKind(err error) string {
	var (
		timeoutErr   *TimeoutError
		remoteErr    *RemoteError
		connErr      *ConnectionError
		cancelledErr *CancelledError
		protocolErr  *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &remoteErr):
		return KindRemote
	case errors.As(err, &cancelledErr):
		return KindCancelled
	case errors.As(err, &connErr), errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return KindConnection
	case errors.As(err, &protocolErr):
		return KindProtocol
	default:
		return KindUnknown
	}
}
