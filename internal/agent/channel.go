// Package agent provides the automation agent protocol layer.
//
// channel.go - Channel interface definition
//
// This file contains:
// - Channel interface for transports to the agent backend
// - ConnState notifications
//
// A Channel is pure transport: it owns the connection, normalizes inbound
// payloads into Events and handles reconnection. It holds no task state.

package agent

import (
	"context"
	"time"
)

// ConnStatus is the coarse state of a Channel's connection
type ConnStatus string

const (
	ConnConnected    ConnStatus = "connected"
	ConnReconnecting ConnStatus = "reconnecting"
	ConnDisconnected ConnStatus = "disconnected"
)

// ConnState is published whenever the connection status changes
type ConnState struct {
	Status  ConnStatus `json:"status"`
	Attempt int        `json:"attempt,omitempty"` // Reconnect attempt number, 1-based
	Err     string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// Channel manages a persistent connection to the agent backend
type Channel interface {
	// Connect establishes the connection and emits a connected state.
	// After a terminal disconnect, calling Connect again starts over.
	Connect(ctx context.Context) error

	// Events returns the stream of normalized inbound events
	Events() <-chan *Event

	// States returns the stream of connection state changes
	States() <-chan ConnState

	// Send delivers an outbound message
	Send(ctx context.Context, msg Outbound) error

	// IsConnected reports whether the connection is currently live
	IsConnected() bool

	// Close shuts the channel down and closes both streams
	Close() error
}
