// Package transport selects and builds agent.Channel implementations.
//
// factory.go - Channel factory and auto-detection
//
// This file contains:
// - Type constants (socketio, http, auto)
// - Config for channel creation parameters
// - New, which builds the configured channel
// - Detect, which picks a transport from the backend URL
//
// It lives outside package agent so the transports can import agent
// without a cycle.

package transport

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/agent/httpapi"
	"github.com/HyphaGroup/agentbridge/internal/agent/socketio"
)

// Type identifies the channel transport
type Type string

const (
	TypeSocketIO Type = "socketio"
	TypeHTTP     Type = "http"
	TypeAuto     Type = "auto"
)

// Config holds configuration for channel creation
type Config struct {
	// Type specifies which transport to use
	Type Type

	// URL of the agent backend
	URL string

	// UserID is sent with subscriptions and submissions
	UserID string

	// Retry controls reconnection for either transport
	Retry agent.RetryPolicy

	// PollInterval is the HTTP transport's health probe period
	PollInterval time.Duration

	// BufferSize is the capacity of the event stream
	BufferSize int
}

// New creates the configured channel
func New(cfg Config) (agent.Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("backend url is required")
	}

	t := cfg.Type
	if t == TypeAuto || t == "" {
		t = Detect(cfg.URL)
	}

	switch t {
	case TypeSocketIO:
		return socketio.New(socketio.Config{
			URL:        cfg.URL,
			UserID:     cfg.UserID,
			Retry:      cfg.Retry,
			BufferSize: cfg.BufferSize,
		}), nil
	case TypeHTTP:
		return httpapi.New(httpapi.Config{
			URL:          cfg.URL,
			UserID:       cfg.UserID,
			Retry:        cfg.Retry,
			PollInterval: cfg.PollInterval,
			BufferSize:   cfg.BufferSize,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", t)
	}
}

// Detect picks socketio for websocket URLs or a socket.io path, http otherwise
func Detect(rawURL string) Type {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return TypeHTTP
	}
	if u.Scheme == "ws" || u.Scheme == "wss" || strings.Contains(u.Path, "socket.io") {
		return TypeSocketIO
	}
	return TypeHTTP
}
