package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/taskclient"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

type ExecuteParams struct {
	Description    string `json:"description" jsonschema:"what the agent should do"`
	Wait           *bool  `json:"wait,omitempty" jsonschema:"wait for the terminal outcome (default true)"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"task timeout in seconds"`
	UseEnhanced    bool   `json:"use_enhanced,omitempty" jsonschema:"use the enhanced planner"`
}

// ExecuteResponse is returned when not waiting for the outcome
type ExecuteResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (s *Server) handleExecute(ctx context.Context, request *mcp.CallToolRequest, params ExecuteParams) (*mcp.CallToolResult, any, error) {
	description := strings.TrimSpace(params.Description)
	if description == "" {
		return nil, nil, fmt.Errorf("description is required")
	}
	if params.TimeoutSeconds < 0 {
		return nil, nil, fmt.Errorf("timeout_seconds must be positive")
	}

	opts := agent.TaskOptions{
		UseEnhanced: params.UseEnhanced,
		Timeout:     time.Duration(params.TimeoutSeconds) * time.Second,
	}
	caller := auth.FromContext(ctx)

	future, err := s.tasks.Submit(ctx, description, opts)
	if err != nil {
		audit.Record(audit.OpTaskSubmit, caller, "", err)
		return nil, nil, SanitizeError(err, "agent_execute")
	}
	audit.Record(audit.OpTaskSubmit, caller, future.TaskID(), nil)

	if params.Wait != nil && !*params.Wait {
		return nil, &ExecuteResponse{TaskID: future.TaskID(), Status: "submitted"}, nil
	}

	result, err := future.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil && !future.Settled() {
			// The caller went away; do not leave the device busy
			_ = s.tasks.Cancel(context.Background(), future.TaskID())
		}
		return nil, nil, SanitizeError(err, "agent_execute")
	}
	return nil, result, nil
}

type CancelParams struct {
	TaskID string `json:"task_id,omitempty" jsonschema:"cancel only if this task is current"`
}

func (s *Server) handleCancel(ctx context.Context, request *mcp.CallToolRequest, params CancelParams) (*mcp.CallToolResult, any, error) {
	if params.TaskID != "" {
		if err := validation.ValidateTaskID(params.TaskID); err != nil {
			return nil, nil, err
		}
	}
	err := s.tasks.Cancel(ctx, params.TaskID)
	audit.Record(audit.OpTaskCancel, auth.FromContext(ctx), params.TaskID, err)
	if err != nil {
		return nil, nil, SanitizeError(err, "agent_cancel")
	}
	return NewTextResult("Task cancelled."), nil, nil
}

type StatusParams struct{}

func (s *Server) handleStatus(ctx context.Context, request *mcp.CallToolRequest, params StatusParams) (*mcp.CallToolResult, any, error) {
	snap := s.tasks.Snapshot()
	return nil, &snap, nil
}

type EventsParams struct {
	Since *int `json:"since,omitempty" jsonschema:"return events after this index"`
}

// EventsResponse is a page of buffered events
type EventsResponse struct {
	Events    []*taskclient.BufferedEvent `json:"events"`
	LastIndex int                         `json:"last_index"`
	Dropped   int                         `json:"dropped"`
}

func (s *Server) handleEvents(ctx context.Context, request *mcp.CallToolRequest, params EventsParams) (*mcp.CallToolResult, any, error) {
	since := -1
	if params.Since != nil {
		since = *params.Since
	}
	events, err := s.tasks.Events(since)
	if err != nil {
		return nil, nil, err
	}
	stats := s.tasks.EventStats()
	return nil, &EventsResponse{
		Events:    events,
		LastIndex: stats.LastIndex,
		Dropped:   int(stats.DroppedEvents),
	}, nil
}
