package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/audit"
	"github.com/HyphaGroup/agentbridge/internal/validation"
)

type ScheduleParams struct {
	Action string `json:"action" jsonschema:"list or trigger"`
	Name   string `json:"name,omitempty" jsonschema:"schedule name, for trigger"`
}

var scheduleActions = []string{"list", "trigger"}

// errScheduleAction explains a missing or unknown schedule action
func errScheduleAction(action string) error {
	valid := strings.Join(scheduleActions, ", ")
	if action == "" {
		return fmt.Errorf("schedule needs an action; valid actions: %s", valid)
	}
	return fmt.Errorf("schedule has no action %q; valid actions: %s", action, valid)
}

func (s *Server) handleSchedule(ctx context.Context, request *mcp.CallToolRequest, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	switch params.Action {
	case "list":
		return nil, s.schedules.Entries(), nil
	case "trigger":
		return s.scheduleTrigger(ctx, params)
	default:
		return nil, nil, errScheduleAction(params.Action)
	}
}

func (s *Server) scheduleTrigger(ctx context.Context, params ScheduleParams) (*mcp.CallToolResult, any, error) {
	authCtx, err := requireWriteAccess(ctx)
	if err != nil {
		return nil, nil, err
	}
	if params.Name == "" {
		return nil, nil, fmt.Errorf("name is required for trigger")
	}
	if err := validation.ValidateScheduleName(params.Name); err != nil {
		return nil, nil, err
	}

	exec, err := s.schedules.TriggerNow(ctx, params.Name)
	taskID := ""
	if exec != nil {
		taskID = exec.TaskID
	}
	audit.Record(audit.OpScheduleTrigger, authCtx, taskID, err)
	if exec == nil {
		return nil, nil, err
	}
	// Skips and failures are still reported as the execution record
	return nil, exec, nil
}
