package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/history"
)

type HistoryParams struct {
	Outcome string `json:"outcome,omitempty" jsonschema:"filter by outcome"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of records"`
	Stats   bool   `json:"stats,omitempty" jsonschema:"return aggregates instead of records"`
}

func (s *Server) handleHistory(ctx context.Context, request *mcp.CallToolRequest, params HistoryParams) (*mcp.CallToolResult, any, error) {
	if params.Stats {
		stats, err := s.history.Stats(ctx)
		if err != nil {
			return nil, nil, SanitizeError(err, "agent_history")
		}
		return nil, stats, nil
	}

	if params.Limit < 0 || params.Limit > 500 {
		return nil, nil, fmt.Errorf("limit must be between 1 and 500")
	}
	records, err := s.history.List(ctx, history.Filter{Outcome: params.Outcome, Limit: params.Limit})
	if err != nil {
		return nil, nil, SanitizeError(err, "agent_history")
	}
	if len(records) == 0 {
		return NewTextResult("No finished tasks found."), nil, nil
	}
	return nil, records, nil
}
