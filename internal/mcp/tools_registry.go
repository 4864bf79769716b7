package mcp

// registerAllTools registers all MCP tools with the registry
func (s *Server) registerAllTools(r *Registry) {
	s.registerAgentTools(r)
	if s.history != nil {
		s.registerHistoryTools(r)
	}
	if s.schedules != nil {
		s.registerScheduleTools(r)
	}
}

func (s *Server) registerAgentTools(r *Registry) {
	Register(r, ToolDef{
		Name: "agent_execute",
		Description: `Run a natural-language task on the device agent.

Only one task runs at a time; submitting while another is in flight fails.
By default the call waits for the terminal outcome and returns the result
(message, steps, actions completed). Set wait=false to return the task id
immediately and follow progress with agent_status and agent_events.

Key parameters:
  description      - What the agent should do, e.g. "Open Gmail" (required)
  wait             - Wait for completion (default true)
  timeout_seconds  - Task timeout (default from server config)
  use_enhanced     - Ask the backend for its enhanced planner`,
		Access: AccessWrite,
	}, s.handleExecute)

	Register(r, ToolDef{
		Name: "agent_cancel",
		Description: `Cancel the task in flight.

Pass task_id to cancel only if that task is still current. The local state
resets immediately; the agent is told to stop in the background.`,
		Access: AccessWrite,
	}, s.handleCancel)

	Register(r, ToolDef{
		Name: "agent_status",
		Description: `Get the live agent status: phase, current action, progress, plan steps,
cursor position and connection state.`,
		Access: AccessRead,
	}, s.handleStatus)

	Register(r, ToolDef{
		Name: "agent_events",
		Description: `Read buffered agent events.

Returns events after index "since" (omit for everything buffered) plus the
last index, so callers can poll incrementally.`,
		Access: AccessRead,
	}, s.handleEvents)
}

func (s *Server) registerHistoryTools(r *Registry) {
	Register(r, ToolDef{
		Name: "agent_history",
		Description: `List finished tasks or summarize them.

Parameters:
  outcome - Filter by outcome: completed, timeout, remote, cancelled, connection
  limit   - Maximum records (default 50)
  stats   - Return aggregate counts and success rate instead of records`,
		Access: AccessRead,
	}, s.handleHistory)
}

func (s *Server) registerScheduleTools(r *Registry) {
	Register(r, ToolDef{
		Name: "schedule",
		Description: `Inspect or trigger configured schedules.

Actions:
  list     - List schedules with their next and previous run times
  trigger  - Run a schedule now and wait for the task. Requires name.`,
		Access: AccessRead,
	}, s.handleSchedule)
}
