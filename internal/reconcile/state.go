// Package reconcile folds agent events into the client-visible state.
//
// state.go - AgentStatus, CursorPosition and the reducer's State
//
// This file contains:
// - AgentStatus and CursorPosition, the values published to subscribers
// - State, which also carries the bookkeeping the reducer needs
// - Neutral and Start constructors
// - Deep-copy helpers so snapshots never share mutable memory

package reconcile

import (
	"github.com/HyphaGroup/agentbridge/internal/agent"
)

// AgentStatus is the reconciled status of the current task
type AgentStatus struct {
	IsActive               bool     `json:"isActive"`
	CurrentTask            string   `json:"currentTask,omitempty"`
	CurrentAction          string   `json:"currentAction,omitempty"`
	Thinking               string   `json:"thinking,omitempty"`
	Message                string   `json:"message,omitempty"`
	PlanSteps              []string `json:"planSteps"`
	CurrentStepIndex       *int     `json:"currentStepIndex,omitempty"`
	Confidence             *float64 `json:"confidence,omitempty"`
	ActionsCompleted       *int     `json:"actionsCompleted,omitempty"`
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining,omitempty"`
	Error                  string   `json:"error,omitempty"`
}

// Clone returns a deep copy
func (s AgentStatus) Clone() AgentStatus {
	out := s
	if s.PlanSteps != nil {
		out.PlanSteps = append([]string(nil), s.PlanSteps...)
	}
	out.CurrentStepIndex = copyPtr(s.CurrentStepIndex)
	out.Confidence = copyPtr(s.Confidence)
	out.ActionsCompleted = copyPtr(s.ActionsCompleted)
	out.EstimatedTimeRemaining = copyPtr(s.EstimatedTimeRemaining)
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CursorPosition is the automation cursor in agent-display pixel space
type CursorPosition struct {
	X       int          `json:"x"`
	Y       int          `json:"y"`
	Action  CursorAction `json:"action"`
	Label   string       `json:"label,omitempty"`
	Visible bool         `json:"visible"`
}

// PlanSource records which derivation tier produced the current plan
type PlanSource int

const (
	PlanNone PlanSource = iota
	PlanExplicit
	PlanText
	PlanActions
)

func (p PlanSource) String() string {
	switch p {
	case PlanExplicit:
		return "explicit"
	case PlanText:
		return "text"
	case PlanActions:
		return "actions"
	default:
		return "none"
	}
}

// State is the reducer's input and output
type State struct {
	// TaskID is the task the state reflects. After a terminal event it
	// keeps naming the finished task, so late events without an id are
	// attributed to it.
	TaskID string

	Status AgentStatus
	Cursor CursorPosition

	// PlanSource is the highest tier that has produced the plan for TaskID
	PlanSource PlanSource
	// SeenActions holds distinct action names in first-seen order
	SeenActions []string

	// Terminal is the terminal event type applied for TaskID, if any
	Terminal agent.EventType
}

// Neutral returns the idle state
func Neutral() State {
	return State{
		Status: AgentStatus{PlanSteps: []string{}},
		Cursor: CursorPosition{Action: CursorWait},
	}
}

// Settled returns the idle state that follows the terminal state prev.
// The error message stays visible, and the finished task's id and terminal
// type are kept so late events for it stay suppressed.
func Settled(prev State) State {
	next := Neutral()
	next.Status.Error = prev.Status.Error
	if prev.TaskID != "" {
		next.TaskID = prev.TaskID
		next.Terminal = prev.Terminal
	}
	return next
}

// Start returns the optimistic state for a freshly submitted task
func Start(taskID, description string) State {
	s := Neutral()
	s.TaskID = taskID
	s.Status.IsActive = true
	s.Status.CurrentTask = description
	return s
}

// Clone returns a deep copy
func (s State) Clone() State {
	out := s
	out.Status = s.Status.Clone()
	if s.SeenActions != nil {
		out.SeenActions = append([]string(nil), s.SeenActions...)
	}
	return out
}

// IsNeutral reports whether the visible parts of s equal the neutral state
func (s State) IsNeutral() bool {
	st := s.Status
	return !st.IsActive && st.CurrentTask == "" && st.CurrentAction == "" &&
		st.Thinking == "" && st.Message == "" && len(st.PlanSteps) == 0 &&
		st.CurrentStepIndex == nil && st.Confidence == nil && st.ActionsCompleted == nil &&
		st.EstimatedTimeRemaining == nil && st.Error == "" && !s.Cursor.Visible
}

// TerminalSet reports task ids whose terminal event has been applied
type TerminalSet interface {
	Contains(taskID string) bool
}
