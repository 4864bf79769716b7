package reconcile

import (
	"fmt"
	"strings"

	"github.com/HyphaGroup/agentbridge/internal/agent"
)

// inactiveStatuses are the status strings that end activity. Anything else,
// including an absent status, counts as active.
var inactiveStatuses = map[string]struct{}{
	agent.StatusCompleted:     {},
	agent.StatusCancelled:     {},
	agent.StatusStepCompleted: {},
}

// IsActiveStatus applies the terminal-status denylist
func IsActiveStatus(status string) bool {
	_, inactive := inactiveStatuses[strings.ToLower(strings.TrimSpace(status))]
	return !inactive
}

// Outcome describes what Reduce did with an event
type Outcome int

const (
	// Applied means the event changed or confirmed the state
	Applied Outcome = iota
	// Suppressed means the task was already terminal
	Suppressed
	// Foreign means the event belongs to a task other than the current one
	Foreign
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Suppressed:
		return "suppressed"
	case Foreign:
		return "foreign"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Effect reports the consequence of one Reduce call
type Effect struct {
	Outcome Outcome
	// TaskID is the effective task id of the event
	TaskID string
	// Terminal is the terminal type applied by this event, empty otherwise
	Terminal agent.EventType
}

// Reduce folds ev into prev and returns the next state. It never mutates
// prev. terminated may be nil.
//
// The effective task id is the event's own id, or prev's when the event has
// none. Events for a task in terminated, or for prev's task once prev is
// terminal, are suppressed. Events naming a different task than a prev
// that is still running are reported as Foreign and leave the state
// unchanged; once prev is terminal or idle, such a task is adopted.
func Reduce(prev State, ev *agent.Event, terminated TerminalSet) (State, Effect) {
	taskID := ev.TaskID
	if taskID == "" {
		taskID = prev.TaskID
	}
	eff := Effect{TaskID: taskID}

	if taskID != "" && terminated != nil && terminated.Contains(taskID) {
		eff.Outcome = Suppressed
		return prev, eff
	}
	if prev.Terminal != "" && taskID == prev.TaskID {
		eff.Outcome = Suppressed
		return prev, eff
	}
	if prev.TaskID != "" && taskID != prev.TaskID && prev.Terminal == "" {
		eff.Outcome = Foreign
		return prev, eff
	}

	next := prev.Clone()
	if next.Terminal != "" {
		// A new task after a finished one starts from scratch
		next = Neutral()
	}
	if next.TaskID != taskID {
		// Observing a task this client did not submit
		next.TaskID = taskID
	}

	switch ev.Type {
	case agent.EventAction:
		applyAction(&next, ev)
	case agent.EventAppOpened:
		applyAppOpened(&next, ev)
	case agent.EventCursor:
		applyCursor(&next, ev)
	case agent.EventStatus:
		applyStatus(&next, ev)
	case agent.EventPlan:
		next.Status.IsActive = true
		next.Status.Message = firstNonEmpty(ev.Message, next.Status.Message)
	case agent.EventComplete:
		applyComplete(&next, prev, ev)
	case agent.EventError:
		applyError(&next, prev, ev)
	case agent.EventCancelled:
		next = Cancelled(next)
	}

	if ev.Type.IsTerminal() {
		eff.Terminal = ev.Type
		next.Terminal = ev.Type
		return next, eff
	}

	applyPlan(&next, ev)
	applyCommon(&next, ev)
	return next, eff
}

func applyAction(s *State, ev *agent.Event) {
	s.Status.IsActive = true
	if ev.ActionsCompleted != nil {
		n := *ev.ActionsCompleted
		s.Status.ActionsCompleted = &n
	} else {
		n := 1
		if s.Status.ActionsCompleted != nil {
			n = *s.Status.ActionsCompleted + 1
		}
		s.Status.ActionsCompleted = &n
	}
	if ev.Action != "" {
		s.Status.CurrentAction = ev.Action
		s.SeenActions = appendDistinct(s.SeenActions, ev.Action)
	}
	if ev.HasPosition() {
		moveCursor(s, ev, MapCursorAction(ev.Action))
	}
}

func applyAppOpened(s *State, ev *agent.Event) {
	s.Status.IsActive = true
	app := firstNonEmpty(ev.App, ev.Message)
	if app == "" {
		return
	}
	action := "Opened " + app
	s.Status.CurrentAction = action
	s.SeenActions = appendDistinct(s.SeenActions, action)
}

func applyCursor(s *State, ev *agent.Event) {
	if !ev.HasPosition() {
		return
	}
	s.Status.IsActive = true
	action := s.Cursor.Action
	if ev.Action != "" || action == "" {
		action = MapCursorAction(ev.Action)
	}
	moveCursor(s, ev, action)
}

func moveCursor(s *State, ev *agent.Event, action CursorAction) {
	s.Cursor.X = *ev.X
	s.Cursor.Y = *ev.Y
	s.Cursor.Action = action
	if ev.Label != "" {
		s.Cursor.Label = ev.Label
	}
	s.Cursor.Visible = true
}

func applyStatus(s *State, ev *agent.Event) {
	s.Status.IsActive = IsActiveStatus(ev.Status)
	if ev.Action != "" {
		s.Status.CurrentAction = ev.Action
		s.SeenActions = appendDistinct(s.SeenActions, ev.Action)
	}
	if ev.Message != "" {
		s.Status.Message = ev.Message
	}
	if ev.ActionsCompleted != nil {
		n := *ev.ActionsCompleted
		s.Status.ActionsCompleted = &n
	}
	if ev.Error != "" {
		s.Status.Error = ev.Error
	}
	if ev.HasPosition() {
		moveCursor(s, ev, MapCursorAction(ev.Action))
	}
	if !s.Status.IsActive {
		s.Cursor.Visible = false
	}
}

// applyCommon merges the optional fields every non-terminal event may carry
func applyCommon(s *State, ev *agent.Event) {
	if ev.CurrentTask != "" {
		s.Status.CurrentTask = ev.CurrentTask
	}
	if ev.Thinking != "" {
		s.Status.Thinking = ev.Thinking
	}
	if ev.Confidence != nil {
		c := min(max(*ev.Confidence, 0), 1)
		s.Status.Confidence = &c
	}
	if ev.EstimatedTimeRemaining != nil {
		eta := max(*ev.EstimatedTimeRemaining, 0)
		s.Status.EstimatedTimeRemaining = &eta
	}
	if ev.CurrentStep != nil {
		i := *ev.CurrentStep
		s.Status.CurrentStepIndex = &i
	}
	clampStepIndex(&s.Status)
}

func applyPlan(s *State, ev *agent.Event) {
	text := ev.PlanText
	if text == "" && ev.Type == agent.EventPlan {
		text = ev.Message
	}
	in := PlanInput{
		Steps:   ev.PlanSteps,
		Text:    text,
		Actions: s.SeenActions,
		Current: s.PlanSource,
	}
	steps, source := DerivePlan(in, s.Status.PlanSteps)
	if source == PlanNone {
		return
	}
	s.Status.PlanSteps = steps
	s.PlanSource = source
}

// clampStepIndex keeps CurrentStepIndex within the plan
func clampStepIndex(st *AgentStatus) {
	if st.CurrentStepIndex == nil {
		return
	}
	if len(st.PlanSteps) == 0 {
		st.CurrentStepIndex = nil
		return
	}
	i := min(max(*st.CurrentStepIndex, 0), len(st.PlanSteps)-1)
	st.CurrentStepIndex = &i
}

func applyComplete(s *State, prev State, ev *agent.Event) {
	wasTracking := prev.Status.IsActive || prev.TaskID != "" || prev.Cursor.Visible
	s.Status.IsActive = false
	s.Status.CurrentAction = ""
	s.Status.Thinking = ""
	s.Status.EstimatedTimeRemaining = nil
	s.Status.Error = ""
	s.Status.Message = firstNonEmpty(ev.Message, s.Status.Message)
	if ev.ActionsCompleted != nil {
		n := *ev.ActionsCompleted
		s.Status.ActionsCompleted = &n
	}
	s.Cursor.Action = CursorSuccess
	s.Cursor.Visible = wasTracking
}

func applyError(s *State, prev State, ev *agent.Event) {
	s.Status.IsActive = false
	s.Status.CurrentAction = ""
	s.Status.Thinking = ""
	s.Status.EstimatedTimeRemaining = nil
	s.Status.Error = firstNonEmpty(ev.Error, ev.Message, "Unknown error")
	s.Cursor.Action = CursorError
	s.Cursor.Visible = prev.Status.IsActive || prev.Cursor.Visible
}

// TimedOut returns the state after a task's deadline passed: neutral status
// carrying message as the error, cursor flipped to error so the failure is
// perceivable before it hides
func TimedOut(prev State, message string) State {
	next := Neutral()
	next.TaskID = prev.TaskID
	next.Terminal = agent.EventError
	next.Status.Error = message
	next.Cursor = prev.Cursor
	next.Cursor.Action = CursorError
	return next
}

// Failed returns the state after a failure detected locally, such as a lost
// connection. It mirrors what an error event would have produced.
func Failed(prev State, message string) State {
	next := prev.Clone()
	applyError(&next, prev, &agent.Event{Type: agent.EventError, Error: message})
	next.Terminal = agent.EventError
	return next
}

// Cancelled returns the state after a local cancellation
func Cancelled(prev State) State {
	next := Neutral()
	next.TaskID = prev.TaskID
	next.Terminal = agent.EventCancelled
	return next
}

// HideCursor returns s with the cursor hidden
func HideCursor(s State) State {
	next := s.Clone()
	next.Cursor.Visible = false
	return next
}

func appendDistinct(list []string, item string) []string {
	for _, s := range list {
		if s == item {
			return list
		}
	}
	return append(list, item)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
