package pubsub

import (
	"time"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/reconcile"
)

// Category names
const (
	CategoryStatus     = "status"
	CategoryCursor     = "cursor"
	CategoryComplete   = "complete"
	CategoryError      = "error"
	CategoryConnection = "connection"
)

// Completion is published once per successfully finished task
type Completion struct {
	TaskID      string        `json:"taskId"`
	Description string        `json:"description"`
	Result      *agent.Result `json:"result"`
	At          time.Time     `json:"at"`
}

// Failure is published once per task that ended without success: remote
// errors, timeouts and cancellations
type Failure struct {
	TaskID      string        `json:"taskId"`
	Description string        `json:"description"`
	Kind        string        `json:"kind"`
	Message     string        `json:"message"`
	Duration    time.Duration `json:"duration"`
	At          time.Time     `json:"at"`
}

// NewFailure builds a Failure from a settlement error
func NewFailure(task *agent.Task, err error) Failure {
	f := Failure{
		Kind: agent.ErrorKind(err),
		At:   time.Now(),
	}
	if err != nil {
		f.Message = err.Error()
	}
	if task != nil {
		f.TaskID = task.TaskID
		f.Description = task.Description
		f.Duration = f.At.Sub(task.SubmittedAt)
	}
	return f
}

// Registry groups the topics a task client publishes to
type Registry struct {
	Status     *Topic[reconcile.AgentStatus]
	Cursor     *Topic[reconcile.CursorPosition]
	Complete   *Topic[Completion]
	Error      *Topic[Failure]
	Connection *Topic[agent.ConnState]
}

// NewRegistry creates a registry with empty topics
func NewRegistry() *Registry {
	return &Registry{
		Status:     NewClonedTopic(CategoryStatus, reconcile.AgentStatus.Clone),
		Cursor:     NewTopic[reconcile.CursorPosition](CategoryCursor),
		Complete:   NewTopic[Completion](CategoryComplete),
		Error:      NewTopic[Failure](CategoryError),
		Connection: NewTopic[agent.ConnState](CategoryConnection),
	}
}

// PublishState publishes a snapshot of both halves of the reconciled state.
// Every status subscriber gets its own deep copy.
func (r *Registry) PublishState(s reconcile.State) {
	r.Status.Publish(s.Status)
	r.Cursor.Publish(s.Cursor)
}
