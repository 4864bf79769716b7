package history

import (
	"context"
	"sync"

	"github.com/HyphaGroup/agentbridge/internal/agent"
	"github.com/HyphaGroup/agentbridge/internal/logger"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
	"github.com/HyphaGroup/agentbridge/internal/pubsub"
)

const recorderQueueSize = 256

// Recorder subscribes to a registry's complete and error topics and writes
// a record per finished task. Topic callbacks only enqueue; a single
// goroutine does the writes.
type Recorder struct {
	store    *Store
	registry *pubsub.Registry
	queue    chan *Record
	subs     []pubsub.Subscription
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewRecorder attaches to reg and starts writing
func NewRecorder(store *Store, reg *pubsub.Registry) *Recorder {
	r := &Recorder{
		store:    store,
		registry: reg,
		queue:    make(chan *Record, recorderQueueSize),
		done:     make(chan struct{}),
	}
	r.subs = []pubsub.Subscription{
		reg.Complete.Subscribe(func(c pubsub.Completion) { r.enqueue(fromCompletion(c)) }),
		reg.Error.Subscribe(func(f pubsub.Failure) { r.enqueue(fromFailure(f)) }),
	}
	go r.run()
	return r
}

func (r *Recorder) enqueue(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || rec.TaskID == "" {
		return
	}
	select {
	case r.queue <- rec:
	default:
		metrics.RecordEventDrop(metrics.DropHistory)
		logger.Slog().Warn("history queue full, dropping record", "task_id", rec.TaskID)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		if err := r.store.Save(context.Background(), rec); err != nil {
			logger.Slog().Error("failed to save task history", "task_id", rec.TaskID, "error", err)
		}
	}
}

// Close detaches from the registry and flushes queued records
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.registry.Complete.Unsubscribe(r.subs[0])
	r.registry.Error.Unsubscribe(r.subs[1])
	close(r.queue)
	<-r.done
}

func fromCompletion(c pubsub.Completion) *Record {
	rec := &Record{
		TaskID:      c.TaskID,
		Description: c.Description,
		Outcome:     OutcomeCompleted,
		FinishedAt:  c.At,
	}
	if res := c.Result; res != nil {
		rec.Message = res.Message
		rec.ActionsCompleted = res.ActionsCompleted
		rec.Steps = len(res.Steps)
		rec.Duration = res.Duration
	}
	return rec
}

func fromFailure(f pubsub.Failure) *Record {
	outcome := f.Kind
	if outcome == "" {
		outcome = agent.KindUnknown
	}
	return &Record{
		TaskID:      f.TaskID,
		Description: f.Description,
		Outcome:     outcome,
		Message:     f.Message,
		Duration:    f.Duration,
		FinishedAt:  f.At,
	}
}
