package engine

import (
	"context"
	"time"
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies to tasks without their own Timeout. 0 means none.
	DefaultTimeout time.Duration
	// MaxQueueDelay discards a task that waited longer than this before a
	// worker picked it up. 0 keeps every task.
	MaxQueueDelay time.Duration

	HistorySize int
}

const (
	defaultWorkers     = 2
	defaultQueueSize   = 256
	defaultHistorySize = 200
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Task is one unit of work. The engine runs it at most once; callers that
// want a retry hand a fresh Task to Schedule.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// TaskEvent is the payload of task.dropped and task.failed bus events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Drops counts discarded tasks by cause.
type Drops struct {
	QueueFull uint64
	Stale     uint64
	Delayed   uint64
	// Canceled tasks were still queued when Stop ran out of grace.
	Canceled  uint64
}

func (d Drops) Total() uint64 { return d.QueueFull + d.Stale + d.Delayed + d.Canceled }

// Snapshot is a diagnostic view of the engine. History holds the most recent
// finished or discarded tasks, oldest first.
type Snapshot struct {
	Running  bool
	Workers  int
	Queued   int
	Capacity int
	InFlight int
	Delayed  int
	Drops    Drops
	History  []TaskEvent
}

// pending is a Task sitting in the queue.
type pending struct {
	task     Task
	queuedAt time.Time
	timeout  time.Duration
}

func (p pending) event(started time.Time, delay time.Duration, reason string) TaskEvent {
	return TaskEvent{ID: p.task.ID, Name: p.task.Name, Started: started, QueueDelay: delay, Error: reason}
}
