package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Priority orders pending tasks. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name for logging and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// LoaderFunc produces the payload for a task key. The scheduler caches
// whatever it returns on success and caches nothing on error.
type LoaderFunc func(ctx context.Context) (any, error)

// TaskState tracks one key through its lifecycle.
type TaskState string

const (
	StateNotLoaded TaskState = "not_loaded"
	StateQueued    TaskState = "queued"
	StateLoading   TaskState = "loading"
	StateLoaded    TaskState = "loaded"
)

// Task is one unit of deduplicated asynchronous work.
type Task struct {
	ID        string
	Key       string
	Priority  Priority
	Metadata  map[string]any
	CreatedAt time.Time

	loader LoaderFunc

	// index is maintained by the pending queue's heap operations.
	index int

	cancelled bool
}

func newTask(key string, loader LoaderFunc, priority Priority, metadata map[string]any) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Key:       key,
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		loader:    loader,
		index:     -1,
	}
}
