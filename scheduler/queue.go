package scheduler

import (
	"container/heap"
)

// pendingQueue is a heap of tasks ordered by priority descending, then
// creation time ascending. Not safe for concurrent use; the scheduler
// serializes access.
type pendingQueue struct {
	tasks []*Task
	byKey map[string]*Task
}

func newPendingQueue() *pendingQueue {
	q := &pendingQueue{byKey: make(map[string]*Task)}
	heap.Init(q)
	return q
}

func (q *pendingQueue) Len() int { return len(q.tasks) }

func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.tasks[i], q.tasks[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (q *pendingQueue) Swap(i, j int) {
	q.tasks[i], q.tasks[j] = q.tasks[j], q.tasks[i]
	q.tasks[i].index = i
	q.tasks[j].index = j
}

func (q *pendingQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(q.tasks)
	q.tasks = append(q.tasks, t)
	q.byKey[t.Key] = t
}

func (q *pendingQueue) Pop() any {
	old := q.tasks
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	q.tasks = old[:n-1]
	delete(q.byKey, t.Key)
	return t
}

// push enqueues a task.
func (q *pendingQueue) push(t *Task) {
	heap.Push(q, t)
}

// pop removes and returns the highest-priority, earliest-created task, or
// nil when empty.
func (q *pendingQueue) pop() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	return heap.Pop(q).(*Task)
}

// contains reports whether a task for the key is pending.
func (q *pendingQueue) contains(key string) bool {
	_, ok := q.byKey[key]
	return ok
}

// remove drops the pending task for a key, if any.
func (q *pendingQueue) remove(key string) *Task {
	t, ok := q.byKey[key]
	if !ok {
		return nil
	}
	heap.Remove(q, t.index)
	delete(q.byKey, key)
	return t
}

// keys returns the pending task keys in no particular order.
func (q *pendingQueue) keys() []string {
	out := make([]string, 0, len(q.byKey))
	for k := range q.byKey {
		out = append(out, k)
	}
	return out
}
