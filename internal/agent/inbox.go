package agent

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// Common inbox errors
var (
	// ErrInboxFull is returned when the inbox soft cap is reached.
	ErrInboxFull = errors.New("inbox is full")
	// ErrBusy is returned by TakeNext when a current task already exists.
	ErrBusy = errors.New("agent already has a task in progress")
	// ErrNoCurrent is returned by Complete/Fail when no task is in progress.
	ErrNoCurrent = errors.New("no task in progress")
)

// QueuedTask is one pending entry in an inbox. Priority is a rank where
// higher is more urgent.
type QueuedTask struct {
	TaskID     string
	Priority   int
	EnqueuedAt time.Time
	index      int // heap bookkeeping
}

// inboxHeap implements heap.Interface: higher priority first, FIFO within a
// priority bucket.
type inboxHeap []*QueuedTask

func (h inboxHeap) Len() int { return len(h) }

func (h inboxHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h inboxHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *inboxHeap) Push(x interface{}) {
	item := x.(*QueuedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *inboxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Inbox is a per-agent FIFO of pending tasks plus a single in-progress slot.
type Inbox struct {
	agentID        string
	queue          inboxHeap
	entries        map[string]*QueuedTask
	current        string // task id in progress, empty if none
	completedCount int
	failedCount    int
	cap            int
	mu             sync.Mutex
}

// NewInbox creates an inbox with the given soft cap.
func NewInbox(agentID string, cap int) *Inbox {
	ib := &Inbox{
		agentID: agentID,
		entries: make(map[string]*QueuedTask),
		cap:     cap,
	}
	heap.Init(&ib.queue)
	return ib
}

// Enqueue adds a pending task. Above the soft cap the enqueue is rejected
// and the task stays unassigned.
func (ib *Inbox) Enqueue(taskID string, priority int) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if _, exists := ib.entries[taskID]; exists {
		return nil
	}
	if ib.cap > 0 && len(ib.queue) >= ib.cap {
		return ErrInboxFull
	}

	qt := &QueuedTask{TaskID: taskID, Priority: priority, EnqueuedAt: time.Now()}
	heap.Push(&ib.queue, qt)
	ib.entries[taskID] = qt
	return nil
}

// TakeNext pops the highest-priority pending task into the current slot.
// It fails if a current task already exists and returns "" when empty.
func (ib *Inbox) TakeNext() (string, error) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.current != "" {
		return "", ErrBusy
	}
	if len(ib.queue) == 0 {
		return "", nil
	}

	qt := heap.Pop(&ib.queue).(*QueuedTask)
	delete(ib.entries, qt.TaskID)
	ib.current = qt.TaskID
	return qt.TaskID, nil
}

// SetCurrent forces a task into the in-progress slot (used when the task
// registry starts a task directly, e.g. auto-tasks).
func (ib *Inbox) SetCurrent(taskID string) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.current != "" && ib.current != taskID {
		return ErrBusy
	}
	if qt, ok := ib.entries[taskID]; ok {
		heap.Remove(&ib.queue, qt.index)
		delete(ib.entries, taskID)
	}
	ib.current = taskID
	return nil
}

// Requeue pushes a task back to the head of its priority bucket (used for
// blocked tasks). The original enqueue time is preserved through earliest
// placement.
func (ib *Inbox) Requeue(taskID string, priority int, enqueuedAt time.Time) error {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.current == taskID {
		ib.current = ""
	}
	if _, exists := ib.entries[taskID]; exists {
		return nil
	}
	qt := &QueuedTask{TaskID: taskID, Priority: priority, EnqueuedAt: enqueuedAt}
	heap.Push(&ib.queue, qt)
	ib.entries[taskID] = qt
	return nil
}

// Complete clears the current slot and bumps the completed counter.
func (ib *Inbox) Complete() error {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.current == "" {
		return ErrNoCurrent
	}
	ib.current = ""
	ib.completedCount++
	return nil
}

// Fail clears the current slot and bumps the failed counter.
func (ib *Inbox) Fail() error {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.current == "" {
		return ErrNoCurrent
	}
	ib.current = ""
	ib.failedCount++
	return nil
}

// Current returns the in-progress task id, or empty.
func (ib *Inbox) Current() string {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.current
}

// PendingCount returns the number of queued tasks.
func (ib *Inbox) PendingCount() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.queue)
}

// ListPending returns queued task ids in priority+FIFO order.
func (ib *Inbox) ListPending() []string {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	snapshot := make(inboxHeap, len(ib.queue))
	copy(snapshot, ib.queue)
	// Order without disturbing the live heap.
	tmp := make(inboxHeap, 0, len(snapshot))
	for _, qt := range snapshot {
		tmp = append(tmp, &QueuedTask{TaskID: qt.TaskID, Priority: qt.Priority, EnqueuedAt: qt.EnqueuedAt})
	}
	heap.Init(&tmp)
	out := make([]string, 0, len(tmp))
	for tmp.Len() > 0 {
		out = append(out, heap.Pop(&tmp).(*QueuedTask).TaskID)
	}
	return out
}

// Counters returns the completed and failed counts.
func (ib *Inbox) Counters() (completed, failed int) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.completedCount, ib.failedCount
}

// Remove drops a queued task (used when a pending task is cancelled).
func (ib *Inbox) Remove(taskID string) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if qt, ok := ib.entries[taskID]; ok {
		heap.Remove(&ib.queue, qt.index)
		delete(ib.entries, taskID)
	}
}
