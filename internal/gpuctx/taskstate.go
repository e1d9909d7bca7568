package gpuctx

import (
	"fmt"
	"sync"

	"github.com/axonlabs/gpu-bridge/internal/cuda"
)

// TaskPhase is the position of a task in its state machine.
type TaskPhase int

const (
	TaskCreated TaskPhase = iota
	TaskPending
	TaskRunning
	TaskCompleted
	TaskReleased
)

func (p TaskPhase) String() string {
	switch p {
	case TaskCreated:
		return "created"
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskReleased:
		return "released"
	}
	return fmt.Sprintf("TaskPhase(%d)", int(p))
}

// Task is one unit of device work: a non-blocking stream bound to one
// sub-context of its owning context. Tasks never move across contexts.
type Task struct {
	ts     *TaskState
	stream cuda.Stream
	subctx cuda.Context
	device cuda.Device
	phase  TaskPhase

	// Process runs the task's device work; Release frees task-private
	// resources. Both are supplied by the operator.
	Process func(*Task) error
	Release func(*Task)
}

func (t *Task) Stream() cuda.Stream { return t.stream }

func (t *Task) SubContext() cuda.Context { return t.subctx }

func (t *Task) Device() cuda.Device { return t.device }

func (t *Task) Owner() *TaskState { return t.ts }

// Phase reads the task's current phase under the owner's lock.
func (t *Task) Phase() TaskPhase {
	t.ts.mu.Lock()
	defer t.ts.mu.Unlock()
	return t.phase
}

// TaskState is the per-operator record: it owns tasks, optionally a loaded
// device module, and the generated source the module was built from.
type TaskState struct {
	ctx     *Context
	Module  cuda.Module
	Source  string
	Flags   uint32
	cleanup func(*TaskState)

	mu        sync.Mutex
	tracked   []*Task
	pending   []*Task
	running   []*Task
	completed []*Task
}

// Context returns the owning context.
func (ts *TaskState) Context() *Context { return ts.ctx }

// Counters reports the sizes of the pending/running/completed lists.
func (ts *TaskState) Counters() (pending, running, completed int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending), len(ts.running), len(ts.completed)
}

// TrackedTasks reports how many live tasks the state owns.
func (ts *TaskState) TrackedTasks() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tracked)
}

// NewTask creates a task bound round-robin to one of the context's
// sub-contexts, creates its non-blocking stream, and tracks it.
func (ts *TaskState) NewTask(process func(*Task) error, release func(*Task)) (*Task, error) {
	subctx := ts.ctx.nextSubContext()
	if err := subctx.SetCurrent(); err != nil {
		return nil, err
	}
	stream, err := subctx.CreateStream()
	if err != nil {
		return nil, err
	}
	task := &Task{
		ts:      ts,
		stream:  stream,
		subctx:  subctx,
		device:  subctx.Device(),
		phase:   TaskCreated,
		Process: process,
		Release: release,
	}
	ts.mu.Lock()
	ts.tracked = append(ts.tracked, task)
	ts.mu.Unlock()
	return task, nil
}

func remove(list []*Task, task *Task) []*Task {
	for i, t := range list {
		if t == task {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (ts *TaskState) move(task *Task, from, to TaskPhase) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if task.phase != from {
		return fmt.Errorf("task is %s, expected %s", task.phase, from)
	}
	switch from {
	case TaskPending:
		ts.pending = remove(ts.pending, task)
	case TaskRunning:
		ts.running = remove(ts.running, task)
	case TaskCompleted:
		ts.completed = remove(ts.completed, task)
	}
	switch to {
	case TaskPending:
		ts.pending = append(ts.pending, task)
	case TaskRunning:
		ts.running = append(ts.running, task)
	case TaskCompleted:
		ts.completed = append(ts.completed, task)
	}
	task.phase = to
	return nil
}

// Enqueue moves a freshly created task onto the pending list.
func (ts *TaskState) Enqueue(task *Task) error {
	return ts.move(task, TaskCreated, TaskPending)
}

// DispatchNext pops the oldest pending task and marks it running.
// Returns nil when nothing is pending.
func (ts *TaskState) DispatchNext() *Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.pending) == 0 {
		return nil
	}
	task := ts.pending[0]
	ts.pending = ts.pending[1:]
	ts.running = append(ts.running, task)
	task.phase = TaskRunning
	return task
}

// Complete moves a running task onto the completed list.
func (ts *TaskState) Complete(task *Task) error {
	return ts.move(task, TaskRunning, TaskCompleted)
}

// ReleaseTask removes the task from whichever list holds it, destroys its
// stream and invokes its release callback. Pending tasks may be released
// directly (cancellation); running tasks must complete first.
func (ts *TaskState) ReleaseTask(task *Task) error {
	ts.mu.Lock()
	if task.phase == TaskRunning {
		ts.mu.Unlock()
		return fmt.Errorf("cannot release a running task")
	}
	ts.releaseLocked(task)
	ts.mu.Unlock()
	return nil
}

// releaseLocked finalizes a task. Caller holds ts.mu.
func (ts *TaskState) releaseLocked(task *Task) {
	switch task.phase {
	case TaskPending:
		ts.pending = remove(ts.pending, task)
	case TaskRunning:
		ts.running = remove(ts.running, task)
	case TaskCompleted:
		ts.completed = remove(ts.completed, task)
	case TaskReleased:
		return
	}
	ts.tracked = remove(ts.tracked, task)
	task.phase = TaskReleased
	if task.stream != nil {
		task.stream.Destroy() //nolint:errcheck // teardown is best-effort
	}
	if task.Release != nil {
		task.Release(task)
	}
}

// drain releases every tracked task regardless of phase. Returns how many
// were still alive (leaks when on the commit path).
func (ts *TaskState) drain() []*Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	leaked := make([]*Task, len(ts.tracked))
	copy(leaked, ts.tracked)
	for _, task := range leaked {
		ts.releaseLocked(task)
	}
	return leaked
}
