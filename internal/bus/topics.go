package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskReaped       = "task.reaped"
	TopicBranchPreserved  = "branch.preserved"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	Owner     string
	OldStatus string
	NewStatus string
}

// TaskReapedEvent is published when the health monitor terminates a task.
type TaskReapedEvent struct {
	TaskID string
	PID    int
	Reason string
}

// BranchPreservedEvent is published when a merge or cleanup refuses to
// delete a task branch that still holds work.
type BranchPreservedEvent struct {
	TaskID string
	Branch string
	Reason string
}
