package bus

import "github.com/brycewcole/capsule-agents-sub000/internal/a2a"

// Task topics. Subscribing to TopicTaskPrefix receives all three; add
// ForTask to narrow to one task.
const (
	TopicTaskPrefix    = "task."
	TopicTaskStatus    = "task.status"
	TopicTaskArtifact  = "task.artifact"
	TopicTaskCompleted = "task.completed"
)

// Schedule topics.
const (
	TopicScheduleRun     = "schedule.run"
	TopicScheduleChanged = "schedule.changed"
)

// TaskStatusEvent is published for every task state change.
type TaskStatusEvent struct {
	Event a2a.TaskStatusUpdateEvent
}

// TaskArtifactEvent is published when an artifact is attached to a task.
type TaskArtifactEvent struct {
	Event a2a.TaskArtifactUpdateEvent
}

// TaskCompletedEvent is published once a turn that owns a task has finished
// and its final status has been emitted.
type TaskCompletedEvent struct {
	Task       a2a.Task
	ScheduleID string
}

// ScheduleRunEvent is published after every scheduled execution attempt.
type ScheduleRunEvent struct {
	ScheduleID string
	Name       string
	ContextID  string
	Success    bool
	Error      string
}

// ScheduleChangedEvent is published when a schedule row is created, updated,
// toggled or deleted.
type ScheduleChangedEvent struct {
	ScheduleID string
	Action     string
}

// TaskID returns the task id carried by a task-topic payload, or "".
func TaskID(ev Event) string {
	switch p := ev.Payload.(type) {
	case TaskStatusEvent:
		return p.Event.TaskID
	case TaskArtifactEvent:
		return p.Event.TaskID
	case TaskCompletedEvent:
		return p.Task.ID
	}
	return ""
}

// ForTask keeps only events about taskID.
func ForTask(taskID string) Option {
	return WithFilter(func(ev Event) bool { return TaskID(ev) == taskID })
}
