// Package tasks owns the task lifecycle: creation, state transitions and
// the protocol events derived from them.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidState is returned for any transition the state table forbids,
	// including every transition out of a terminal state.
	ErrInvalidState = errors.New("invalid task state transition")
)

var allowedTransitions = map[a2a.TaskState]map[a2a.TaskState]struct{}{
	a2a.TaskStateSubmitted: {
		a2a.TaskStateWorking:  {},
		a2a.TaskStateCanceled: {},
		a2a.TaskStateFailed:   {},
		a2a.TaskStateRejected: {},
	},
	a2a.TaskStateWorking: {
		a2a.TaskStateWorking:       {},
		a2a.TaskStateInputRequired: {},
		a2a.TaskStateCompleted:     {},
		a2a.TaskStateFailed:        {},
		a2a.TaskStateCanceled:      {},
		a2a.TaskStateRejected:      {},
	},
	a2a.TaskStateInputRequired: {
		a2a.TaskStateWorking:  {},
		a2a.TaskStateCanceled: {},
	},
	a2a.TaskStateAuthRequired: {
		a2a.TaskStateWorking:  {},
		a2a.TaskStateCanceled: {},
	},
	a2a.TaskStateUnknown: {
		a2a.TaskStateCanceled: {},
	},
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to a2a.TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Store is the persistence surface the manager needs.
type Store interface {
	CreateTask(ctx context.Context, t persistence.Task) (persistence.Task, error)
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
	UpdateTask(ctx context.Context, t persistence.Task, fromState a2a.TaskState) (int64, error)
	ListTasksByContext(ctx context.Context, contextID string) ([]persistence.Task, error)
	AddMessage(ctx context.Context, msg persistence.Message) (persistence.Message, error)
	GetMessage(ctx context.Context, id string) (*persistence.Message, error)
	SetMessageTaskID(ctx context.Context, messageID, taskID string) (int64, error)
	ListTaskMessages(ctx context.Context, taskID string, limit int) ([]persistence.Message, error)
	AddArtifact(ctx context.Context, a persistence.Artifact) (persistence.Artifact, error)
	ListArtifacts(ctx context.Context, taskID string) ([]persistence.Artifact, error)
}

// Publisher receives every status and artifact event and reports how many
// subscribers took it.
type Publisher interface {
	Publish(topic string, payload any) int
}

type Manager struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewManager builds a Manager. pub may be nil.
func NewManager(store Store, pub Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		pub:    pub,
		logger: logger.With("component", "tasks"),
		now:    time.Now,
	}
}

// CreateTask allocates a time-ordered task id and persists the task in the
// submitted state. Callers must not create two tasks for one turn.
func (m *Manager) CreateTask(ctx context.Context, contextID string, metadata map[string]any) (*a2a.Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocate task id: %w", err)
	}
	rec, err := m.store.CreateTask(ctx, persistence.Task{
		ID:              id.String(),
		ContextID:       contextID,
		State:           a2a.TaskStateSubmitted,
		StatusTimestamp: m.now().UTC(),
		Metadata:        metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	task := fromRecord(rec)
	task.History = []a2a.Message{}
	m.logger.Debug("task created", "task_id", task.ID, "context_id", contextID)
	return &task, nil
}

// TransitionState moves task to newState. A non-empty statusText is stored as
// an agent status message and attached to the new status. The decision is
// made against the persisted state, not task's in-memory copy, and the write
// is guarded so a concurrent transition makes this one fail with
// ErrInvalidState.
func (m *Manager) TransitionState(ctx context.Context, task *a2a.Task, newState a2a.TaskState, statusText string) (a2a.TaskStatusUpdateEvent, error) {
	rec, err := m.store.GetTask(ctx, task.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return a2a.TaskStatusUpdateEvent{}, fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	if err != nil {
		return a2a.TaskStatusUpdateEvent{}, err
	}
	from := rec.State
	if !CanTransition(from, newState) {
		return a2a.TaskStatusUpdateEvent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, newState)
	}

	now := m.now().UTC()
	var statusMsg *a2a.Message
	if statusText != "" {
		stored, err := m.store.AddMessage(ctx, persistence.Message{
			ContextID: rec.ContextID,
			TaskID:    rec.ID,
			Role:      a2a.RoleAgent,
			Kind:      persistence.MessageKindStatus,
			Parts:     []a2a.Part{a2a.NewTextPart(statusText)},
			Timestamp: now,
		})
		if err != nil {
			return a2a.TaskStatusUpdateEvent{}, fmt.Errorf("store status message: %w", err)
		}
		msg := stored.ToA2A()
		statusMsg = &msg
	}

	rec.State = newState
	rec.StatusMessage = statusMsg
	rec.StatusTimestamp = now
	if task.Metadata != nil {
		rec.Metadata = task.Metadata
	}
	n, err := m.store.UpdateTask(ctx, *rec, from)
	if err != nil {
		return a2a.TaskStatusUpdateEvent{}, fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		cur, _ := m.store.GetTask(ctx, task.ID)
		curState := a2a.TaskStateUnknown
		if cur != nil {
			curState = cur.State
		}
		return a2a.TaskStatusUpdateEvent{}, fmt.Errorf("%w: %s changed to %s concurrently", ErrInvalidState, task.ID, curState)
	}

	task.Status = rec.Status()
	ev := a2a.TaskStatusUpdateEvent{
		Kind:      a2a.KindStatusUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     newState.IsTerminal(),
	}
	m.publish(bus.TopicTaskStatus, bus.TaskStatusEvent{Event: ev})
	m.logger.Debug("task transitioned", "task_id", task.ID, "from", from, "to", newState)
	return ev, nil
}

// CancelTask moves a non-terminal task to canceled.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (*a2a.Task, a2a.TaskStatusUpdateEvent, error) {
	task, err := m.GetTask(ctx, taskID, intPtr(0))
	if err != nil {
		return nil, a2a.TaskStatusUpdateEvent{}, err
	}
	if task.Status.State.IsTerminal() {
		return task, a2a.TaskStatusUpdateEvent{}, fmt.Errorf("%w: task %s is already %s", ErrInvalidState, taskID, task.Status.State)
	}
	ev, err := m.TransitionState(ctx, task, a2a.TaskStateCanceled, "")
	if err != nil {
		return task, a2a.TaskStatusUpdateEvent{}, err
	}
	return task, ev, nil
}

// AddMessageToHistory stores msg as part of task, overriding its task and
// context ids.
func (m *Manager) AddMessageToHistory(ctx context.Context, task *a2a.Task, msg a2a.Message) (a2a.Message, error) {
	msg.TaskID = task.ID
	msg.ContextID = task.ContextID
	stored, err := m.store.AddMessage(ctx, persistence.MessageFromA2A(msg))
	if err != nil {
		return a2a.Message{}, fmt.Errorf("add task message: %w", err)
	}
	out := stored.ToA2A()
	task.History = append(task.History, out)
	return out, nil
}

// AddExistingMessageToHistory moves an already stored context message into
// task, for the triggering message of a turn whose task was created late.
func (m *Manager) AddExistingMessageToHistory(ctx context.Context, task *a2a.Task, msg a2a.Message) error {
	if msg.MessageID == "" {
		return fmt.Errorf("adopt message: message id is required")
	}
	if msg.ContextID != task.ContextID {
		return fmt.Errorf("adopt message: message context %q does not match task context %q", msg.ContextID, task.ContextID)
	}
	stored, err := m.store.GetMessage(ctx, msg.MessageID)
	if err != nil {
		return fmt.Errorf("adopt message: %w", err)
	}
	if stored.ContextID != task.ContextID {
		return fmt.Errorf("adopt message: stored context %q does not match task context %q", stored.ContextID, task.ContextID)
	}
	if _, err := m.store.SetMessageTaskID(ctx, msg.MessageID, task.ID); err != nil {
		return fmt.Errorf("adopt message: %w", err)
	}
	msg.TaskID = task.ID
	task.History = append(task.History, msg)
	return nil
}

// CreateArtifact stores art on task and returns the artifact-update event.
func (m *Manager) CreateArtifact(ctx context.Context, task *a2a.Task, art a2a.Artifact) (a2a.TaskArtifactUpdateEvent, error) {
	stored, err := m.store.AddArtifact(ctx, persistence.Artifact{
		ID:          art.ArtifactID,
		TaskID:      task.ID,
		Name:        art.Name,
		Description: art.Description,
		Parts:       art.Parts,
		Metadata:    art.Metadata,
	})
	if err != nil {
		return a2a.TaskArtifactUpdateEvent{}, fmt.Errorf("create artifact: %w", err)
	}
	out := stored.ToA2A()
	task.Artifacts = append(task.Artifacts, out)
	ev := a2a.TaskArtifactUpdateEvent{
		Kind:      a2a.KindArtifactUpdate,
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Artifact:  out,
		LastChunk: true,
	}
	m.publish(bus.TopicTaskArtifact, bus.TaskArtifactEvent{Event: ev})
	return ev, nil
}

// GetTask loads a task with its derived history and artifacts. A nil
// historyLength returns the full history; otherwise only the most recent
// historyLength messages are included.
func (m *Manager) GetTask(ctx context.Context, id string, historyLength *int) (*a2a.Task, error) {
	rec, err := m.store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	task := fromRecord(*rec)

	task.History = []a2a.Message{}
	if historyLength == nil || *historyLength > 0 {
		limit := 0
		if historyLength != nil {
			limit = *historyLength
		}
		msgs, err := m.store.ListTaskMessages(ctx, id, limit)
		if err != nil {
			return nil, fmt.Errorf("load task history: %w", err)
		}
		for _, msg := range msgs {
			task.History = append(task.History, msg.ToA2A())
		}
	}

	arts, err := m.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load task artifacts: %w", err)
	}
	for _, a := range arts {
		task.Artifacts = append(task.Artifacts, a.ToA2A())
	}
	return &task, nil
}

// CurrentStatus re-reads the persisted status of a task.
func (m *Manager) CurrentStatus(ctx context.Context, id string) (a2a.TaskStatus, error) {
	rec, err := m.store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return a2a.TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return a2a.TaskStatus{}, err
	}
	return rec.Status(), nil
}

// ListTasks returns the tasks of a context without history.
func (m *Manager) ListTasks(ctx context.Context, contextID string) ([]a2a.Task, error) {
	recs, err := m.store.ListTasksByContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	out := make([]a2a.Task, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func (m *Manager) publish(topic string, payload any) {
	if m.pub != nil {
		m.pub.Publish(topic, payload)
	}
}

func fromRecord(rec persistence.Task) a2a.Task {
	return a2a.Task{
		Kind:      a2a.KindTask,
		ID:        rec.ID,
		ContextID: rec.ContextID,
		Status:    rec.Status(),
		Metadata:  rec.Metadata,
	}
}

func intPtr(v int) *int { return &v }
