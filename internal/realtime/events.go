package realtime

// Server-to-client event types. Task events mirror the commit order of the
// mutations that produced them; clients treat them as invalidation signals,
// not as authoritative state.
const (
	EventTaskCreated  = "task_created"
	EventTaskUpdated  = "task_updated"
	EventTaskDeleted  = "task_deleted"
	EventJoined       = "joined"
	EventJoinRejected = "join-rejected"
	EventError        = "error"
)

// Client-to-server command types.
const (
	CommandJoinProject  = "join-project"
	CommandLeaveProject = "leave-project"
)

// Event is a single frame on the realtime wire.
type Event struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId,omitempty"`
	Task      any    `json:"task,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Command is a frame received from a client.
type Command struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
}

func TaskCreated(projectID string, task any) Event {
	return Event{Type: EventTaskCreated, ProjectID: projectID, Task: task}
}

func TaskUpdated(projectID string, task any) Event {
	return Event{Type: EventTaskUpdated, ProjectID: projectID, Task: task}
}

// TaskDeleted carries the task identifier only; the row is gone.
func TaskDeleted(projectID, taskID string) Event {
	return Event{Type: EventTaskDeleted, ProjectID: projectID, Task: map[string]string{"id": taskID}}
}
