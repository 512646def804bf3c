// Package events defines the domain event vocabulary of the coordinator.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds for agents
const (
	AgentRegistered   = "agent_registered"
	AgentUnregistered = "agent_unregistered"
	Heartbeat         = "heartbeat"
)

// Event kinds for tasks
const (
	TaskCreated   = "task_created"
	TaskAssigned  = "task_assigned"
	TaskStarted   = "task_started"
	TaskCompleted = "task_completed"
	TaskFailed    = "task_failed"
	FileLocked    = "file_locked"
	FileUnlocked  = "file_unlocked"
)

// Event kinds for codebases
const (
	CodebaseRegistered = "codebase_registered"
	DependencyAdded    = "dependency_added"
)

// Event kinds for external servers
const (
	ExternalServerUp   = "external_server_up"
	ExternalServerDown = "external_server_down"
)

// Stream subjects. Each registry replays its own stream on startup.
const (
	StreamAgents    = "coord.events.agents"
	StreamTasks     = "coord.events.tasks"
	StreamCodebases = "coord.events.codebases"
	StreamServers   = "coord.events.servers"
)

// Event is a single record on a stream. Seq is assigned by the log on append
// and is strictly monotonic per stream.
type Event struct {
	ID        string                 `json:"id"`
	Seq       uint64                 `json:"seq,omitempty"`
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   string                 `json:"agent_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// New creates a new event with a UUID and current timestamp.
func New(kind string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithAgent attaches the producing agent id.
func (e *Event) WithAgent(agentID string) *Event {
	e.AgentID = agentID
	return e
}
