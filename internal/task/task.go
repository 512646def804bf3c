// Package task is the authoritative store of tasks: deterministic
// assignment, file-lock arbitration, the task state machine, and the board.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks inside an inbox. Urgent drains before high, and so on.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to its numeric bucket, higher first. Unknown values
// rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether the priority is one of the known buckets.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// State is a task's position in its lifecycle.
type State string

const (
	StatePending    State = "pending"
	StateAssigned   State = "assigned"
	StateInProgress State = "in_progress"
	StateBlocked    State = "blocked"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions is the legal state machine. Anything absent is rejected.
var transitions = map[State][]State{
	StatePending:    {StateAssigned, StateFailed},
	StateAssigned:   {StateInProgress, StateBlocked, StateFailed},
	StateInProgress: {StateCompleted, StateFailed, StateBlocked},
	StateBlocked:    {StateInProgress, StateFailed},
}

// ErrInvalidTransition is wrapped by transition errors so callers can map
// them onto the application error code.
var ErrInvalidTransition = errors.New("invalid task state transition")

// checkTransition validates from -> to against the state machine.
func checkTransition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Task is one unit of work. Tasks are handed out by id; callers never hold
// live pointers into the registry.
type Task struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description,omitempty"`
	Priority             Priority  `json:"priority"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	CodebaseID           string    `json:"codebase_id,omitempty"`
	FilePaths            []string  `json:"file_paths,omitempty"`
	State                State     `json:"state"`
	AssignedTo           string    `json:"assigned_to,omitempty"`

	// DependsOn gates assignment: the task is ineligible until every listed
	// task has reached in_progress.
	DependsOn []string `json:"depends_on,omitempty"`
	// GroupID ties the siblings of a cross-codebase task together.
	GroupID string `json:"group_id,omitempty"`

	AutoGenerated  bool   `json:"auto_generated,omitempty"`
	SourceToolName string `json:"source_tool_name,omitempty"`

	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	AssignedAt  time.Time `json:"assigned_at,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Spec is the caller-supplied shape of a new task.
type Spec struct {
	Title                string   `json:"title"`
	Description          string   `json:"description,omitempty"`
	Priority             Priority `json:"priority,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	CodebaseID           string   `json:"codebase_id,omitempty"`
	FilePaths            []string `json:"file_paths,omitempty"`
}

// CrossCodebaseSpec describes one logical unit of work decomposed into
// sibling tasks across codebases.
type CrossCodebaseSpec struct {
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	Priority          Priority `json:"priority,omitempty"`
	PrimaryCodebaseID string   `json:"primary_codebase_id"`
	AffectedCodebases []string `json:"affected_codebases"`
	Strategy          string   `json:"strategy"` // sequential or parallel
}

// Cross-codebase strategies
const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
)

// newGroupID mints the id shared by a cross-codebase task's siblings.
func newGroupID() string {
	return uuid.New().String()
}

func newTask(spec Spec) *Task {
	priority := spec.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Task{
		ID:                   uuid.New().String(),
		Title:                spec.Title,
		Description:          spec.Description,
		Priority:             priority,
		RequiredCapabilities: spec.RequiredCapabilities,
		CodebaseID:           spec.CodebaseID,
		FilePaths:            spec.FilePaths,
		State:                StatePending,
		CreatedAt:            time.Now().UTC(),
	}
}
