package task

import (
	"sort"
)

// BoardAgent is one agent row on the task board.
type BoardAgent struct {
	AgentID        string   `json:"agent_id"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	CurrentTask    *Task    `json:"current_task,omitempty"`
	PendingTaskIDs []string `json:"pending_task_ids,omitempty"`
	CompletedCount int      `json:"completed_count"`
	FailedCount    int      `json:"failed_count"`
}

// Board is the point-in-time view returned by get_task_board. Recent
// includes terminal tasks, capped by the configured retention count.
type Board struct {
	Agents  []BoardAgent `json:"agents"`
	Pending []*Task      `json:"pending"`
	Blocked []*Task      `json:"blocked"`
	Recent  []*Task      `json:"recent,omitempty"`
}

// GetBoard assembles the board from live registry state.
func (r *Registry) GetBoard() *Board {
	r.lock()
	defer r.unlock()

	board := &Board{}

	agents := r.agents.List()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	for _, a := range agents {
		row := BoardAgent{
			AgentID: a.ID,
			Name:    a.Name,
			State:   string(a.State),
		}
		if ib, err := r.agents.Inbox(a.ID); err == nil {
			if current := ib.Current(); current != "" {
				if t, ok := r.tasks[current]; ok {
					copied := *t
					row.CurrentTask = &copied
				}
			}
			row.PendingTaskIDs = ib.ListPending()
			row.CompletedCount, row.FailedCount = ib.Counters()
		}
		board.Agents = append(board.Agents, row)
	}

	var recent []*Task
	for _, id := range r.order {
		t := r.tasks[id]
		copied := *t
		switch t.State {
		case StatePending, StateAssigned:
			board.Pending = append(board.Pending, &copied)
		case StateBlocked:
			board.Blocked = append(board.Blocked, &copied)
		case StateCompleted, StateFailed:
			recent = append(recent, &copied)
		}
	}

	// Newest terminal tasks first, capped by retention.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	if max := r.cfg.BoardRetention; max > 0 && len(recent) > max {
		recent = recent[:max]
	}
	board.Recent = recent
	return board
}
