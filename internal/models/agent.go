// Package models defines the core domain entities shared across the
// registry, router, manager, reconciliation, and recovery components.
package models

import "time"

// AgentStatus is the lifecycle state of an AgentRecord.
type AgentStatus string

const (
	StatusCreated   AgentStatus = "created"
	StatusActive    AgentStatus = "active"
	StatusSleeping  AgentStatus = "sleeping"
	StatusCompleted AgentStatus = "completed"
	StatusEscalated AgentStatus = "escalated"
	StatusFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is a terminal lifecycle state.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusEscalated, StatusFailed:
		return true
	default:
		return false
	}
}

// Live reports whether the status counts as a currently-managed agent
// (CREATED ∪ ACTIVE ∪ SLEEPING).
func (s AgentStatus) Live() bool {
	switch s {
	case StatusCreated, StatusActive, StatusSleeping:
		return true
	default:
		return false
	}
}

// TimeoutLayer identifies which circuit-breaker layer enforced a timeout,
// for observability.
type TimeoutLayer string

const (
	LayerSession        TimeoutLayer = "session-hook"   // L1
	LayerWatchdog        TimeoutLayer = "watchdog"       // L2
	LayerReconciliation TimeoutLayer = "reconciliation" // L3
)

// AgentRecord is the authoritative per-agent state, persisted in the registry.
type AgentRecord struct {
	AgentID        string      `json:"agent_id"`
	Role           string      `json:"role"`
	IssueNumber    int         `json:"issue_number,omitempty"`
	PRNumber       int         `json:"pr_number,omitempty"`
	SessionID      string      `json:"session_id,omitempty"`
	Status         AgentStatus `json:"status"`
	Branch         string      `json:"branch,omitempty"`
	WorktreePath   string      `json:"worktree_path,omitempty"`
	BlockedBy      []int       `json:"blocked_by"`
	IterationCount int         `json:"iteration_count"`
	ToolCallCount  int         `json:"tool_call_count"`
	TurnCount      int         `json:"turn_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ActiveSince    *time.Time  `json:"active_since,omitempty"`
	SleepingSince  *time.Time  `json:"sleeping_since,omitempty"`
}

// Clone returns a deep copy, so callers may mutate a record obtained
// from the registry without racing its internal store.
func (a *AgentRecord) Clone() *AgentRecord {
	if a == nil {
		return nil
	}
	cp := *a
	cp.BlockedBy = append([]int(nil), a.BlockedBy...)
	if a.ActiveSince != nil {
		t := *a.ActiveSince
		cp.ActiveSince = &t
	}
	if a.SleepingSince != nil {
		t := *a.SleepingSince
		cp.SleepingSince = &t
	}
	return &cp
}

// HasBlocker reports whether issue is present in BlockedBy.
func (a *AgentRecord) HasBlocker(issue int) bool {
	for _, b := range a.BlockedBy {
		if b == issue {
			return true
		}
	}
	return false
}

// SeenEvent is a webhook dedup record.
type SeenEvent struct {
	DeliveryID string    `json:"delivery_id"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}
