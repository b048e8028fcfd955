package deliverygroup

import (
	"fmt"
	"time"

	"warimas-backoffice/internal/order"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOpen, StatusStarted, StatusFinished:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown group status %q", s)
}

type Group struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	ShopID     int64      `json:"shop_id"`
	Status     Status     `json:"status"`
	AgentID    *int64     `json:"agent_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedBy  int64      `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Detail is a group together with its member orders.
type Detail struct {
	Group  *Group         `json:"group"`
	Orders []*order.Order `json:"orders"`
}

type CreateGroupInput struct {
	ShopID int64  `json:"shop_id"`
	Name   string `json:"name"`
}

type ListFilter struct {
	ShopID  *int64
	Status  *Status
	AgentID *int64
	Limit   int
	Offset  int
}

type SkipReason string

const (
	SkipAlreadyAssigned  SkipReason = "ALREADY_ASSIGNED"
	SkipAlreadyInGroup   SkipReason = "ALREADY_IN_GROUP"
	SkipOrderNotFound    SkipReason = "ORDER_NOT_FOUND"
	SkipNotReady         SkipReason = "NOT_READY"
	SkipShopMismatch     SkipReason = "SHOP_MISMATCH"
	SkipDuplicateID      SkipReason = "DUPLICATE_ID"
	SkipConcurrentUpdate SkipReason = "CONCURRENT_UPDATE"
	SkipGroupNotOpen     SkipReason = "GROUP_NOT_OPEN"
)

type SkippedOrder struct {
	OrderID int64      `json:"order_id"`
	Reason  SkipReason `json:"reason"`
}

type BulkAddResult struct {
	SuccessfullyAdded []int64        `json:"successfully_added"`
	Skipped           []SkippedOrder `json:"skipped"`
}

func (r *BulkAddResult) skip(id int64, reason SkipReason) {
	r.Skipped = append(r.Skipped, SkippedOrder{OrderID: id, Reason: reason})
}

type AssignmentAction string

const (
	ActionAssigned   AssignmentAction = "ASSIGNED"
	ActionReassigned AssignmentAction = "REASSIGNED"
	ActionCancelled  AssignmentAction = "CANCELLED"
)

// Assignment is one row of a group's agent assignment log.
type Assignment struct {
	ID              int64            `json:"id"`
	GroupID         int64            `json:"group_id"`
	Action          AssignmentAction `json:"action"`
	AgentID         *int64           `json:"agent_id,omitempty"`
	PreviousAgentID *int64           `json:"previous_agent_id,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ChangedBy       *int64           `json:"changed_by,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// AgentChange sets a group's agent if the group is in one of Allowed, and
// appends Log to the assignment log in the same write.
type AgentChange struct {
	GroupID int64
	AgentID *int64
	Allowed []Status
	Log     Assignment
	At      time.Time
}

type GroupFinishedEvent struct {
	GroupID    int64     `json:"group_id"`
	ShopID     int64     `json:"shop_id"`
	AgentID    *int64    `json:"agent_id,omitempty"`
	OrderIDs   []int64   `json:"order_ids"`
	FinishedAt time.Time `json:"finished_at"`
}
