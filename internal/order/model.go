package order

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending          Status = "PENDING"
	StatusConfirmed        Status = "CONFIRMED"
	StatusReadyForDelivery Status = "READY_FOR_DELIVERY"
	StatusOutForDelivery   Status = "OUT_FOR_DELIVERY"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
	StatusReturnRequested  Status = "RETURN_REQUESTED"
)

var allStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusReadyForDelivery,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
	StatusReturnRequested,
}

// transitions lists the allowed targets for each status.
var transitions = map[Status][]Status{
	StatusPending:          {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusReadyForDelivery, StatusCancelled},
	StatusReadyForDelivery: {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery:   {StatusDelivered, StatusReadyForDelivery, StatusCancelled},
	StatusDelivered:        {StatusReturnRequested},
}

func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Delivered reports whether the order reached the customer. A return request
// keeps the order counted as delivered.
func (s Status) Delivered() bool {
	return s == StatusDelivered || s == StatusReturnRequested
}

// Closed reports whether the order no longer takes part in delivery.
func (s Status) Closed() bool {
	return s.Delivered() || s == StatusCancelled
}

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID              int64      `json:"id"`
	Code            string     `json:"code"`
	ShopID          int64      `json:"shop_id"`
	CustomerID      int64      `json:"customer_id"`
	CustomerEmail   string     `json:"customer_email"`
	Status          Status     `json:"status"`
	PickupToken     *string    `json:"-"`
	PickupTokenUsed bool       `json:"pickup_token_used"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	DeliveryGroupID *int64     `json:"delivery_group_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (o *Order) InGroup(groupID int64) bool {
	return o.DeliveryGroupID != nil && *o.DeliveryGroupID == groupID
}

// StatusChange is one row of an order's status history.
type StatusChange struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ChangedBy *int64    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// StatusUpdate describes a compare-and-set on an order's status.
type StatusUpdate struct {
	OrderID int64
	From    Status
	To      Status

	// SetToken replaces the pickup token with Token (nil clears it) and resets
	// the used flag.
	SetToken bool
	Token    *string

	DeliveredAt *time.Time
	ChangedBy   *int64
	At          time.Time
}

// NewOrder is an order arriving from the storefront.
type NewOrder struct {
	Code          string `json:"code"`
	ShopID        int64  `json:"shop_id"`
	CustomerID    int64  `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
}
