package deliverygroup

import (
	"errors"

	"warimas-backoffice/internal/apperr"
)

var (
	ErrNotFound       = errors.New("delivery group not found")
	ErrStatusConflict = errors.New("delivery group status changed concurrently")
)

var (
	ErrGroupNotFound      = apperr.NotFound("GROUP_NOT_FOUND", "delivery group not found")
	ErrAgentNotFound      = apperr.NotFound("AGENT_NOT_FOUND", "delivery agent not found")
	ErrGroupNotOpen       = apperr.InvalidState("GROUP_NOT_OPEN", "delivery group is not open")
	ErrGroupNotStarted    = apperr.InvalidState("GROUP_NOT_STARTED", "delivery group has not started")
	ErrGroupFinished      = apperr.InvalidState("GROUP_FINISHED", "delivery group is finished")
	ErrNoAgent            = apperr.InvalidState("NO_AGENT_ASSIGNED", "delivery group has no agent assigned")
	ErrNoMemberOrders     = apperr.InvalidState("NO_MEMBER_ORDERS", "delivery group has no member orders")
	ErrOrdersNotDelivered = apperr.InvalidState("ORDERS_NOT_DELIVERED", "not every order has been delivered")
	ErrOrderNotInGroup    = apperr.InvalidState("ORDER_NOT_IN_GROUP", "order is not a member of the group")
	ErrOrderDelivered     = apperr.InvalidState("ORDER_DELIVERED", "order has already been delivered")
	ErrOrderNotMovable    = apperr.InvalidState("ORDER_NOT_MOVABLE", "order is not ready or out for delivery")
	ErrShopMismatch       = apperr.InvalidState("SHOP_MISMATCH", "order belongs to another shop")
	ErrConcurrentUpdate   = apperr.InvalidState("CONCURRENT_UPDATE", "delivery group changed concurrently")
	ErrManagedByGroup     = apperr.InvalidState("MANAGED_BY_GROUP", "dispatch status is managed by the delivery group")
	ErrEmptyName          = apperr.Validation("group name is required")
	ErrNoOrderIDs         = apperr.Validation("at least one order id is required")
)
