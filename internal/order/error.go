package order

import (
	"errors"

	"warimas-backoffice/internal/apperr"
)

// Storage level conditions. The service turns these into apperr values.
var (
	ErrNotFound       = errors.New("order not found")
	ErrStatusConflict = errors.New("order status changed concurrently")
	ErrGroupConflict  = errors.New("order group changed concurrently")
	ErrNotRedeemable  = errors.New("pickup token not redeemable")
)

var (
	ErrOrderNotFound         = apperr.NotFound("ORDER_NOT_FOUND", "order not found")
	ErrInvalidTransition     = apperr.InvalidState("INVALID_TRANSITION", "status transition not allowed")
	ErrConcurrentUpdate      = apperr.InvalidState("CONCURRENT_UPDATE", "status changed concurrently")
	ErrTokenNotFound         = apperr.Token("TOKEN_NOT_FOUND", "pickup token not found")
	ErrTokenAlreadyUsed      = apperr.Token("TOKEN_ALREADY_USED", "pickup token already used")
	ErrOrderAlreadyDelivered = apperr.Token("ORDER_ALREADY_DELIVERED", "order already delivered")
	ErrOrderNotRedeemable    = apperr.InvalidState("ORDER_NOT_REDEEMABLE", "order is not out for delivery")
	ErrInvalidOrder          = apperr.Validation("invalid order")
)
