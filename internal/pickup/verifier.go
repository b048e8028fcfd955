// Package pickup redeems the single-use token an agent scans at the door and
// closes the delivery group once its last order is delivered.
package pickup

import (
	"context"
	"errors"
	"strings"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/order"

	"go.uber.org/zap"
)

var (
	ErrTokenRequired    = apperr.Validation("pickup token is required")
	ErrNotFound         = apperr.Token("NOT_FOUND", "pickup token not found")
	ErrTokenUsed        = apperr.Token("TOKEN_USED", "pickup token has already been used")
	ErrAlreadyDelivered = apperr.Token("ALREADY_DELIVERED", "order has already been delivered")
)

// Redeemer is the part of the order lifecycle the verifier needs.
type Redeemer interface {
	RedeemPickupToken(ctx context.Context, token string) (*order.Order, error)
}

// GroupFinisher closes a delivery group when all of its orders are delivered.
type GroupFinisher interface {
	AutoFinishIfComplete(ctx context.Context, groupID int64) (bool, error)
}

type Result struct {
	Order         *order.Order `json:"order"`
	GroupID       *int64       `json:"group_id,omitempty"`
	GroupFinished bool         `json:"group_finished"`
}

type Verifier struct {
	orders   Redeemer
	finisher GroupFinisher
}

func NewVerifier(orders Redeemer, finisher GroupFinisher) *Verifier {
	return &Verifier{orders: orders, finisher: finisher}
}

func (v *Verifier) VerifyDelivery(ctx context.Context, token string) (*Result, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "VerifyDelivery"),
	)

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}

	o, err := v.orders.RedeemPickupToken(ctx, token)
	if err != nil {
		return nil, translate(err)
	}

	res := &Result{Order: o, GroupID: o.DeliveryGroupID}
	if o.DeliveryGroupID == nil {
		log.Info("delivery verified", zap.Int64("order_id", o.ID))
		return res, nil
	}

	finished, err := v.finisher.AutoFinishIfComplete(ctx, *o.DeliveryGroupID)
	if err != nil {
		// the redemption already committed; the reconcile job retries the finish
		log.Error("auto finish failed",
			zap.Int64("order_id", o.ID),
			zap.Int64("group_id", *o.DeliveryGroupID),
			zap.Error(err),
		)
	}
	res.GroupFinished = finished

	log.Info("delivery verified",
		zap.Int64("order_id", o.ID),
		zap.Int64("group_id", *o.DeliveryGroupID),
		zap.Bool("group_finished", finished),
	)
	return res, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, order.ErrTokenNotFound):
		return ErrNotFound
	case errors.Is(err, order.ErrTokenAlreadyUsed):
		return ErrTokenUsed
	case errors.Is(err, order.ErrOrderAlreadyDelivered):
		return ErrAlreadyDelivered
	}
	return apperr.From(err)
}
