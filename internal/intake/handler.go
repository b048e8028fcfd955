// Package intake imports orders placed on the storefront from the
// order.created topic.
package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/messaging"
	"warimas-backoffice/internal/order"

	"go.uber.org/zap"
)

type Importer interface {
	Import(ctx context.Context, in order.NewOrder) (*order.Order, bool, error)
}

// OrderCreatedEvent is the storefront's order.created payload.
type OrderCreatedEvent struct {
	Code          string `json:"code"`
	ShopID        int64  `json:"shop_id"`
	CustomerID    int64  `json:"customer_id"`
	CustomerEmail string `json:"customer_email"`
}

type Handler struct {
	orders Importer
}

func NewHandler(orders Importer) *Handler {
	return &Handler{orders: orders}
}

// Handle is a messaging.Handler. Redelivered events are no-ops because
// imports are keyed on the order code.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	log := logger.FromCtx(ctx).With(zap.String("layer", "intake"))

	var event OrderCreatedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal order created event: %w", err))
	}

	o, created, err := h.orders.Import(ctx, order.NewOrder(event))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return messaging.Permanent(err)
		}
		return fmt.Errorf("import order %q: %w", event.Code, err)
	}

	log.Info("order received",
		zap.Int64("order_id", o.ID),
		zap.String("code", o.Code),
		zap.Bool("created", created),
	)
	return nil
}
