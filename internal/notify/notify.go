// Package notify delivers dispatch notices and group-finished events to the
// rest of the platform, over Kafka when brokers are configured.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"warimas-backoffice/internal/deliverygroup"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/order"

	"go.uber.org/zap"
)

// Publisher is satisfied by *messaging.Producer.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type OrderReader interface {
	GetMany(ctx context.Context, ids []int64) ([]*order.Order, error)
}

// DispatchNotice is the payload of one order.dispatched message. The customer
// shows PickupToken to the agent at the door.
type DispatchNotice struct {
	OrderID         int64     `json:"order_id"`
	Code            string    `json:"code"`
	ShopID          int64     `json:"shop_id"`
	CustomerID      int64     `json:"customer_id"`
	CustomerEmail   string    `json:"customer_email"`
	DeliveryGroupID *int64    `json:"delivery_group_id,omitempty"`
	PickupToken     string    `json:"pickup_token"`
	DispatchedAt    time.Time `json:"dispatched_at"`
}

type KafkaNotifier struct {
	pub    Publisher
	orders OrderReader
	now    func() time.Time
}

func NewKafkaNotifier(pub Publisher, orders OrderReader) *KafkaNotifier {
	return &KafkaNotifier{pub: pub, orders: orders, now: time.Now}
}

// NotifyCustomersOfDispatch publishes one notice per order still out for
// delivery. Every order is attempted; failures are joined.
func (n *KafkaNotifier) NotifyCustomersOfDispatch(ctx context.Context, orderIDs []int64) error {
	if len(orderIDs) == 0 {
		return nil
	}

	orders, err := n.orders.GetMany(ctx, orderIDs)
	if err != nil {
		return fmt.Errorf("load dispatched orders: %w", err)
	}

	var errs []error
	at := n.now()
	for _, o := range orders {
		if o.Status != order.StatusOutForDelivery || o.PickupToken == nil {
			continue
		}
		notice := DispatchNotice{
			OrderID:         o.ID,
			Code:            o.Code,
			ShopID:          o.ShopID,
			CustomerID:      o.CustomerID,
			CustomerEmail:   o.CustomerEmail,
			DeliveryGroupID: o.DeliveryGroupID,
			PickupToken:     *o.PickupToken,
			DispatchedAt:    at,
		}
		if err := n.pub.Publish(ctx, strconv.FormatInt(o.ID, 10), notice); err != nil {
			errs = append(errs, fmt.Errorf("order %d: %w", o.ID, err))
		}
	}
	return errors.Join(errs...)
}

type KafkaEvents struct {
	pub Publisher
}

func NewKafkaEvents(pub Publisher) *KafkaEvents {
	return &KafkaEvents{pub: pub}
}

func (e *KafkaEvents) PublishGroupFinished(ctx context.Context, event deliverygroup.GroupFinishedEvent) error {
	return e.pub.Publish(ctx, strconv.FormatInt(event.GroupID, 10), event)
}

// LogNotifier only logs. Used when no Kafka brokers are configured.
type LogNotifier struct{}

func (LogNotifier) NotifyCustomersOfDispatch(ctx context.Context, orderIDs []int64) error {
	logger.FromCtx(ctx).Info("orders dispatched", zap.Int64s("order_ids", orderIDs))
	return nil
}

func (LogNotifier) PublishGroupFinished(ctx context.Context, event deliverygroup.GroupFinishedEvent) error {
	logger.FromCtx(ctx).Info("delivery group finished",
		zap.Int64("group_id", event.GroupID),
		zap.Int64s("order_ids", event.OrderIDs),
	)
	return nil
}
