package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	tracer = otel.Tracer("warimas-backoffice/order")
	meter  = otel.Meter("warimas-backoffice/order")
)

type Service interface {
	Get(ctx context.Context, caller auth.Caller, id int64) (*Order, error)
	History(ctx context.Context, caller auth.Caller, id int64) ([]StatusChange, error)

	// GetMany and ListByGroup are internal reads for the orchestrator.
	GetMany(ctx context.Context, ids []int64) ([]*Order, error)
	ListByGroup(ctx context.Context, groupID int64) ([]*Order, error)

	Transition(ctx context.Context, caller auth.Caller, id int64, target Status) (*Order, error)
	RedeemPickupToken(ctx context.Context, token string) (*Order, error)
	// AssignGroup moves the order from -> to. With targetStatuses the target
	// group must be in one of them when the move is stored.
	AssignGroup(ctx context.Context, orderID int64, from, to *int64, targetStatuses ...string) (*Order, error)
	Import(ctx context.Context, in NewOrder) (*Order, bool, error)
}

type service struct {
	repo        Repository
	authz       auth.Authorizer
	now         func() time.Time
	transitions metric.Int64Counter
	redemptions metric.Int64Counter
}

type Option func(*service)

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func NewService(repo Repository, authz auth.Authorizer, opts ...Option) Service {
	transitions, _ := meter.Int64Counter("order_transitions_total",
		metric.WithDescription("Applied order status transitions"))
	redemptions, _ := meter.Int64Counter("pickup_redemptions_total",
		metric.WithDescription("Pickup token redemption attempts by result"))

	s := &service{
		repo:        repo,
		authz:       authz,
		now:         time.Now,
		transitions: transitions,
		redemptions: redemptions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) load(ctx context.Context, id int64) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrOrderNotFound.Withf("order %d not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return o, nil
}

func (s *service) Get(ctx context.Context, caller auth.Caller, id int64) (*Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.AssertCanManageShop(ctx, caller, o.ShopID); err != nil {
		return nil, apperr.From(err)
	}
	return o, nil
}

func (s *service) History(ctx context.Context, caller auth.Caller, id int64) ([]StatusChange, error) {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	changes, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return changes, nil
}

func (s *service) GetMany(ctx context.Context, ids []int64) ([]*Order, error) {
	orders, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return orders, nil
}

func (s *service) ListByGroup(ctx context.Context, groupID int64) ([]*Order, error) {
	orders, err := s.repo.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return orders, nil
}

func (s *service) Transition(ctx context.Context, caller auth.Caller, id int64, target Status) (*Order, error) {
	ctx, span := tracer.Start(ctx, "order.Transition", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.target_status", string(target)),
	))
	defer span.End()

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "Transition"),
		zap.Int64("order_id", id),
		zap.String("target", string(target)),
	)

	if !target.Valid() {
		return nil, apperr.Validation("unknown order status " + string(target))
	}

	o, err := s.load(ctx, id)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if err := s.authz.AssertCanManageShop(ctx, caller, o.ShopID); err != nil {
		log.Warn("caller not allowed to manage order", zap.Int64("caller_id", caller.UserID))
		return nil, apperr.From(err)
	}

	updated, err := s.apply(ctx, o, target, changedBy(caller))
	if err != nil {
		recordSpanError(span, err)
		log.Info("transition rejected", zap.String("from", string(o.Status)), zap.Error(err))
		return nil, err
	}

	log.Info("order status changed", zap.String("from", string(o.Status)))
	return updated, nil
}

func (s *service) apply(ctx context.Context, o *Order, target Status, by *int64) (*Order, error) {
	if !CanTransition(o.Status, target) {
		return nil, ErrInvalidTransition.Withf("cannot move order %d from %s to %s", o.ID, o.Status, target)
	}

	now := s.now()
	u := StatusUpdate{
		OrderID:   o.ID,
		From:      o.Status,
		To:        target,
		ChangedBy: by,
		At:        now,
	}

	switch {
	case target == StatusOutForDelivery:
		token := NewPickupToken()
		u.SetToken = true
		u.Token = &token
	case o.Status == StatusOutForDelivery && target == StatusReadyForDelivery:
		// dispatch reverted, the old token must not be redeemable anymore
		u.SetToken = true
	case target == StatusDelivered:
		u.DeliveredAt = &now
	}

	updated, err := s.repo.UpdateStatus(ctx, u)
	if errors.Is(err, ErrStatusConflict) {
		return nil, ErrConcurrentUpdate.Withf("order %d status changed concurrently", o.ID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(u.From)),
		attribute.String("to", string(u.To)),
	))
	return updated, nil
}

func (s *service) RedeemPickupToken(ctx context.Context, token string) (*Order, error) {
	ctx, span := tracer.Start(ctx, "order.RedeemPickupToken")
	defer span.End()

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "RedeemPickupToken"),
	)

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.Validation("pickup token is required")
	}

	o, err := s.repo.RedeemToken(ctx, token, s.now())
	if err == nil {
		s.countRedemption(ctx, "success")
		log.Info("pickup token redeemed", zap.Int64("order_id", o.ID))
		return o, nil
	}
	if !errors.Is(err, ErrNotRedeemable) {
		recordSpanError(span, err)
		log.Error("failed to redeem pickup token", zap.Error(err))
		return nil, apperr.Internal(err)
	}

	// lost the compare-and-set or the token was never redeemable; re-read to classify
	cur, err := s.repo.GetByToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		s.countRedemption(ctx, "not_found")
		return nil, ErrTokenNotFound
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, apperr.Internal(err)
	}

	var rerr *apperr.Error
	switch {
	case cur.PickupTokenUsed:
		rerr = ErrTokenAlreadyUsed.Withf("pickup token for order %d already used", cur.ID)
	case cur.Status.Delivered():
		rerr = ErrOrderAlreadyDelivered.Withf("order %d already delivered", cur.ID)
	default:
		rerr = ErrOrderNotRedeemable.Withf("order %d is %s", cur.ID, cur.Status)
	}
	s.countRedemption(ctx, strings.ToLower(rerr.Code))
	log.Info("pickup token rejected", zap.Int64("order_id", cur.ID), zap.String("code", rerr.Code))
	return nil, rerr
}

func (s *service) AssignGroup(ctx context.Context, orderID int64, from, to *int64, targetStatuses ...string) (*Order, error) {
	o, err := s.repo.SetGroup(ctx, orderID, from, to, targetStatuses, s.now())
	if errors.Is(err, ErrGroupConflict) {
		return nil, ErrConcurrentUpdate.Withf("order %d group changed concurrently", orderID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return o, nil
}

func (s *service) Import(ctx context.Context, in NewOrder) (*Order, bool, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "Import"),
		zap.String("code", in.Code),
	)

	if in.ShopID <= 0 || in.CustomerID <= 0 {
		return nil, false, ErrInvalidOrder.Withf("shop_id and customer_id are required")
	}

	now := s.now()
	code := strings.TrimSpace(in.Code)
	if code == "" {
		code = NewCode(now)
	}

	o, created, err := s.repo.Create(ctx, &Order{
		Code:          code,
		ShopID:        in.ShopID,
		CustomerID:    in.CustomerID,
		CustomerEmail: in.CustomerEmail,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		log.Error("failed to import order", zap.Error(err))
		return nil, false, apperr.Internal(err)
	}

	if created {
		log.Info("order imported", zap.Int64("order_id", o.ID))
	} else {
		log.Debug("order already imported", zap.Int64("order_id", o.ID))
	}
	return o, created, nil
}

func (s *service) countRedemption(ctx context.Context, result string) {
	s.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func changedBy(c auth.Caller) *int64 {
	if c.UserID == 0 {
		return nil
	}
	return utils.Int64Ptr(c.UserID)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
