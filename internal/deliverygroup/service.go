package deliverygroup

import (
	"context"
	"errors"
	"strings"
	"time"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/keylock"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/order"
	"warimas-backoffice/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	tracer = otel.Tracer("warimas-backoffice/deliverygroup")
	meter  = otel.Meter("warimas-backoffice/deliverygroup")
)

// AgentDirectory answers whether a user may be assigned as delivery agent.
type AgentDirectory interface {
	AgentExists(ctx context.Context, agentID int64) (bool, error)
}

// Notifier tells customers their orders left the shop.
type Notifier interface {
	NotifyCustomersOfDispatch(ctx context.Context, orderIDs []int64) error
}

type EventPublisher interface {
	PublishGroupFinished(ctx context.Context, event GroupFinishedEvent) error
}

type Service interface {
	CreateGroup(ctx context.Context, caller auth.Caller, in CreateGroupInput) (*Group, error)
	GetGroup(ctx context.Context, caller auth.Caller, groupID int64) (*Detail, error)
	ListGroups(ctx context.Context, caller auth.Caller, filter ListFilter) ([]*Group, error)
	AssignmentHistory(ctx context.Context, caller auth.Caller, groupID int64) ([]Assignment, error)

	AddOrders(ctx context.Context, caller auth.Caller, groupID int64, orderIDs []int64) (*Detail, *BulkAddResult, error)
	BulkAddOrders(ctx context.Context, caller auth.Caller, groupID int64, orderIDs []int64) (*BulkAddResult, error)
	RemoveOrders(ctx context.Context, caller auth.Caller, groupID int64, orderIDs []int64) (*Detail, error)
	RemoveOrder(ctx context.Context, caller auth.Caller, groupID, orderID int64) (*Detail, error)
	ChangeOrderGroup(ctx context.Context, caller auth.Caller, orderID, newGroupID int64) (*order.Order, error)
	// UpdateOrderStatus applies a manual transition. The bool reports whether
	// it completed the order's group.
	UpdateOrderStatus(ctx context.Context, caller auth.Caller, orderID int64, target order.Status) (*order.Order, bool, error)

	StartDelivery(ctx context.Context, caller auth.Caller, groupID int64) (*Detail, error)
	FinishDelivery(ctx context.Context, caller auth.Caller, groupID int64) (*Detail, error)
	AutoFinishIfComplete(ctx context.Context, groupID int64) (bool, error)
	RedispatchReady(ctx context.Context, groupID int64) ([]int64, error)

	ReassignAgent(ctx context.Context, caller auth.Caller, groupID, agentID int64, reason string) (*Group, error)
	CancelAssignment(ctx context.Context, caller auth.Caller, groupID int64, reason string) (*Group, error)
}

type service struct {
	repo     Repository
	orders   order.Service
	authz    auth.Authorizer
	agents   AgentDirectory
	notifier Notifier
	events   EventPublisher
	locks    *keylock.Locker
	now      func() time.Time

	notifyTimeout time.Duration

	finished   metric.Int64Counter
	dispatched metric.Int64Counter
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithNotifyTimeout bounds each dispatch notification. Defaults to 5s.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *service) { s.notifyTimeout = d }
}

func NewService(
	repo Repository,
	orders order.Service,
	authz auth.Authorizer,
	agents AgentDirectory,
	notifier Notifier,
	events EventPublisher,
	opts ...Option,
) Service {
	finished, _ := meter.Int64Counter("delivery_groups_finished_total",
		metric.WithDescription("Delivery groups moved to FINISHED"))
	dispatched, _ := meter.Int64Counter("orders_dispatched_total",
		metric.WithDescription("Orders moved to OUT_FOR_DELIVERY by a delivery group"))

	s := &service{
		repo:       repo,
		orders:     orders,
		authz:      authz,
		agents:     agents,
		notifier:   notifier,
		events:     events,
		locks:      keylock.New(),
		now:        time.Now,

		notifyTimeout: 5 * time.Second,
		finished:   finished,
		dispatched: dispatched,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) load(ctx context.Context, groupID int64) (*Group, error) {
	g, err := s.repo.GetByID(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrGroupNotFound.Withf("delivery group %d not found", groupID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return g, nil
}

func (s *service) authorized(ctx context.Context, caller auth.Caller, groupID int64) (*Group, error) {
	g, err := s.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.AssertCanManageShop(ctx, caller, g.ShopID); err != nil {
		return nil, apperr.From(err)
	}
	return g, nil
}

func (s *service) detail(ctx context.Context, g *Group) (*Detail, error) {
	members, err := s.orders.ListByGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []*order.Order{}
	}
	return &Detail{Group: g, Orders: members}, nil
}

func (s *service) CreateGroup(ctx context.Context, caller auth.Caller, in CreateGroupInput) (*Group, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "CreateGroup"),
		zap.Int64("shop_id", in.ShopID),
	)

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if in.ShopID <= 0 {
		return nil, apperr.Validation("shop_id is required")
	}
	if err := s.authz.AssertCanManageShop(ctx, caller, in.ShopID); err != nil {
		return nil, apperr.From(err)
	}

	g, err := s.repo.Create(ctx, &Group{
		Name:      name,
		ShopID:    in.ShopID,
		Status:    StatusOpen,
		CreatedBy: caller.UserID,
		CreatedAt: s.now(),
	})
	if err != nil {
		log.Error("failed to create delivery group", zap.Error(err))
		return nil, apperr.Internal(err)
	}

	log.Info("delivery group created", zap.Int64("group_id", g.ID))
	return g, nil
}

func (s *service) GetGroup(ctx context.Context, caller auth.Caller, groupID int64) (*Detail, error) {
	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, g)
}

func (s *service) ListGroups(ctx context.Context, caller auth.Caller, filter ListFilter) ([]*Group, error) {
	if filter.ShopID == nil && !caller.IsAdmin() && !caller.IsSystem() {
		return nil, apperr.Validation("shop_id is required")
	}
	if filter.ShopID != nil {
		if err := s.authz.AssertCanManageShop(ctx, caller, *filter.ShopID); err != nil {
			return nil, apperr.From(err)
		}
	}

	groups, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if groups == nil {
		groups = []*Group{}
	}
	return groups, nil
}

func (s *service) AssignmentHistory(ctx context.Context, caller auth.Caller, groupID int64) ([]Assignment, error) {
	if _, err := s.authorized(ctx, caller, groupID); err != nil {
		return nil, err
	}
	out, err := s.repo.Assignments(ctx, groupID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if out == nil {
		out = []Assignment{}
	}
	return out, nil
}

func (s *service) AddOrders(ctx context.Context, caller auth.Caller, groupID int64, orderIDs []int64) (*Detail, *BulkAddResult, error) {
	if len(orderIDs) == 0 {
		return nil, nil, ErrNoOrderIDs
	}

	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, nil, err
	}
	if g.Status != StatusOpen {
		return nil, nil, ErrGroupNotOpen.Withf("delivery group %d is %s", g.ID, g.Status)
	}

	result, err := s.addLocked(ctx, g, orderIDs)
	if err != nil {
		return nil, nil, err
	}

	d, err := s.detail(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	return d, result, nil
}

func (s *service) BulkAddOrders(ctx context.Context, caller auth.Caller, groupID int64, orderIDs []int64) (*BulkAddResult, error) {
	if len(orderIDs) == 0 {
		return nil, ErrNoOrderIDs
	}

	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	return s.addLocked(ctx, g, orderIDs)
}

// addLocked adds every eligible order to g and reports the rest as skipped.
// The caller holds g's lock.
func (s *service) addLocked(ctx context.Context, g *Group, orderIDs []int64) (*BulkAddResult, error) {
	ctx, span := tracer.Start(ctx, "deliverygroup.addOrders", trace.WithAttributes(
		attribute.Int64("group.id", g.ID),
		attribute.Int("orders.requested", len(orderIDs)),
	))
	defer span.End()

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "BulkAddOrders"),
		zap.Int64("group_id", g.ID),
	)

	result := &BulkAddResult{SuccessfullyAdded: []int64{}, Skipped: []SkippedOrder{}}

	seen := make(map[int64]bool, len(orderIDs))
	uniq := make([]int64, 0, len(orderIDs))
	for _, id := range orderIDs {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}

	if g.Status != StatusOpen {
		emitted := make(map[int64]bool, len(uniq))
		for _, id := range orderIDs {
			if emitted[id] {
				result.skip(id, SkipDuplicateID)
				continue
			}
			emitted[id] = true
			result.skip(id, SkipGroupNotOpen)
		}
		return result, nil
	}

	found, err := s.orders.GetMany(ctx, uniq)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*order.Order, len(found))
	var otherGroups []int64
	for _, o := range found {
		byID[o.ID] = o
		if o.DeliveryGroupID != nil && *o.DeliveryGroupID != g.ID {
			otherGroups = append(otherGroups, *o.DeliveryGroupID)
		}
	}

	busy, err := s.activeGroups(ctx, otherGroups)
	if err != nil {
		return nil, err
	}

	handled := make(map[int64]bool, len(uniq))
	for _, id := range orderIDs {
		if handled[id] {
			result.skip(id, SkipDuplicateID)
			continue
		}
		handled[id] = true

		o, ok := byID[id]
		switch {
		case !ok:
			result.skip(id, SkipOrderNotFound)
			continue
		case o.InGroup(g.ID):
			result.skip(id, SkipAlreadyInGroup)
			continue
		case o.DeliveryGroupID != nil && busy[*o.DeliveryGroupID]:
			result.skip(id, SkipAlreadyAssigned)
			continue
		case o.ShopID != g.ShopID:
			result.skip(id, SkipShopMismatch)
			continue
		case o.Status != order.StatusReadyForDelivery:
			result.skip(id, SkipNotReady)
			continue
		}

		if _, err := s.orders.AssignGroup(ctx, o.ID, o.DeliveryGroupID, &g.ID, string(StatusOpen)); err != nil {
			if errors.Is(err, order.ErrConcurrentUpdate) {
				result.skip(id, SkipConcurrentUpdate)
				continue
			}
			log.Error("failed to add order to group", zap.Int64("order_id", id), zap.Error(err))
			return nil, err
		}
		result.SuccessfullyAdded = append(result.SuccessfullyAdded, id)
	}

	log.Info("orders added to delivery group",
		zap.Int("added", len(result.SuccessfullyAdded)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return result, nil
}

// activeGroups returns which of ids are groups that are not finished yet.
func (s *service) activeGroups(ctx context.Context, ids []int64) (map[int64]bool, error) {
	active := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return active, nil
	}
	groups, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for _, g := range groups {
		active[g.ID] = g.Status != StatusFinished
	}
	return active, nil
}

func (s *service) RemoveOrder(ctx context.Context, caller auth.Caller, groupID, orderID int64) (*Detail, error) {
	return s.RemoveOrders(ctx, caller, groupID, []int64{orderID})
}

func (s *service) RemoveOrders(ctx context.Context, caller auth.Caller, groupID int64, orderIDs []int64) (*Detail, error) {
	if len(orderIDs) == 0 {
		return nil, ErrNoOrderIDs
	}

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "RemoveOrders"),
		zap.Int64("group_id", groupID),
	)

	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status == StatusFinished {
		return nil, ErrGroupFinished.Withf("delivery group %d is finished", g.ID)
	}

	found, err := s.orders.GetMany(ctx, orderIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*order.Order, len(found))
	for _, o := range found {
		byID[o.ID] = o
	}

	var notMember, delivered []int64
	targets := make([]*order.Order, 0, len(found))
	seen := make(map[int64]bool, len(orderIDs))
	for _, id := range orderIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		o, ok := byID[id]
		switch {
		case !ok || !o.InGroup(g.ID):
			notMember = append(notMember, id)
		case o.Status.Delivered():
			delivered = append(delivered, id)
		default:
			targets = append(targets, o)
		}
	}
	if len(notMember) > 0 {
		return nil, ErrOrderNotInGroup.WithOrders(notMember)
	}
	if len(delivered) > 0 {
		return nil, ErrOrderDelivered.WithOrders(delivered)
	}

	for _, o := range targets {
		if g.Status == StatusStarted && o.Status == order.StatusOutForDelivery {
			if _, err := s.orders.Transition(ctx, auth.System, o.ID, order.StatusReadyForDelivery); err != nil {
				log.Warn("failed to revert dispatch", zap.Int64("order_id", o.ID), zap.Error(err))
				return nil, err
			}
		}
		if _, err := s.orders.AssignGroup(ctx, o.ID, &g.ID, nil); err != nil {
			return nil, err
		}
	}
	log.Info("orders removed from delivery group", zap.Int("removed", len(targets)))

	if g.Status == StatusStarted {
		if finished, ok, err := s.finishIfComplete(ctx, g); err != nil {
			log.Warn("auto finish after removal failed", zap.Error(err))
		} else if ok {
			g = finished
		}
	}
	return s.detail(ctx, g)
}

func (s *service) ChangeOrderGroup(ctx context.Context, caller auth.Caller, orderID, newGroupID int64) (*order.Order, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "ChangeOrderGroup"),
		zap.Int64("order_id", orderID),
		zap.Int64("new_group_id", newGroupID),
	)

	o, err := s.orders.Get(ctx, caller, orderID)
	if err != nil {
		return nil, err
	}
	if o.InGroup(newGroupID) {
		return o, nil
	}

	prev := o.DeliveryGroupID
	keys := []int64{newGroupID}
	if prev != nil {
		keys = append(keys, *prev)
	}
	unlock := s.locks.LockMany(keys...)
	defer unlock()

	// the order may have moved while we waited for the locks
	fresh, err := s.orders.GetMany(ctx, []int64{orderID})
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return nil, order.ErrOrderNotFound.Withf("order %d not found", orderID)
	}
	o = fresh[0]
	if !utils.EqualInt64Ptr(o.DeliveryGroupID, prev) {
		return nil, ErrConcurrentUpdate.Withf("order %d changed group concurrently", orderID)
	}

	target, err := s.authorized(ctx, caller, newGroupID)
	if err != nil {
		return nil, err
	}
	if target.Status == StatusFinished {
		return nil, ErrGroupFinished.Withf("delivery group %d is finished", target.ID)
	}
	if target.ShopID != o.ShopID {
		return nil, ErrShopMismatch.WithOrders([]int64{o.ID})
	}

	var current *Group
	if o.DeliveryGroupID != nil {
		current, err = s.repo.GetByID(ctx, *o.DeliveryGroupID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, apperr.Internal(err)
		}
		if current != nil && current.Status == StatusFinished {
			return nil, ErrGroupFinished.Withf("order %d belongs to finished group %d", o.ID, current.ID)
		}
	}

	if o.Status.Delivered() {
		return nil, ErrOrderDelivered.WithOrders([]int64{o.ID})
	}
	if o.Status != order.StatusReadyForDelivery && o.Status != order.StatusOutForDelivery {
		return nil, ErrOrderNotMovable.WithOrders([]int64{o.ID})
	}

	moved, err := s.orders.AssignGroup(ctx, o.ID, prev, &target.ID, string(target.Status))
	if err != nil {
		return nil, err
	}

	var next order.Status
	switch {
	case target.Status == StatusStarted && moved.Status == order.StatusReadyForDelivery:
		next = order.StatusOutForDelivery
	case target.Status == StatusOpen && moved.Status == order.StatusOutForDelivery:
		next = order.StatusReadyForDelivery
	}
	if next != "" {
		changed, err := s.orders.Transition(ctx, auth.System, moved.ID, next)
		if err != nil {
			log.Warn("moved order status not updated, undoing move", zap.String("target", string(next)), zap.Error(err))
			if _, uerr := s.orders.AssignGroup(ctx, moved.ID, &target.ID, prev); uerr != nil {
				log.Error("failed to undo order move", zap.Error(uerr))
			}
			return nil, err
		}
		moved = changed
		if next == order.StatusOutForDelivery {
			s.dispatched.Add(ctx, 1)
			s.notify(ctx, []int64{moved.ID})
		}
	}
	log.Info("order moved to delivery group")

	if current != nil && current.Status == StatusStarted {
		if _, _, err := s.finishIfComplete(ctx, current); err != nil {
			log.Warn("auto finish of previous group failed", zap.Int64("group_id", current.ID), zap.Error(err))
		}
	}
	return moved, nil
}

func (s *service) UpdateOrderStatus(ctx context.Context, caller auth.Caller, orderID int64, target order.Status) (*order.Order, bool, error) {
	ctx, span := tracer.Start(ctx, "deliverygroup.UpdateOrderStatus", trace.WithAttributes(
		attribute.Int64("order.id", orderID),
		attribute.String("order.target_status", string(target)),
	))
	defer span.End()

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "UpdateOrderStatus"),
		zap.Int64("order_id", orderID),
		zap.String("target", string(target)),
	)

	o, err := s.orders.Get(ctx, caller, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.DeliveryGroupID == nil {
		if target == order.StatusOutForDelivery {
			return nil, false, ErrManagedByGroup.Withf("order %d is not in a started delivery group", o.ID)
		}
		updated, err := s.orders.Transition(ctx, caller, o.ID, target)
		return updated, false, err
	}

	groupID := *o.DeliveryGroupID
	unlock := s.locks.Lock(groupID)
	defer unlock()

	o, err = s.orders.Get(ctx, caller, orderID)
	if err != nil {
		return nil, false, err
	}
	if !o.InGroup(groupID) {
		return nil, false, ErrConcurrentUpdate.Withf("order %d changed group concurrently", o.ID)
	}
	g, err := s.load(ctx, groupID)
	if err != nil {
		return nil, false, err
	}

	switch {
	case target == order.StatusOutForDelivery && g.Status != StatusStarted:
		return nil, false, ErrManagedByGroup.Withf("delivery group %d is %s", g.ID, g.Status)
	case target == order.StatusReadyForDelivery && o.Status == order.StatusOutForDelivery && g.Status == StatusStarted:
		return nil, false, ErrManagedByGroup.Withf("order %d is out with started delivery group %d", o.ID, g.ID)
	}

	updated, err := s.orders.Transition(ctx, caller, o.ID, target)
	if err != nil {
		return nil, false, err
	}

	switch target {
	case order.StatusOutForDelivery:
		s.dispatched.Add(ctx, 1)
		s.notify(ctx, []int64{updated.ID})
	case order.StatusDelivered:
		_, finished, err := s.finishIfComplete(ctx, g)
		if err != nil {
			span.RecordError(err)
			log.Error("auto finish failed", zap.Int64("group_id", g.ID), zap.Error(err))
			return updated, false, nil
		}
		return updated, finished, nil
	}
	return updated, false, nil
}

func (s *service) StartDelivery(ctx context.Context, caller auth.Caller, groupID int64) (*Detail, error) {
	ctx, span := tracer.Start(ctx, "deliverygroup.StartDelivery", trace.WithAttributes(
		attribute.Int64("group.id", groupID),
	))
	defer span.End()

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "StartDelivery"),
		zap.Int64("group_id", groupID),
	)

	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusOpen {
		return nil, ErrGroupNotOpen.Withf("delivery group %d is %s", g.ID, g.Status)
	}
	if g.AgentID == nil {
		return nil, ErrNoAgent
	}

	members, err := s.orders.ListByGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, o := range members {
		if o.Status != order.StatusCancelled {
			active++
		}
	}
	if active == 0 {
		return nil, ErrNoMemberOrders.Withf("delivery group %d has no member orders", g.ID)
	}

	started, err := s.repo.UpdateStatus(ctx, g.ID, StatusOpen, StatusStarted, s.now())
	if errors.Is(err, ErrStatusConflict) {
		return nil, ErrConcurrentUpdate.Withf("delivery group %d changed concurrently", g.ID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	// members joined through another instance are only visible after the CAS
	members, err = s.orders.ListByGroup(ctx, g.ID)
	if err != nil {
		s.rollbackStart(ctx, g.ID, nil)
		return nil, err
	}
	dispatched, err := s.dispatchAll(ctx, members)
	if err != nil {
		span.RecordError(err)
		log.Warn("dispatch failed, delivery not started", zap.Error(err))
		s.rollbackStart(ctx, g.ID, dispatched)
		return nil, err
	}
	s.notify(ctx, dispatched)

	log.Info("delivery started",
		zap.Int64("agent_id", *started.AgentID),
		zap.Int("dispatched", len(dispatched)),
	)
	return s.detail(ctx, started)
}

// dispatchAll moves every READY_FOR_DELIVERY member out for delivery. It stops
// at the first failure and returns the ids dispatched before it.
func (s *service) dispatchAll(ctx context.Context, members []*order.Order) ([]int64, error) {
	dispatched := []int64{}
	for _, o := range members {
		if o.Status != order.StatusReadyForDelivery {
			continue
		}
		if _, err := s.orders.Transition(ctx, auth.System, o.ID, order.StatusOutForDelivery); err != nil {
			return dispatched, err
		}
		dispatched = append(dispatched, o.ID)
	}
	s.dispatched.Add(ctx, int64(len(dispatched)))
	return dispatched, nil
}

// rollbackStart reverts the dispatched orders and reopens the group.
func (s *service) rollbackStart(ctx context.Context, groupID int64, dispatched []int64) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "rollbackStart"),
		zap.Int64("group_id", groupID),
	)

	for _, id := range dispatched {
		if _, err := s.orders.Transition(ctx, auth.System, id, order.StatusReadyForDelivery); err != nil {
			log.Error("failed to revert dispatched order", zap.Int64("order_id", id), zap.Error(err))
		}
	}
	if _, err := s.repo.UpdateStatus(ctx, groupID, StatusStarted, StatusOpen, s.now()); err != nil {
		log.Error("failed to reopen delivery group", zap.Error(err))
	}
}

// dispatchReady moves every READY_FOR_DELIVERY member out for delivery and
// returns the ids that made it. Failures are logged and skipped; the
// reconcile job retries them.
func (s *service) dispatchReady(ctx context.Context, members []*order.Order) []int64 {
	log := logger.FromCtx(ctx).With(zap.String("layer", "service"), zap.String("method", "dispatchReady"))

	dispatched := []int64{}
	for _, o := range members {
		if o.Status != order.StatusReadyForDelivery {
			continue
		}
		if _, err := s.orders.Transition(ctx, auth.System, o.ID, order.StatusOutForDelivery); err != nil {
			log.Warn("failed to dispatch order", zap.Int64("order_id", o.ID), zap.Error(err))
			continue
		}
		dispatched = append(dispatched, o.ID)
	}
	s.dispatched.Add(ctx, int64(len(dispatched)))
	return dispatched
}

func (s *service) notify(ctx context.Context, orderIDs []int64) {
	if len(orderIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	if err := s.notifier.NotifyCustomersOfDispatch(ctx, orderIDs); err != nil {
		logger.FromCtx(ctx).Warn("dispatch notification failed",
			zap.Int64s("order_ids", orderIDs),
			zap.Error(err),
		)
	}
}

func (s *service) RedispatchReady(ctx context.Context, groupID int64) ([]int64, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusStarted {
		return []int64{}, nil
	}

	members, err := s.orders.ListByGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	dispatched := s.dispatchReady(ctx, members)
	s.notify(ctx, dispatched)
	return dispatched, nil
}

// blocking returns the non-cancelled members that are not delivered yet and
// how many members are delivered.
func blocking(members []*order.Order) ([]int64, int) {
	var pending []int64
	delivered := 0
	for _, o := range members {
		switch {
		case o.Status == order.StatusCancelled:
		case o.Status.Delivered():
			delivered++
		default:
			pending = append(pending, o.ID)
		}
	}
	return pending, delivered
}

func (s *service) FinishDelivery(ctx context.Context, caller auth.Caller, groupID int64) (*Detail, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status == StatusFinished {
		return s.detail(ctx, g)
	}
	if g.Status != StatusStarted {
		return nil, ErrGroupNotStarted.Withf("delivery group %d is %s", g.ID, g.Status)
	}

	members, err := s.orders.ListByGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if pending, _ := blocking(members); len(pending) > 0 {
		return nil, ErrOrdersNotDelivered.WithOrders(pending)
	}

	finished, _, err := s.finishLocked(ctx, g, members)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, finished)
}

func (s *service) AutoFinishIfComplete(ctx context.Context, groupID int64) (bool, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.load(ctx, groupID)
	if err != nil {
		return false, err
	}
	_, won, err := s.finishIfComplete(ctx, g)
	return won, err
}

// finishIfComplete finishes a started g once every non-cancelled member is
// delivered and at least one is. The caller holds g's lock.
func (s *service) finishIfComplete(ctx context.Context, g *Group) (*Group, bool, error) {
	if g.Status != StatusStarted {
		return g, false, nil
	}

	members, err := s.orders.ListByGroup(ctx, g.ID)
	if err != nil {
		return nil, false, err
	}
	if pending, delivered := blocking(members); len(pending) > 0 || delivered == 0 {
		return g, false, nil
	}
	return s.finishLocked(ctx, g, members)
}

// finishLocked moves g from STARTED to FINISHED. Only the caller whose
// compare-and-set succeeds publishes the event; won reports whether that was us.
func (s *service) finishLocked(ctx context.Context, g *Group, members []*order.Order) (*Group, bool, error) {
	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "finish"),
		zap.Int64("group_id", g.ID),
	)

	finished, err := s.repo.UpdateStatus(ctx, g.ID, StatusStarted, StatusFinished, s.now())
	if errors.Is(err, ErrStatusConflict) {
		cur, lerr := s.load(ctx, g.ID)
		if lerr != nil {
			return nil, false, lerr
		}
		if cur.Status == StatusFinished {
			return cur, false, nil
		}
		return nil, false, ErrConcurrentUpdate.Withf("delivery group %d changed concurrently", g.ID)
	}
	if err != nil {
		return nil, false, apperr.Internal(err)
	}

	s.finished.Add(ctx, 1)

	ids := make([]int64, 0, len(members))
	for _, o := range members {
		ids = append(ids, o.ID)
	}
	event := GroupFinishedEvent{
		GroupID:    finished.ID,
		ShopID:     finished.ShopID,
		AgentID:    finished.AgentID,
		OrderIDs:   ids,
		FinishedAt: *finished.FinishedAt,
	}
	if err := s.events.PublishGroupFinished(ctx, event); err != nil {
		log.Error("failed to publish group finished event", zap.Error(err))
	}

	log.Info("delivery group finished", zap.Int("orders", len(ids)))
	return finished, true, nil
}

func (s *service) ReassignAgent(ctx context.Context, caller auth.Caller, groupID, agentID int64, reason string) (*Group, error) {
	if agentID <= 0 {
		return nil, apperr.Validation("agent_id is required")
	}

	log := logger.FromCtx(ctx).With(
		zap.String("layer", "service"),
		zap.String("method", "ReassignAgent"),
		zap.Int64("group_id", groupID),
		zap.Int64("agent_id", agentID),
	)

	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status == StatusFinished {
		return nil, ErrGroupFinished.Withf("delivery group %d is finished", g.ID)
	}

	ok, err := s.agents.AgentExists(ctx, agentID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, ErrAgentNotFound.Withf("delivery agent %d not found", agentID)
	}
	if g.AgentID != nil && *g.AgentID == agentID {
		return g, nil
	}

	action := ActionAssigned
	if g.AgentID != nil {
		action = ActionReassigned
	}

	updated, err := s.repo.UpdateAgent(ctx, AgentChange{
		GroupID: g.ID,
		AgentID: &agentID,
		Allowed: []Status{StatusOpen, StatusStarted},
		Log: Assignment{
			Action:          action,
			AgentID:         &agentID,
			PreviousAgentID: g.AgentID,
			Reason:          strings.TrimSpace(reason),
			ChangedBy:       callerID(caller),
		},
		At: s.now(),
	})
	if errors.Is(err, ErrStatusConflict) {
		return nil, ErrConcurrentUpdate.Withf("delivery group %d changed concurrently", g.ID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	log.Info("delivery agent assigned", zap.String("action", string(action)))
	return updated, nil
}

func (s *service) CancelAssignment(ctx context.Context, caller auth.Caller, groupID int64, reason string) (*Group, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.authorized(ctx, caller, groupID)
	if err != nil {
		return nil, err
	}
	if g.Status != StatusOpen {
		return nil, ErrGroupNotOpen.Withf("delivery group %d is %s", g.ID, g.Status)
	}
	if g.AgentID == nil {
		return nil, ErrNoAgent
	}

	updated, err := s.repo.UpdateAgent(ctx, AgentChange{
		GroupID: g.ID,
		Allowed: []Status{StatusOpen},
		Log: Assignment{
			Action:          ActionCancelled,
			PreviousAgentID: g.AgentID,
			Reason:          strings.TrimSpace(reason),
			ChangedBy:       callerID(caller),
		},
		At: s.now(),
	})
	if errors.Is(err, ErrStatusConflict) {
		return nil, ErrConcurrentUpdate.Withf("delivery group %d changed concurrently", g.ID)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	logger.FromCtx(ctx).Info("delivery agent unassigned",
		zap.String("layer", "service"),
		zap.Int64("group_id", g.ID),
		zap.Int64("previous_agent_id", *g.AgentID),
	)
	return updated, nil
}

func callerID(c auth.Caller) *int64 {
	if c.UserID == 0 {
		return nil
	}
	return utils.Int64Ptr(c.UserID)
}
