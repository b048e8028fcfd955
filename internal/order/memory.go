package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"warimas-backoffice/internal/utils"
)

// memoryRepository keeps orders in process, indexed by token, group and code.
// A single mutex makes every compare-and-set atomic.
type memoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[int64]*Order
	byToken map[string]int64
	byGroup map[int64]map[int64]struct{}
	byCode  map[string]int64
	history []StatusChange
}

func NewMemoryRepository() Repository {
	return &memoryRepository{
		orders:  make(map[int64]*Order),
		byToken: make(map[string]int64),
		byGroup: make(map[int64]map[int64]struct{}),
		byCode:  make(map[string]int64),
	}
}

func clone(o *Order) *Order {
	cp := *o
	if o.PickupToken != nil {
		t := *o.PickupToken
		cp.PickupToken = &t
	}
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	if o.DeliveryGroupID != nil {
		id := *o.DeliveryGroupID
		cp.DeliveryGroupID = &id
	}
	return &cp
}

func (m *memoryRepository) Create(_ context.Context, o *Order) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byCode[o.Code]; ok {
		return clone(m.orders[id]), false, nil
	}

	m.nextID++
	stored := clone(o)
	if stored.ID == 0 {
		stored.ID = m.nextID
	} else if stored.ID > m.nextID {
		m.nextID = stored.ID
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.orders[stored.ID] = stored
	m.byCode[stored.Code] = stored.ID
	m.index(stored)
	return clone(stored), true, nil
}

func (m *memoryRepository) index(o *Order) {
	if o.PickupToken != nil {
		m.byToken[*o.PickupToken] = o.ID
	}
	if o.DeliveryGroupID != nil {
		members, ok := m.byGroup[*o.DeliveryGroupID]
		if !ok {
			members = make(map[int64]struct{})
			m.byGroup[*o.DeliveryGroupID] = members
		}
		members[o.ID] = struct{}{}
	}
}

func (m *memoryRepository) unindex(o *Order) {
	if o.PickupToken != nil {
		delete(m.byToken, *o.PickupToken)
	}
	if o.DeliveryGroupID != nil {
		delete(m.byGroup[*o.DeliveryGroupID], o.ID)
	}
}

func (m *memoryRepository) GetByID(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(o), nil
}

func (m *memoryRepository) GetByToken(_ context.Context, token string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.orders[id]), nil
}

func (m *memoryRepository) GetMany(_ context.Context, ids []int64) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool, len(ids))
	var out []*Order
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if o, ok := m.orders[id]; ok {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) ListByGroup(_ context.Context, groupID int64) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for id := range m.byGroup[groupID] {
		out = append(out, clone(m.orders[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) UpdateStatus(_ context.Context, u StatusUpdate) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[u.OrderID]
	if !ok || o.Status != u.From {
		return nil, ErrStatusConflict
	}

	m.unindex(o)
	o.Status = u.To
	if u.SetToken {
		o.PickupToken = nil
		if u.Token != nil {
			t := *u.Token
			o.PickupToken = &t
		}
		o.PickupTokenUsed = false
	}
	if u.DeliveredAt != nil {
		t := *u.DeliveredAt
		o.DeliveredAt = &t
	}
	o.UpdatedAt = u.At
	m.index(o)

	m.appendHistory(o.ID, u.From, u.To, u.ChangedBy, u.At)
	return clone(o), nil
}

func (m *memoryRepository) RedeemToken(_ context.Context, token string, at time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotRedeemable
	}
	o := m.orders[id]
	if o.PickupTokenUsed || o.Status != StatusOutForDelivery {
		return nil, ErrNotRedeemable
	}

	o.PickupTokenUsed = true
	o.Status = StatusDelivered
	o.DeliveredAt = &at
	o.UpdatedAt = at

	m.appendHistory(o.ID, StatusOutForDelivery, StatusDelivered, nil, at)
	return clone(o), nil
}

// SetGroup ignores targetStatuses: the memory store knows nothing about groups
// and runs in one process, where callers already serialize on the group lock.
func (m *memoryRepository) SetGroup(_ context.Context, orderID int64, from, to *int64, _ []string, at time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || !utils.EqualInt64Ptr(o.DeliveryGroupID, from) {
		return nil, ErrGroupConflict
	}

	m.unindex(o)
	o.DeliveryGroupID = nil
	if to != nil {
		id := *to
		o.DeliveryGroupID = &id
	}
	o.UpdatedAt = at
	m.index(o)
	return clone(o), nil
}

func (m *memoryRepository) History(_ context.Context, orderID int64) ([]StatusChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []StatusChange
	for _, c := range m.history {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memoryRepository) appendHistory(orderID int64, from, to Status, by *int64, at time.Time) {
	m.history = append(m.history, StatusChange{
		ID:        int64(len(m.history) + 1),
		OrderID:   orderID,
		From:      from,
		To:        to,
		ChangedBy: by,
		ChangedAt: at,
	})
}
