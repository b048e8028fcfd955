package deliverygroup

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu          sync.Mutex
	nextID      int64
	groups      map[int64]*Group
	assignments []Assignment
}

func NewMemoryRepository() Repository {
	return &memoryRepository{groups: make(map[int64]*Group)}
}

func clone(g *Group) *Group {
	cp := *g
	if g.AgentID != nil {
		id := *g.AgentID
		cp.AgentID = &id
	}
	if g.StartedAt != nil {
		t := *g.StartedAt
		cp.StartedAt = &t
	}
	if g.FinishedAt != nil {
		t := *g.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func (m *memoryRepository) Create(_ context.Context, g *Group) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	stored := clone(g)
	stored.ID = m.nextID
	stored.UpdatedAt = stored.CreatedAt
	m.groups[stored.ID] = stored
	return clone(stored), nil
}

func (m *memoryRepository) GetByID(_ context.Context, id int64) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (m *memoryRepository) GetMany(_ context.Context, ids []int64) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int64]bool, len(ids))
	var out []*Group
	for _, id := range ids {
		if g, ok := m.groups[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, clone(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepository) List(_ context.Context, filter ListFilter) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Group
	for _, g := range m.groups {
		if filter.ShopID != nil && g.ShopID != *filter.ShopID {
			continue
		}
		if filter.Status != nil && g.Status != *filter.Status {
			continue
		}
		if filter.AgentID != nil && (g.AgentID == nil || *g.AgentID != *filter.AgentID) {
			continue
		}
		out = append(out, clone(g))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryRepository) UpdateStatus(_ context.Context, id int64, from, to Status, at time.Time) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok || g.Status != from {
		return nil, ErrStatusConflict
	}

	g.Status = to
	switch to {
	case StatusOpen:
		g.StartedAt = nil
	case StatusStarted:
		g.StartedAt = &at
	case StatusFinished:
		g.FinishedAt = &at
	}
	g.UpdatedAt = at
	return clone(g), nil
}

func (m *memoryRepository) UpdateAgent(_ context.Context, c AgentChange) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[c.GroupID]
	if !ok || !statusIn(g.Status, c.Allowed) {
		return nil, ErrStatusConflict
	}

	g.AgentID = nil
	if c.AgentID != nil {
		id := *c.AgentID
		g.AgentID = &id
	}
	g.UpdatedAt = c.At

	entry := c.Log
	entry.ID = int64(len(m.assignments) + 1)
	entry.GroupID = c.GroupID
	entry.CreatedAt = c.At
	m.assignments = append(m.assignments, entry)
	return clone(g), nil
}

func (m *memoryRepository) Assignments(_ context.Context, groupID int64) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Assignment
	for _, a := range m.assignments {
		if a.GroupID == groupID {
			out = append(out, a)
		}
	}
	return out, nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
