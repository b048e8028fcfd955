package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/deliverygroup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockGroupService struct {
	mock.Mock
}

func (m *MockGroupService) ListGroups(ctx context.Context, caller auth.Caller, filter deliverygroup.ListFilter) ([]*deliverygroup.Group, error) {
	args := m.Called(ctx, caller, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*deliverygroup.Group), args.Error(1)
}

func (m *MockGroupService) RedispatchReady(ctx context.Context, groupID int64) ([]int64, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockGroupService) AutoFinishIfComplete(ctx context.Context, groupID int64) (bool, error) {
	args := m.Called(ctx, groupID)
	return args.Bool(0), args.Error(1)
}

func startedPage(offset int) any {
	return mock.MatchedBy(func(f deliverygroup.ListFilter) bool {
		return f.Status != nil && *f.Status == deliverygroup.StatusStarted && f.Offset == offset && f.Limit == pageSize
	})
}

func TestReconcileJob_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("Redispatches and finishes", func(t *testing.T) {
		m := new(MockGroupService)
		m.On("ListGroups", ctx, auth.System, startedPage(0)).
			Return([]*deliverygroup.Group{{ID: 1}, {ID: 2}, {ID: 3}}, nil)
		m.On("RedispatchReady", ctx, int64(1)).Return([]int64{11, 12}, nil)
		m.On("RedispatchReady", ctx, int64(2)).Return([]int64{}, nil)
		m.On("RedispatchReady", ctx, int64(3)).Return(nil, errors.New("db down"))
		m.On("AutoFinishIfComplete", ctx, int64(1)).Return(false, nil)
		m.On("AutoFinishIfComplete", ctx, int64(2)).Return(true, nil)

		rep, err := NewReconcileJob(m).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Scanned: 3, Redispatch: 2, Finished: 1, Failed: 1}, rep)
		m.AssertNotCalled(t, "AutoFinishIfComplete", ctx, int64(3))
	})

	t.Run("Pages through groups", func(t *testing.T) {
		m := new(MockGroupService)
		full := make([]*deliverygroup.Group, pageSize)
		for i := range full {
			full[i] = &deliverygroup.Group{ID: int64(i + 1)}
		}
		m.On("ListGroups", ctx, auth.System, startedPage(0)).Return(full, nil)
		m.On("ListGroups", ctx, auth.System, startedPage(pageSize)).Return([]*deliverygroup.Group{}, nil)
		m.On("RedispatchReady", ctx, mock.Anything).Return([]int64{}, nil)
		m.On("AutoFinishIfComplete", ctx, mock.Anything).Return(false, nil)

		rep, err := NewReconcileJob(m).Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, pageSize, rep.Scanned)
		m.AssertNumberOfCalls(t, "ListGroups", 2)
	})

	t.Run("List failure", func(t *testing.T) {
		m := new(MockGroupService)
		m.On("ListGroups", ctx, auth.System, mock.Anything).Return(nil, errors.New("db down"))

		_, err := NewReconcileJob(m).Run(ctx)
		assert.EqualError(t, err, "db down")
	})
}

func TestSchedule(t *testing.T) {
	t.Run("Invalid spec", func(t *testing.T) {
		_, err := Schedule("every now and then", NewReconcileJob(new(MockGroupService)))
		assert.Error(t, err)
	})

	t.Run("Runs on schedule", func(t *testing.T) {
		m := new(MockGroupService)
		ran := make(chan struct{}, 1)
		m.On("ListGroups", mock.Anything, auth.System, mock.Anything).
			Run(func(mock.Arguments) {
				select {
				case ran <- struct{}{}:
				default:
				}
			}).
			Return([]*deliverygroup.Group{}, nil)

		c, err := Schedule("@every 1s", NewReconcileJob(m))
		require.NoError(t, err)
		c.Start()
		defer c.Stop()

		select {
		case <-ran:
		case <-time.After(3 * time.Second):
			t.Fatal("reconcile job did not run")
		}
	})
}

// End to end over the memory stores: a group whose auto-finish was lost.
func TestReconcileJob_FinishesCompleteGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	g := f.startedGroupWithDelivered(ctx)

	rep, err := NewReconcileJob(f.groups).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Finished)

	d, err := f.groups.GetGroup(ctx, auth.System, g)
	require.NoError(t, err)
	assert.Equal(t, deliverygroup.StatusFinished, d.Group.Status)
}
