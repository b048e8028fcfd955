package intake

import (
	"context"
	"errors"
	"testing"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/messaging"
	"warimas-backoffice/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockImporter struct {
	mock.Mock
}

func (m *MockImporter) Import(ctx context.Context, in order.NewOrder) (*order.Order, bool, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*order.Order), args.Bool(1), args.Error(2)
}

func TestHandler_Handle(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"code":"ORD-20260301-090000-001-0042","shop_id":5,"customer_id":900,"customer_email":"buyer@example.com"}`)
	want := order.NewOrder{Code: "ORD-20260301-090000-001-0042", ShopID: 5, CustomerID: 900, CustomerEmail: "buyer@example.com"}

	t.Run("Imports event", func(t *testing.T) {
		m := new(MockImporter)
		m.On("Import", mock.Anything, want).Return(&order.Order{ID: 1, Code: want.Code}, true, nil)

		require.NoError(t, NewHandler(m).Handle(ctx, payload))
		m.AssertExpectations(t)
	})

	t.Run("Malformed payload is permanent", func(t *testing.T) {
		err := NewHandler(new(MockImporter)).Handle(ctx, []byte(`{`))
		assert.True(t, messaging.IsPermanent(err))
	})

	t.Run("Validation failure is permanent", func(t *testing.T) {
		m := new(MockImporter)
		m.On("Import", mock.Anything, mock.Anything).Return(nil, false, order.ErrInvalidOrder)

		err := NewHandler(m).Handle(ctx, []byte(`{"code":"x"}`))
		assert.True(t, messaging.IsPermanent(err))
	})

	t.Run("Storage failure is retried", func(t *testing.T) {
		m := new(MockImporter)
		m.On("Import", mock.Anything, want).Return(nil, false, apperr.Internal(errors.New("db down")))

		err := NewHandler(m).Handle(ctx, payload)
		require.Error(t, err)
		assert.False(t, messaging.IsPermanent(err))
	})
}

func TestHandler_Redelivery(t *testing.T) {
	ctx := context.Background()
	svc := order.NewService(order.NewMemoryRepository(), auth.StaticAuthorizer{})
	h := NewHandler(svc)
	payload := []byte(`{"code":"ORD-A","shop_id":5,"customer_id":900}`)

	require.NoError(t, h.Handle(ctx, payload))
	require.NoError(t, h.Handle(ctx, payload))

	o, err := svc.Get(ctx, auth.System, 1)
	require.NoError(t, err)
	assert.Equal(t, "ORD-A", o.Code)
	assert.Equal(t, order.StatusPending, o.Status)

	_, err = svc.Get(ctx, auth.System, 2)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}
