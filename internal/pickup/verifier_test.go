package pickup

import (
	"context"
	"errors"
	"testing"

	"warimas-backoffice/internal/apperr"
	"warimas-backoffice/internal/logger"
	"warimas-backoffice/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type MockRedeemer struct {
	mock.Mock
}

func (m *MockRedeemer) RedeemPickupToken(ctx context.Context, token string) (*order.Order, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

type MockFinisher struct {
	mock.Mock
}

func (m *MockFinisher) AutoFinishIfComplete(ctx context.Context, groupID int64) (bool, error) {
	args := m.Called(ctx, groupID)
	return args.Bool(0), args.Error(1)
}

func TestVerifier_VerifyDelivery(t *testing.T) {
	ctx := context.Background()
	groupID := int64(7)

	t.Run("Delivered and group finished", func(t *testing.T) {
		redeemer, finisher := new(MockRedeemer), new(MockFinisher)
		redeemer.On("RedeemPickupToken", ctx, "tok").
			Return(&order.Order{ID: 102, Status: order.StatusDelivered, DeliveryGroupID: &groupID}, nil)
		finisher.On("AutoFinishIfComplete", ctx, groupID).Return(true, nil)

		res, err := NewVerifier(redeemer, finisher).VerifyDelivery(ctx, " tok ")
		require.NoError(t, err)
		assert.Equal(t, int64(102), res.Order.ID)
		assert.Equal(t, groupID, *res.GroupID)
		assert.True(t, res.GroupFinished)
		finisher.AssertExpectations(t)
	})

	t.Run("Order without group skips auto finish", func(t *testing.T) {
		redeemer, finisher := new(MockRedeemer), new(MockFinisher)
		redeemer.On("RedeemPickupToken", ctx, "tok").
			Return(&order.Order{ID: 1, Status: order.StatusDelivered}, nil)

		res, err := NewVerifier(redeemer, finisher).VerifyDelivery(ctx, "tok")
		require.NoError(t, err)
		assert.Nil(t, res.GroupID)
		assert.False(t, res.GroupFinished)
		finisher.AssertNotCalled(t, "AutoFinishIfComplete", mock.Anything, mock.Anything)
	})

	t.Run("Auto finish failure is swallowed", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		restore := logger.Replace(zap.New(core))
		defer restore()

		redeemer, finisher := new(MockRedeemer), new(MockFinisher)
		redeemer.On("RedeemPickupToken", ctx, "tok").
			Return(&order.Order{ID: 1, Status: order.StatusDelivered, DeliveryGroupID: &groupID}, nil)
		finisher.On("AutoFinishIfComplete", ctx, groupID).Return(false, errors.New("db down"))

		res, err := NewVerifier(redeemer, finisher).VerifyDelivery(ctx, "tok")
		require.NoError(t, err)
		assert.False(t, res.GroupFinished)
		assert.Equal(t, order.StatusDelivered, res.Order.Status)
		assert.Equal(t, 1, logs.FilterMessage("auto finish failed").Len())
	})

	t.Run("Empty token", func(t *testing.T) {
		_, err := NewVerifier(new(MockRedeemer), new(MockFinisher)).VerifyDelivery(ctx, "")
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	errCases := []struct {
		name string
		in   error
		want *apperr.Error
	}{
		{"Unknown token", order.ErrTokenNotFound, ErrNotFound},
		{"Used token", order.ErrTokenAlreadyUsed, ErrTokenUsed},
		{"Manually delivered", order.ErrOrderAlreadyDelivered, ErrAlreadyDelivered},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			redeemer := new(MockRedeemer)
			redeemer.On("RedeemPickupToken", ctx, "tok").Return(nil, tc.in)

			_, err := NewVerifier(redeemer, new(MockFinisher)).VerifyDelivery(ctx, "tok")
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, apperr.KindToken, apperr.KindOf(err))
		})
	}

	t.Run("Cancelled order passes through", func(t *testing.T) {
		redeemer := new(MockRedeemer)
		redeemer.On("RedeemPickupToken", ctx, "tok").Return(nil, order.ErrOrderNotRedeemable)

		_, err := NewVerifier(redeemer, new(MockFinisher)).VerifyDelivery(ctx, "tok")
		assert.ErrorIs(t, err, order.ErrOrderNotRedeemable)
		assert.Equal(t, apperr.KindInvalidState, apperr.KindOf(err))
	})
}
