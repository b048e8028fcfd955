package order

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderCols = []string{
	"id", "code", "shop_id", "customer_id", "customer_email", "status",
	"pickup_token", "pickup_token_used", "delivered_at", "delivery_group_id",
	"created_at", "updated_at",
}

func orderRow(rows *sqlmock.Rows, id int64, status Status, token any, used bool, groupID any) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "ORD-1", int64(5), int64(9), "c@example.com", string(status),
		token, used, nil, groupID, now, now)
}

func TestRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		rows := orderRow(sqlmock.NewRows(orderCols), 1, StatusReadyForDelivery, nil, false, int64(7))
		mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \$1`).
			WithArgs(int64(1)).
			WillReturnRows(rows)

		o, err := repo.GetByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), o.ID)
		assert.Equal(t, StatusReadyForDelivery, o.Status)
		assert.Nil(t, o.PickupToken)
		require.NotNil(t, o.DeliveryGroupID)
		assert.Equal(t, int64(7), *o.DeliveryGroupID)
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM orders WHERE id = \$1`).
			WithArgs(int64(2)).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByID(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DBError", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .* FROM orders`).
			WillReturnError(errors.New("db error"))

		_, err := repo.GetByID(ctx, 3)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetMany(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)

	t.Run("Empty ids skip the query", func(t *testing.T) {
		orders, err := repo.GetMany(context.Background(), nil)
		assert.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("Uses array parameter", func(t *testing.T) {
		rows := sqlmock.NewRows(orderCols)
		orderRow(rows, 101, StatusReadyForDelivery, nil, false, nil)
		orderRow(rows, 102, StatusReadyForDelivery, nil, false, nil)

		mock.ExpectQuery(`SELECT .* FROM orders WHERE id = ANY\(\$1\) ORDER BY id`).
			WithArgs("{101,102}").
			WillReturnRows(rows)

		orders, err := repo.GetMany(context.Background(), []int64{101, 102})
		require.NoError(t, err)
		assert.Len(t, orders, 2)
		assert.Nil(t, orders[0].DeliveryGroupID)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	at := time.Now()
	token := "abc"
	by := int64(3)

	t.Run("Applied with history row", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE orders SET status = \$3, .* WHERE id = \$1 AND status = \$2 RETURNING`).
			WithArgs(int64(1), StatusReadyForDelivery, StatusOutForDelivery, true, &token, nil, at).
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusOutForDelivery, token, false, int64(7)))
		mock.ExpectExec(`INSERT INTO order_status_history`).
			WithArgs(int64(1), StatusReadyForDelivery, StatusOutForDelivery, &by, at).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		o, err := repo.UpdateStatus(ctx, StatusUpdate{
			OrderID:   1,
			From:      StatusReadyForDelivery,
			To:        StatusOutForDelivery,
			SetToken:  true,
			Token:     &token,
			ChangedBy: &by,
			At:        at,
		})
		require.NoError(t, err)
		require.NotNil(t, o.PickupToken)
		assert.Equal(t, "abc", *o.PickupToken)
	})

	t.Run("Status moved underneath", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE orders`).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := repo.UpdateStatus(ctx, StatusUpdate{OrderID: 1, From: StatusPending, To: StatusConfirmed, At: at})
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("History insert fails", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE orders`).
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusConfirmed, nil, false, nil))
		mock.ExpectExec(`INSERT INTO order_status_history`).WillReturnError(errors.New("insert failed"))
		mock.ExpectRollback()

		_, err := repo.UpdateStatus(ctx, StatusUpdate{OrderID: 1, From: StatusPending, To: StatusConfirmed, At: at})
		assert.EqualError(t, err, "insert failed")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RedeemToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	at := time.Now()

	t.Run("Winner", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE orders SET pickup_token_used = true, .* WHERE pickup_token = \$1 AND pickup_token_used = false AND status = \$3`).
			WithArgs("tok", StatusDelivered, StatusOutForDelivery, at).
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusDelivered, "tok", true, int64(7)))
		mock.ExpectExec(`INSERT INTO order_status_history`).
			WithArgs(int64(1), StatusOutForDelivery, StatusDelivered, nil, at).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		o, err := repo.RedeemToken(ctx, "tok", at)
		require.NoError(t, err)
		assert.True(t, o.PickupTokenUsed)
		assert.Equal(t, StatusDelivered, o.Status)
	})

	t.Run("No row matched", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE orders`).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := repo.RedeemToken(ctx, "tok", at)
		assert.ErrorIs(t, err, ErrNotRedeemable)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetGroup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	at := time.Now()
	to := int64(7)

	t.Run("Swap", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE orders SET delivery_group_id = \$3, updated_at = \$4 WHERE id = \$1 AND delivery_group_id IS NOT DISTINCT FROM \$2::bigint`).
			WithArgs(int64(1), nil, &to, at, nil).
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusReadyForDelivery, nil, false, int64(7)))

		o, err := repo.SetGroup(ctx, 1, nil, &to, nil, at)
		require.NoError(t, err)
		assert.True(t, o.InGroup(7))
	})

	t.Run("Guarded by target group status", func(t *testing.T) {
		mock.ExpectQuery(`AND \(\$5::text\[\] IS NULL OR EXISTS \( SELECT 1 FROM delivery_groups WHERE id = \$3 AND status = ANY\(\$5::text\[\]\) FOR SHARE \)\)`).
			WithArgs(int64(1), nil, &to, at, `{"OPEN"}`).
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusReadyForDelivery, nil, false, int64(7)))

		o, err := repo.SetGroup(ctx, 1, nil, &to, []string{"OPEN"}, at)
		require.NoError(t, err)
		assert.True(t, o.InGroup(7))
	})

	t.Run("Target group left the allowed statuses", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE orders SET delivery_group_id`).
			WithArgs(int64(1), nil, &to, at, `{"OPEN"}`).
			WillReturnError(sql.ErrNoRows)

		_, err := repo.SetGroup(ctx, 1, nil, &to, []string{"OPEN"}, at)
		assert.ErrorIs(t, err, ErrGroupConflict)
	})

	t.Run("Conflict", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE orders SET delivery_group_id`).WillReturnError(sql.ErrNoRows)

		_, err := repo.SetGroup(ctx, 1, nil, &to, nil, at)
		assert.ErrorIs(t, err, ErrGroupConflict)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	ctx := context.Background()
	o := &Order{Code: "ORD-1", ShopID: 5, CustomerID: 9, Status: StatusPending, CreatedAt: time.Now()}

	t.Run("Inserted", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO orders .* ON CONFLICT \(code\) DO NOTHING RETURNING`).
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusPending, nil, false, nil))

		stored, created, err := repo.Create(ctx, o)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(1), stored.ID)
	})

	t.Run("Duplicate code returns existing", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO orders`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT .* FROM orders WHERE code = \$1`).
			WithArgs("ORD-1").
			WillReturnRows(orderRow(sqlmock.NewRows(orderCols), 1, StatusConfirmed, nil, false, nil))

		stored, created, err := repo.Create(ctx, o)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, StatusConfirmed, stored.Status)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_History(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "order_id", "from_status", "to_status", "changed_by", "changed_at"}).
		AddRow(1, 1, "PENDING", "CONFIRMED", 3, now).
		AddRow(2, 1, "OUT_FOR_DELIVERY", "DELIVERED", nil, now)
	mock.ExpectQuery(`SELECT .* FROM order_status_history WHERE order_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	changes, err := repo.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, StatusConfirmed, changes[0].To)
	require.NotNil(t, changes[0].ChangedBy)
	assert.Equal(t, int64(3), *changes[0].ChangedBy)
	assert.Nil(t, changes[1].ChangedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}
