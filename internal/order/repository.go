package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type Repository interface {
	// Create inserts o unless an order with the same code exists, in which case
	// the existing order is returned with created=false.
	Create(ctx context.Context, o *Order) (stored *Order, created bool, err error)
	GetByID(ctx context.Context, id int64) (*Order, error)
	GetByToken(ctx context.Context, token string) (*Order, error)
	GetMany(ctx context.Context, ids []int64) ([]*Order, error)
	ListByGroup(ctx context.Context, groupID int64) ([]*Order, error)

	// UpdateStatus applies u only if the order is still in u.From and records
	// the change in the status history. ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, u StatusUpdate) (*Order, error)

	// RedeemToken marks the order holding token as delivered if the token is
	// unused and the order is out for delivery. ErrNotRedeemable otherwise.
	RedeemToken(ctx context.Context, token string, at time.Time) (*Order, error)

	// SetGroup swaps the group reference from -> to. ErrGroupConflict when the
	// stored reference is no longer from, or when targetStatuses is set and the
	// target group is in none of them.
	SetGroup(ctx context.Context, orderID int64, from, to *int64, targetStatuses []string, at time.Time) (*Order, error)

	History(ctx context.Context, orderID int64) ([]StatusChange, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const orderColumns = `
	id, code, shop_id, customer_id, customer_email, status,
	pickup_token, pickup_token_used, delivered_at, delivery_group_id,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (*Order, error) {
	var (
		o           Order
		status      string
		token       sql.NullString
		deliveredAt sql.NullTime
		groupID     sql.NullInt64
	)
	err := s.Scan(
		&o.ID, &o.Code, &o.ShopID, &o.CustomerID, &o.CustomerEmail, &status,
		&token, &o.PickupTokenUsed, &deliveredAt, &groupID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	if token.Valid {
		o.PickupToken = &token.String
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	if groupID.Valid {
		id := groupID.Int64
		o.DeliveryGroupID = &id
	}
	return &o, nil
}

func (r *repository) queryOne(ctx context.Context, query string, args ...any) (*Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (r *repository) queryMany(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *repository) Create(ctx context.Context, o *Order) (*Order, bool, error) {
	stored, err := scanOrder(r.db.QueryRowContext(ctx, `
		INSERT INTO orders (
			code, shop_id, customer_id, customer_email, status,
			pickup_token_used, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, false, $6, $6)
		ON CONFLICT (code) DO NOTHING
		RETURNING`+orderColumns,
		o.Code, o.ShopID, o.CustomerID, o.CustomerEmail, o.Status, o.CreatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.queryOne(ctx, `SELECT`+orderColumns+` FROM orders WHERE code = $1`, o.Code)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Order, error) {
	return r.queryOne(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *repository) GetByToken(ctx context.Context, token string) (*Order, error) {
	return r.queryOne(ctx, `SELECT`+orderColumns+` FROM orders WHERE pickup_token = $1`, token)
}

func (r *repository) GetMany(ctx context.Context, ids []int64) ([]*Order, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryMany(ctx,
		`SELECT`+orderColumns+` FROM orders WHERE id = ANY($1) ORDER BY id`,
		pq.Array(ids),
	)
}

func (r *repository) ListByGroup(ctx context.Context, groupID int64) ([]*Order, error) {
	return r.queryMany(ctx,
		`SELECT`+orderColumns+` FROM orders WHERE delivery_group_id = $1 ORDER BY id`,
		groupID,
	)
}

func (r *repository) UpdateStatus(ctx context.Context, u StatusUpdate) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $3,
			pickup_token = CASE WHEN $4::boolean THEN $5::text ELSE pickup_token END,
			pickup_token_used = CASE WHEN $4::boolean THEN false ELSE pickup_token_used END,
			delivered_at = COALESCE($6::timestamptz, delivered_at),
			updated_at = $7
		WHERE id = $1 AND status = $2
		RETURNING`+orderColumns,
		u.OrderID, u.From, u.To, u.SetToken, u.Token, u.DeliveredAt, u.At,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}

	if err := insertHistory(ctx, tx, o.ID, u.From, u.To, u.ChangedBy, u.At); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *repository) RedeemToken(ctx context.Context, token string, at time.Time) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx, `
		UPDATE orders
		SET pickup_token_used = true,
			status = $2,
			delivered_at = $4,
			updated_at = $4
		WHERE pickup_token = $1
			AND pickup_token_used = false
			AND status = $3
		RETURNING`+orderColumns,
		token, StatusDelivered, StatusOutForDelivery, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRedeemable
	}
	if err != nil {
		return nil, err
	}

	if err := insertHistory(ctx, tx, o.ID, StatusOutForDelivery, StatusDelivered, nil, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return o, nil
}

// The status check share-locks the target group row, so a concurrent
// UPDATE of that group's status waits until the swap is committed.
func (r *repository) SetGroup(ctx context.Context, orderID int64, from, to *int64, targetStatuses []string, at time.Time) (*Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, `
		UPDATE orders
		SET delivery_group_id = $3, updated_at = $4
		WHERE id = $1 AND delivery_group_id IS NOT DISTINCT FROM $2::bigint
			AND ($5::text[] IS NULL OR EXISTS (
				SELECT 1 FROM delivery_groups
				WHERE id = $3 AND status = ANY($5::text[])
				FOR SHARE
			))
		RETURNING`+orderColumns,
		orderID, from, to, at, pq.Array(targetStatuses),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupConflict
	}
	return o, err
}

func (r *repository) History(ctx context.Context, orderID int64) ([]StatusChange, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, changed_by, changed_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY changed_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []StatusChange
	for rows.Next() {
		var (
			c         StatusChange
			from, to  string
			changedBy sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &from, &to, &changedBy, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.From, c.To = Status(from), Status(to)
		if changedBy.Valid {
			id := changedBy.Int64
			c.ChangedBy = &id
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID int64, from, to Status, by *int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, changed_by, changed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, orderID, from, to, by, at)
	return err
}
