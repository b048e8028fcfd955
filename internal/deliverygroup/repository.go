package deliverygroup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

type Repository interface {
	Create(ctx context.Context, g *Group) (*Group, error)
	GetByID(ctx context.Context, id int64) (*Group, error)
	GetMany(ctx context.Context, ids []int64) ([]*Group, error)
	List(ctx context.Context, filter ListFilter) ([]*Group, error)

	// UpdateStatus moves the group from -> to, stamping started_at or
	// finished_at. ErrStatusConflict when the group is no longer in from.
	UpdateStatus(ctx context.Context, id int64, from, to Status, at time.Time) (*Group, error)

	// UpdateAgent applies c and logs it. ErrStatusConflict when the group
	// status is outside c.Allowed.
	UpdateAgent(ctx context.Context, c AgentChange) (*Group, error)
	Assignments(ctx context.Context, groupID int64) ([]Assignment, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

const groupColumns = `
	id, name, shop_id, status, agent_id, started_at, finished_at,
	created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(s rowScanner) (*Group, error) {
	var (
		g          Group
		status     string
		agentID    sql.NullInt64
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := s.Scan(
		&g.ID, &g.Name, &g.ShopID, &status, &agentID, &startedAt, &finishedAt,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.Status = Status(status)
	if agentID.Valid {
		id := agentID.Int64
		g.AgentID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		g.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		g.FinishedAt = &t
	}
	return &g, nil
}

func (r *repository) queryMany(ctx context.Context, query string, args ...any) ([]*Group, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *repository) Create(ctx context.Context, g *Group) (*Group, error) {
	return scanGroup(r.db.QueryRowContext(ctx, `
		INSERT INTO delivery_groups (name, shop_id, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING`+groupColumns,
		g.Name, g.ShopID, g.Status, g.CreatedBy, g.CreatedAt,
	))
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Group, error) {
	g, err := scanGroup(r.db.QueryRowContext(ctx,
		`SELECT`+groupColumns+` FROM delivery_groups WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

func (r *repository) GetMany(ctx context.Context, ids []int64) ([]*Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryMany(ctx,
		`SELECT`+groupColumns+` FROM delivery_groups WHERE id = ANY($1) ORDER BY id`,
		pq.Array(ids),
	)
}

func (r *repository) List(ctx context.Context, filter ListFilter) ([]*Group, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.ShopID != nil {
		add("shop_id = $%d", *filter.ShopID)
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.AgentID != nil {
		add("agent_id = $%d", *filter.AgentID)
	}

	query := `SELECT` + groupColumns + ` FROM delivery_groups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	return r.queryMany(ctx, query, args...)
}

func (r *repository) UpdateStatus(ctx context.Context, id int64, from, to Status, at time.Time) (*Group, error) {
	g, err := scanGroup(r.db.QueryRowContext(ctx, `
		UPDATE delivery_groups
		SET status = $3,
			started_at = CASE $3::text WHEN 'STARTED' THEN $4::timestamptz WHEN 'OPEN' THEN NULL ELSE started_at END,
			finished_at = CASE WHEN $3::text = 'FINISHED' THEN $4::timestamptz ELSE finished_at END,
			updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING`+groupColumns,
		id, from, to, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStatusConflict
	}
	return g, err
}

func (r *repository) UpdateAgent(ctx context.Context, c AgentChange) (*Group, error) {
	allowed := make([]string, len(c.Allowed))
	for i, s := range c.Allowed {
		allowed[i] = string(s)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	g, err := scanGroup(tx.QueryRowContext(ctx, `
		UPDATE delivery_groups
		SET agent_id = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING`+groupColumns,
		c.GroupID, c.AgentID, c.At, pq.Array(allowed),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_group_assignments (
			group_id, action, agent_id, previous_agent_id, reason, changed_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		c.GroupID, c.Log.Action, c.Log.AgentID, c.Log.PreviousAgentID,
		c.Log.Reason, c.Log.ChangedBy, c.At,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *repository) Assignments(ctx context.Context, groupID int64) ([]Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, group_id, action, agent_id, previous_agent_id, reason, changed_by, created_at
		FROM delivery_group_assignments
		WHERE group_id = $1
		ORDER BY created_at, id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a                          Assignment
			action                     string
			agentID, prevID, changedBy sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.GroupID, &action, &agentID, &prevID, &a.Reason, &changedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Action = AssignmentAction(action)
		a.AgentID = nullableID(agentID)
		a.PreviousAgentID = nullableID(prevID)
		a.ChangedBy = nullableID(changedBy)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	id := n.Int64
	return &id
}
