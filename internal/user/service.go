package user

import (
	"context"
	"errors"

	"warimas-backoffice/internal/logger"

	"go.uber.org/zap"
)

// Directory answers agent lookups for delivery groups.
type Directory struct {
	repo Repository
}

func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

// AgentExists reports whether agentID is an active delivery agent.
func (d *Directory) AgentExists(ctx context.Context, agentID int64) (bool, error) {
	u, err := d.repo.FindByID(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		logger.FromCtx(ctx).Error("failed to look up agent",
			zap.String("layer", "service"),
			zap.Int64("agent_id", agentID),
			zap.Error(err),
		)
		return false, err
	}
	return u.IsAgent(), nil
}

// StaticDirectory backs the memory storage driver.
type StaticDirectory struct {
	Agents map[int64]bool
}

func (d StaticDirectory) AgentExists(_ context.Context, agentID int64) (bool, error) {
	return d.Agents[agentID], nil
}
