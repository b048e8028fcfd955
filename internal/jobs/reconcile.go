// Package jobs holds the background work scheduled next to the HTTP server.
package jobs

import (
	"context"
	"time"

	"warimas-backoffice/internal/auth"
	"warimas-backoffice/internal/deliverygroup"
	"warimas-backoffice/internal/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedule = "@every 1m"
	pageSize        = 100
)

type GroupService interface {
	ListGroups(ctx context.Context, caller auth.Caller, filter deliverygroup.ListFilter) ([]*deliverygroup.Group, error)
	RedispatchReady(ctx context.Context, groupID int64) ([]int64, error)
	AutoFinishIfComplete(ctx context.Context, groupID int64) (bool, error)
}

// Report summarizes one reconcile pass.
type Report struct {
	Scanned    int
	Redispatch int
	Finished   int
	Failed     int
}

// ReconcileJob sweeps started groups. It dispatches members that were left
// READY_FOR_DELIVERY and finishes groups whose auto-finish was lost after a
// redemption.
type ReconcileJob struct {
	groups  GroupService
	timeout time.Duration
}

func NewReconcileJob(groups GroupService) *ReconcileJob {
	return &ReconcileJob{groups: groups, timeout: 30 * time.Second}
}

func (j *ReconcileJob) Run(ctx context.Context) (Report, error) {
	log := logger.FromCtx(ctx).With(zap.String("layer", "job"), zap.String("job", "reconcile"))

	var rep Report
	status := deliverygroup.StatusStarted
	for offset := 0; ; offset += pageSize {
		groups, err := j.groups.ListGroups(ctx, auth.System, deliverygroup.ListFilter{
			Status: &status,
			Limit:  pageSize,
			Offset: offset,
		})
		if err != nil {
			return rep, err
		}

		for _, g := range groups {
			rep.Scanned++
			dispatched, err := j.groups.RedispatchReady(ctx, g.ID)
			if err != nil {
				rep.Failed++
				log.Error("redispatch failed", zap.Int64("group_id", g.ID), zap.Error(err))
				continue
			}
			rep.Redispatch += len(dispatched)

			finished, err := j.groups.AutoFinishIfComplete(ctx, g.ID)
			if err != nil {
				rep.Failed++
				log.Error("auto finish failed", zap.Int64("group_id", g.ID), zap.Error(err))
				continue
			}
			if finished {
				rep.Finished++
			}
		}

		// a finished group drops out of the STARTED listing, so later pages
		// may skip a group until the next run
		if len(groups) < pageSize {
			break
		}
	}

	log.Info("reconcile done",
		zap.Int("scanned", rep.Scanned),
		zap.Int("redispatched", rep.Redispatch),
		zap.Int("finished", rep.Finished),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Schedule registers the job on a new cron runner. Overlapping runs are
// skipped. The caller starts and stops the returned runner.
func Schedule(spec string, job *ReconcileJob) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultSchedule
	}

	cl := cronLogger{l: logger.L().Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
		defer cancel()
		if _, err := job.Run(ctx); err != nil {
			logger.L().Error("reconcile failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// cronLogger routes robfig/cron logs to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
