// Package guard answers whether a job action is currently legal before a
// payload for it is built.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zkescrow/internal/action"
	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
)

// Ledger is the read side the guard depends on.
type Ledger interface {
	IsMilestoneExpired(ctx context.Context, jobID, index uint64) (bool, error)
	MilestoneDeadline(ctx context.Context, jobID, index uint64) (uint64, error)
	IsWorkerBanned(ctx context.Context, jobID uint64, commitment string) (bool, error)
}

type Guard struct {
	Ledger Ledger
	Log    *zap.Logger
	Now    func() time.Time
}

func New(l Ledger, log *zap.Logger) Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return Guard{Ledger: l, Log: log, Now: time.Now}
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Guard) log() *zap.Logger {
	if g.Log == nil {
		return zap.NewNop()
	}
	return g.Log
}

func (g Guard) CheckMilestoneExpired(ctx context.Context, jobID, index uint64) (bool, error) {
	ok, err := g.Ledger.IsMilestoneExpired(ctx, jobID, index)
	return ok, ledgerErr("is_milestone_expired", err)
}

func (g Guard) GetMilestoneDeadline(ctx context.Context, jobID, index uint64) (uint64, error) {
	d, err := g.Ledger.MilestoneDeadline(ctx, jobID, index)
	return d, ledgerErr("get_milestone_deadline", err)
}

func (g Guard) IsWorkerBanned(ctx context.Context, jobID uint64, commitment string) (bool, error) {
	b, err := g.Ledger.IsWorkerBanned(ctx, jobID, commitment)
	return b, ledgerErr("is_worker_banned", err)
}

// ledgerErr makes sure every read failure surfaces as LedgerQueryError.
func ledgerErr(function string, err error) error {
	if err == nil {
		return nil
	}
	var le domain.LedgerQueryError
	if errors.As(err, &le) {
		return err
	}
	return domain.LedgerQueryError{Function: function, Err: err}
}

// Options tune Authorize.
type Options struct {
	// Override skips the expiry check only. Ban checks and ledger errors still apply.
	Override bool
}

// Authorize refuses actions whose guard predicate does not hold. Actions
// without a predicate pass without touching the ledger.
func (g Guard) Authorize(ctx context.Context, a action.Action, opts Options) error {
	switch v := a.(type) {
	case action.Claim, action.AutoReturnStake:
		idx, _ := action.MilestoneIndex(v)
		return g.requireExpired(ctx, a, idx, opts)
	case action.Apply:
		c, err := commitment.NormalizeHex("user_commitment", v.Caller)
		if err != nil {
			return err
		}
		banned, err := g.IsWorkerBanned(ctx, v.Job, c)
		if err != nil {
			return err
		}
		if banned {
			g.log().Info("apply refused for banned worker", zap.Uint64("job_id", v.Job), zap.String("commitment", c))
			return domain.WorkerBannedError{JobID: v.Job, Commitment: c}
		}
	}
	return nil
}

func (g Guard) requireExpired(ctx context.Context, a action.Action, idx uint64, opts Options) error {
	if opts.Override {
		g.log().Warn("expiry check overridden",
			zap.String("action", a.Kind().String()),
			zap.Uint64("job_id", a.JobID()),
			zap.Uint64("milestone_index", idx))
		return nil
	}
	expired, err := g.CheckMilestoneExpired(ctx, a.JobID(), idx)
	if err != nil {
		return err
	}
	if !expired {
		return domain.PreconditionNotMetError{
			Condition: "milestone_expired",
			Reason:    fmt.Sprintf("milestone %d of job %d has not expired yet", idx, a.JobID()),
		}
	}
	return nil
}

// Expiry is one row of an expiry report.
type Expiry struct {
	MilestoneIndex    uint64 `json:"milestone_index"`
	IsExpired         bool   `json:"is_expired"`
	MilestoneDeadline uint64 `json:"milestone_deadline"`
	CurrentTime       int64  `json:"current_time"`
}

// ExpiryReport checks several milestones of one job concurrently.
func (g Guard) ExpiryReport(ctx context.Context, jobID uint64, indices []uint64) ([]Expiry, error) {
	out := make([]Expiry, len(indices))
	eg, ctx := errgroup.WithContext(ctx)
	for i, idx := range indices {
		out[i].MilestoneIndex = idx
		eg.Go(func() error {
			expired, err := g.CheckMilestoneExpired(ctx, jobID, idx)
			if err != nil {
				return err
			}
			out[i].IsExpired = expired
			return nil
		})
		eg.Go(func() error {
			deadline, err := g.GetMilestoneDeadline(ctx, jobID, idx)
			if err != nil {
				return err
			}
			out[i].MilestoneDeadline = deadline
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	now := g.now().Unix()
	for i := range out {
		out[i].CurrentTime = now
	}
	return out, nil
}
