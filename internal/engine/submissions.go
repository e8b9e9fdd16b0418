package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"zkescrow/internal/action"
	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
	"zkescrow/internal/events"
	"zkescrow/internal/profile"
	"zkescrow/internal/repo"
)

// SubmissionKey names the mutable ledger state a submission touches: a job,
// or a DID for profile operations. DIDs are keyed by commitment.
func SubmissionKey(jobID uint64, did string) (string, error) {
	switch {
	case jobID > 0 && did != "":
		return "", domain.Invalid("key", "give either job_id or did, not both")
	case jobID > 0:
		return "job:" + strconv.FormatUint(jobID, 10), nil
	case strings.TrimSpace(did) != "":
		return "did:" + commitment.DID(strings.TrimSpace(did)), nil
	default:
		return "", domain.Invalid("key", "job_id or did is required")
	}
}

func (e Engine) leaseSeconds() int {
	if e.Config != nil && e.Config.Escrow.SubmissionLeaseSeconds > 0 {
		return e.Config.Escrow.SubmissionLeaseSeconds
	}
	return 300
}

// ClaimSubmission takes the in-flight slot for key. The holder may reclaim to
// extend it; anyone else waits until it is released or expires.
func (e Engine) ClaimSubmission(ctx context.Context, key, actorID string) (domain.Submission, error) {
	if key == "" {
		return domain.Submission{}, domain.Invalid("key", "is required")
	}
	now := e.now().UTC()
	sub := domain.Submission{
		Key:        key,
		OwnerID:    actorID,
		AcquiredAt: now.Format(time.RFC3339),
		ExpiresAt:  now.Add(time.Duration(e.leaseSeconds()) * time.Second).Format(time.RFC3339),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := e.Repo.GetSubmissionTx(ctx, tx, key)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil {
			exp, _ := time.Parse(time.RFC3339, existing.ExpiresAt)
			if now.Before(exp) && existing.OwnerID != actorID {
				return ErrSubmissionHeld
			}
		}
		if err := e.Repo.UpsertSubmission(ctx, tx, sub); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.SubmissionClaimed, "submission", key, actorID, events.Payload{"expires_at": sub.ExpiresAt})
	})
	if err != nil {
		return domain.Submission{}, err
	}
	return sub, nil
}

func (e Engine) requireSubmission(ctx context.Context, tx *sql.Tx, key, actorID string) error {
	s, err := e.Repo.GetSubmissionTx(ctx, tx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrSubmissionRequired
		}
		return err
	}
	exp, _ := time.Parse(time.RFC3339, s.ExpiresAt)
	if e.now().After(exp) {
		return ErrSubmissionExpired
	}
	if s.OwnerID != actorID {
		return ErrSubmissionOwner
	}
	return nil
}

// ReleaseSubmission frees key. Only the holder may release an unexpired slot.
func (e Engine) ReleaseSubmission(ctx context.Context, key, actorID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireSubmission(ctx, tx, key, actorID); err != nil && !errors.Is(err, ErrSubmissionExpired) {
			return err
		}
		if err := e.Repo.DeleteSubmission(ctx, tx, key); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.SubmissionReleased, "submission", key, actorID, nil)
	})
}

type forgetter interface {
	Forget(jobID uint64)
}

// SubmitRequest names what to send. Exactly one of Action, CreateJob or
// Profile is set; the engine builds the payload itself.
type SubmitRequest struct {
	Key       string
	Action    action.Action
	Override  bool
	CreateJob *action.Post
	ProfileOp string
	Profile   *profile.Request
}

// expectedKey derives the submission key the request touches. A post has no
// job yet, so it is keyed by the poster's commitment.
func (r SubmitRequest) expectedKey() (string, error) {
	set := 0
	for _, ok := range []bool{r.Action != nil, r.CreateJob != nil, r.Profile != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return "", domain.Invalid("request", "give exactly one of action, create_job or profile")
	}
	switch {
	case r.Profile != nil:
		return SubmissionKey(0, r.Profile.DID)
	case r.CreateJob != nil:
		return posterKey(r.CreateJob.Caller)
	case r.Action.JobID() > 0:
		return SubmissionKey(r.Action.JobID(), "")
	default:
		return posterKey(action.CallerCommitment(r.Action))
	}
}

func posterKey(caller string) (string, error) {
	c, err := commitment.NormalizeHex("user_commitment", caller)
	if err != nil {
		return "", err
	}
	return "did:" + c, nil
}

// Submit rebuilds the payload for req while the caller holds req.Key, hands
// it to the signer, then releases the key. The guard runs again here, so a
// refusal never reaches the signer. A signer failure leaves the slot held so
// the caller can retry.
func (e Engine) Submit(ctx context.Context, req SubmitRequest, actorID string) (domain.SubmissionResult, error) {
	if e.Signer == nil {
		return domain.SubmissionResult{}, errors.New("no signer configured")
	}
	key, err := req.expectedKey()
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	if req.Key != key {
		return domain.SubmissionResult{}, fmt.Errorf("%w: request touches %s, not %s", ErrSubmissionMismatch, key, req.Key)
	}
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.requireSubmission(ctx, tx, key, actorID)
	}); err != nil {
		return domain.SubmissionResult{}, err
	}

	payload, err := e.buildPayload(ctx, req, actorID)
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	hash, err := e.Signer.Submit(ctx, payload)
	if err != nil {
		e.log().Error("submission failed", zap.String("key", key), zap.String("function", payload.Function), zap.Error(err))
		return domain.SubmissionResult{}, fmt.Errorf("submit %s: %w", key, err)
	}
	e.log().Info("submission sent", zap.String("key", key), zap.String("tx_hash", hash))
	if req.Action != nil && req.Action.JobID() > 0 {
		if f, ok := e.Jobs.(forgetter); ok {
			f.Forget(req.Action.JobID())
		}
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteSubmission(ctx, tx, key); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return e.Events.Append(ctx, tx, events.SubmissionSent, "submission", key, actorID, events.Payload{
			"function": payload.Function,
			"tx_hash":  hash,
		})
	})
	if err != nil {
		return domain.SubmissionResult{}, err
	}
	return domain.SubmissionResult{Key: key, TxHash: hash}, nil
}

func (e Engine) buildPayload(ctx context.Context, req SubmitRequest, actorID string) (domain.Payload, error) {
	switch {
	case req.Profile != nil:
		return e.PrepareProfile(ctx, req.ProfileOp, *req.Profile, actorID)
	case req.CreateJob != nil:
		enc, err := e.PrepareCreateJob(ctx, *req.CreateJob, actorID)
		return enc.Payload, err
	default:
		enc, err := e.PrepareAction(ctx, req.Action, ActionOptions{ActorID: actorID, Override: req.Override})
		return enc.Payload, err
	}
}

// Submission returns the lease held for key, or repo.ErrNotFound.
func (e Engine) Submission(ctx context.Context, key string) (domain.Submission, error) {
	return e.Repo.GetSubmission(ctx, key)
}

func (e Engine) ListSubmissions(ctx context.Context) ([]domain.Submission, error) {
	return e.Repo.ListSubmissions(ctx)
}
