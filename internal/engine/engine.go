// Package engine ties proving, payload encoding, guard checks and the
// submission store together. Each operation writes its audit event in the
// same transaction as its state change.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zkescrow/internal/action"
	"zkescrow/internal/commitment"
	"zkescrow/internal/config"
	"zkescrow/internal/domain"
	"zkescrow/internal/events"
	"zkescrow/internal/guard"
	"zkescrow/internal/ledger"
	"zkescrow/internal/migrate"
	"zkescrow/internal/profile"
	"zkescrow/internal/prover"
	"zkescrow/internal/repo"
)

var (
	ErrSubmissionHeld     = errors.New("submission already in flight")
	ErrSubmissionRequired = errors.New("submission lease required; none exists")
	ErrSubmissionExpired  = errors.New("submission lease expired; reclaim")
	ErrSubmissionOwner    = errors.New("submission lease owned by different actor")
	ErrSubmissionMismatch = errors.New("submission key does not match request")
)

// JobReader loads a job view from the ledger.
type JobReader interface {
	GetJob(ctx context.Context, jobID uint64) (domain.JobView, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Prover   prover.Prover
	Scheme   commitment.Scheme
	Actions  action.Encoder
	Guard    guard.Guard
	Profiles profile.Encoder
	Resolver profile.Resolver
	Jobs     JobReader
	Signer   ledger.Signer
	Log      *zap.Logger
	Now      func() time.Time
}

// New wires an engine from configuration. Relative artifact paths resolve
// against workspace.
func New(conn *sql.DB, cfg *config.Config, workspace string, log *zap.Logger) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	if log == nil {
		log = zap.NewNop()
	}
	scheme, err := commitment.SchemeByName(cfg.Commitment.Scheme)
	if err != nil {
		return Engine{}, err
	}
	pool := prover.NewPool(cfg.Prover.Workers, time.Duration(cfg.Prover.TimeoutSeconds)*time.Second)
	set := prover.ArtifactSetFromConfig(workspace, cfg.Circuit)
	chain := ledger.NewCached(ledger.New(cfg.Ledger, log.Named("ledger")),
		cfg.Ledger.CacheSize, time.Duration(cfg.Ledger.CacheTTLSeconds)*time.Second)

	e := Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Prover: prover.New(prover.NewOSStore(), set, pool, scheme, log.Named("prover")),
		Scheme: scheme,
		Actions: action.Encoder{
			Functions:   action.FunctionsFor(cfg.Ledger.ContractAddress, cfg.Ledger.JobModule),
			ApplyWindow: time.Duration(cfg.Escrow.ApplyWindowSeconds) * time.Second,
		},
		Guard:    guard.New(chain, log.Named("guard")),
		Profiles: profile.Encoder{Functions: profile.FunctionsFor(cfg.Ledger.ContractAddress, cfg.Ledger.DIDModule)},
		Resolver: profile.Resolver{Ledger: chain},
		Jobs:     chain,
		Signer:   ledger.RelaySigner{URL: cfg.Wallet.RelayURL},
		Log:      log,
		Now:      time.Now,
	}
	e.sync()
	return e, nil
}

// sync points every clock at e.Now so tests can pin time once.
func (e *Engine) sync() {
	e.Events.Now = e.now
	e.Actions.Now = e.now
	e.Guard.Now = e.now
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// WithNow returns a copy whose clocks all read now.
func (e Engine) WithNow(now func() time.Time) Engine {
	e.Now = now
	e.sync()
	return e
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ProveOptions are the inputs to Prove. Profile fields are optional; when any
// is set the result also carries a profile commitment.
type ProveOptions struct {
	DID        string
	Attributes []commitment.Attribute
	FullName   string
	Age        string
	RoleType   *int
	ActorID    string
}

type ProveResult struct {
	domain.ProofArtifact
	ProfileCommitment string `json:"profileCommitment,omitempty"`
	RecordID          string `json:"recordId"`
}

// Prove generates a proof and records it without the DID.
func (e Engine) Prove(ctx context.Context, opts ProveOptions) (ProveResult, error) {
	if opts.RoleType != nil && !domain.RoleType(*opts.RoleType).Valid() {
		return ProveResult{}, domain.Invalid("roleType", "invalid role type %d", *opts.RoleType)
	}
	artifact, err := e.Prover.FullProve(ctx, prover.Request{DID: opts.DID, Attributes: opts.Attributes})
	if err != nil {
		return ProveResult{}, err
	}
	res := ProveResult{ProofArtifact: artifact, RecordID: uuid.NewString()}
	if opts.FullName != "" || opts.Age != "" || opts.RoleType != nil {
		res.ProfileCommitment, err = commitment.Profile(opts.FullName, opts.Age, opts.RoleType, artifact.VerificationKeyDigest)
		if err != nil {
			return ProveResult{}, err
		}
	}
	rec := domain.ProofRecord{
		ID:                    res.RecordID,
		DIDCommitment:         artifact.DIDCommitment,
		VerificationKeyDigest: artifact.VerificationKeyDigest,
		PublicSignals:         artifact.PublicSignals,
		ActorID:               opts.ActorID,
		CreatedAt:             e.now().UTC().Format(time.RFC3339),
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProofTx(ctx, tx, rec); err != nil {
			return fmt.Errorf("insert proof: %w", err)
		}
		return e.Events.Append(ctx, tx, events.ProofGenerated, "proof", rec.ID, opts.ActorID, events.Payload{
			"did_commitment": rec.DIDCommitment,
			"vk_digest":      rec.VerificationKeyDigest,
			"scheme":         e.Scheme.Name,
		})
	})
	if err != nil {
		return ProveResult{}, err
	}
	return res, nil
}

// VerifyProof checks a proof against the configured verification key.
func (e Engine) VerifyProof(ctx context.Context, proof domain.Groth16Proof, signals []string, actorID string) error {
	verr := e.Prover.Verify(proof, signals)
	var pe domain.PreconditionNotMetError
	if verr != nil && !errors.As(verr, &pe) {
		return verr
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.ProofVerified, "proof", "", actorID, events.Payload{
			"valid":   verr == nil,
			"signals": signals,
		})
	})
	if err != nil {
		return err
	}
	return verr
}

// Commitments derives every commitment for a claim without proving.
type Commitments struct {
	commitment.Set
	TableCommitmentHex string `json:"tableCommitmentHex"`
	Scheme             string `json:"scheme"`
}

func (e Engine) Commitments(c commitment.Claim) (Commitments, error) {
	c.DID = strings.TrimSpace(c.DID)
	if c.DID == "" {
		return Commitments{}, domain.Invalid("did", "is required")
	}
	set, err := e.Scheme.Derive(c)
	if err != nil {
		return Commitments{}, err
	}
	table, err := commitment.Table(c.Attributes)
	if err != nil {
		return Commitments{}, err
	}
	return Commitments{Set: set, TableCommitmentHex: table, Scheme: e.Scheme.Name}, nil
}

type ActionOptions struct {
	ActorID  string
	Override bool
}

// PrepareAction validates, guards and encodes a job action, in that order. A
// refused action is recorded and no payload is built for it.
func (e Engine) PrepareAction(ctx context.Context, a action.Action, opts ActionOptions) (action.Encoded, error) {
	if err := e.Actions.Validate(a); err != nil {
		return action.Encoded{}, err
	}
	if err := e.Guard.Authorize(ctx, a, guard.Options{Override: opts.Override}); err != nil {
		e.log().Info("action refused",
			zap.String("action", a.Kind().String()),
			zap.Uint64("job_id", a.JobID()),
			zap.Error(err))
		if rerr := e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Events.Append(ctx, tx, events.ActionRefused, "job", jobEntity(a), opts.ActorID, events.Payload{
				"action": a.Kind().String(),
				"reason": err.Error(),
			})
		}); rerr != nil {
			e.log().Warn("record refusal", zap.Error(rerr))
		}
		return action.Encoded{}, err
	}
	enc, err := e.Actions.Encode(a)
	if err != nil {
		return action.Encoded{}, err
	}
	payload := events.Payload{
		"action":          a.Kind().String(),
		"user_commitment": enc.Payload.Arguments[2],
		"override":        opts.Override,
	}
	if idx, ok := action.MilestoneIndex(a); ok {
		payload["milestone_index"] = idx
	}
	if enc.Deposit > 0 {
		payload["deposit"] = enc.Deposit
	}
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.ActionPrepared, "job", jobEntity(a), opts.ActorID, payload)
	}); err != nil {
		return action.Encoded{}, err
	}
	return enc, nil
}

// PrepareCreateJob builds the older standalone create_job payload.
func (e Engine) PrepareCreateJob(ctx context.Context, p action.Post, actorID string) (action.Encoded, error) {
	enc, err := e.Actions.EncodeCreateJob(p)
	if err != nil {
		return action.Encoded{}, err
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.ActionPrepared, "job", "", actorID, events.Payload{
			"action":  "create_job",
			"deposit": enc.Deposit,
		})
	})
	return enc, err
}

func jobEntity(a action.Action) string {
	if a.JobID() == 0 {
		return ""
	}
	return strconv.FormatUint(a.JobID(), 10)
}

// Profile operations.
const (
	ProfileCreate = "create"
	ProfileUpdate = "update"
	ProfileBurn   = "burn"
)

func (e Engine) PrepareProfile(ctx context.Context, op string, req profile.Request, actorID string) (domain.Payload, error) {
	var (
		p   domain.Payload
		err error
	)
	switch op {
	case ProfileCreate:
		p, err = e.Profiles.Create(req)
	case ProfileUpdate:
		p, err = e.Profiles.Update(req)
	case ProfileBurn:
		p, err = e.Profiles.Burn(req)
	default:
		return p, domain.Invalid("operation", "unknown profile operation %q", op)
	}
	if err != nil {
		return p, err
	}
	didCommitment := commitment.DID(strings.TrimSpace(req.DID))
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.ProfilePrepared, "profile", didCommitment, actorID, events.Payload{
			"operation":  op,
			"role_types": req.RoleTypes,
		})
	})
	return p, err
}

func (e Engine) VerifyDID(ctx context.Context, address string) (domain.Verification, error) {
	return e.Resolver.Verify(ctx, address)
}

func (e Engine) Job(ctx context.Context, jobID uint64) (domain.JobView, error) {
	if jobID == 0 {
		return domain.JobView{}, domain.Invalid("job_id", "is required")
	}
	return e.Jobs.GetJob(ctx, jobID)
}

func (e Engine) CheckExpiry(ctx context.Context, jobID uint64, indices []uint64) ([]guard.Expiry, error) {
	if jobID == 0 {
		return nil, domain.Invalid("job_id", "is required")
	}
	if len(indices) == 0 {
		return nil, domain.Invalid("milestone_index", "is required")
	}
	return e.Guard.ExpiryReport(ctx, jobID, indices)
}

func (e Engine) CheckBanned(ctx context.Context, jobID uint64, workerCommitment string) (bool, error) {
	if jobID == 0 {
		return false, domain.Invalid("job_id", "is required")
	}
	c, err := commitment.NormalizeHex("worker_commitment", workerCommitment)
	if err != nil {
		return false, err
	}
	return e.Guard.IsWorkerBanned(ctx, jobID, c)
}

func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}

func (e Engine) ListProofs(ctx context.Context, didCommitment string, limit int) ([]domain.ProofRecord, error) {
	return e.Repo.ListProofs(ctx, didCommitment, limit)
}

func (e Engine) Proof(ctx context.Context, id string) (domain.ProofRecord, error) {
	return e.Repo.GetProof(ctx, id)
}

func (e Engine) SchemaVersion(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return migrate.Version(e.DB)
}
