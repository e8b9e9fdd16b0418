package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"zkescrow/internal/action"
	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
	"zkescrow/internal/engine"
	"zkescrow/internal/profile"
)

var clientErrors = []int{
	http.StatusBadRequest,
	http.StatusInternalServerError,
}

func registerZKP(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "full-prove",
		Method:      http.MethodPost,
		Path:        "/zkp/fullprove",
		Summary:     "Generate a membership proof and commitments for a DID",
		Errors:      append(clientErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		Body FullProveRequest `json:"body"`
	}) (*struct {
		Body ProveResponse `json:"body"`
	}, error) {
		attrs, err := toAttributes(input.Body.Attributes)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Prove(ctx, engine.ProveOptions{
			DID:        input.Body.DID,
			Attributes: attrs,
			FullName:   input.Body.FullName,
			Age:        input.Body.Age,
			RoleType:   input.Body.RoleType,
			ActorID:    actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProveResponse `json:"body"`
		}{Body: ProveResponse{Success: true, ProveResult: res}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-proof",
		Method:      http.MethodPost,
		Path:        "/zkp/verify",
		Summary:     "Verify a proof against the configured verification key",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body VerifyProofRequest `json:"body"`
	}) (*struct {
		Body VerifyProofResponse `json:"body"`
	}, error) {
		err := e.VerifyProof(ctx, input.Body.Proof, input.Body.PublicSignals, actorID(ctx))
		var pe domain.PreconditionNotMetError
		if err != nil && !errors.As(err, &pe) {
			return nil, handleError(err)
		}
		resp := VerifyProofResponse{Success: true, Valid: err == nil}
		if err != nil {
			resp.Reason = pe.Error()
		}
		return &struct {
			Body VerifyProofResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "derive-commitments",
		Method:      http.MethodPost,
		Path:        "/commitments",
		Summary:     "Derive commitments for a DID and attributes without proving",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body CommitmentsRequest `json:"body"`
	}) (*struct {
		Body CommitmentsResponse `json:"body"`
	}, error) {
		attrs, err := toAttributes(input.Body.Attributes)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.Commitments(commitment.Claim{DID: input.Body.DID, Attributes: attrs})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommitmentsResponse `json:"body"`
		}{Body: CommitmentsResponse{Success: true, Commitments: c}}, nil
	})
}

func registerProofs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proofs",
		Method:      http.MethodGet,
		Path:        "/proofs",
		Summary:     "List recorded proofs, newest first",
	}, func(ctx context.Context, input *struct {
		DIDCommitment string `query:"did_commitment"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ProofRecord `json:"body"`
	}, error) {
		items, err := e.ListProofs(ctx, input.DIDCommitment, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ProofRecord{}
		}
		return &struct {
			Body []domain.ProofRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proof",
		Method:      http.MethodGet,
		Path:        "/proofs/{id}",
		Summary:     "Get a recorded proof",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ProofRecord `json:"body"`
	}, error) {
		p, err := e.Proof(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofRecord `json:"body"`
		}{Body: p}, nil
	})
}

var guardedErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "prepare-job-action",
		Method:      http.MethodPost,
		Path:        "/job/actions",
		Summary:     "Build an execute_job_action payload",
		Errors:      guardedErrors,
	}, func(ctx context.Context, input *struct {
		Body JobActionRequest `json:"body"`
	}) (*struct {
		Body PayloadResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		a, err := input.Body.toAction()
		if err != nil {
			return nil, handleError(err)
		}
		enc, err := e.PrepareAction(ctx, a, engine.ActionOptions{ActorID: actorID(ctx), Override: input.Body.Override})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PayloadResponse `json:"body"`
		}{Body: PayloadResponse{Success: true, Action: a.Kind().String(), Payload: enc.Payload, Deposit: enc.Deposit}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "prepare-auto-return-stake",
		Method:      http.MethodPost,
		Path:        "/job/auto-return-stake",
		Summary:     "Build an auto return stake payload for an expired first milestone",
		Errors:      guardedErrors,
	}, func(ctx context.Context, input *struct {
		Body AutoReturnStakeRequest `json:"body"`
	}) (*struct {
		Body PayloadResponse `json:"body"`
	}, error) {
		a := action.AutoReturnStake{
			Caller:           input.Body.UserCommitment,
			Job:              input.Body.JobID,
			WorkerCommitment: input.Body.WorkerCommitment,
		}
		enc, err := e.PrepareAction(ctx, a, engine.ActionOptions{ActorID: actorID(ctx), Override: input.Body.Override})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PayloadResponse `json:"body"`
		}{Body: PayloadResponse{Success: true, Action: a.Kind().String(), Payload: enc.Payload}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "prepare-create-job",
		Method:      http.MethodPost,
		Path:        "/job/post",
		Summary:     "Build a standalone create_job payload",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body PostJobRequest `json:"body"`
	}) (*struct {
		Body PayloadResponse `json:"body"`
	}, error) {
		p, err := input.Body.toPost()
		if err != nil {
			return nil, handleError(err)
		}
		enc, err := e.PrepareCreateJob(ctx, p, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PayloadResponse `json:"body"`
		}{Body: PayloadResponse{Success: true, Action: "create_job", Payload: enc.Payload, Deposit: enc.Deposit}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-expiry",
		Method:      http.MethodGet,
		Path:        "/job/check-expiry",
		Summary:     "Report whether milestones have passed their deadline",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		JobID          uint64 `query:"job_id"`
		MilestoneIndex string `query:"milestone_index" doc:"One index or a comma separated list"`
	}) (*struct {
		Body ExpiryResponse `json:"body"`
	}, error) {
		indices, err := parseIndices(input.MilestoneIndex)
		if err != nil {
			return nil, handleError(err)
		}
		report, err := e.CheckExpiry(ctx, input.JobID, indices)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ExpiryResponse{Success: true, Expiry: report[0]}
		if len(report) > 1 {
			resp.Milestones = report
		}
		return &struct {
			Body ExpiryResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-banned",
		Method:      http.MethodGet,
		Path:        "/job/check-banned",
		Summary:     "Report whether a worker is banned from a job",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		JobID            uint64 `query:"job_id"`
		WorkerCommitment string `query:"worker_commitment"`
	}) (*struct {
		Body BannedResponse `json:"body"`
	}, error) {
		banned, err := e.CheckBanned(ctx, input.JobID, input.WorkerCommitment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BannedResponse `json:"body"`
		}{Body: BannedResponse{Success: true, IsBanned: banned, WorkerCommitment: input.WorkerCommitment, JobID: input.JobID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/job/{id}",
		Summary:     "Read a job from the ledger",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID uint64 `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := e.Job(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Success: true, Job: job, Status: job.Status(), TotalAmount: job.TotalAmount()}}, nil
	})
}

func parseIndices(raw string) ([]uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.Invalid("milestone_index", "is required")
	}
	parts := strings.Split(raw, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, domain.Invalid("milestone_index", "%q is not a milestone index", p)
		}
		out = append(out, v)
	}
	return out, nil
}

func registerProfiles(api huma.API, e engine.Engine) {
	ops := []struct {
		id, op, path, summary string
	}{
		{"create-profile", engine.ProfileCreate, "/did/create-profile", "Build a create_profile payload"},
		{"update-profile", engine.ProfileUpdate, "/did/update-profile", "Build an update_profile payload"},
		{"burn-profile", engine.ProfileBurn, "/did/burn-profile", "Build a burn_did payload"},
	}
	for _, o := range ops {
		op := o.op
		huma.Register(api, huma.Operation{
			OperationID: o.id,
			Method:      http.MethodPost,
			Path:        o.path,
			Summary:     o.summary,
			Errors:      clientErrors,
		}, func(ctx context.Context, input *struct {
			Body profile.Request `json:"body"`
		}) (*struct {
			Body PayloadResponse `json:"body"`
		}, error) {
			if err := requireBody(ctx); err != nil {
				return nil, err
			}
			p, err := e.PrepareProfile(ctx, op, input.Body, actorID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body PayloadResponse `json:"body"`
			}{Body: PayloadResponse{Success: true, Payload: p, Message: "sign and submit this payload"}}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "verify-did",
		Method:      http.MethodGet,
		Path:        "/did/{address}",
		Summary:     "Check that an address controls its registered DID",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		v, err := e.VerifyDID(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: VerificationResponse{Verification: v}}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/claim",
		Summary:     "Take the submission lease for a job or DID",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClaimSubmissionRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		key, err := engine.SubmissionKey(input.Body.JobID, input.Body.DID)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.ClaimSubmission(ctx, key, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-submission",
		Method:        http.MethodPost,
		Path:          "/submissions/release",
		Summary:       "Release a held submission lease",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ReleaseSubmissionRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.ReleaseSubmission(ctx, input.Body.Key, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit",
		Method:      http.MethodPost,
		Path:        "/submissions/submit",
		Summary:     "Rebuild a guarded payload and relay it to the signer under a held lease",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body domain.SubmissionResult `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		req, err := input.Body.toEngine()
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Submit(ctx, req, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SubmissionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{key}",
		Summary:     "Get the lease held for a key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		s, err := e.Submission(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/submissions",
		Summary:     "List held submission leases",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		items, err := e.ListSubmissions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Submission{}
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: items}, nil
	})
}
