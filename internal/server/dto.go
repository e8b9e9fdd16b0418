package server

import (
	"encoding/json"
	"math/big"

	"github.com/danielgtaylor/huma/v2"

	"zkescrow/internal/action"
	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
	"zkescrow/internal/engine"
	"zkescrow/internal/guard"
	"zkescrow/internal/profile"
)

// Request payloads

// AttributeRequest is one claim attribute. Exactly one of Text or Number is set;
// Number is a non-negative decimal string.
type AttributeRequest struct {
	Name   string  `json:"name" example:"country"`
	Text   *string `json:"text,omitempty"`
	Number *string `json:"number,omitempty" example:"30"`
}

type FullProveRequest struct {
	DID        string             `json:"did" example:"did:aptos:0x1"`
	Attributes []AttributeRequest `json:"attributes,omitempty"`
	FullName   string             `json:"fullName,omitempty"`
	Age        string             `json:"age,omitempty"`
	RoleType   *int               `json:"roleType,omitempty" enum:"1,2"`
}

type VerifyProofRequest struct {
	Proof         domain.Groth16Proof `json:"proof"`
	PublicSignals []string            `json:"publicSignals"`
}

type CommitmentsRequest struct {
	DID        string             `json:"did"`
	Attributes []AttributeRequest `json:"attributes,omitempty"`
}

// MilestoneAmount is one milestone value: a bare integer in octas, or an
// object carrying octas or a decimal APT amount.
type MilestoneAmount struct {
	action.MilestoneInput
}

func (MilestoneAmount) Schema(r huma.Registry) *huma.Schema {
	zero := 0.0
	return &huma.Schema{
		Description: "Milestone amount: integer octas, {\"octas\": n} or {\"amount\": \"1.5\"}",
		OneOf: []*huma.Schema{
			{Type: huma.TypeInteger, Minimum: &zero},
			{
				Type: huma.TypeObject,
				Properties: map[string]*huma.Schema{
					"octas":  {Type: huma.TypeInteger, Minimum: &zero},
					"amount": {Type: huma.TypeString},
				},
			},
		},
	}
}

func milestoneInputs(in []MilestoneAmount) []action.MilestoneInput {
	out := make([]action.MilestoneInput, len(in))
	for i, m := range in {
		out[i] = m.MilestoneInput
	}
	return out
}

type JobActionRequest struct {
	Action              string            `json:"action" example:"apply"`
	JobID               uint64            `json:"job_id,omitempty"`
	UserCommitment      string            `json:"user_commitment"`
	WorkerCommitment    string            `json:"worker_commitment,omitempty"`
	MilestoneIndex      *uint64           `json:"milestone_index,omitempty"`
	CID                 string            `json:"cid,omitempty"`
	JobDetailsCID       string            `json:"job_details_cid,omitempty"`
	Milestones          []MilestoneAmount `json:"milestones,omitempty"`
	MilestoneDurations  []uint64          `json:"milestone_durations,omitempty"`
	ApplicationDeadline *int64            `json:"application_deadline,omitempty"`
	Override            bool              `json:"override,omitempty"`
}

func (r JobActionRequest) toAction() (action.Action, error) {
	return action.Parse(action.Request{
		Action:              r.Action,
		JobID:               r.JobID,
		UserCommitment:      r.UserCommitment,
		WorkerCommitment:    r.WorkerCommitment,
		MilestoneIndex:      r.MilestoneIndex,
		CID:                 r.CID,
		JobDetailsCID:       r.JobDetailsCID,
		Milestones:          milestoneInputs(r.Milestones),
		MilestoneDurations:  r.MilestoneDurations,
		ApplicationDeadline: r.ApplicationDeadline,
	})
}

type AutoReturnStakeRequest struct {
	JobID            uint64 `json:"job_id"`
	UserCommitment   string `json:"user_commitment"`
	WorkerCommitment string `json:"worker_commitment"`
	Override         bool   `json:"override,omitempty"`
}

type PostJobRequest struct {
	UserCommitment      string            `json:"user_commitment"`
	JobDetailsCID       string            `json:"job_details_cid"`
	Milestones          []MilestoneAmount `json:"milestones"`
	MilestoneDurations  []uint64          `json:"milestone_durations"`
	ApplicationDeadline *int64            `json:"application_deadline,omitempty"`
}

func (r PostJobRequest) toPost() (action.Post, error) {
	a, err := action.Parse(action.Request{
		Action:              domain.ActionPost.String(),
		UserCommitment:      r.UserCommitment,
		JobDetailsCID:       r.JobDetailsCID,
		Milestones:          milestoneInputs(r.Milestones),
		MilestoneDurations:  r.MilestoneDurations,
		ApplicationDeadline: r.ApplicationDeadline,
	})
	if err != nil {
		return action.Post{}, err
	}
	return a.(action.Post), nil
}

type ClaimSubmissionRequest struct {
	JobID uint64 `json:"job_id,omitempty"`
	DID   string `json:"did,omitempty"`
}

type ReleaseSubmissionRequest struct {
	Key string `json:"key" example:"job:7"`
}

// SubmitRequest names what to send under a held lease. Exactly one of Job,
// CreateJob or Profile is set; the server builds the payload itself.
type SubmitRequest struct {
	Key       string            `json:"key" example:"job:7"`
	Job       *JobActionRequest `json:"job,omitempty"`
	CreateJob *PostJobRequest   `json:"create_job,omitempty"`
	ProfileOp string            `json:"profile_op,omitempty" enum:"create,update,burn"`
	Profile   *profile.Request  `json:"profile,omitempty"`
}

func (r SubmitRequest) toEngine() (engine.SubmitRequest, error) {
	out := engine.SubmitRequest{Key: r.Key, ProfileOp: r.ProfileOp, Profile: r.Profile}
	if r.Job != nil {
		a, err := r.Job.toAction()
		if err != nil {
			return engine.SubmitRequest{}, err
		}
		out.Action = a
		out.Override = r.Job.Override
	}
	if r.CreateJob != nil {
		p, err := r.CreateJob.toPost()
		if err != nil {
			return engine.SubmitRequest{}, err
		}
		out.CreateJob = &p
	}
	return out, nil
}

// Response payloads

type ProveResponse struct {
	Success bool `json:"success"`
	engine.ProveResult
}

type VerifyProofResponse struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
}

type CommitmentsResponse struct {
	Success bool `json:"success"`
	engine.Commitments
}

type PayloadResponse struct {
	Success bool           `json:"success"`
	Action  string         `json:"action,omitempty"`
	Payload domain.Payload `json:"payload"`
	Deposit uint64         `json:"deposit,omitempty"`
	Message string         `json:"message,omitempty"`
}

type ExpiryResponse struct {
	Success bool `json:"success"`
	guard.Expiry
	Milestones []guard.Expiry `json:"milestones,omitempty"`
}

type BannedResponse struct {
	Success          bool   `json:"success"`
	IsBanned         bool   `json:"is_banned"`
	WorkerCommitment string `json:"worker_commitment"`
	JobID            uint64 `json:"job_id"`
}

type JobResponse struct {
	Success     bool           `json:"success"`
	Job         domain.JobView `json:"job"`
	Status      string         `json:"status" enum:"active,pending_approval,in_progress,completed"`
	TotalAmount uint64         `json:"total_amount"`
}

type VerificationResponse struct {
	domain.Verification
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &out.Payload)
	}
	return out
}

func toAttributes(in []AttributeRequest) ([]commitment.Attribute, error) {
	out := make([]commitment.Attribute, 0, len(in))
	for i, a := range in {
		switch {
		case a.Text != nil && a.Number != nil:
			return nil, domain.Invalid("attributes", "attribute %d sets both text and number", i)
		case a.Text != nil:
			out = append(out, commitment.TextAttr(a.Name, *a.Text))
		case a.Number != nil:
			n, ok := new(big.Int).SetString(*a.Number, 10)
			if !ok {
				return nil, domain.Invalid("attributes", "attribute %q number must be a decimal integer", a.Name)
			}
			out = append(out, commitment.NumberAttr(a.Name, n))
		default:
			return nil, domain.Invalid("attributes", "attribute %q needs text or number", a.Name)
		}
	}
	return out, nil
}
