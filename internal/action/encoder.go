package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"zkescrow/internal/domain"
)

// Functions holds fully qualified entry function names.
type Functions struct {
	ExecuteJobAction string
	CreateJob        string
}

// FunctionsFor builds names as <contract>::<module>::<fn>.
func FunctionsFor(contract, jobModule string) Functions {
	return Functions{
		ExecuteJobAction: fmt.Sprintf("%s::%s::execute_job_action", contract, jobModule),
		CreateJob:        fmt.Sprintf("%s::%s::create_job", contract, jobModule),
	}
}

type Encoder struct {
	Functions   Functions
	ApplyWindow time.Duration
	Now         func() time.Time
}

// Encoded is a ready payload plus values the caller may want to show.
type Encoded struct {
	Kind    domain.ActionKind `json:"-"`
	Payload domain.Payload    `json:"payload"`
	Deposit uint64            `json:"deposit,omitempty"`
}

func (e Encoder) context() encodeContext {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	window := e.ApplyWindow
	if window <= 0 {
		window = applyWeek
	}
	return encodeContext{now: now, applyWindow: window}
}

// Validate runs the checks Encode would without building any slots.
func (e Encoder) Validate(a Action) error {
	if a == nil {
		return domain.Invalid("action", "is required")
	}
	return a.validate(e.context())
}

// Encode validates the action and returns its dispatcher payload.
func (e Encoder) Encode(a Action) (Encoded, error) {
	if a == nil {
		return Encoded{}, domain.Invalid("action", "is required")
	}
	s, err := a.encode(e.context())
	if err != nil {
		return Encoded{}, err
	}
	args := s.arguments()
	if len(args) != Arity {
		return Encoded{}, fmt.Errorf("%s encoded %d arguments, dispatcher expects %d", a.Kind(), len(args), Arity)
	}
	out := Encoded{Kind: a.Kind(), Payload: domain.NewPayload(e.Functions.ExecuteJobAction, args)}
	if p, ok := a.(Post); ok {
		out.Deposit, _ = Deposit(p.MilestoneAmounts)
	}
	return out, nil
}

// EncodeCreateJob builds the older escrow::create_job call:
// [job_details_cid, milestone_durations, milestones, deposit, apply_deadline].
func (e Encoder) EncodeCreateJob(p Post) (Encoded, error) {
	s, err := p.encode(e.context())
	if err != nil {
		return Encoded{}, err
	}
	deposit, _ := Deposit(p.MilestoneAmounts)
	args := []any{
		s.jobDetailsCID,
		s.milestoneDurations,
		s.milestones,
		strconv.FormatUint(deposit, 10),
		s.applicationDeadline,
	}
	return Encoded{Kind: domain.ActionPost, Payload: domain.NewPayload(e.Functions.CreateJob, args), Deposit: deposit}, nil
}

// MilestoneInput accepts either a base-unit integer or {"amount": "1.5"} in display units.
// A bare JSON number and {"octas": n} are both read as base units.
type MilestoneInput struct {
	Octas  *uint64 `json:"octas,omitempty"`
	Amount string  `json:"amount,omitempty"`
}

func (m *MilestoneInput) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		v, err := strconv.ParseUint(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("milestone amount %s must be a non-negative integer in octas", b)
		}
		*m = MilestoneInput{Octas: &v}
		return nil
	}
	type plain MilestoneInput
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = MilestoneInput(p)
	return nil
}

// Request is the inbound wire form of a job action.
type Request struct {
	Action              string           `json:"action" example:"apply"`
	JobID               uint64           `json:"job_id,omitempty"`
	UserCommitment      string           `json:"user_commitment"`
	WorkerCommitment    string           `json:"worker_commitment,omitempty"`
	MilestoneIndex      *uint64          `json:"milestone_index,omitempty"`
	CID                 string           `json:"cid,omitempty"`
	JobDetailsCID       string           `json:"job_details_cid,omitempty"`
	Milestones          []MilestoneInput `json:"milestones,omitempty"`
	MilestoneDurations  []uint64         `json:"milestone_durations,omitempty"`
	ApplicationDeadline *int64           `json:"application_deadline,omitempty"`
}

// Parse maps a wire request onto its action type.
func Parse(r Request) (Action, error) {
	kind, ok := domain.ParseActionKind(r.Action)
	if !ok {
		return nil, domain.Invalid("action", "unknown action %q", r.Action)
	}
	index := func() (uint64, error) {
		if r.MilestoneIndex == nil {
			return 0, domain.Invalid("milestone_index", "is required")
		}
		return *r.MilestoneIndex, nil
	}
	switch kind {
	case domain.ActionPost:
		amounts := make([]uint64, len(r.Milestones))
		for i, m := range r.Milestones {
			v, err := m.value()
			if err != nil {
				return nil, domain.Invalid(fmt.Sprintf("milestones[%d]", i), "%v", err)
			}
			amounts[i] = v
		}
		return Post{
			Caller:             r.UserCommitment,
			JobDetailsCID:      r.JobDetailsCID,
			MilestoneAmounts:   amounts,
			MilestoneDurations: r.MilestoneDurations,
			ApplyDeadline:      r.ApplicationDeadline,
		}, nil
	case domain.ActionApply:
		return Apply{Caller: r.UserCommitment, Job: r.JobID}, nil
	case domain.ActionApprove:
		return Approve{Caller: r.UserCommitment, Job: r.JobID, WorkerCommitment: r.WorkerCommitment}, nil
	case domain.ActionSubmit:
		idx, err := index()
		if err != nil {
			return nil, err
		}
		return Submit{Caller: r.UserCommitment, Job: r.JobID, MilestoneIndex: idx, EvidenceCID: r.CID}, nil
	case domain.ActionAccept:
		idx, err := index()
		if err != nil {
			return nil, err
		}
		return Accept{Caller: r.UserCommitment, Job: r.JobID, MilestoneIndex: idx}, nil
	case domain.ActionComplete:
		return Complete{Caller: r.UserCommitment, Job: r.JobID}, nil
	case domain.ActionClaim:
		idx, err := index()
		if err != nil {
			return nil, err
		}
		return Claim{Caller: r.UserCommitment, Job: r.JobID, MilestoneIndex: idx}, nil
	case domain.ActionCancel:
		return Cancel{Caller: r.UserCommitment, Job: r.JobID}, nil
	case domain.ActionAutoReturnStake:
		if r.MilestoneIndex != nil && *r.MilestoneIndex != 0 {
			return nil, domain.Invalid("milestone_index", "auto return stake only applies to milestone 0")
		}
		return AutoReturnStake{Caller: r.UserCommitment, Job: r.JobID, WorkerCommitment: r.WorkerCommitment}, nil
	}
	return nil, domain.Invalid("action", "unsupported action %s", kind)
}

func (m MilestoneInput) value() (uint64, error) {
	if m.Octas != nil {
		return *m.Octas, nil
	}
	if m.Amount == "" {
		return 0, fmt.Errorf("amount is required")
	}
	return ParseAmount(m.Amount)
}

// Arguments exposes the raw argument vector of an encoded payload, mostly for callers
// that need to log or diff it.
func (e Encoded) Arguments() []any {
	return e.Payload.Arguments
}

// IsPlaceholder reports whether a slot holds its empty value.
func IsPlaceholder(v any) bool {
	switch t := v.(type) {
	case string:
		return t == emptyHex || t == zeroU64 || t == ""
	case []string:
		return len(t) == 0
	case ActionCode:
		return false
	default:
		return v == nil
	}
}
