package domain

import (
	"fmt"
	"strings"
)

// RoleType is the closed role domain accepted by the profile module.
type RoleType int

const (
	RoleFreelancer RoleType = 1
	RolePoster     RoleType = 2
)

func (r RoleType) Valid() bool {
	return r == RoleFreelancer || r == RolePoster
}

func (r RoleType) String() string {
	switch r {
	case RoleFreelancer:
		return "freelancer"
	case RolePoster:
		return "poster"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ActionKind is the numeric code understood by execute_job_action.
type ActionKind uint8

const (
	ActionPost            ActionKind = 1
	ActionApply           ActionKind = 2
	ActionApprove         ActionKind = 3
	ActionSubmit          ActionKind = 4
	ActionAccept          ActionKind = 5
	ActionComplete        ActionKind = 6
	ActionClaim           ActionKind = 7
	ActionCancel          ActionKind = 8
	ActionAutoReturnStake ActionKind = 9
)

var actionNames = map[ActionKind]string{
	ActionPost:            "post",
	ActionApply:           "apply",
	ActionApprove:         "approve",
	ActionSubmit:          "submit",
	ActionAccept:          "accept",
	ActionComplete:        "complete",
	ActionClaim:           "claim",
	ActionCancel:          "cancel",
	ActionAutoReturnStake: "auto_return_stake",
}

func (k ActionKind) String() string {
	if n, ok := actionNames[k]; ok {
		return n
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// ParseActionKind accepts the wire names used by the job action endpoint.
func ParseActionKind(name string) (ActionKind, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	for k, v := range actionNames {
		if v == n {
			return k, true
		}
	}
	return 0, false
}

// ActionKinds lists every action in code order.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionPost, ActionApply, ActionApprove, ActionSubmit, ActionAccept,
		ActionComplete, ActionClaim, ActionCancel, ActionAutoReturnStake,
	}
}

// Payload is an unsigned entry function call ready for a wallet.
type Payload struct {
	Type          string   `json:"type" example:"entry_function_payload"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

const EntryFunctionPayload = "entry_function_payload"

// NewPayload never leaves TypeArguments nil so the wire form is always [].
func NewPayload(function string, args []any) Payload {
	return Payload{
		Type:          EntryFunctionPayload,
		Function:      function,
		TypeArguments: []string{},
		Arguments:     args,
	}
}

// Groth16Proof mirrors the snarkjs JSON layout plus the gnark binary form.
type Groth16Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	Encoded  string     `json:"encoded"`
}

type ProofArtifact struct {
	Proof                 Groth16Proof `json:"proof"`
	PublicSignals         []string     `json:"publicSignals"`
	VerificationKeyDigest string       `json:"verificationKeyDigest,omitempty"`
	DIDCommitment         string       `json:"didCommitment"`
	TICommitment          []string     `json:"tiCommitment"`
	ACommitment           []string     `json:"aCommitment"`
}

type Milestone struct {
	Index     int    `json:"index"`
	Amount    uint64 `json:"amount"`
	Duration  uint64 `json:"duration"`
	Deadline  uint64 `json:"deadline"`
	Submitted bool   `json:"submitted"`
	Accepted  bool   `json:"accepted"`
	Expired   bool   `json:"expired"`
}

// JobView is the decoded result of get_job_by_id.
type JobView struct {
	ID                  uint64      `json:"id"`
	PosterCommitment    string      `json:"poster_commitment"`
	WorkerCommitment    *string     `json:"worker_commitment,omitempty"`
	JobDetailsCID       string      `json:"job_details_cid"`
	Milestones          []Milestone `json:"milestones"`
	ApplicationDeadline uint64      `json:"application_deadline"`
	Approved            bool        `json:"approved"`
	Active              bool        `json:"active"`
	Completed           bool        `json:"completed"`
}

const (
	JobStatusActive          = "active"
	JobStatusPendingApproval = "pending_approval"
	JobStatusInProgress      = "in_progress"
	JobStatusCompleted       = "completed"
)

// Status collapses the ledger flags into a single display state.
func (j JobView) Status() string {
	switch {
	case j.Completed:
		return JobStatusCompleted
	case j.WorkerCommitment != nil && j.Approved:
		return JobStatusInProgress
	case j.WorkerCommitment != nil:
		return JobStatusPendingApproval
	default:
		return JobStatusActive
	}
}

// TotalAmount sums milestone amounts; the ledger enforces the same sum at post time.
func (j JobView) TotalAmount() uint64 {
	var total uint64
	for _, m := range j.Milestones {
		total += m.Amount
	}
	return total
}

type ProfileView struct {
	DIDHash    string `json:"did_hash"`
	ProfileCID string `json:"profile_cid,omitempty"`
	RoleTypes  []int  `json:"role_types,omitempty"`
}

// Verification is the controller check behind GET /did/{address}.
type Verification struct {
	Address     string `json:"address"`
	HasVerified bool   `json:"hasVerified"`
	DIDHash     string `json:"didHash"`
	Controller  string `json:"controller"`
}

type Submission struct {
	Key        string `json:"key"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type SubmissionResult struct {
	Key    string `json:"key"`
	TxHash string `json:"tx_hash"`
}

// ProofRecord is the audit row for a generated proof. It never carries the DID.
type ProofRecord struct {
	ID                    string   `json:"id"`
	DIDCommitment         string   `json:"did_commitment"`
	VerificationKeyDigest string   `json:"verification_key_digest,omitempty"`
	PublicSignals         []string `json:"public_signals"`
	ActorID               string   `json:"actor_id"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
