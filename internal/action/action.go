// Package action encodes job lifecycle actions for the generic
// execute_job_action entry function.
//
// The dispatcher takes one flat vector of ten positional arguments for every
// action. Each action type below fills only its own slots; everything else
// keeps the typed placeholder set by newSlots.
package action

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
)

// Arity is the fixed length of the dispatcher argument vector.
const Arity = 10

const (
	emptyHex  = "0x"
	zeroU64   = "0"
	applyWeek = 7 * 24 * time.Hour
)

// slots is the positional layout of execute_job_action.
type slots struct {
	code                ActionCode
	jobID               string
	userCommitment      string
	workerCommitment    string
	milestoneIndex      string
	cid                 string
	jobDetailsCID       string
	milestones          []string
	milestoneDurations  []string
	applicationDeadline string
}

// ActionCode is the u8 action selector. It marshals as a JSON number.
type ActionCode = uint8

func newSlots(kind domain.ActionKind, caller string) slots {
	return slots{
		code:                ActionCode(kind),
		jobID:               zeroU64,
		userCommitment:      caller,
		workerCommitment:    emptyHex,
		milestoneIndex:      zeroU64,
		cid:                 emptyHex,
		jobDetailsCID:       emptyHex,
		milestones:          []string{},
		milestoneDurations:  []string{},
		applicationDeadline: zeroU64,
	}
}

// SlotNames labels the dispatcher positions, in order.
var SlotNames = [Arity]string{
	"action_code",
	"job_id",
	"user_commitment",
	"worker_commitment",
	"milestone_index",
	"cid",
	"job_details_cid",
	"milestones",
	"milestone_durations",
	"application_deadline",
}

func (s slots) arguments() []any {
	return []any{
		s.code,
		s.jobID,
		s.userCommitment,
		s.workerCommitment,
		s.milestoneIndex,
		s.cid,
		s.jobDetailsCID,
		s.milestones,
		s.milestoneDurations,
		s.applicationDeadline,
	}
}

// Action is one of the closed set of job actions defined in this package.
type Action interface {
	Kind() domain.ActionKind
	JobID() uint64
	validate(ctx encodeContext) error
	encode(ctx encodeContext) (slots, error)
}

type encodeContext struct {
	now         time.Time
	applyWindow time.Duration
}

// Post creates a job. JobID is assigned by the ledger.
type Post struct {
	Caller             string
	JobDetailsCID      string
	MilestoneAmounts   []uint64
	MilestoneDurations []uint64
	ApplyDeadline      *int64
}

type Apply struct {
	Caller string
	Job    uint64
}

type Approve struct {
	Caller           string
	Job              uint64
	WorkerCommitment string
}

type Submit struct {
	Caller         string
	Job            uint64
	MilestoneIndex uint64
	EvidenceCID    string
}

type Accept struct {
	Caller         string
	Job            uint64
	MilestoneIndex uint64
}

type Complete struct {
	Caller string
	Job    uint64
}

type Claim struct {
	Caller         string
	Job            uint64
	MilestoneIndex uint64
}

type Cancel struct {
	Caller string
	Job    uint64
}

// AutoReturnStake always targets milestone 0.
type AutoReturnStake struct {
	Caller           string
	Job              uint64
	WorkerCommitment string
}

func (Post) Kind() domain.ActionKind            { return domain.ActionPost }
func (Apply) Kind() domain.ActionKind           { return domain.ActionApply }
func (Approve) Kind() domain.ActionKind         { return domain.ActionApprove }
func (Submit) Kind() domain.ActionKind          { return domain.ActionSubmit }
func (Accept) Kind() domain.ActionKind          { return domain.ActionAccept }
func (Complete) Kind() domain.ActionKind        { return domain.ActionComplete }
func (Claim) Kind() domain.ActionKind           { return domain.ActionClaim }
func (Cancel) Kind() domain.ActionKind          { return domain.ActionCancel }
func (AutoReturnStake) Kind() domain.ActionKind { return domain.ActionAutoReturnStake }

func (Post) JobID() uint64              { return 0 }
func (a Apply) JobID() uint64           { return a.Job }
func (a Approve) JobID() uint64         { return a.Job }
func (a Submit) JobID() uint64          { return a.Job }
func (a Accept) JobID() uint64          { return a.Job }
func (a Complete) JobID() uint64        { return a.Job }
func (a Claim) JobID() uint64           { return a.Job }
func (a Cancel) JobID() uint64          { return a.Job }
func (a AutoReturnStake) JobID() uint64 { return a.Job }

// CallerCommitment returns the acting party's commitment for any action.
func CallerCommitment(a Action) string {
	switch v := a.(type) {
	case Post:
		return v.Caller
	case Apply:
		return v.Caller
	case Approve:
		return v.Caller
	case Submit:
		return v.Caller
	case Accept:
		return v.Caller
	case Complete:
		return v.Caller
	case Claim:
		return v.Caller
	case Cancel:
		return v.Caller
	case AutoReturnStake:
		return v.Caller
	default:
		return ""
	}
}

// MilestoneIndex is the milestone an action touches, if any.
func MilestoneIndex(a Action) (uint64, bool) {
	switch v := a.(type) {
	case Submit:
		return v.MilestoneIndex, true
	case Accept:
		return v.MilestoneIndex, true
	case Claim:
		return v.MilestoneIndex, true
	case AutoReturnStake:
		return 0, true
	default:
		return 0, false
	}
}

func (a Post) validate(ctx encodeContext) error {
	if err := checkBase(a.Caller, 0, false); err != nil {
		return err
	}
	if a.JobDetailsCID == "" {
		return domain.Invalid("job_details_cid", "is required")
	}
	if len(a.MilestoneAmounts) == 0 {
		return domain.Invalid("milestones", "at least one milestone is required")
	}
	if len(a.MilestoneAmounts) != len(a.MilestoneDurations) {
		return domain.Invalid("milestone_durations", "array must match milestones length (%d amounts, %d durations)",
			len(a.MilestoneAmounts), len(a.MilestoneDurations))
	}
	for i, amt := range a.MilestoneAmounts {
		if amt == 0 {
			return domain.Invalid(fmt.Sprintf("milestones[%d]", i), "amount must be positive")
		}
		if a.MilestoneDurations[i] == 0 {
			return domain.Invalid(fmt.Sprintf("milestone_durations[%d]", i), "duration must be positive")
		}
	}
	if _, err := Deposit(a.MilestoneAmounts); err != nil {
		return err
	}
	if a.ApplyDeadline != nil && *a.ApplyDeadline <= ctx.now.Unix() {
		return domain.Invalid("application_deadline", "must be in the future")
	}
	return nil
}

func (a Post) encode(ctx encodeContext) (slots, error) {
	if err := a.validate(ctx); err != nil {
		return slots{}, err
	}
	s, err := base(a.Kind(), a.Caller, 0, false)
	if err != nil {
		return s, err
	}
	deadline := ctx.now.Add(ctx.applyWindow).Unix()
	if a.ApplyDeadline != nil {
		deadline = *a.ApplyDeadline
	}
	s.jobDetailsCID = commitment.HexBytes(a.JobDetailsCID)
	s.milestones = u64s(a.MilestoneAmounts)
	s.milestoneDurations = u64s(a.MilestoneDurations)
	s.applicationDeadline = strconv.FormatInt(deadline, 10)
	return s, nil
}

func (a Apply) validate(encodeContext) error {
	return checkBase(a.Caller, a.Job, true)
}

func (a Apply) encode(encodeContext) (slots, error) {
	s, err := base(a.Kind(), a.Caller, a.Job, true)
	if err != nil {
		return s, err
	}
	// the applicant is the prospective worker
	s.workerCommitment = s.userCommitment
	return s, nil
}

func (a Approve) validate(encodeContext) error {
	if err := checkBase(a.Caller, a.Job, true); err != nil {
		return err
	}
	_, err := requiredCommitment("worker_commitment", a.WorkerCommitment)
	return err
}

func (a Approve) encode(encodeContext) (slots, error) {
	s, err := base(a.Kind(), a.Caller, a.Job, true)
	if err != nil {
		return s, err
	}
	w, err := requiredCommitment("worker_commitment", a.WorkerCommitment)
	if err != nil {
		return s, err
	}
	s.workerCommitment = w
	return s, nil
}

func (a Submit) validate(encodeContext) error {
	if err := checkBase(a.Caller, a.Job, true); err != nil {
		return err
	}
	if a.EvidenceCID == "" {
		return domain.Invalid("cid", "evidence cid is required")
	}
	return nil
}

func (a Submit) encode(ctx encodeContext) (slots, error) {
	if err := a.validate(ctx); err != nil {
		return slots{}, err
	}
	s, err := base(a.Kind(), a.Caller, a.Job, true)
	if err != nil {
		return s, err
	}
	s.milestoneIndex = strconv.FormatUint(a.MilestoneIndex, 10)
	s.cid = commitment.HexBytes(a.EvidenceCID)
	return s, nil
}

func (a Accept) validate(encodeContext) error {
	return checkBase(a.Caller, a.Job, true)
}

func (a Accept) encode(encodeContext) (slots, error) {
	s, err := base(a.Kind(), a.Caller, a.Job, true)
	if err != nil {
		return s, err
	}
	s.milestoneIndex = strconv.FormatUint(a.MilestoneIndex, 10)
	return s, nil
}

func (a Complete) validate(encodeContext) error {
	return checkBase(a.Caller, a.Job, true)
}

func (a Complete) encode(encodeContext) (slots, error) {
	return base(a.Kind(), a.Caller, a.Job, true)
}

func (a Claim) validate(encodeContext) error {
	return checkBase(a.Caller, a.Job, true)
}

func (a Claim) encode(encodeContext) (slots, error) {
	s, err := base(a.Kind(), a.Caller, a.Job, true)
	if err != nil {
		return s, err
	}
	s.milestoneIndex = strconv.FormatUint(a.MilestoneIndex, 10)
	return s, nil
}

func (a Cancel) validate(encodeContext) error {
	return checkBase(a.Caller, a.Job, true)
}

func (a Cancel) encode(encodeContext) (slots, error) {
	return base(a.Kind(), a.Caller, a.Job, true)
}

func (a AutoReturnStake) validate(encodeContext) error {
	if err := checkBase(a.Caller, a.Job, true); err != nil {
		return err
	}
	_, err := requiredCommitment("worker_commitment", a.WorkerCommitment)
	return err
}

func (a AutoReturnStake) encode(encodeContext) (slots, error) {
	s, err := base(a.Kind(), a.Caller, a.Job, true)
	if err != nil {
		return s, err
	}
	w, err := requiredCommitment("worker_commitment", a.WorkerCommitment)
	if err != nil {
		return s, err
	}
	s.workerCommitment = w
	s.milestoneIndex = zeroU64
	return s, nil
}

// checkBase validates the caller and job id shared by every action.
func checkBase(caller string, jobID uint64, needJob bool) error {
	if _, err := requiredCommitment("user_commitment", caller); err != nil {
		return err
	}
	if needJob && jobID == 0 {
		return domain.Invalid("job_id", "is required")
	}
	return nil
}

func base(kind domain.ActionKind, caller string, jobID uint64, needJob bool) (slots, error) {
	c, err := requiredCommitment("user_commitment", caller)
	if err != nil {
		return slots{}, err
	}
	s := newSlots(kind, c)
	if needJob {
		if jobID == 0 {
			return s, domain.Invalid("job_id", "is required")
		}
		s.jobID = strconv.FormatUint(jobID, 10)
	}
	return s, nil
}

func requiredCommitment(field, v string) (string, error) {
	if v == "" || v == emptyHex {
		return "", domain.Invalid(field, "is required")
	}
	return commitment.NormalizeHex(field, v)
}

// Deposit is the escrow total for a Post, checked for overflow.
func Deposit(amounts []uint64) (uint64, error) {
	var total uint64
	for _, a := range amounts {
		if a > math.MaxUint64-total {
			return 0, domain.Invalid("milestones", "total deposit overflows u64")
		}
		total += a
	}
	return total, nil
}

func u64s(in []uint64) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strconv.FormatUint(v, 10)
	}
	return out
}
