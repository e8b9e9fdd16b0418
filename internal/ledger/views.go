package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"zkescrow/internal/domain"
)

// u64 accepts the node's string encoding ("42") as well as plain numbers.
type u64 uint64

func (v *u64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid u64 %s", b)
	}
	*v = u64(n)
	return nil
}

// optionString decodes Move Option<T> ({"vec":[x]}), a bare string, or null.
type optionString struct {
	Value *string
}

func (o *optionString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		o.Value = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != "" && s != "0x" {
			o.Value = &s
		}
		return nil
	}
	var opt struct {
		Vec []string `json:"vec"`
	}
	if err := json.Unmarshal(b, &opt); err != nil {
		return fmt.Errorf("invalid option: %w", err)
	}
	if len(opt.Vec) > 0 {
		o.Value = &opt.Vec[0]
	} else {
		o.Value = nil
	}
	return nil
}

type rawMilestone struct {
	Amount    u64  `json:"amount"`
	Duration  u64  `json:"duration"`
	Deadline  u64  `json:"deadline"`
	Submitted bool `json:"submitted"`
	Accepted  bool `json:"accepted"`
	Expired   bool `json:"expired"`
}

type rawJob struct {
	PosterCommitment    string         `json:"poster_commitment"`
	WorkerCommitment    optionString   `json:"worker_commitment"`
	JobDetailsCID       string         `json:"job_details_cid"`
	Milestones          []rawMilestone `json:"milestones"`
	ApplicationDeadline u64            `json:"application_deadline"`
	Approved            bool           `json:"approved"`
	Active              bool           `json:"active"`
	Completed           bool           `json:"completed"`
}

func (r rawJob) view(id uint64) domain.JobView {
	j := domain.JobView{
		ID:                  id,
		PosterCommitment:    r.PosterCommitment,
		WorkerCommitment:    r.WorkerCommitment.Value,
		JobDetailsCID:       decodeText(r.JobDetailsCID),
		ApplicationDeadline: uint64(r.ApplicationDeadline),
		Approved:            r.Approved,
		Active:              r.Active,
		Completed:           r.Completed,
		Milestones:          make([]domain.Milestone, len(r.Milestones)),
	}
	for i, m := range r.Milestones {
		j.Milestones[i] = domain.Milestone{
			Index:     i,
			Amount:    uint64(m.Amount),
			Duration:  uint64(m.Duration),
			Deadline:  uint64(m.Deadline),
			Submitted: m.Submitted,
			Accepted:  m.Accepted,
			Expired:   m.Expired,
		}
	}
	return j
}

// decodeText turns a vector<u8> hex string back into the CID text when it is printable.
func decodeText(s string) string {
	if !strings.HasPrefix(s, "0x") {
		return s
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil || len(b) == 0 || !utf8.Valid(b) {
		return s
	}
	return string(b)
}

func (c *Client) GetJob(ctx context.Context, jobID uint64) (domain.JobView, error) {
	var raw rawJob
	if err := c.viewInto(ctx, c.Names.Job("get_job_by_id"), &raw, strconv.FormatUint(jobID, 10)); err != nil {
		return domain.JobView{}, err
	}
	return raw.view(jobID), nil
}

func (c *Client) IsMilestoneExpired(ctx context.Context, jobID, index uint64) (bool, error) {
	var expired bool
	err := c.viewInto(ctx, c.Names.Job("is_milestone_expired"), &expired,
		strconv.FormatUint(jobID, 10), strconv.FormatUint(index, 10))
	return expired, err
}

func (c *Client) MilestoneDeadline(ctx context.Context, jobID, index uint64) (uint64, error) {
	var deadline u64
	err := c.viewInto(ctx, c.Names.Job("get_milestone_deadline"), &deadline,
		strconv.FormatUint(jobID, 10), strconv.FormatUint(index, 10))
	return uint64(deadline), err
}

func (c *Client) IsWorkerBanned(ctx context.Context, jobID uint64, commitment string) (bool, error) {
	var banned bool
	err := c.viewInto(ctx, c.Names.Job("is_worker_banned"), &banned, strconv.FormatUint(jobID, 10), commitment)
	return banned, err
}

// ResolveControllerByHash returns the account that controls a DID hash.
func (c *Client) ResolveControllerByHash(ctx context.Context, didHash string) (string, error) {
	var controller string
	err := c.viewInto(ctx, c.Names.DID("resolve_controller_by_hash"), &controller, didHash)
	return controller, err
}

type rawProfile struct {
	DIDHash    string `json:"did_hash"`
	ProfileCID string `json:"profile_cid"`
	RoleTypes  []u64  `json:"role_types"`
}

func (c *Client) ProfileByAddress(ctx context.Context, address string) (domain.ProfileView, error) {
	var raw rawProfile
	if err := c.viewInto(ctx, c.Names.Profile("get_profile_by_address"), &raw, address); err != nil {
		return domain.ProfileView{}, err
	}
	p := domain.ProfileView{DIDHash: raw.DIDHash, ProfileCID: decodeText(raw.ProfileCID)}
	for _, r := range raw.RoleTypes {
		p.RoleTypes = append(p.RoleTypes, int(r))
	}
	return p, nil
}
