// Package zkescrowsdk is a small client for the zkescrow HTTP API.
package zkescrowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a zkescrow server. BaseURL includes the API base path,
// for example http://localhost:8080/api.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// Payload is an unsigned entry function call.
type Payload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	Encoded  string     `json:"encoded"`
}

type Attribute struct {
	Name   string  `json:"name"`
	Text   *string `json:"text,omitempty"`
	Number *string `json:"number,omitempty"`
}

type ProveRequest struct {
	DID        string      `json:"did"`
	Attributes []Attribute `json:"attributes,omitempty"`
	FullName   string      `json:"fullName,omitempty"`
	Age        string      `json:"age,omitempty"`
	RoleType   *int        `json:"roleType,omitempty"`
}

type ProveResult struct {
	Success               bool     `json:"success"`
	Proof                 Proof    `json:"proof"`
	PublicSignals         []string `json:"publicSignals"`
	VerificationKeyDigest string   `json:"verificationKeyDigest"`
	DIDCommitment         string   `json:"didCommitment"`
	TICommitment          []string `json:"tiCommitment"`
	ACommitment           []string `json:"aCommitment"`
	ProfileCommitment     string   `json:"profileCommitment"`
	RecordID              string   `json:"recordId"`
}

type ProofRecord struct {
	ID                    string   `json:"id"`
	DIDCommitment         string   `json:"did_commitment"`
	VerificationKeyDigest string   `json:"verification_key_digest"`
	PublicSignals         []string `json:"public_signals"`
	ActorID               string   `json:"actor_id"`
	CreatedAt             string   `json:"created_at"`
}

type Commitments struct {
	DIDCommitment      string   `json:"didCommitment"`
	TICommitment       []string `json:"tiCommitment"`
	ACommitment        []string `json:"aCommitment"`
	TableCommitmentHex string   `json:"tableCommitmentHex"`
	Scheme             string   `json:"scheme"`
}

// Milestone is either Octas or a decimal Amount in APT.
type Milestone struct {
	Octas  *uint64 `json:"octas,omitempty"`
	Amount string  `json:"amount,omitempty"`
}

type ActionRequest struct {
	Action              string      `json:"action"`
	JobID               uint64      `json:"job_id,omitempty"`
	UserCommitment      string      `json:"user_commitment"`
	WorkerCommitment    string      `json:"worker_commitment,omitempty"`
	MilestoneIndex      *uint64     `json:"milestone_index,omitempty"`
	CID                 string      `json:"cid,omitempty"`
	JobDetailsCID       string      `json:"job_details_cid,omitempty"`
	Milestones          []Milestone `json:"milestones,omitempty"`
	MilestoneDurations  []uint64    `json:"milestone_durations,omitempty"`
	ApplicationDeadline *int64      `json:"application_deadline,omitempty"`
	Override            bool        `json:"override,omitempty"`
}

type CreateJobRequest struct {
	UserCommitment      string      `json:"user_commitment"`
	JobDetailsCID       string      `json:"job_details_cid"`
	Milestones          []Milestone `json:"milestones"`
	MilestoneDurations  []uint64    `json:"milestone_durations"`
	ApplicationDeadline *int64      `json:"application_deadline,omitempty"`
}

// SubmitRequest names what to send. Set exactly one of Job, CreateJob or
// Profile; ProfileOp is create, update or burn.
type SubmitRequest struct {
	Key       string            `json:"key"`
	Job       *ActionRequest    `json:"job,omitempty"`
	CreateJob *CreateJobRequest `json:"create_job,omitempty"`
	ProfileOp string            `json:"profile_op,omitempty"`
	Profile   *ProfileRequest   `json:"profile,omitempty"`
}

type PayloadResponse struct {
	Success bool    `json:"success"`
	Action  string  `json:"action"`
	Payload Payload `json:"payload"`
	Deposit uint64  `json:"deposit"`
	Message string  `json:"message"`
}

type Expiry struct {
	Success           bool     `json:"success"`
	MilestoneIndex    uint64   `json:"milestone_index"`
	IsExpired         bool     `json:"is_expired"`
	MilestoneDeadline uint64   `json:"milestone_deadline"`
	CurrentTime       int64    `json:"current_time"`
	Milestones        []Expiry `json:"milestones"`
}

type Banned struct {
	IsBanned         bool   `json:"is_banned"`
	WorkerCommitment string `json:"worker_commitment"`
	JobID            uint64 `json:"job_id"`
}

type JobMilestone struct {
	Index     int    `json:"index"`
	Amount    uint64 `json:"amount"`
	Duration  uint64 `json:"duration"`
	Deadline  uint64 `json:"deadline"`
	Submitted bool   `json:"submitted"`
	Accepted  bool   `json:"accepted"`
	Expired   bool   `json:"expired"`
}

type Job struct {
	ID                  uint64         `json:"id"`
	PosterCommitment    string         `json:"poster_commitment"`
	WorkerCommitment    *string        `json:"worker_commitment"`
	JobDetailsCID       string         `json:"job_details_cid"`
	Milestones          []JobMilestone `json:"milestones"`
	ApplicationDeadline uint64         `json:"application_deadline"`
	Approved            bool           `json:"approved"`
	Active              bool           `json:"active"`
	Completed           bool           `json:"completed"`
}

type JobResponse struct {
	Job         Job    `json:"job"`
	Status      string `json:"status"`
	TotalAmount uint64 `json:"total_amount"`
}

type ProfileRequest struct {
	DID                string   `json:"did"`
	RoleTypes          []int    `json:"roleTypes,omitempty"`
	DIDCommitment      string   `json:"didCommitment,omitempty"`
	ProfileCID         string   `json:"profileCid,omitempty"`
	TableCommitmentHex string   `json:"tableCommitmentHex,omitempty"`
	TICommitment       []string `json:"tICommitment,omitempty"`
	ACommitment        []string `json:"aCommitment,omitempty"`
}

type Verification struct {
	Address     string `json:"address"`
	HasVerified bool   `json:"hasVerified"`
	DIDHash     string `json:"didHash"`
	Controller  string `json:"controller"`
}

type Submission struct {
	Key        string `json:"key"`
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

type SubmissionResult struct {
	Key    string `json:"key"`
	TxHash string `json:"tx_hash"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Health struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
	Scheme        string `json:"commitment_scheme"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body is a standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) FullProve(ctx context.Context, req ProveRequest) (ProveResult, error) {
	var resp ProveResult
	err := c.do(ctx, http.MethodPost, "zkp/fullprove", req, &resp)
	return resp, err
}

// Verify reports whether the server accepts proof for signals.
func (c *Client) Verify(ctx context.Context, proof Proof, signals []string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "zkp/verify", map[string]any{"proof": proof, "publicSignals": signals}, &resp)
	return resp.Valid, err
}

// Proofs lists recorded proofs; an empty didCommitment lists all.
func (c *Client) Proofs(ctx context.Context, didCommitment string, limit int) ([]ProofRecord, error) {
	q := url.Values{}
	if didCommitment != "" {
		q.Set("did_commitment", didCommitment)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "proofs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []ProofRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Commitments(ctx context.Context, did string, attrs []Attribute) (Commitments, error) {
	var resp Commitments
	err := c.do(ctx, http.MethodPost, "commitments", map[string]any{"did": did, "attributes": attrs}, &resp)
	return resp, err
}

func (c *Client) JobAction(ctx context.Context, req ActionRequest) (PayloadResponse, error) {
	var resp PayloadResponse
	err := c.do(ctx, http.MethodPost, "job/actions", req, &resp)
	return resp, err
}

func (c *Client) AutoReturnStake(ctx context.Context, jobID uint64, userCommitment, workerCommitment string, override bool) (PayloadResponse, error) {
	body := map[string]any{
		"job_id":            jobID,
		"user_commitment":   userCommitment,
		"worker_commitment": workerCommitment,
		"override":          override,
	}
	var resp PayloadResponse
	err := c.do(ctx, http.MethodPost, "job/auto-return-stake", body, &resp)
	return resp, err
}

// PostJob builds the standalone create_job payload.
func (c *Client) PostJob(ctx context.Context, userCommitment, jobDetailsCID string, milestones []Milestone, durations []uint64) (PayloadResponse, error) {
	body := map[string]any{
		"user_commitment":     userCommitment,
		"job_details_cid":     jobDetailsCID,
		"milestones":          milestones,
		"milestone_durations": durations,
	}
	var resp PayloadResponse
	err := c.do(ctx, http.MethodPost, "job/post", body, &resp)
	return resp, err
}

func (c *Client) CheckExpiry(ctx context.Context, jobID uint64, indices ...uint64) (Expiry, error) {
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.FormatUint(idx, 10)
	}
	q := url.Values{}
	q.Set("job_id", strconv.FormatUint(jobID, 10))
	q.Set("milestone_index", strings.Join(parts, ","))
	var resp Expiry
	err := c.do(ctx, http.MethodGet, "job/check-expiry?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) CheckBanned(ctx context.Context, jobID uint64, workerCommitment string) (Banned, error) {
	q := url.Values{}
	q.Set("job_id", strconv.FormatUint(jobID, 10))
	q.Set("worker_commitment", workerCommitment)
	var resp Banned
	err := c.do(ctx, http.MethodGet, "job/check-banned?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) Job(ctx context.Context, jobID uint64) (JobResponse, error) {
	var resp JobResponse
	err := c.do(ctx, http.MethodGet, "job/"+strconv.FormatUint(jobID, 10), nil, &resp)
	return resp, err
}

func (c *Client) CreateProfile(ctx context.Context, req ProfileRequest) (PayloadResponse, error) {
	return c.profile(ctx, "did/create-profile", req)
}

func (c *Client) UpdateProfile(ctx context.Context, req ProfileRequest) (PayloadResponse, error) {
	return c.profile(ctx, "did/update-profile", req)
}

func (c *Client) BurnProfile(ctx context.Context, req ProfileRequest) (PayloadResponse, error) {
	return c.profile(ctx, "did/burn-profile", req)
}

func (c *Client) profile(ctx context.Context, endpoint string, req ProfileRequest) (PayloadResponse, error) {
	var resp PayloadResponse
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

func (c *Client) VerifyDID(ctx context.Context, address string) (Verification, error) {
	var resp Verification
	err := c.do(ctx, http.MethodGet, "did/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

// ClaimSubmission takes the lease for a job (jobID > 0) or a DID.
func (c *Client) ClaimSubmission(ctx context.Context, jobID uint64, did string) (Submission, error) {
	body := map[string]any{}
	if jobID > 0 {
		body["job_id"] = jobID
	}
	if did != "" {
		body["did"] = did
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "submissions/claim", body, &resp)
	return resp, err
}

func (c *Client) ReleaseSubmission(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "submissions/release", map[string]any{"key": key}, nil)
}

// Submit asks the server to rebuild and sign the named request under the
// lease held on req.Key. The server never accepts a raw payload here.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmissionResult, error) {
	var resp SubmissionResult
	err := c.do(ctx, http.MethodPost, "submissions/submit", req, &resp)
	return resp, err
}

func (c *Client) Submissions(ctx context.Context) ([]Submission, error) {
	var resp []Submission
	err := c.do(ctx, http.MethodGet, "submissions", nil, &resp)
	return resp, err
}

// EventsPage returns a page of audit events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, eventType string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Code, envelope.Error
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
