package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"zkescrow/internal/domain"
)

type fakeNode struct {
	t       *testing.T
	calls   atomic.Int32
	results map[string]any
	fail    bool
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.URL.Path != "/v1/view" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if f.fail {
		http.Error(w, `{"message":"node down"}`, http.StatusServiceUnavailable)
		return
	}
	var req viewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode view request: %v", err)
	}
	res, ok := f.results[shortName(req.Function)]
	if !ok {
		http.Error(w, `{"message":"unknown function"}`, http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(w).Encode([]any{res})
}

func newTestClient(t *testing.T, node *fakeNode) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)
	return &Client{
		NodeURL: srv.URL,
		Names:   Names{Contract: "0x1", JobModule: "escrow", DIDModule: "did_registry", ProfileModule: "profile"},
		Timeout: 2 * time.Second,
	}
}

func TestGetJobParsesOptionAndStrings(t *testing.T) {
	node := &fakeNode{t: t, results: map[string]any{
		"get_job_by_id": map[string]any{
			"poster_commitment": "0xaa",
			"worker_commitment": map[string]any{"vec": []string{"0xbb"}},
			"job_details_cid":   "0x636964",
			"milestones": []any{
				map[string]any{"amount": "100", "duration": "3600", "deadline": "1700000000", "submitted": true},
				map[string]any{"amount": 200, "duration": "60", "deadline": "0"},
			},
			"application_deadline": "1704672000",
			"approved":             true,
			"active":               true,
		},
	}}
	c := newTestClient(t, node)
	job, err := c.GetJob(context.Background(), 5)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.WorkerCommitment == nil || *job.WorkerCommitment != "0xbb" {
		t.Fatalf("worker commitment not parsed: %+v", job.WorkerCommitment)
	}
	if job.JobDetailsCID != "cid" || job.ApplicationDeadline != 1704672000 {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Milestones) != 2 || job.Milestones[1].Amount != 200 || !job.Milestones[0].Submitted {
		t.Fatalf("unexpected milestones %+v", job.Milestones)
	}
	if job.TotalAmount() != 300 || job.Status() != domain.JobStatusInProgress {
		t.Fatalf("unexpected derived fields %d %s", job.TotalAmount(), job.Status())
	}
}

func TestGetJobEmptyOption(t *testing.T) {
	node := &fakeNode{t: t, results: map[string]any{
		"get_job_by_id": map[string]any{"poster_commitment": "0xaa", "worker_commitment": map[string]any{"vec": []string{}}},
	}}
	job, err := newTestClient(t, node).GetJob(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if job.WorkerCommitment != nil || job.Status() != domain.JobStatusActive {
		t.Fatalf("expected no worker, got %+v", job)
	}
}

func TestGuardViews(t *testing.T) {
	node := &fakeNode{t: t, results: map[string]any{
		"is_milestone_expired":   true,
		"get_milestone_deadline": "1700000000",
		"is_worker_banned":       false,
	}}
	c := newTestClient(t, node)
	ctx := context.Background()
	if ok, err := c.IsMilestoneExpired(ctx, 1, 0); err != nil || !ok {
		t.Fatalf("expired: %v %v", ok, err)
	}
	if d, err := c.MilestoneDeadline(ctx, 1, 0); err != nil || d != 1700000000 {
		t.Fatalf("deadline: %v %v", d, err)
	}
	if banned, err := c.IsWorkerBanned(ctx, 1, "0xbb"); err != nil || banned {
		t.Fatalf("banned: %v %v", banned, err)
	}
}

func TestViewFailureIsLedgerQueryError(t *testing.T) {
	c := newTestClient(t, &fakeNode{t: t, fail: true})
	_, err := c.IsMilestoneExpired(context.Background(), 1, 0)
	var le domain.LedgerQueryError
	if !errors.As(err, &le) || le.Function != "is_milestone_expired" {
		t.Fatalf("expected ledger query error, got %v", err)
	}
}

func TestCachedServesJobsFromMemory(t *testing.T) {
	node := &fakeNode{t: t, results: map[string]any{
		"get_job_by_id":              map[string]any{"poster_commitment": "0xaa"},
		"resolve_controller_by_hash": "0xC0FFEE",
	}}
	c := NewCached(newTestClient(t, node), 8, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.GetJob(ctx, 2); err != nil {
			t.Fatal(err)
		}
		if _, err := c.ResolveControllerByHash(ctx, "0xdd"); err != nil {
			t.Fatal(err)
		}
	}
	if got := node.calls.Load(); got != 2 {
		t.Fatalf("expected 2 node calls, got %d", got)
	}
	c.Forget(2)
	if _, err := c.GetJob(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if got := node.calls.Load(); got != 3 {
		t.Fatalf("expected refetch after forget, got %d calls", got)
	}
}

func TestRelaySigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload domain.Payload `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Payload.Function != "0x1::escrow::execute_job_action" {
			http.Error(w, `{"error":"bad function"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"hash":"0xfeed"}`))
	}))
	defer srv.Close()
	s := RelaySigner{URL: srv.URL}
	hash, err := s.Submit(context.Background(), domain.NewPayload("0x1::escrow::execute_job_action", []any{}))
	if err != nil || hash != "0xfeed" {
		t.Fatalf("submit: %q %v", hash, err)
	}
	if _, err := s.Submit(context.Background(), domain.NewPayload("0x1::x::y", nil)); err == nil {
		t.Fatalf("expected relay error")
	}
	if _, err := (RelaySigner{}).Submit(context.Background(), domain.Payload{}); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}
