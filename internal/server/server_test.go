package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"

	"zkescrow/internal/config"
	"zkescrow/internal/db"
	"zkescrow/internal/domain"
	"zkescrow/internal/engine"
	"zkescrow/internal/guard"
	"zkescrow/internal/migrate"
	"zkescrow/internal/prover"
)

const (
	poster = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	worker = "0x00000000000000000000000000000000000000000000000000000000000000bb"
)

type fakeChain struct {
	mu      sync.Mutex
	expired map[uint64]bool
	banned  map[string]bool
	jobs    map[uint64]domain.JobView
}

func (f *fakeChain) IsMilestoneExpired(_ context.Context, _ uint64, idx uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired[idx], nil
}

func (f *fakeChain) MilestoneDeadline(context.Context, uint64, uint64) (uint64, error) {
	return 1704067200, nil
}

func (f *fakeChain) IsWorkerBanned(_ context.Context, _ uint64, c string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[c], nil
}

func (f *fakeChain) GetJob(_ context.Context, id uint64) (domain.JobView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return j, domain.LedgerQueryError{Function: "get_job_by_id", Err: errors.New("job not found")}
	}
	return j, nil
}

type fakeSigner struct {
	calls int
	last  domain.Payload
}

func (s *fakeSigner) Submit(_ context.Context, p domain.Payload) (string, error) {
	s.calls++
	s.last = p
	return "0xbeef", nil
}

type testServer struct {
	URL    string
	Chain  *fakeChain
	Signer *fakeSigner
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig, opts ...func(*engine.Engine)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default(), workspace, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	chain := &fakeChain{expired: map[uint64]bool{}, banned: map[string]bool{}, jobs: map[uint64]domain.JobView{}}
	signer := &fakeSigner{}
	e.Guard = guard.Guard{Ledger: chain}
	e.Jobs = chain
	e.Signer = signer
	e = e.WithNow(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	for _, opt := range opts {
		opt(&e)
	}

	handler, err := New(Config{Engine: e, Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/api", Chain: chain, Signer: signer, client: &http.Client{}}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	if e.Success {
		t.Fatalf("error envelope must carry success=false: %s", data)
	}
	return e
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("expected status %d, got %d: %s", want, res.StatusCode, data)
	}
}

func TestHealthAndMetricsStayOpenWithAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})

	res, data := srv.do(t, http.MethodGet, "/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var health healthBody
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.SchemaVersion != latest || health.Scheme == "" {
		t.Fatalf("unexpected health %+v", health)
	}

	res, data = srv.do(t, http.MethodGet, "/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = srv.do(t, http.MethodGet, "/events", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if e := decodeError(t, data); e.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", e.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	res, data = srv.do(t, http.MethodGet, "/events", nil, map[string]string{"Authorization": "Bearer " + token})
	expectStatus(t, res, data, http.StatusOK)

	res, data = srv.do(t, http.MethodGet, "/events", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestPostWithMismatchedArraysIsRejected(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := srv.do(t, http.MethodPost, "/job/actions", map[string]any{
		"action":              "post",
		"user_commitment":     poster,
		"job_details_cid":     "QmJob",
		"milestones":          []map[string]any{{"octas": 100}, {"amount": "1.5"}},
		"milestone_durations": []uint64{3600},
	}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
	e := decodeError(t, data)
	if e.Code != "invalid_input" || e.Details["field"] != "milestone_durations" {
		t.Fatalf("unexpected envelope %+v", e)
	}
}

func TestPostReturnsDepositAndPayload(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := srv.do(t, http.MethodPost, "/job/actions", map[string]any{
		"action":              "post",
		"user_commitment":     poster,
		"job_details_cid":     "QmJob",
		"milestones":          []map[string]any{{"octas": 100}, {"amount": "1.5"}},
		"milestone_durations": []uint64{3600, 7200},
	}, map[string]string{"X-Actor-Id": "poster-app"})
	expectStatus(t, res, data, http.StatusOK)
	var out PayloadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Deposit != 150000100 || out.Action != "post" {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(out.Payload.Arguments) != 10 || out.Payload.Type != domain.EntryFunctionPayload {
		t.Fatalf("unexpected payload %+v", out.Payload)
	}

	res, data = srv.do(t, http.MethodGet, "/events?type=action.prepared", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].ActorID != "poster-app" || page.Items[0].Payload["action"] != "post" {
		t.Fatalf("unexpected events %+v", page.Items)
	}
}

func TestAutoReturnStakeNeedsExpiredMilestone(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := map[string]any{"job_id": 7, "user_commitment": poster, "worker_commitment": worker}

	res, data := srv.do(t, http.MethodPost, "/job/auto-return-stake", body, nil)
	expectStatus(t, res, data, http.StatusConflict)
	if e := decodeError(t, data); e.Code != "precondition_not_met" {
		t.Fatalf("unexpected code %q", e.Code)
	}

	srv.Chain.mu.Lock()
	srv.Chain.expired[0] = true
	srv.Chain.mu.Unlock()
	res, data = srv.do(t, http.MethodPost, "/job/auto-return-stake", body, nil)
	expectStatus(t, res, data, http.StatusOK)
	var out PayloadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if code, _ := out.Payload.Arguments[0].(float64); code != 9 {
		t.Fatalf("expected action code 9, got %v", out.Payload.Arguments[0])
	}
	if out.Payload.Arguments[3] != worker || out.Payload.Arguments[4] != "0" {
		t.Fatalf("unexpected arguments %v", out.Payload.Arguments)
	}
}

func TestBannedWorkerCannotApply(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	srv.Chain.banned[worker] = true
	res, data := srv.do(t, http.MethodPost, "/job/actions", map[string]any{
		"action":          "apply",
		"job_id":          7,
		"user_commitment": worker,
	}, nil)
	expectStatus(t, res, data, http.StatusForbidden)
	if e := decodeError(t, data); e.Code != "worker_banned" {
		t.Fatalf("unexpected code %q", e.Code)
	}

	res, data = srv.do(t, http.MethodGet, "/job/check-banned?job_id=7&worker_commitment="+worker, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var banned BannedResponse
	if err := json.Unmarshal(data, &banned); err != nil {
		t.Fatal(err)
	}
	if !banned.IsBanned || banned.JobID != 7 {
		t.Fatalf("unexpected response %+v", banned)
	}
}

func TestJobAndExpiryReads(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	w := worker
	srv.Chain.jobs[7] = domain.JobView{
		ID:               7,
		PosterCommitment: poster,
		WorkerCommitment: &w,
		Milestones:       []domain.Milestone{{Index: 0, Amount: 100}, {Index: 1, Amount: 200}},
		Active:           true,
	}
	srv.Chain.expired[1] = true

	res, data := srv.do(t, http.MethodGet, "/job/7", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobStatusPendingApproval || job.TotalAmount != 300 {
		t.Fatalf("unexpected job %+v", job)
	}

	res, data = srv.do(t, http.MethodGet, "/job/9", nil, nil)
	expectStatus(t, res, data, http.StatusBadGateway)

	res, data = srv.do(t, http.MethodGet, "/job/check-expiry?job_id=7&milestone_index=0,1", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var exp ExpiryResponse
	if err := json.Unmarshal(data, &exp); err != nil {
		t.Fatal(err)
	}
	if exp.IsExpired || len(exp.Milestones) != 2 || !exp.Milestones[1].IsExpired {
		t.Fatalf("unexpected expiry %+v", exp)
	}

	res, data = srv.do(t, http.MethodGet, "/job/check-expiry?job_id=7", nil, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestSubmissionLeaseConflict(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	alice := map[string]string{"X-Actor-Id": "alice"}
	bob := map[string]string{"X-Actor-Id": "bob"}

	res, data := srv.do(t, http.MethodPost, "/submissions/claim", map[string]any{"job_id": 7}, alice)
	expectStatus(t, res, data, http.StatusOK)
	var sub domain.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatal(err)
	}
	if sub.Key != "job:7" || sub.OwnerID != "alice" {
		t.Fatalf("unexpected lease %+v", sub)
	}

	res, data = srv.do(t, http.MethodGet, "/submissions/job:7", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = srv.do(t, http.MethodPost, "/submissions/claim", map[string]any{"job_id": 7}, bob)
	expectStatus(t, res, data, http.StatusConflict)
	if e := decodeError(t, data); e.Code != "submission_conflict" {
		t.Fatalf("unexpected code %q", e.Code)
	}

	apply := map[string]any{
		"key": "job:7",
		"job": map[string]any{"action": "apply", "job_id": 7, "user_commitment": worker},
	}
	res, data = srv.do(t, http.MethodPost, "/submissions/submit", apply, bob)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = srv.do(t, http.MethodPost, "/submissions/submit", map[string]any{
		"key": "job:7",
		"job": map[string]any{"action": "apply", "job_id": 8, "user_commitment": worker},
	}, alice)
	expectStatus(t, res, data, http.StatusConflict)
	if e := decodeError(t, data); e.Code != "submission_conflict" {
		t.Fatalf("key mismatch should be a submission conflict, got %q", e.Code)
	}

	res, data = srv.do(t, http.MethodPost, "/submissions/submit", apply, alice)
	expectStatus(t, res, data, http.StatusOK)
	var result domain.SubmissionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.TxHash != "0xbeef" || srv.Signer.calls != 1 {
		t.Fatalf("unexpected result %+v (calls %d)", result, srv.Signer.calls)
	}
	if len(srv.Signer.last.Arguments) != 10 || srv.Signer.last.Arguments[2] != worker {
		t.Fatalf("signer should get the payload the server built: %+v", srv.Signer.last)
	}
	res, data = srv.do(t, http.MethodGet, "/submissions/job:7", nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = srv.do(t, http.MethodPost, "/submissions/claim", map[string]any{"job_id": 7}, bob)
	expectStatus(t, res, data, http.StatusOK)
}

func TestProfilePayloadDefaults(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := srv.do(t, http.MethodPost, "/did/create-profile", map[string]any{
		"did":       "did:example:alice",
		"roleTypes": []int{1},
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var out PayloadResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Payload.Arguments) != 7 || out.Payload.Arguments[3] != "0x" {
		t.Fatalf("unexpected arguments %v", out.Payload.Arguments)
	}

	res, data = srv.do(t, http.MethodPost, "/did/create-profile", map[string]any{
		"did":       "did:example:alice",
		"roleTypes": []int{5},
	}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
}

func TestSubmitRefusedActionNeverReachesSigner(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	alice := map[string]string{"X-Actor-Id": "alice"}
	res, data := srv.do(t, http.MethodPost, "/submissions/claim", map[string]any{"job_id": 3}, alice)
	expectStatus(t, res, data, http.StatusOK)

	res, data = srv.do(t, http.MethodPost, "/submissions/submit", map[string]any{
		"key": "job:3",
		"job": map[string]any{
			"action":            "auto_return_stake",
			"job_id":            3,
			"user_commitment":   poster,
			"worker_commitment": worker,
		},
	}, alice)
	expectStatus(t, res, data, http.StatusConflict)
	if e := decodeError(t, data); e.Code != "precondition_not_met" {
		t.Fatalf("unexpected code %q", e.Code)
	}

	srv.Chain.mu.Lock()
	srv.Chain.banned[worker] = true
	srv.Chain.mu.Unlock()
	res, data = srv.do(t, http.MethodPost, "/submissions/submit", map[string]any{
		"key": "job:3",
		"job": map[string]any{"action": "apply", "job_id": 3, "user_commitment": worker},
	}, alice)
	expectStatus(t, res, data, http.StatusForbidden)

	if srv.Signer.calls != 0 {
		t.Fatalf("signer must not be called for refused actions, got %d calls", srv.Signer.calls)
	}
	res, data = srv.do(t, http.MethodGet, "/submissions/job:3", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
}

func TestMilestonesAcceptBareOctas(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	for _, path := range []string{"/job/actions", "/job/post"} {
		body := map[string]any{
			"user_commitment":     poster,
			"job_details_cid":     "QmJob",
			"milestones":          []any{100000000, 200000000},
			"milestone_durations": []uint64{3600, 3600},
		}
		if path == "/job/actions" {
			body["action"] = "post"
		}
		res, data := srv.do(t, http.MethodPost, path, body, nil)
		expectStatus(t, res, data, http.StatusOK)
		var out PayloadResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
		if out.Deposit != 300000000 {
			t.Fatalf("%s: deposit %d", path, out.Deposit)
		}
	}

	res, data := srv.do(t, http.MethodPost, "/job/actions", map[string]any{
		"action":              "post",
		"user_commitment":     poster,
		"job_details_cid":     "QmJob",
		"milestones":          []any{-5},
		"milestone_durations": []uint64{3600},
	}, nil)
	if res.StatusCode < 400 || res.StatusCode >= 500 {
		t.Fatalf("negative amount should be rejected, got %d: %s", res.StatusCode, data)
	}
}

func withMemProver(t *testing.T, drop ...string) func(*engine.Engine) {
	t.Helper()
	store := prover.Store{Fs: afero.NewMemMapFs()}
	set := prover.ArtifactSet{
		WitnessGenerator: "/zk/membership.r1cs",
		ProvingKey:       "/zk/circuit.pk",
		InputTemplate:    "/zk/input.json",
		VerificationKey:  "/zk/verification_key.vk",
	}
	if err := prover.Setup(store, set); err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, p := range drop {
		if err := store.Fs.Remove(p); err != nil {
			t.Fatalf("remove %s: %v", p, err)
		}
	}
	return func(e *engine.Engine) {
		e.Prover = prover.New(store, set, prover.NewPool(1, time.Minute), e.Scheme, nil)
	}
}

func TestFullProveReturnsDIDCommitment(t *testing.T) {
	srv := newTestServer(t, AuthConfig{}, withMemProver(t))
	res, data := srv.do(t, http.MethodPost, "/zkp/fullprove", map[string]any{"did": "did:example:alice"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var out ProveResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("did:example:alice"))
	if !out.Success || out.DIDCommitment != "0x"+hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(out.PublicSignals) != 2 || out.Proof.Encoded == "" || out.RecordID == "" {
		t.Fatalf("incomplete artifact %+v", out)
	}
	if bytes.Contains(data, []byte("did:example:alice")) {
		t.Fatalf("response must not echo the raw did: %s", data)
	}
}

func TestFullProveMissingProvingKey(t *testing.T) {
	srv := newTestServer(t, AuthConfig{}, withMemProver(t, "/zk/circuit.pk"))
	res, data := srv.do(t, http.MethodPost, "/zkp/fullprove", map[string]any{"did": "did:example:alice"}, nil)
	expectStatus(t, res, data, http.StatusInternalServerError)
	e := decodeError(t, data)
	if e.Code != "artifact_missing" || e.Message != "Missing files: /zk/circuit.pk" {
		t.Fatalf("unexpected envelope %+v", e)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["success"] != false || raw["error"] != "Missing files: /zk/circuit.pk" {
		t.Fatalf("unexpected body %s", data)
	}
}
