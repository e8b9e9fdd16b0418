package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"zkescrow/internal/action"
	"zkescrow/internal/config"
	"zkescrow/internal/db"
	"zkescrow/internal/engine"
	"zkescrow/internal/migrate"
)

type delivery struct {
	header http.Header
	body   []byte
}

func TestWebhookDeliversFilteredSignedEvents(t *testing.T) {
	var (
		mu  sync.Mutex
		got []delivery
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer receiver.Close()

	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default(), workspace, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e = e.WithNow(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })

	hooks := []config.WebhookConfig{{URL: receiver.URL, Events: []string{"action.prepared"}, Secret: "s3cret"}}
	d := newWebhookDispatcher(e, hooks, zap.NewNop())
	d.cursors[0] = 0

	ctx := context.Background()
	if _, err := e.ClaimSubmission(ctx, "job:7", "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	post := action.Post{
		Caller:             poster,
		JobDetailsCID:      "bafyjob",
		MilestoneAmounts:   []uint64{100},
		MilestoneDurations: []uint64{3600},
	}
	if _, err := e.PrepareCreateJob(ctx, post, "alice"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if evt := got[0].header.Get("X-Zkescrow-Event"); evt != "action.prepared" {
		t.Fatalf("unexpected event header %q", evt)
	}
	if sig := got[0].header.Get("X-Zkescrow-Signature"); sig != "sha256="+sign("s3cret", got[0].body) {
		t.Fatalf("signature mismatch: %s", sig)
	}
	var evt webhookEvent
	if err := json.Unmarshal(got[0].body, &evt); err != nil {
		t.Fatalf("decode delivery: %v", err)
	}
	if evt.ActorID != "alice" || evt.Type != "action.prepared" {
		t.Fatalf("unexpected delivery %+v", evt)
	}
	if d.cursors[0] != evt.ID {
		t.Fatalf("cursor should advance past skipped events, got %d want %d", d.cursors[0], evt.ID)
	}
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter([]string{" ", ""})
	if !all.match("anything") {
		t.Fatalf("blank filter should match everything")
	}
	some := newEventFilter([]string{"proof.generated"})
	if !some.match("proof.generated") || some.match("proof.verified") {
		t.Fatalf("filter mismatch")
	}
}
