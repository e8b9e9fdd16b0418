package action

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"zkescrow/internal/domain"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testEncoder() Encoder {
	return Encoder{
		Functions:   FunctionsFor("0xabc", "escrow"),
		ApplyWindow: 604800 * time.Second,
		Now:         func() time.Time { return fixedNow },
	}
}

const (
	poster = "0xaaaa"
	worker = "0xbbbb"
)

func sampleActions() []Action {
	return []Action{
		Post{Caller: poster, JobDetailsCID: "cid123", MilestoneAmounts: []uint64{100_000_000, 200_000_000}, MilestoneDurations: []uint64{3600, 7200}},
		Apply{Caller: worker, Job: 7},
		Approve{Caller: poster, Job: 7, WorkerCommitment: worker},
		Submit{Caller: worker, Job: 7, MilestoneIndex: 1, EvidenceCID: "evidence"},
		Accept{Caller: poster, Job: 7, MilestoneIndex: 1},
		Complete{Caller: poster, Job: 7},
		Claim{Caller: worker, Job: 7, MilestoneIndex: 0},
		Cancel{Caller: poster, Job: 7},
		AutoReturnStake{Caller: poster, Job: 7, WorkerCommitment: worker},
	}
}

func TestEveryActionHasFixedArity(t *testing.T) {
	enc := testEncoder()
	seen := map[domain.ActionKind]bool{}
	for _, a := range sampleActions() {
		out, err := enc.Encode(a)
		if err != nil {
			t.Fatalf("%s: %v", a.Kind(), err)
		}
		args := out.Arguments()
		if len(args) != Arity {
			t.Fatalf("%s: expected %d args, got %d", a.Kind(), Arity, len(args))
		}
		if code, ok := args[0].(uint8); !ok || code != uint8(a.Kind()) {
			t.Fatalf("%s: bad action code %v", a.Kind(), args[0])
		}
		if args[2] != CallerCommitment(a) {
			t.Fatalf("%s: caller slot %v", a.Kind(), args[2])
		}
		if out.Payload.Function != "0xabc::escrow::execute_job_action" {
			t.Fatalf("unexpected function %s", out.Payload.Function)
		}
		if out.Payload.Type != domain.EntryFunctionPayload || out.Payload.TypeArguments == nil {
			t.Fatalf("payload envelope incomplete: %+v", out.Payload)
		}
		seen[a.Kind()] = true
	}
	for _, k := range domain.ActionKinds() {
		if !seen[k] {
			t.Fatalf("no sample for %s", k)
		}
	}
}

func TestPostDepositAndDefaultDeadline(t *testing.T) {
	out, err := testEncoder().Encode(sampleActions()[0])
	if err != nil {
		t.Fatal(err)
	}
	if out.Deposit != 300_000_000 {
		t.Fatalf("expected deposit 300000000, got %d", out.Deposit)
	}
	args := out.Arguments()
	if args[1] != "0" || args[3] != "0x" || args[4] != "0" || args[5] != "0x" {
		t.Fatalf("unused slots must hold placeholders: %v", args)
	}
	if args[6] != "0x636964313233" {
		t.Fatalf("job details cid not hex encoded: %v", args[6])
	}
	if got := args[7].([]string); len(got) != 2 || got[0] != "100000000" || got[1] != "200000000" {
		t.Fatalf("milestones slot %v", got)
	}
	if got := args[8].([]string); len(got) != 2 || got[1] != "7200" {
		t.Fatalf("durations slot %v", got)
	}
	want := "1704672000" // 2024-01-01 + 7 days
	if args[9] != want {
		t.Fatalf("expected deadline %s, got %v", want, args[9])
	}
}

func TestPostRejectsMismatchedArrays(t *testing.T) {
	_, err := testEncoder().Encode(Post{
		Caller:             poster,
		JobDetailsCID:      "cid",
		MilestoneAmounts:   []uint64{1, 2, 3},
		MilestoneDurations: []uint64{10, 20},
	})
	var ve domain.InputValidationError
	if !errors.As(err, &ve) || ve.Field != "milestone_durations" {
		t.Fatalf("expected validation error on milestone_durations, got %v", err)
	}
	if !strings.Contains(err.Error(), "must match milestones length") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPostValidation(t *testing.T) {
	past := fixedNow.Add(-time.Hour).Unix()
	cases := []struct {
		name  string
		post  Post
		field string
	}{
		{"no caller", Post{JobDetailsCID: "c", MilestoneAmounts: []uint64{1}, MilestoneDurations: []uint64{1}}, "user_commitment"},
		{"no cid", Post{Caller: poster, MilestoneAmounts: []uint64{1}, MilestoneDurations: []uint64{1}}, "job_details_cid"},
		{"empty milestones", Post{Caller: poster, JobDetailsCID: "c"}, "milestones"},
		{"zero amount", Post{Caller: poster, JobDetailsCID: "c", MilestoneAmounts: []uint64{0}, MilestoneDurations: []uint64{1}}, "milestones[0]"},
		{"overflow", Post{Caller: poster, JobDetailsCID: "c", MilestoneAmounts: []uint64{^uint64(0), 1}, MilestoneDurations: []uint64{1, 1}}, "milestones"},
		{"past deadline", Post{Caller: poster, JobDetailsCID: "c", MilestoneAmounts: []uint64{1}, MilestoneDurations: []uint64{1}, ApplyDeadline: &past}, "application_deadline"},
		{"bad caller hex", Post{Caller: "abc", JobDetailsCID: "c", MilestoneAmounts: []uint64{1}, MilestoneDurations: []uint64{1}}, "user_commitment"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := testEncoder().Encode(tc.post)
			var ve domain.InputValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("expected error on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestApplyFillsWorkerSlotWithCaller(t *testing.T) {
	out, err := testEncoder().Encode(Apply{Caller: "0xBBBB", Job: 3})
	if err != nil {
		t.Fatal(err)
	}
	args := out.Arguments()
	if args[1] != "3" || args[2] != "0xbbbb" || args[3] != "0xbbbb" {
		t.Fatalf("unexpected apply slots %v", args)
	}
	for _, i := range []int{4, 5, 6, 7, 8, 9} {
		if !IsPlaceholder(args[i]) {
			t.Fatalf("slot %d should be a placeholder, got %v", i, args[i])
		}
	}
}

func TestAutoReturnStakeTargetsMilestoneZero(t *testing.T) {
	out, err := testEncoder().Encode(AutoReturnStake{Caller: poster, Job: 9, WorkerCommitment: worker})
	if err != nil {
		t.Fatal(err)
	}
	args := out.Arguments()
	if args[0] != uint8(9) || args[3] != worker || args[4] != "0" {
		t.Fatalf("unexpected slots %v", args)
	}
	if idx, ok := MilestoneIndex(AutoReturnStake{}); !ok || idx != 0 {
		t.Fatalf("auto return stake should report milestone 0")
	}
	if _, err := testEncoder().Encode(AutoReturnStake{Caller: poster, Job: 9}); err == nil {
		t.Fatalf("worker commitment is required")
	}
}

func TestJobActionsRequireJobID(t *testing.T) {
	var ve domain.InputValidationError
	if _, err := testEncoder().Encode(Cancel{Caller: poster}); !errors.As(err, &ve) || ve.Field != "job_id" {
		t.Fatalf("expected job_id error, got %v", err)
	}
	if _, err := testEncoder().Encode(Submit{Caller: worker, Job: 1, MilestoneIndex: 0}); !errors.As(err, &ve) || ve.Field != "cid" {
		t.Fatalf("expected cid error, got %v", err)
	}
}

func TestParseRequest(t *testing.T) {
	one := uint64(1)
	a, err := Parse(Request{Action: "Auto-Return-Stake", JobID: 4, UserCommitment: poster, WorkerCommitment: worker})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(AutoReturnStake); !ok {
		t.Fatalf("parsed %T", a)
	}
	if _, err := Parse(Request{Action: "accept", JobID: 4, UserCommitment: poster}); err == nil {
		t.Fatalf("accept without milestone index must fail")
	}
	if _, err := Parse(Request{Action: "auto_return_stake", JobID: 4, MilestoneIndex: &one}); err == nil {
		t.Fatalf("auto return stake with index 1 must fail")
	}
	if _, err := Parse(Request{Action: "withdraw"}); err == nil {
		t.Fatalf("unknown action must fail")
	}

	octas := uint64(5)
	p, err := Parse(Request{
		Action:             "post",
		UserCommitment:     poster,
		JobDetailsCID:      "cid",
		Milestones:         []MilestoneInput{{Amount: "1.5"}, {Octas: &octas}},
		MilestoneDurations: []uint64{10, 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	post := p.(Post)
	if post.MilestoneAmounts[0] != 150_000_000 || post.MilestoneAmounts[1] != 5 {
		t.Fatalf("unexpected amounts %v", post.MilestoneAmounts)
	}
}

func TestEncodeCreateJob(t *testing.T) {
	out, err := testEncoder().EncodeCreateJob(sampleActions()[0].(Post))
	if err != nil {
		t.Fatal(err)
	}
	args := out.Arguments()
	if len(args) != 5 || args[3] != "300000000" || args[4] != "1704672000" {
		t.Fatalf("unexpected create_job args %v", args)
	}
	if out.Payload.Function != "0xabc::escrow::create_job" {
		t.Fatalf("unexpected function %s", out.Payload.Function)
	}
}

func TestParseAmount(t *testing.T) {
	cases := map[string]uint64{
		"1":           100_000_000,
		"1.5":         150_000_000,
		"0.00000001":  1,
		"0.123456789": 12_345_678,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Fatalf("ParseAmount(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "-1", "0", "abc", "0.000000001", "1e30"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Fatalf("ParseAmount(%q) should fail", bad)
		}
	}
	if FormatAmount(150_000_000) != "1.5" {
		t.Fatalf("unexpected format %s", FormatAmount(150_000_000))
	}
}

func TestMilestoneInputAcceptsBareNumbers(t *testing.T) {
	var in []MilestoneInput
	if err := json.Unmarshal([]byte(`[100000000, {"amount":"2"}, {"octas":5}]`), &in); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got []uint64
	for _, m := range in {
		v, err := m.value()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 100_000_000 || got[1] != 200_000_000 || got[2] != 5 {
		t.Fatalf("unexpected amounts %v", got)
	}
	if err := json.Unmarshal([]byte(`[-1]`), &in); err == nil {
		t.Fatalf("negative amount must fail")
	}
	if err := json.Unmarshal([]byte(`[1.5]`), &in); err == nil {
		t.Fatalf("fractional octas must fail")
	}
}

func TestValidateMatchesEncode(t *testing.T) {
	enc := testEncoder()
	for _, a := range sampleActions() {
		if err := enc.Validate(a); err != nil {
			t.Fatalf("%s: %v", a.Kind(), err)
		}
	}
	past := fixedNow.Add(-time.Hour).Unix()
	bad := []Action{
		Cancel{Caller: poster},
		Approve{Caller: poster, Job: 7},
		Submit{Caller: worker, Job: 7},
		Claim{Job: 7},
		Post{Caller: poster, JobDetailsCID: "cid", MilestoneAmounts: []uint64{1}, MilestoneDurations: []uint64{1}, ApplyDeadline: &past},
	}
	for _, a := range bad {
		verr := enc.Validate(a)
		_, eerr := enc.Encode(a)
		if verr == nil || eerr == nil || verr.Error() != eerr.Error() {
			t.Fatalf("%s: validate %v, encode %v", a.Kind(), verr, eerr)
		}
	}
	if err := enc.Validate(nil); err == nil {
		t.Fatalf("nil action must fail")
	}
}
