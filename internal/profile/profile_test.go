package profile

import (
	"context"
	"errors"
	"strings"
	"testing"

	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
)

var enc = Encoder{Functions: FunctionsFor("0x1", "did_registry")}

func TestCreateArgumentOrderAndDefaults(t *testing.T) {
	p, err := enc.Create(Request{DID: "did:example:abc", RoleTypes: []int{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Function != "0x1::did_registry::create_profile" {
		t.Fatalf("unexpected function %s", p.Function)
	}
	args := p.Arguments
	if len(args) != 7 || args[0] != "did:example:abc" {
		t.Fatalf("unexpected args %v", args)
	}
	if roles := args[1].([]int); len(roles) != 2 || roles[0] != 1 {
		t.Fatalf("roles slot %v", args[1])
	}
	for _, i := range []int{2, 3, 4} {
		if args[i] != "0x" {
			t.Fatalf("slot %d should default to 0x, got %v", i, args[i])
		}
	}
	for _, i := range []int{5, 6} {
		if l := args[i].([]string); l == nil || len(l) != 0 {
			t.Fatalf("slot %d should default to an empty list, got %#v", i, args[i])
		}
	}
}

func TestRoleValidation(t *testing.T) {
	cases := []struct {
		roles []int
		ok    bool
	}{
		{[]int{1}, true},
		{[]int{2}, true},
		{[]int{1, 2}, true},
		{[]int{3}, false},
		{[]int{}, false},
		{nil, false},
		{[]int{1, 1}, false},
	}
	for _, tc := range cases {
		_, err := enc.Update(Request{DID: "did:x", RoleTypes: tc.roles})
		if tc.ok && err != nil {
			t.Fatalf("roles %v: %v", tc.roles, err)
		}
		if !tc.ok {
			var ve domain.InputValidationError
			if !errors.As(err, &ve) || ve.Field != "roleTypes" {
				t.Fatalf("roles %v: expected roleTypes error, got %v", tc.roles, err)
			}
		}
	}
	_, err := enc.Create(Request{DID: "did:x", RoleTypes: []int{3}})
	if err == nil || !strings.Contains(err.Error(), "invalid role type") {
		t.Fatalf("expected invalid role type message, got %v", err)
	}
}

func TestCommitmentsAreCarried(t *testing.T) {
	set, err := commitment.DIDScheme().Derive(commitment.Claim{DID: "did:x"})
	if err != nil {
		t.Fatal(err)
	}
	req := Request{DID: "did:x", RoleTypes: []int{1}, ProfileCID: "bafy", TableCommitmentHex: "0xABCD"}.FromSet(set)
	p, err := enc.Create(req)
	if err != nil {
		t.Fatal(err)
	}
	if p.Arguments[2] != set.DID || p.Arguments[3] != "0x62616679" || p.Arguments[4] != "0xabcd" {
		t.Fatalf("unexpected args %v", p.Arguments)
	}
	if ti := p.Arguments[5].([]string); len(ti) != 1 || ti[0] != set.TI[0] {
		t.Fatalf("ti slot %v", ti)
	}

	req.TICommitment = []string{"zz"}
	var ve domain.InputValidationError
	if _, err := enc.Create(req); !errors.As(err, &ve) || ve.Field != "tICommitment[0]" {
		t.Fatalf("expected hex error, got %v", err)
	}
}

func TestBurnOrderAndOptionalRoles(t *testing.T) {
	p, err := enc.Burn(Request{DID: "did:x", TableCommitmentHex: "0x01"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Function != "0x1::did_registry::burn_did" || len(p.Arguments) != 5 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Arguments[0] != "did:x" || p.Arguments[1] != "0x01" {
		t.Fatalf("unexpected args %v", p.Arguments)
	}
	if roles := p.Arguments[4].([]int); len(roles) != 0 {
		t.Fatalf("roles should default empty, got %v", roles)
	}
	if _, err := enc.Burn(Request{DID: "did:x", RoleTypes: []int{5}}); err == nil {
		t.Fatalf("burn still validates given roles")
	}
	if _, err := enc.Burn(Request{}); err == nil {
		t.Fatalf("burn requires a did")
	}
}

type fakeLedger struct {
	profile    domain.ProfileView
	controller string
	err        error
}

func (f fakeLedger) ProfileByAddress(context.Context, string) (domain.ProfileView, error) {
	return f.profile, f.err
}

func (f fakeLedger) ResolveControllerByHash(context.Context, string) (string, error) {
	return f.controller, nil
}

func TestResolverVerify(t *testing.T) {
	r := Resolver{Ledger: fakeLedger{profile: domain.ProfileView{DIDHash: "0xdd"}, controller: "0xABC"}}
	v, err := r.Verify(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasVerified || v.Controller != "0xABC" || v.DIDHash != "0xdd" {
		t.Fatalf("unexpected verification %+v", v)
	}

	r = Resolver{Ledger: fakeLedger{profile: domain.ProfileView{DIDHash: "0xdd"}, controller: "0xother"}}
	if v, _ := r.Verify(context.Background(), "0xabc"); v.HasVerified {
		t.Fatalf("different controller must not verify")
	}

	r = Resolver{Ledger: fakeLedger{}}
	if v, err := r.Verify(context.Background(), "0xabc"); err != nil || v.HasVerified || v.DIDHash != "0x" {
		t.Fatalf("missing profile: %+v %v", v, err)
	}

	r = Resolver{Ledger: fakeLedger{err: domain.LedgerQueryError{Function: "get_profile_by_address", Err: errors.New("down")}}}
	var le domain.LedgerQueryError
	if _, err := r.Verify(context.Background(), "0xabc"); !errors.As(err, &le) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if _, err := r.Verify(context.Background(), "abc"); err == nil {
		t.Fatalf("expected address validation error")
	}
}
