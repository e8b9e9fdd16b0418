// Package profile packages identity commitments into create, update and burn
// payloads for the DID registry, and checks who controls a registered DID.
package profile

import (
	"context"
	"fmt"
	"strings"

	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
)

const emptyBytes = "0x"

type Functions struct {
	Create string
	Update string
	Burn   string
}

// FunctionsFor builds the registry entry function names for a module.
func FunctionsFor(contract, didModule string) Functions {
	prefix := contract + "::" + didModule + "::"
	return Functions{
		Create: prefix + "create_profile",
		Update: prefix + "update_profile",
		Burn:   prefix + "burn_did",
	}
}

// Request carries the registry fields. Omitted byte fields encode as "0x",
// omitted digest lists as [].
type Request struct {
	DID                string   `json:"did"`
	RoleTypes          []int    `json:"roleTypes,omitempty"`
	DIDCommitment      string   `json:"didCommitment,omitempty"`
	ProfileCID         string   `json:"profileCid,omitempty"`
	TableCommitmentHex string   `json:"tableCommitmentHex,omitempty"`
	TICommitment       []string `json:"tICommitment,omitempty"`
	ACommitment        []string `json:"aCommitment,omitempty"`
}

type Encoder struct {
	Functions Functions
}

// fields is the validated, defaulted form of a Request.
type fields struct {
	did       string
	roles     []int
	didCommit string
	cid       string
	table     string
	ti        []string
	a         []string
}

func (e Encoder) Create(req Request) (domain.Payload, error) {
	f, err := validate(req, true)
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.NewPayload(e.Functions.Create, f.registerArgs()), nil
}

func (e Encoder) Update(req Request) (domain.Payload, error) {
	f, err := validate(req, true)
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.NewPayload(e.Functions.Update, f.registerArgs()), nil
}

// Burn orders its arguments differently from create and update.
func (e Encoder) Burn(req Request) (domain.Payload, error) {
	f, err := validate(req, false)
	if err != nil {
		return domain.Payload{}, err
	}
	return domain.NewPayload(e.Functions.Burn, []any{f.did, f.table, f.ti, f.a, f.roles}), nil
}

func (f fields) registerArgs() []any {
	return []any{f.did, f.roles, f.didCommit, f.cid, f.table, f.ti, f.a}
}

func validate(req Request, needRoles bool) (fields, error) {
	var f fields
	f.did = strings.TrimSpace(req.DID)
	if f.did == "" {
		return f, domain.Invalid("did", "is required")
	}
	roles, err := validRoles(req.RoleTypes, needRoles)
	if err != nil {
		return f, err
	}
	f.roles = roles
	if f.didCommit, err = defaultHex("didCommitment", req.DIDCommitment); err != nil {
		return f, err
	}
	if f.table, err = defaultHex("tableCommitmentHex", req.TableCommitmentHex); err != nil {
		return f, err
	}
	f.cid = emptyBytes
	if cid := strings.TrimSpace(req.ProfileCID); cid != "" {
		if commitment.IsHex(cid) {
			f.cid = strings.ToLower(cid)
		} else {
			f.cid = commitment.HexBytes(cid)
		}
	}
	if f.ti, err = defaultList("tICommitment", req.TICommitment); err != nil {
		return f, err
	}
	if f.a, err = defaultList("aCommitment", req.ACommitment); err != nil {
		return f, err
	}
	return f, nil
}

func validRoles(roles []int, required bool) ([]int, error) {
	if required && len(roles) == 0 {
		return nil, domain.Invalid("roleTypes", "invalid role type: at least one of 1 (freelancer) or 2 (poster) is required")
	}
	seen := map[int]bool{}
	out := make([]int, 0, len(roles))
	for _, r := range roles {
		if !domain.RoleType(r).Valid() {
			return nil, domain.Invalid("roleTypes", "invalid role type %d: only 1 (freelancer) and 2 (poster) are allowed", r)
		}
		if seen[r] {
			return nil, domain.Invalid("roleTypes", "duplicate role type %d", r)
		}
		seen[r] = true
		out = append(out, r)
	}
	return out, nil
}

func defaultHex(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == emptyBytes {
		return emptyBytes, nil
	}
	return commitment.NormalizeHex(field, v)
}

func defaultList(field string, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for i, v := range in {
		n, err := commitment.NormalizeHex(fmt.Sprintf("%s[%d]", field, i), v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// FromSet fills the commitment fields of a request from a derived set.
func (r Request) FromSet(s commitment.Set) Request {
	r.DIDCommitment = s.DID
	r.TICommitment = s.TI
	r.ACommitment = s.A
	return r
}

// Ledger is the read side used by Resolver.
type Ledger interface {
	ProfileByAddress(ctx context.Context, address string) (domain.ProfileView, error)
	ResolveControllerByHash(ctx context.Context, didHash string) (string, error)
}

type Resolver struct {
	Ledger Ledger
}

// Verify reports whether address controls the DID registered for its profile.
func (r Resolver) Verify(ctx context.Context, address string) (domain.Verification, error) {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") || len(address) < 3 {
		return domain.Verification{}, domain.Invalid("address", "must be a 0x-prefixed account address")
	}
	out := domain.Verification{Address: address, DIDHash: emptyBytes}
	p, err := r.Ledger.ProfileByAddress(ctx, address)
	if err != nil {
		return out, err
	}
	if p.DIDHash == "" || p.DIDHash == emptyBytes {
		return out, nil
	}
	out.DIDHash = p.DIDHash
	controller, err := r.Ledger.ResolveControllerByHash(ctx, p.DIDHash)
	if err != nil {
		return out, err
	}
	out.Controller = controller
	out.HasVerified = controller != "" && strings.EqualFold(controller, address)
	return out, nil
}
