package commitment

import (
	"bytes"
	"fmt"
)

// Set is the trio of commitments recorded for a profile.
type Set struct {
	DID string   `json:"didCommitment"`
	TI  []string `json:"tiCommitment"`
	A   []string `json:"aCommitment"`
}

type (
	SingleDeriver func(Claim) (string, error)
	ListDeriver   func(Claim) ([]string, error)
)

// Scheme holds one deriver per commitment so each can change independently.
type Scheme struct {
	Name string
	DID  SingleDeriver
	TI   ListDeriver
	A    ListDeriver
}

func (s Scheme) Derive(c Claim) (Set, error) {
	if _, err := Encode(c); err != nil {
		return Set{}, err
	}
	did, err := s.DID(c)
	if err != nil {
		return Set{}, fmt.Errorf("%s did commitment: %w", s.Name, err)
	}
	ti, err := s.TI(c)
	if err != nil {
		return Set{}, fmt.Errorf("%s ti commitment: %w", s.Name, err)
	}
	a, err := s.A(c)
	if err != nil {
		return Set{}, fmt.Errorf("%s a commitment: %w", s.Name, err)
	}
	return Set{DID: did, TI: ti, A: a}, nil
}

func didOnly(c Claim) (string, error) {
	return DID(c.DID), nil
}

// DIDScheme reproduces what the deployed contracts expect today: all three
// commitments are the hash of the DID string.
// TODO: make AttributeScheme the default once the profile module verifies ti/a separately.
func DIDScheme() Scheme {
	single := func(c Claim) ([]string, error) { return []string{DID(c.DID)}, nil }
	return Scheme{Name: "did", DID: didOnly, TI: single, A: single}
}

// AttributeScheme binds ti to each attribute and a to the full claim.
func AttributeScheme() Scheme {
	return Scheme{
		Name: "attributes",
		DID:  didOnly,
		TI: func(c Claim) ([]string, error) {
			out := make([]string, 0, len(c.Attributes))
			for _, attr := range c.Attributes {
				var buf bytes.Buffer
				writeField(&buf, tagDID, []byte(c.DID))
				if err := encodeAttributes(&buf, []Attribute{attr}); err != nil {
					return nil, err
				}
				out = append(out, Derive(buf.Bytes()).Hex())
			}
			return out, nil
		},
		A: func(c Claim) ([]string, error) {
			enc, err := Encode(c)
			if err != nil {
				return nil, err
			}
			return []string{Derive(enc).Hex()}, nil
		},
	}
}

// SchemeByName resolves the configured scheme.
func SchemeByName(name string) (Scheme, error) {
	switch name {
	case "", "did":
		return DIDScheme(), nil
	case "attributes":
		return AttributeScheme(), nil
	default:
		return Scheme{}, fmt.Errorf("unknown commitment scheme %q", name)
	}
}
