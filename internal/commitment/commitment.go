// Package commitment derives the fixed-length digests that stand in for
// identity material on the ledger.
//
// The ledger only keeps the digest, so the byte encoding below must never
// change for a given scheme: strings are UTF-8, numbers are big-endian and
// every field is length-prefixed.
package commitment

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"zkescrow/internal/domain"
)

// Size is the digest length in bytes.
const Size = 32

type Digest [Size]byte

func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

// Derive hashes a claim encoding with SHA-256.
func Derive(claim []byte) Digest {
	return sha256.Sum256(claim)
}

// DID returns the did commitment of a raw identifier string.
func DID(did string) string {
	return Derive([]byte(did)).Hex()
}

// Attribute is one private field of an identity claim. Exactly one of Text
// or Number is meaningful; Number wins when set.
type Attribute struct {
	Name   string
	Text   string
	Number *big.Int
}

func TextAttr(name, value string) Attribute {
	return Attribute{Name: name, Text: value}
}

func NumberAttr(name string, value *big.Int) Attribute {
	return Attribute{Name: name, Number: value}
}

// Claim is the transient identity material. It is never stored.
type Claim struct {
	DID        string
	Attributes []Attribute
}

const (
	tagDID    byte = 0x00
	tagText   byte = 0x01
	tagNumber byte = 0x02
)

// Encode returns the canonical byte form of a claim. Attributes are kept in
// caller order, so reordering them changes the digest.
func Encode(c Claim) ([]byte, error) {
	if c.DID == "" {
		return nil, domain.Invalid("did", "is required")
	}
	var buf bytes.Buffer
	writeField(&buf, tagDID, []byte(c.DID))
	if err := encodeAttributes(&buf, c.Attributes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeAttributes(buf *bytes.Buffer, attrs []Attribute) error {
	seen := make(map[string]struct{}, len(attrs))
	for i, a := range attrs {
		if strings.TrimSpace(a.Name) == "" {
			return domain.Invalid(fmt.Sprintf("attributes[%d]", i), "name is required")
		}
		if _, dup := seen[a.Name]; dup {
			return domain.Invalid(fmt.Sprintf("attributes[%d]", i), "duplicate attribute %q", a.Name)
		}
		seen[a.Name] = struct{}{}
		writeField(buf, tagText, []byte(a.Name))
		if a.Number != nil {
			if a.Number.Sign() < 0 {
				return domain.Invalid(a.Name, "numeric attributes must not be negative")
			}
			writeField(buf, tagNumber, a.Number.Bytes())
			continue
		}
		writeField(buf, tagText, []byte(a.Text))
	}
	return nil
}

func writeField(buf *bytes.Buffer, tag byte, data []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	buf.WriteByte(tag)
	buf.Write(n[:])
	buf.Write(data)
}

// Table is the keccak-256 commitment over the attribute table (without the DID).
func Table(attrs []Attribute) (string, error) {
	var buf bytes.Buffer
	if err := encodeAttributes(&buf, attrs); err != nil {
		return "", err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(buf.Bytes())
	var d Digest
	copy(d[:], h.Sum(nil))
	return d.Hex(), nil
}

type profileClaim struct {
	FullName        string `json:"fullName"`
	Age             string `json:"age"`
	RoleType        *int   `json:"roleType"`
	VerificationKey string `json:"verification_key_hash_sha256"`
}

// Profile commits to the display profile together with the circuit that
// vouched for it. Field order is fixed by the struct.
func Profile(fullName, age string, roleType *int, vkDigest string) (string, error) {
	data, err := json.Marshal(profileClaim{
		FullName:        fullName,
		Age:             age,
		RoleType:        roleType,
		VerificationKey: vkDigest,
	})
	if err != nil {
		return "", fmt.Errorf("encode profile claim: %w", err)
	}
	return Derive(data).Hex(), nil
}

// IsHex reports whether s is 0x-prefixed hex with whole bytes. "0x" is valid.
func IsHex(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	body := s[2:]
	if len(body)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// NormalizeHex validates and lowercases a hex field.
func NormalizeHex(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsHex(s) {
		return "", domain.Invalid(field, "must be 0x-prefixed hex")
	}
	return "0x" + strings.ToLower(s[2:]), nil
}

// HexBytes renders arbitrary UTF-8 text as a vector<u8> argument.
func HexBytes(s string) string {
	return "0x" + hex.EncodeToString([]byte(s))
}
