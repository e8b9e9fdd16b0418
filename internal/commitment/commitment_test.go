package commitment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"zkescrow/internal/domain"
)

func TestDIDMatchesSHA256(t *testing.T) {
	sum := sha256.Sum256([]byte("did:example:abc"))
	want := "0x" + hex.EncodeToString(sum[:])
	if got := DID("did:example:abc"); got != want {
		t.Fatalf("did commitment %s, want %s", got, want)
	}
	if len(DID("x")) != 2+2*Size {
		t.Fatalf("unexpected hex length")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	c := Claim{
		DID: "did:example:abc",
		Attributes: []Attribute{
			TextAttr("legal_name", "Nguyễn Văn A"),
			NumberAttr("national_id", big.NewInt(79201234567)),
		},
	}
	a, err := Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) || Derive(a) != Derive(b) {
		t.Fatalf("encoding not deterministic")
	}
}

func TestAvalanche(t *testing.T) {
	base := Claim{DID: "did:example:abc", Attributes: []Attribute{TextAttr("legal_name", "Alice")}}
	variants := []Claim{
		{DID: "did:example:abd", Attributes: base.Attributes},
		{DID: base.DID, Attributes: []Attribute{TextAttr("legal_name", "Alicf")}},
		{DID: base.DID, Attributes: []Attribute{TextAttr("legal_nam", "eAlice")}},
		{DID: base.DID, Attributes: []Attribute{NumberAttr("legal_name", big.NewInt(1))}},
	}
	baseEnc, _ := Encode(base)
	for i, v := range variants {
		enc, err := Encode(v)
		if err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		if Derive(enc) == Derive(baseEnc) {
			t.Fatalf("variant %d collides with base", i)
		}
	}
}

func TestEncodeNumbersBigEndian(t *testing.T) {
	enc, err := Encode(Claim{DID: "d", Attributes: []Attribute{NumberAttr("n", big.NewInt(0x0102))}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(enc, []byte{tagNumber, 0, 0, 0, 2, 0x01, 0x02}) {
		t.Fatalf("number not encoded big-endian: %x", enc)
	}
}

func TestEncodeRejects(t *testing.T) {
	cases := []Claim{
		{},
		{DID: "d", Attributes: []Attribute{{Name: ""}}},
		{DID: "d", Attributes: []Attribute{TextAttr("a", "1"), TextAttr("a", "2")}},
		{DID: "d", Attributes: []Attribute{NumberAttr("n", big.NewInt(-1))}},
	}
	for i, c := range cases {
		_, err := Encode(c)
		var ve domain.InputValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected InputValidationError, got %v", i, err)
		}
	}
}

func TestDIDSchemeIsDegenerate(t *testing.T) {
	set, err := DIDScheme().Derive(Claim{DID: "did:example:abc"})
	if err != nil {
		t.Fatal(err)
	}
	want := DID("did:example:abc")
	if set.DID != want || len(set.TI) != 1 || set.TI[0] != want || len(set.A) != 1 || set.A[0] != want {
		t.Fatalf("unexpected set %+v", set)
	}
}

func TestAttributeSchemeOrderSignificant(t *testing.T) {
	s := AttributeScheme()
	c1 := Claim{DID: "d", Attributes: []Attribute{TextAttr("a", "1"), TextAttr("b", "2")}}
	c2 := Claim{DID: "d", Attributes: []Attribute{TextAttr("b", "2"), TextAttr("a", "1")}}
	s1, err := s.Derive(c1)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := s.Derive(c2)
	if err != nil {
		t.Fatal(err)
	}
	if len(s1.TI) != 2 || s1.TI[0] != s2.TI[1] || s1.TI[1] != s2.TI[0] {
		t.Fatalf("per-attribute digests should follow attribute order: %v vs %v", s1.TI, s2.TI)
	}
	if s1.A[0] == s2.A[0] {
		t.Fatalf("a commitment must depend on attribute order")
	}
	if s1.DID != DID("d") {
		t.Fatalf("did commitment drifted")
	}
}

func TestSchemeByName(t *testing.T) {
	if s, err := SchemeByName(""); err != nil || s.Name != "did" {
		t.Fatalf("empty name should resolve to did scheme")
	}
	if _, err := SchemeByName("md5"); err == nil {
		t.Fatalf("expected unknown scheme error")
	}
}

func TestTableAndProfile(t *testing.T) {
	attrs := []Attribute{TextAttr("legal_name", "Alice"), TextAttr("country", "VN")}
	t1, err := Table(attrs)
	if err != nil {
		t.Fatal(err)
	}
	t2, _ := Table(attrs)
	if t1 != t2 || !IsHex(t1) || len(t1) != 66 {
		t.Fatalf("table commitment unstable or malformed: %s", t1)
	}
	role := 1
	p1, err := Profile("Alice", "30", &role, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte(`{"fullName":"Alice","age":"30","roleType":1,"verification_key_hash_sha256":"0xabc"}`))
	if p1 != "0x"+hex.EncodeToString(want[:]) {
		t.Fatalf("profile commitment does not match canonical json: %s", p1)
	}
	p2, _ := Profile("Alice", "30", nil, "0xabc")
	if p1 == p2 {
		t.Fatalf("role type must affect profile commitment")
	}
}

func TestNormalizeHex(t *testing.T) {
	got, err := NormalizeHex("c", " 0xABcd ")
	if err != nil || got != "0xabcd" {
		t.Fatalf("normalize: %s %v", got, err)
	}
	for _, bad := range []string{"abcd", "0xabc", "0xzz", ""} {
		if _, err := NormalizeHex("c", bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if !IsHex("0x") {
		t.Fatalf("empty hex placeholder must be valid")
	}
	if HexBytes("cid123") != "0x636964313233" {
		t.Fatalf("unexpected cid hex %s", HexBytes("cid123"))
	}
}
