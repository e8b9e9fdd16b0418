package prover

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	nativemimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
	"golang.org/x/crypto/sha3"
)

// MembershipCircuit proves knowledge of a secret bound to a DID:
// MiMC(did, secret) == commitment.
type MembershipCircuit struct {
	DID        frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`
	Secret     frontend.Variable
}

func (c *MembershipCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.DID, c.Secret)
	api.AssertIsEqual(h.Sum(), c.Commitment)
	return nil
}

func fieldModulus() *big.Int {
	return ecc.BN254.ScalarField()
}

// DIDField maps a DID string into the scalar field with keccak-256.
func DIDField(did string) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(did))
	v := new(big.Int).SetBytes(h.Sum(nil))
	return v.Mod(v, fieldModulus())
}

// MembershipCommitment computes the circuit's public commitment natively.
func MembershipCommitment(didField, secret *big.Int) *big.Int {
	var a, b fr.Element
	a.SetBigInt(didField)
	b.SetBigInt(secret)
	ab, bb := a.Bytes(), b.Bytes()
	h := nativemimc.NewMiMC()
	h.Write(ab[:])
	h.Write(bb[:])
	return new(big.Int).SetBytes(h.Sum(nil))
}
