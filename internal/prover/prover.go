// Package prover runs Groth16 proving over bn254 for the membership circuit.
package prover

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	groth16bn254 "github.com/consensys/gnark/backend/groth16/bn254"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
	"go.uber.org/zap"

	"zkescrow/internal/commitment"
	"zkescrow/internal/domain"
)

var quietOnce sync.Once

// SetGnarkLogging routes gnark's zerolog output. gnark logs compile and
// setup progress at info level, which is noise for a service.
func SetGnarkLogging(debug bool) {
	quietOnce.Do(func() {
		if debug {
			gnarklogger.Set(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())
			return
		}
		gnarklogger.Set(zerolog.New(io.Discard).Level(zerolog.Disabled))
	})
}

// Request is the identity material for a single proof.
type Request struct {
	DID        string
	Attributes []commitment.Attribute
}

type Prover struct {
	Store  Store
	Set    ArtifactSet
	Pool   *Pool
	Scheme commitment.Scheme
	Log    *zap.Logger
}

func New(store Store, set ArtifactSet, pool *Pool, scheme commitment.Scheme, log *zap.Logger) Prover {
	if log == nil {
		log = zap.NewNop()
	}
	SetGnarkLogging(log.Core().Enabled(zap.DebugLevel))
	return Prover{Store: store, Set: set, Pool: pool, Scheme: scheme, Log: log}
}

type proveOutput struct {
	proof  domain.Groth16Proof
	public []string
}

// FullProve returns a complete artifact or an error, never a partial result.
func (p Prover) FullProve(ctx context.Context, req Request) (domain.ProofArtifact, error) {
	did := strings.TrimSpace(req.DID)
	if did == "" {
		return domain.ProofArtifact{}, domain.Invalid("did", "is required")
	}
	claim := commitment.Claim{DID: did, Attributes: req.Attributes}
	set, err := p.Scheme.Derive(claim)
	if err != nil {
		return domain.ProofArtifact{}, err
	}
	if err := p.Store.Check(p.Set); err != nil {
		p.Log.Warn("circuit artifacts missing", zap.Error(err))
		return domain.ProofArtifact{}, err
	}
	tpl, err := p.Store.LoadTemplate(p.Set.InputTemplate)
	if err != nil {
		return domain.ProofArtifact{}, err
	}
	secret, _ := tpl.secret()
	vkBytes, err := p.Store.ReadOptional(p.Set.VerificationKey)
	if err != nil {
		return domain.ProofArtifact{}, fmt.Errorf("read verification key: %w", err)
	}

	didField := DIDField(did)
	assignment := MembershipCircuit{
		DID:        didField,
		Commitment: MembershipCommitment(didField, secret),
		Secret:     secret,
	}
	started := time.Now()
	out, err := Run(ctx, p.Pool, func() (proveOutput, error) {
		return p.prove(&assignment, vkBytes)
	})
	if err != nil {
		var pe domain.ProverExecutionError
		if !errors.As(err, &pe) {
			err = domain.ProverExecutionError{Err: err}
		}
		p.Log.Error("proving failed", zap.String("did_commitment", set.DID), zap.Error(err))
		return domain.ProofArtifact{}, err
	}

	artifact := domain.ProofArtifact{
		Proof:         out.proof,
		PublicSignals: out.public,
		DIDCommitment: set.DID,
		TICommitment:  set.TI,
		ACommitment:   set.A,
	}
	if vkBytes != nil {
		artifact.VerificationKeyDigest = commitment.Derive(vkBytes).Hex()
	}
	p.Log.Info("proof generated",
		zap.String("did_commitment", set.DID),
		zap.String("scheme", p.Scheme.Name),
		zap.Bool("vk", vkBytes != nil),
		zap.Duration("took", time.Since(started)))
	return artifact, nil
}

func (p Prover) prove(assignment *MembershipCircuit, vkBytes []byte) (proveOutput, error) {
	ccs := groth16.NewCS(ecc.BN254)
	if err := p.Store.readFrom(p.Set.WitnessGenerator, ccs); err != nil {
		return proveOutput{}, domain.ProverExecutionError{Err: err}
	}
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := p.Store.readFrom(p.Set.ProvingKey, pk); err != nil {
		return proveOutput{}, domain.ProverExecutionError{Err: err}
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return proveOutput{}, domain.Invalid("witness", "%v", err)
	}
	proof, err := groth16.Prove(ccs, pk, full)
	if err != nil {
		return proveOutput{}, domain.ProverExecutionError{Err: err}
	}
	public, err := full.Public()
	if err != nil {
		return proveOutput{}, domain.ProverExecutionError{Err: err}
	}
	if vkBytes != nil {
		// An unreadable key still gets its digest reported; only the self-check
		// is skipped.
		vk := groth16.NewVerifyingKey(ecc.BN254)
		if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
			p.Log.Warn("verification key unreadable, skipping self-verify",
				zap.String("path", p.Set.VerificationKey), zap.Error(err))
		} else if err := groth16.Verify(proof, vk, public); err != nil {
			return proveOutput{}, domain.ProverExecutionError{Err: fmt.Errorf("proof does not verify against key: %w", err)}
		}
	}
	encoded, err := encodeProof(proof)
	if err != nil {
		return proveOutput{}, domain.ProverExecutionError{Err: err}
	}
	signals, err := publicSignals(public)
	if err != nil {
		return proveOutput{}, domain.ProverExecutionError{Err: err}
	}
	return proveOutput{proof: encoded, public: signals}, nil
}

func publicSignals(w witness.Witness) ([]string, error) {
	vec, ok := w.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected witness vector %T", w.Vector())
	}
	out := make([]string, len(vec))
	for i := range vec {
		out[i] = vec[i].String()
	}
	return out, nil
}

func encodeProof(proof groth16.Proof) (domain.Groth16Proof, error) {
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return domain.Groth16Proof{}, fmt.Errorf("serialize proof: %w", err)
	}
	out := domain.Groth16Proof{
		Protocol: "groth16",
		Curve:    "bn128",
		Encoded:  "0x" + hex.EncodeToString(buf.Bytes()),
	}
	bp, ok := proof.(*groth16bn254.Proof)
	if !ok {
		return domain.Groth16Proof{}, fmt.Errorf("unexpected proof type %T", proof)
	}
	out.PiA = []string{bp.Ar.X.String(), bp.Ar.Y.String(), "1"}
	out.PiB = [][]string{
		{bp.Bs.X.A0.String(), bp.Bs.X.A1.String()},
		{bp.Bs.Y.A0.String(), bp.Bs.Y.A1.String()},
		{"1", "0"},
	}
	out.PiC = []string{bp.Krs.X.String(), bp.Krs.Y.String(), "1"}
	return out, nil
}

// Verify checks an encoded proof against the configured verification key.
func (p Prover) Verify(proof domain.Groth16Proof, signals []string) error {
	vkBytes, err := p.Store.ReadOptional(p.Set.VerificationKey)
	if err != nil {
		return fmt.Errorf("read verification key: %w", err)
	}
	if vkBytes == nil {
		return domain.ArtifactMissingError{Paths: []string{p.Set.VerificationKey}}
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(vkBytes)); err != nil {
		return fmt.Errorf("decode verification key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(proof.Encoded, "0x"))
	if err != nil || len(raw) == 0 {
		return domain.Invalid("proof.encoded", "must be hex encoded gnark proof")
	}
	gp := groth16.NewProof(ecc.BN254)
	if _, err := gp.ReadFrom(bytes.NewReader(raw)); err != nil {
		return domain.Invalid("proof.encoded", "%v", err)
	}
	if len(signals) != 2 {
		return domain.Invalid("publicSignals", "expected 2 signals, got %d", len(signals))
	}
	vals := make([]*big.Int, 2)
	for i, s := range signals {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 || v.Cmp(fieldModulus()) >= 0 {
			return domain.Invalid(fmt.Sprintf("publicSignals[%d]", i), "not a field element")
		}
		vals[i] = v
	}
	public, err := frontend.NewWitness(&MembershipCircuit{DID: vals[0], Commitment: vals[1]}, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return domain.Invalid("publicSignals", "%v", err)
	}
	if err := groth16.Verify(gp, vk, public); err != nil {
		return domain.PreconditionNotMetError{Condition: "proof_valid", Reason: fmt.Sprintf("proof rejected: %v", err)}
	}
	return nil
}

// Setup compiles the circuit, runs a local trusted setup and writes all four
// artifacts plus a fresh input template.
func Setup(store Store, set ArtifactSet) error {
	var circuit MembershipCircuit
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return fmt.Errorf("compile circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return fmt.Errorf("groth16 setup: %w", err)
	}
	if err := store.writeTo(set.WitnessGenerator, ccs); err != nil {
		return err
	}
	if err := store.writeTo(set.ProvingKey, pk); err != nil {
		return err
	}
	if set.VerificationKey != "" {
		if err := store.writeTo(set.VerificationKey, vk); err != nil {
			return err
		}
	}
	secret, err := rand.Int(rand.Reader, fieldModulus())
	if err != nil {
		return fmt.Errorf("sample secret: %w", err)
	}
	return store.SaveTemplate(set.InputTemplate, InputTemplate{Secret: secret.String()})
}
