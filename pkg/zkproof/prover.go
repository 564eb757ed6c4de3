package zkproof

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
)

// ErrNoArtifacts is returned by a Prover or Verifier built without artifacts.
var ErrNoArtifacts = errors.New("zkproof: no circuit artifacts")

// ProvingError reports a failed proof generation. It deliberately carries no
// underlying backend error: gnark solver failures print wire assignments,
// which would include the private value.
type ProvingError struct {
	CircuitID string
	Threshold string

	// Err is set only to a context error when proving was canceled.
	Err error
}

func (e *ProvingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("zkproof: proving for circuit %s at threshold %s aborted: %v", e.CircuitID, e.Threshold, e.Err)
	}
	return fmt.Sprintf("zkproof: proving for circuit %s at threshold %s failed", e.CircuitID, e.Threshold)
}

func (e *ProvingError) Unwrap() error { return e.Err }

// Statement is one proving request. Value is secret and never leaves the
// prover except through the proof itself.
type Statement struct {
	Value        *big.Rat
	Threshold    *big.Rat
	CredentialID string
	IssuerID     string
}

// LogValue implements slog.LogValuer with Value redacted.
func (s Statement) LogValue() slog.Value {
	threshold := ""
	if s.Threshold != nil {
		threshold = s.Threshold.FloatString(2)
	}
	return slog.GroupValue(
		slog.String("credential", s.CredentialID),
		slog.String("issuer", s.IssuerID),
		slog.String("threshold", threshold),
		slog.String("value", "[redacted]"),
	)
}

// String keeps fmt from printing Value.
func (s Statement) String() string {
	return s.LogValue().String()
}

// Prover generates threshold proofs against one set of artifacts.
type Prover struct {
	artifacts *Artifacts
}

// ProofResult contains the generated proof and its public signals.
type ProofResult struct {
	// Proof is the serialized Groth16 proof.
	Proof []byte

	// PublicSignals is the public witness in SignalX order.
	PublicSignals PublicSignals
}

// NewProver creates a new Prover with the given artifacts.
func NewProver(artifacts *Artifacts) *Prover {
	return &Prover{artifacts: artifacts}
}

// Circuit returns the parameters of the circuit this prover targets.
func (p *Prover) Circuit() PredicateCircuit {
	if p.artifacts == nil {
		return PredicateCircuit{}
	}
	return p.artifacts.Circuit
}

// Prove creates a proof that the statement's value does or does not meet its
// threshold. A value below the threshold is not an error: the proof attests
// Satisfied = 0.
//
// Proving runs on its own goroutine; when ctx is done first, Prove returns a
// ProvingError wrapping ctx.Err() and the abandoned proof is discarded.
func (p *Prover) Prove(ctx context.Context, st Statement) (*ProofResult, error) {
	if p.artifacts == nil {
		return nil, ErrNoArtifacts
	}
	pc := p.artifacts.Circuit

	threshold, err := pc.EncodeThreshold(st.Threshold)
	if err != nil {
		return nil, err
	}
	value, err := pc.Domain().EncodePrivate(st.Value)
	if err != nil {
		return nil, err
	}

	fail := func(cause error) error {
		return &ProvingError{CircuitID: pc.ID, Threshold: pc.FormatScaled(threshold), Err: cause}
	}
	if err := ctx.Err(); err != nil {
		return nil, fail(err)
	}

	satisfied := 0
	if value >= threshold {
		satisfied = 1
	}
	binding := Context{CircuitID: pc.ID, CredentialID: st.CredentialID, IssuerID: st.IssuerID}.Binding()

	assignment := ThresholdCircuit{
		Satisfied: satisfied,
		Threshold: threshold,
		Binding:   binding,
		Value:     value,
	}
	w, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fail(nil)
	}
	public, err := w.Public()
	if err != nil {
		return nil, fail(nil)
	}
	vec, ok := public.Vector().(fr.Vector)
	if !ok {
		return nil, fail(nil)
	}

	type outcome struct {
		proof groth16.Proof
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: errors.New("prover panicked")}
			}
		}()
		proof, err := groth16.Prove(p.artifacts.Program, p.artifacts.ProvingKey, w)
		done <- outcome{proof: proof, err: err}
	}()

	var res outcome
	select {
	case <-ctx.Done():
		return nil, fail(ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, fail(nil)
	}

	var buf bytes.Buffer
	if _, err := res.proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize proof: %w", err)
	}

	return &ProofResult{
		Proof:         buf.Bytes(),
		PublicSignals: signalsFromVector(vec),
	}, nil
}
