package zkproof

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
)

// ErrInvalidProof is returned when a proof does not verify against the
// verifying key and public signals. It covers undecodable proofs too.
var ErrInvalidProof = errors.New("zkproof: invalid proof")

// Verifier validates threshold proofs against one verifying key. It only
// checks the cryptography; what the signals mean is up to the caller.
type Verifier struct {
	artifacts *Artifacts
}

// NewVerifier creates a new Verifier with the given artifacts. Only the
// verifying key is used.
func NewVerifier(artifacts *Artifacts) *Verifier {
	return &Verifier{artifacts: artifacts}
}

// Verify returns nil iff proof is a valid Groth16 proof for signals.
// Malformed signals yield ErrMalformedSignals; anything else wrong with the
// proof yields ErrInvalidProof.
func (v *Verifier) Verify(proof []byte, signals PublicSignals) error {
	if v.artifacts == nil || v.artifacts.VerifyingKey == nil {
		return ErrNoArtifacts
	}

	vals, err := signals.Values()
	if err != nil {
		return err
	}

	assignment := ThresholdCircuit{
		Satisfied: vals[SignalSatisfied],
		Threshold: vals[SignalThreshold],
		Binding:   vals[SignalBinding],
	}
	publicWitness, err := frontend.NewWitness(&assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("%w: build public witness: %v", ErrMalformedSignals, err)
	}

	p := groth16.NewProof(ecc.BN254)
	if err := decode(p, proof, true); err != nil {
		return fmt.Errorf("%w: deserialize: %v", ErrInvalidProof, err)
	}

	if err := verify(p, v.artifacts.VerifyingKey, publicWitness); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

func verify(p groth16.Proof, vk groth16.VerifyingKey, w witness.Witness) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("verifier panicked: %v", rec)
		}
	}()
	return groth16.Verify(p, vk, w)
}
