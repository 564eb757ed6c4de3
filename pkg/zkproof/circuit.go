// Package zkproof provides zero-knowledge proof functionality for selective
// disclosure of a numeric credential attribute. It implements a Groth16 circuit
// over BN254 that proves:
//
// "I know a value V such that V <= Max, and Satisfied = (V >= T)"
//
// for a public threshold T, without revealing V. The predicate result is an
// output of the circuit rather than an assertion, so a holder below the
// threshold still obtains a valid proof that attests the negative claim.
package zkproof

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark/frontend"

	"github.com/veridegree/veridegree/pkg/fixedpoint"
)

// FamilyGTE identifies the "private value >= public threshold" relation.
const FamilyGTE = "gte"

var (
	// ErrInvalidCircuit is returned for inconsistent circuit parameters.
	ErrInvalidCircuit = errors.New("zkproof: invalid circuit parameters")

	// ErrThresholdNotAllowed is returned for thresholds off the circuit's step grid.
	ErrThresholdNotAllowed = errors.New("zkproof: threshold not in allowed set")
)

// PredicateCircuit describes one published circuit. A change to any field is
// a new circuit and must be published under a new ID.
type PredicateCircuit struct {
	// ID is the versioned identifier, e.g. "cgpa-gte-v1".
	ID string

	// Family names the relation the circuit encodes.
	Family string

	// Scale is the fixed-point scale factor (100 for two decimals).
	Scale int64

	// MaxValue is the largest scaled value the circuit accepts.
	MaxValue int64

	// ThresholdStep restricts thresholds to multiples of this scaled amount.
	ThresholdStep int64
}

// CGPACircuit returns the parameters of the CGPA circuit: values in
// [0.00, 10.00] at two decimals, thresholds on half points.
func CGPACircuit() PredicateCircuit {
	return PredicateCircuit{
		ID:            "cgpa-gte-v1",
		Family:        FamilyGTE,
		Scale:         100,
		MaxValue:      1000,
		ThresholdStep: 50,
	}
}

// Validate checks the parameters for consistency.
func (p PredicateCircuit) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidCircuit)
	}
	if p.Family != FamilyGTE {
		return fmt.Errorf("%w: unsupported family %q", ErrInvalidCircuit, p.Family)
	}
	if err := p.Domain().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCircuit, err)
	}
	if p.ThresholdStep <= 0 || p.ThresholdStep > p.MaxValue {
		return fmt.Errorf("%w: threshold step %d", ErrInvalidCircuit, p.ThresholdStep)
	}
	return nil
}

// Domain returns the fixed-point domain pinned to this circuit.
func (p PredicateCircuit) Domain() fixedpoint.Domain {
	return fixedpoint.Domain{Scale: p.Scale, Max: p.MaxValue}
}

// EncodeThreshold encodes a public threshold and checks it against the
// allowed set.
func (p PredicateCircuit) EncodeThreshold(t *big.Rat) (int64, error) {
	n, err := p.Domain().EncodePublic(t)
	if err != nil {
		return 0, err
	}
	if fixedpoint.Decode(n, p.Scale).Cmp(t) != 0 || n%p.ThresholdStep != 0 {
		return 0, fmt.Errorf("%w: %s (step %s)", ErrThresholdNotAllowed,
			t.FloatString(4), p.FormatScaled(p.ThresholdStep))
	}
	return n, nil
}

// AllowedThresholds lists every threshold the circuit accepts, formatted.
func (p PredicateCircuit) AllowedThresholds() []string {
	if p.ThresholdStep <= 0 {
		return nil
	}
	out := make([]string, 0, p.MaxValue/p.ThresholdStep+1)
	for n := int64(0); n <= p.MaxValue; n += p.ThresholdStep {
		out = append(out, p.FormatScaled(n))
	}
	return out
}

// FormatScaled renders a scaled integer as a decimal at the circuit's scale.
func (p PredicateCircuit) FormatScaled(n int64) string {
	return fixedpoint.Format(fixedpoint.Decode(n, p.Scale), p.Scale)
}

// ThresholdCircuit is the gnark circuit for FamilyGTE.
//
// Public inputs are declared in signal order: gnark lays out the public
// witness in field declaration order, and SignalSatisfied, SignalThreshold and
// SignalBinding index into that vector.
type ThresholdCircuit struct {
	Satisfied frontend.Variable `gnark:",public"`
	Threshold frontend.Variable `gnark:",public"`
	Binding   frontend.Variable `gnark:",public"`

	Value frontend.Variable `gnark:",secret"`

	// MaxValue is a compile-time constant, not a witness.
	MaxValue int64 `gnark:"-"`
}

// Define implements frontend.Circuit. It enforces:
// 1. Value and Threshold lie in [0, MaxValue]
// 2. Satisfied = 1 if Value >= Threshold, else 0
// 3. Binding participates in a constraint so the proof commits to it
func (c *ThresholdCircuit) Define(api frontend.API) error {
	if c.MaxValue <= 0 {
		return fmt.Errorf("%w: max value must be positive", ErrInvalidCircuit)
	}

	api.AssertIsLessOrEqual(c.Value, c.MaxValue)
	api.AssertIsLessOrEqual(c.Threshold, c.MaxValue)

	// cmp is -1, 0 or 1; below is 1 exactly when cmp == -1
	cmp := api.Cmp(c.Value, c.Threshold)
	below := api.IsZero(api.Add(cmp, 1))
	api.AssertIsEqual(c.Satisfied, api.Sub(1, below))

	// A public input that appears in no constraint has a zero verifying key
	// term and could be swapped freely.
	api.Mul(c.Binding, c.Binding)

	return nil
}
