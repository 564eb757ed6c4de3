package zkproof

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Public signal layout, fixed per circuit family. Changing it requires a new
// circuit ID.
const (
	// SignalSatisfied is 1 when the private value meets the threshold, else 0.
	SignalSatisfied = 0
	// SignalThreshold is the scaled threshold the proof was generated for.
	SignalThreshold = 1
	// SignalBinding commits to the credential context, see Context.Binding.
	SignalBinding = 2

	// NumSignals is the length of a well-formed signal vector.
	NumSignals = 3
)

// ErrMalformedSignals is returned for signal vectors that are not NumSignals
// canonical decimal field elements.
var ErrMalformedSignals = errors.New("zkproof: malformed public signals")

// PublicSignals is the ordered public output of a proof, each entry the
// canonical base-10 rendering of a BN254 scalar field element.
type PublicSignals []string

// Values parses every signal. Leading zeros, signs and values outside the
// field are rejected so each field element has exactly one encoding.
func (s PublicSignals) Values() ([]*big.Int, error) {
	if len(s) != NumSignals {
		return nil, fmt.Errorf("%w: got %d signals, expected %d", ErrMalformedSignals, len(s), NumSignals)
	}
	modulus := fr.Modulus()
	out := make([]*big.Int, len(s))
	for i, str := range s {
		n, ok := new(big.Int).SetString(str, 10)
		if !ok || n.String() != str || n.Sign() < 0 || n.Cmp(modulus) >= 0 {
			return nil, fmt.Errorf("%w: signal %d is not a canonical field element", ErrMalformedSignals, i)
		}
		out[i] = n
	}
	return out, nil
}

// Satisfied decodes SignalSatisfied.
func (s PublicSignals) Satisfied() (bool, error) {
	vals, err := s.Values()
	if err != nil {
		return false, err
	}
	switch {
	case vals[SignalSatisfied].Cmp(big.NewInt(1)) == 0:
		return true, nil
	case vals[SignalSatisfied].Sign() == 0:
		return false, nil
	}
	return false, fmt.Errorf("%w: predicate signal is not boolean", ErrMalformedSignals)
}

// Threshold decodes SignalThreshold as a scaled integer.
func (s PublicSignals) Threshold() (int64, error) {
	vals, err := s.Values()
	if err != nil {
		return 0, err
	}
	if !vals[SignalThreshold].IsInt64() {
		return 0, fmt.Errorf("%w: threshold signal out of range", ErrMalformedSignals)
	}
	return vals[SignalThreshold].Int64(), nil
}

// Binding decodes SignalBinding.
func (s PublicSignals) Binding() (*big.Int, error) {
	vals, err := s.Values()
	if err != nil {
		return nil, err
	}
	return vals[SignalBinding], nil
}

func signalsFromVector(vec fr.Vector) PublicSignals {
	out := make(PublicSignals, len(vec))
	for i := range vec {
		out[i] = vec[i].BigInt(new(big.Int)).String()
	}
	return out
}
