package zkproof

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
)

// Artifacts is everything needed to prove or verify against one circuit: the
// compiled constraint system and the Groth16 key pair derived from it.
type Artifacts struct {
	// Circuit is the parameter set the program was compiled from.
	Circuit PredicateCircuit

	// Program is the compiled circuit in rank-1 constraint form.
	Program constraint.ConstraintSystem

	// ProvingKey is used to generate proofs.
	ProvingKey groth16.ProvingKey

	// VerifyingKey is used to verify proofs.
	VerifyingKey groth16.VerifyingKey
}

// Blobs holds the serialized form of Artifacts, as published to a registry.
type Blobs struct {
	Program      []byte
	ProvingKey   []byte
	VerifyingKey []byte
}

// Compile compiles the ThresholdCircuit for the given parameters.
func Compile(pc PredicateCircuit) (constraint.ConstraintSystem, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	circuit := ThresholdCircuit{MaxValue: pc.MaxValue}
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("compile circuit: %w", err)
	}
	return cs, nil
}

// Setup compiles the circuit and runs the Groth16 key generation. This is
// computationally expensive and belongs in an offline publishing step.
//
// groth16.Setup samples its toxic waste locally, which is fine for development
// and tests. Production keys should come from a multi-party ceremony and be
// installed with LoadArtifacts.
func Setup(pc PredicateCircuit) (*Artifacts, error) {
	cs, err := Compile(pc)
	if err != nil {
		return nil, err
	}

	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, fmt.Errorf("setup keys: %w", err)
	}

	return &Artifacts{
		Circuit:      pc,
		Program:      cs,
		ProvingKey:   pk,
		VerifyingKey: vk,
	}, nil
}

// Blobs serializes the artifacts.
func (a *Artifacts) Blobs() (*Blobs, error) {
	program, err := encode(a.Program)
	if err != nil {
		return nil, fmt.Errorf("serialize program: %w", err)
	}
	pk, err := encode(a.ProvingKey)
	if err != nil {
		return nil, fmt.Errorf("serialize proving key: %w", err)
	}
	vk, err := encode(a.VerifyingKey)
	if err != nil {
		return nil, fmt.Errorf("serialize verifying key: %w", err)
	}
	return &Blobs{Program: program, ProvingKey: pk, VerifyingKey: vk}, nil
}

// LoadArtifacts deserializes blobs produced by Blobs and checks that the
// program has the public input layout this package expects.
func LoadArtifacts(pc PredicateCircuit, b *Blobs) (*Artifacts, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	cs := groth16.NewCS(ecc.BN254)
	if err := decode(cs, b.Program, false); err != nil {
		return nil, fmt.Errorf("deserialize program: %w", err)
	}
	// gnark counts the constant one wire as a public variable
	if got := cs.GetNbPublicVariables() - 1; got != NumSignals {
		return nil, fmt.Errorf("%w: program has %d public inputs, expected %d",
			ErrInvalidCircuit, got, NumSignals)
	}

	pk := groth16.NewProvingKey(ecc.BN254)
	if err := decode(pk, b.ProvingKey, false); err != nil {
		return nil, fmt.Errorf("deserialize proving key: %w", err)
	}

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := decode(vk, b.VerifyingKey, false); err != nil {
		return nil, fmt.Errorf("deserialize verifying key: %w", err)
	}
	if got := vk.NbPublicWitness(); got != NumSignals {
		return nil, fmt.Errorf("%w: verifying key has %d public inputs, expected %d",
			ErrInvalidCircuit, got, NumSignals)
	}

	return &Artifacts{Circuit: pc, Program: cs, ProvingKey: pk, VerifyingKey: vk}, nil
}

func encode(w io.WriterTo) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode reads data into r. exact additionally rejects trailing bytes; it is
// only reliable for encodings gnark does not buffer, such as proofs.
func decode(r io.ReaderFrom, data []byte, exact bool) (err error) {
	// gnark decoders index into the input and may panic on truncated data
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("corrupt encoding: %v", rec)
		}
	}()
	n, err := r.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if exact && n != int64(len(data)) {
		return fmt.Errorf("%d trailing bytes", int64(len(data))-n)
	}
	return nil
}

var (
	// setupCache holds artifacts generated in-process, keyed by circuit ID.
	setupCache = map[string]*Artifacts{}
	// setupMu protects concurrent access to setupCache.
	setupMu sync.Mutex
)

// CachedSetup returns artifacts from a previous Setup for the same circuit,
// running Setup on first call. Useful for tests and development servers where
// regenerating keys per use would dominate run time.
func CachedSetup(pc PredicateCircuit) (*Artifacts, error) {
	setupMu.Lock()
	defer setupMu.Unlock()

	if a, ok := setupCache[pc.ID]; ok && a.Circuit == pc {
		return a, nil
	}

	a, err := Setup(pc)
	if err != nil {
		return nil, err
	}
	setupCache[pc.ID] = a
	return a, nil
}
