// Package registry resolves circuit identifiers to the artifacts needed to
// prove and verify against them.
//
// Artifacts are immutable per identifier: a changed circuit or key pair is
// published under a new ID, never over an existing one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/veridegree/veridegree/pkg/zkproof"
)

// ErrCircuitExists is returned when publishing over an existing circuit ID.
var ErrCircuitExists = errors.New("registry: circuit already published")

// Registry resolves a circuit ID to its artifacts.
type Registry interface {
	Resolve(ctx context.Context, circuitID string) (*zkproof.Artifacts, error)
}

// UnknownCircuitError is returned for IDs the registry has never published.
type UnknownCircuitError struct {
	CircuitID string
}

func (e *UnknownCircuitError) Error() string {
	return fmt.Sprintf("registry: unknown circuit %q", e.CircuitID)
}

// ArtifactLoadError is returned when a known circuit's artifacts cannot be
// read, fail their digest check, or fail to deserialize.
type ArtifactLoadError struct {
	CircuitID string
	Err       error
}

func (e *ArtifactLoadError) Error() string {
	return fmt.Sprintf("registry: load circuit %q: %v", e.CircuitID, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error { return e.Err }

// Memory is an in-process registry, handy for tests and single-binary setups.
type Memory struct {
	mu       sync.RWMutex
	circuits map[string]*zkproof.Artifacts
}

// NewMemory creates a Memory registry holding the given artifacts.
func NewMemory(artifacts ...*zkproof.Artifacts) (*Memory, error) {
	m := &Memory{circuits: make(map[string]*zkproof.Artifacts)}
	for _, a := range artifacts {
		if err := m.Register(a); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register publishes artifacts under their circuit ID.
func (m *Memory) Register(a *zkproof.Artifacts) error {
	if a == nil {
		return errors.New("registry: nil artifacts")
	}
	if err := a.Circuit.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.circuits[a.Circuit.ID]; ok {
		return fmt.Errorf("%w: %s", ErrCircuitExists, a.Circuit.ID)
	}
	m.circuits[a.Circuit.ID] = a
	return nil
}

// Resolve implements Registry.
func (m *Memory) Resolve(ctx context.Context, circuitID string) (*zkproof.Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ArtifactLoadError{CircuitID: circuitID, Err: err}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.circuits[circuitID]
	if !ok {
		return nil, &UnknownCircuitError{CircuitID: circuitID}
	}
	return a, nil
}
