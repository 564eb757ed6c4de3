// Package vault keeps a holder's private measurements on their own device.
//
// Measurements are read once per proof generation and never leave this
// package except as a *big.Rat handed to the prover.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ErrNotFound is returned when no measurement is stored for a credential.
var ErrNotFound = errors.New("vault: no measurement for credential")

// Store returns the private measurement recorded for a credential.
type Store interface {
	Measurement(ctx context.Context, credentialID string) (*big.Rat, error)
}

// Memory is an unencrypted in-process store for tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string]*big.Rat
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]*big.Rat)}
}

// Put records a measurement.
func (m *Memory) Put(credentialID string, v *big.Rat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[credentialID] = new(big.Rat).Set(v)
}

// Measurement implements Store.
func (m *Memory) Measurement(ctx context.Context, credentialID string) (*big.Rat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[credentialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, credentialID)
	}
	return new(big.Rat).Set(v), nil
}
