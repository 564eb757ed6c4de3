// Package ledger looks up credential records: who issued a credential and who
// currently holds it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when the ledger has no record of a credential.
var ErrNotFound = errors.New("ledger: credential not found")

// Credential is the public record of one issued credential.
type Credential struct {
	ID       string
	IssuerID string
	HolderID string
	Revoked  bool
	IssuedAt time.Time
}

// Ledger resolves credential IDs.
type Ledger interface {
	Lookup(ctx context.Context, credentialID string) (*Credential, error)
}

// Memory is an in-process ledger for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Credential
}

// NewMemory creates a Memory ledger holding the given credentials.
func NewMemory(creds ...Credential) *Memory {
	m := &Memory{records: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		m.records[c.ID] = c
	}
	return m
}

// Put inserts or replaces a credential record.
func (m *Memory) Put(c Credential) error {
	if c.ID == "" || c.IssuerID == "" {
		return fmt.Errorf("ledger: credential id and issuer are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ID] = c
	return nil
}

// Revoke marks a credential revoked.
func (m *Memory) Revoke(credentialID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[credentialID]
	if !ok {
		return ErrNotFound
	}
	c.Revoked = true
	m.records[credentialID] = c
	return nil
}

// Lookup implements Ledger.
func (m *Memory) Lookup(ctx context.Context, credentialID string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.records[credentialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, credentialID)
	}
	return &c, nil
}
