package disclosure

import (
	"context"
	"fmt"
	"time"

	"github.com/veridegree/veridegree/internal/audit"
	"github.com/veridegree/veridegree/pkg/bundle"
	"github.com/veridegree/veridegree/pkg/fixedpoint"
	"github.com/veridegree/veridegree/pkg/zkproof"
)

// GenerateRequest asks for a disclosure bundle for one credential.
type GenerateRequest struct {
	CredentialID string
	CircuitID    string

	// Threshold is a decimal such as "8" or "8.00". It must be in the
	// circuit's allowed set.
	Threshold string

	// HolderID, when set, must match the ledger's current holder.
	HolderID string
}

// Generate produces a bundle proving whether the credential's private
// measurement meets the threshold. A measurement below the threshold is not
// an error: the bundle attests the negative and will be rejected by verifiers
// with ReasonPredicateNotMet.
//
// The measurement is read from the vault for this call only and is never
// logged, returned or placed in an error.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*bundle.Bundle, error) {
	b, err := s.generate(ctx, req)
	if err != nil {
		s.generateFailed.Add(1)
		s.logger.Warn("disclosure generation failed",
			"circuit", req.CircuitID,
			"credential", req.CredentialID,
			"threshold", req.Threshold,
			"error", err)
		return nil, err
	}

	s.generated.Add(1)
	s.logger.Info("disclosure generated",
		"circuit", b.CircuitID,
		"credential", b.CredentialID,
		"threshold", b.ClaimedThreshold)

	e := audit.NewEvent(audit.KindGenerated)
	e.CircuitID = b.CircuitID
	e.CredentialID = b.CredentialID
	e.IssuerID = b.IssuerID
	e.Threshold = b.ClaimedThreshold
	e.State = "generated"
	s.publish(ctx, e)

	return b, nil
}

func (s *Service) generate(ctx context.Context, req GenerateRequest) (*bundle.Bundle, error) {
	if s.vault == nil {
		return nil, ErrNoVault
	}
	if s.ledger == nil {
		return nil, ErrNoLedger
	}

	threshold, err := fixedpoint.Parse(req.Threshold)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.ProverTimeout)
	defer cancel()

	artifacts, err := s.registry.Resolve(ctx, req.CircuitID)
	if err != nil {
		return nil, err
	}

	cred, err := s.ledger.Lookup(ctx, req.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if cred.Revoked {
		return nil, fmt.Errorf("%w: %s", ErrCredentialRevoked, cred.ID)
	}
	if req.HolderID != "" && cred.HolderID != req.HolderID {
		return nil, fmt.Errorf("%w: %s", ErrNotHolder, cred.ID)
	}

	value, err := s.vault.Measurement(ctx, cred.ID)
	if err != nil {
		return nil, fmt.Errorf("read measurement: %w", err)
	}

	res, err := zkproof.NewProver(artifacts).Prove(ctx, zkproof.Statement{
		Value:        value,
		Threshold:    threshold,
		CredentialID: cred.ID,
		IssuerID:     cred.IssuerID,
	})
	value.SetInt64(0)
	if err != nil {
		return nil, err
	}

	scaled, err := res.PublicSignals.Threshold()
	if err != nil {
		return nil, err
	}

	return &bundle.Bundle{
		Version:          bundle.Version,
		Proof:            res.Proof,
		PublicSignals:    res.PublicSignals,
		ClaimedThreshold: artifacts.Circuit.FormatScaled(scaled),
		CircuitID:        artifacts.Circuit.ID,
		CredentialID:     cred.ID,
		IssuerID:         cred.IssuerID,
		IssuedAt:         s.now().UTC().Truncate(time.Second),
	}, nil
}

// Job is a handle to a background generation.
type Job struct {
	done   chan struct{}
	cancel context.CancelFunc

	bundle *bundle.Bundle
	err    error
}

// GenerateAsync runs Generate on its own goroutine. Canceling ctx or calling
// Cancel aborts it; nothing partial is observable either way.
func (s *Service) GenerateAsync(ctx context.Context, req GenerateRequest) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(j.done)
		defer cancel()
		j.bundle, j.err = s.Generate(ctx, req)
	}()
	return j
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel aborts the job. It is safe to call more than once and after completion.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (*bundle.Bundle, error) {
	select {
	case <-j.done:
		return j.bundle, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
