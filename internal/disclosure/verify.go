package disclosure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridegree/veridegree/internal/audit"
	"github.com/veridegree/veridegree/internal/registry"
	"github.com/veridegree/veridegree/pkg/bundle"
	"github.com/veridegree/veridegree/pkg/fixedpoint"
	"github.com/veridegree/veridegree/pkg/zkproof"
)

// State is a step in a bundle's verification.
type State string

// Verification states, in order. Accepted and Rejected are terminal.
const (
	StateReceived         State = "received"
	StateCryptoChecked    State = "crypto_checked"
	StatePredicateChecked State = "predicate_checked"
	StateContextChecked   State = "context_checked"
	StateAccepted         State = "accepted"
	StateRejected         State = "rejected"
)

// Claim is what a bundle asserts, as read from its cleartext fields.
type Claim struct {
	CircuitID    string
	CredentialID string
	IssuerID     string
	Threshold    string
	IssuedAt     time.Time
}

// Outcome is the result of verifying one bundle.
type Outcome struct {
	State  State
	Reason Reason // empty when accepted
	Claim  Claim
	Trace  []State

	// Err carries diagnostic detail for operators. It is never shown to
	// end users; see PublicMessage.
	Err error
}

// Accepted reports whether the bundle was accepted.
func (o *Outcome) Accepted() bool { return o.State == StateAccepted }

// PublicMessage is the only verdict meant for end users. All rejection
// reasons collapse to the same message.
func (o *Outcome) PublicMessage() string {
	if o.Accepted() {
		return "verified"
	}
	return "not verified"
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}

func (o *Outcome) reject(r Reason, err error) *Outcome {
	o.Reason = r
	if err == nil {
		err = r
	}
	o.Err = err
	o.advance(StateRejected)
	return o
}

// Verify runs the full verification procedure on b: cryptographic validity,
// then the predicate and threshold cross-check, then binding to exp and the
// freshness policy. The first failure is final. Verify never panics on
// hostile input and never accepts on error or timeout.
func (s *Service) Verify(ctx context.Context, b *bundle.Bundle, exp Expectation) *Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.config.VerifierTimeout)
	defer cancel()

	o := s.verify(ctx, b, exp)
	s.finish(ctx, o)
	return o
}

// VerifyBytes decodes and verifies a serialized bundle.
func (s *Service) VerifyBytes(ctx context.Context, data []byte, exp Expectation) *Outcome {
	b, err := bundle.Unmarshal(data)
	if err != nil {
		o := &Outcome{State: StateReceived, Trace: []State{StateReceived}}
		o.reject(ReasonMalformedBundle, err)
		s.finish(ctx, o)
		return o
	}
	return s.Verify(ctx, b, exp)
}

func (s *Service) verify(ctx context.Context, b *bundle.Bundle, exp Expectation) *Outcome {
	o := &Outcome{State: StateReceived, Trace: []State{StateReceived}}
	if b == nil {
		return o.reject(ReasonMalformedBundle, errors.New("nil bundle"))
	}
	if err := b.Validate(); err != nil {
		return o.reject(ReasonMalformedBundle, err)
	}
	o.Claim = Claim{
		CircuitID:    b.CircuitID,
		CredentialID: b.CredentialID,
		IssuerID:     b.IssuerID,
		Threshold:    b.ClaimedThreshold,
		IssuedAt:     b.IssuedAt,
	}

	artifacts, err := s.registry.Resolve(ctx, b.CircuitID)
	if err != nil {
		var unknown *registry.UnknownCircuitError
		switch {
		case errors.As(err, &unknown):
			return o.reject(ReasonUnknownCircuit, err)
		case ctx.Err() != nil:
			return o.reject(ReasonTimeout, err)
		default:
			return o.reject(ReasonArtifactLoadFailed, err)
		}
	}
	pc := artifacts.Circuit
	if pc.Family != exp.family() {
		return o.reject(ReasonWrongFamily,
			fmt.Errorf("circuit %s is family %q, expected %q", pc.ID, pc.Family, exp.family()))
	}

	// Cryptographic check
	if err := s.checkProof(ctx, artifacts, b); err != nil {
		if ctx.Err() != nil {
			return o.reject(ReasonTimeout, err)
		}
		return o.reject(ReasonCryptoInvalid, err)
	}
	o.advance(StateCryptoChecked)

	// Predicate and threshold cross-check
	satisfied, err := b.PublicSignals.Satisfied()
	if err != nil {
		return o.reject(ReasonPredicateNotMet, err)
	}
	if !satisfied {
		return o.reject(ReasonPredicateNotMet, nil)
	}
	if err := checkThreshold(pc, b); err != nil {
		return o.reject(ReasonThresholdMismatch, err)
	}
	o.advance(StatePredicateChecked)

	// Context
	if err := s.checkContext(ctx, b, exp); err != nil {
		if ctx.Err() != nil {
			return o.reject(ReasonTimeout, err)
		}
		return o.reject(ReasonContextUnbound, err)
	}
	if err := s.config.Policy.fresh(b.IssuedAt, s.now()); err != nil {
		return o.reject(ReasonStale, err)
	}
	o.advance(StateContextChecked)

	o.advance(StateAccepted)
	return o
}

func (s *Service) checkProof(ctx context.Context, a *zkproof.Artifacts, b *bundle.Bundle) error {
	done := make(chan error, 1)
	go func() {
		done <- zkproof.NewVerifier(a).Verify(b.Proof, b.PublicSignals)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// checkThreshold compares the cleartext claim with the in-circuit threshold.
// The claim is compared by value at the circuit's scale, so "8" and "8.00"
// are the same claim.
func checkThreshold(pc zkproof.PredicateCircuit, b *bundle.Bundle) error {
	claimed, err := fixedpoint.Parse(b.ClaimedThreshold)
	if err != nil {
		return err
	}
	scaled, err := pc.EncodeThreshold(claimed)
	if err != nil {
		return err
	}
	proved, err := b.PublicSignals.Threshold()
	if err != nil {
		return err
	}
	if scaled != proved {
		return fmt.Errorf("claimed threshold %s, proved %s", b.ClaimedThreshold, pc.FormatScaled(proved))
	}
	return nil
}

// checkContext binds the proof to the credential and issuer being checked.
func (s *Service) checkContext(ctx context.Context, b *bundle.Bundle, exp Expectation) error {
	want := zkproof.Context{CircuitID: b.CircuitID, CredentialID: b.CredentialID, IssuerID: b.IssuerID}.Binding()
	got, err := b.PublicSignals.Binding()
	if err != nil {
		return err
	}
	if got.Cmp(want) != 0 {
		return errors.New("proof is bound to a different credential context")
	}

	if exp.CredentialID != "" && b.CredentialID != exp.CredentialID {
		return fmt.Errorf("bundle is for credential %s, expected %s", b.CredentialID, exp.CredentialID)
	}

	anchored := false
	if exp.IssuerID != "" {
		if b.IssuerID != exp.IssuerID {
			return fmt.Errorf("bundle issuer %s, expected %s", b.IssuerID, exp.IssuerID)
		}
		anchored = true
	}
	if s.ledger != nil {
		cred, err := s.ledger.Lookup(ctx, b.CredentialID)
		if err != nil {
			return fmt.Errorf("ledger lookup: %w", err)
		}
		if cred.Revoked {
			return fmt.Errorf("credential %s is revoked", cred.ID)
		}
		if cred.IssuerID != b.IssuerID {
			return fmt.Errorf("ledger issuer %s, bundle issuer %s", cred.IssuerID, b.IssuerID)
		}
		anchored = true
	}
	if !anchored {
		return errors.New("no expected issuer and no ledger to consult")
	}
	return nil
}

// rejectionLevel raises reasons that point at the deployment rather than the
// presented bundle.
func rejectionLevel(r Reason) slog.Level {
	switch r {
	case ReasonArtifactLoadFailed:
		return slog.LevelError
	case ReasonUnknownCircuit:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func (s *Service) finish(ctx context.Context, o *Outcome) {
	if o.Accepted() {
		s.accepted.Add(1)
		s.logger.Info("disclosure accepted",
			"circuit", o.Claim.CircuitID,
			"credential", o.Claim.CredentialID,
			"threshold", o.Claim.Threshold)
	} else {
		s.rejected.Add(1)
		s.logger.Log(ctx, rejectionLevel(o.Reason), "disclosure rejected",
			"circuit", o.Claim.CircuitID,
			"credential", o.Claim.CredentialID,
			"reason", string(o.Reason),
			"error", o.Err)
	}

	e := audit.NewEvent(audit.KindVerified)
	e.CircuitID = o.Claim.CircuitID
	e.CredentialID = o.Claim.CredentialID
	e.IssuerID = o.Claim.IssuerID
	e.Threshold = o.Claim.Threshold
	e.State = string(o.State)
	e.Reason = string(o.Reason)
	s.publish(ctx, e)
}
