// Package disclosure orchestrates selective disclosure: generating a bound
// proof bundle on the holder's side and deciding, on the verifier's side,
// whether a bundle is both cryptographically valid and relevant to the claim
// being checked.
//
// This file defines the rejection reasons and generation errors.
// All errors implement the standard error interface and can be used
// with errors.Is() and errors.As() for error matching.
package disclosure

import "errors"

// Reason categorizes why a bundle was rejected. Using a string type allows
// for easy serialization in API responses and audit events.
type Reason string

// Rejection reasons. Each verification failure maps to exactly one.
const (
	// ReasonMalformedBundle indicates the bundle failed to decode or is
	// structurally invalid.
	ReasonMalformedBundle Reason = "malformed_bundle"

	// ReasonUnknownCircuit indicates the bundle names a circuit the registry
	// has never published.
	ReasonUnknownCircuit Reason = "unknown_circuit"

	// ReasonArtifactLoadFailed indicates the circuit is known but its
	// verifying key could not be loaded. This is an operator problem, not a
	// property of the bundle.
	ReasonArtifactLoadFailed Reason = "artifact_load_failed"

	// ReasonWrongFamily indicates the circuit does not encode the relation
	// the verifier asked about.
	ReasonWrongFamily Reason = "wrong_family"

	// ReasonCryptoInvalid indicates the proof does not verify against the
	// public signals.
	ReasonCryptoInvalid Reason = "crypto_invalid"

	// ReasonPredicateNotMet indicates a valid proof that the value is below
	// the threshold.
	ReasonPredicateNotMet Reason = "predicate_not_met"

	// ReasonThresholdMismatch indicates the cleartext claimed threshold does
	// not match the threshold proved in-circuit, or is not an allowed one.
	ReasonThresholdMismatch Reason = "threshold_mismatch"

	// ReasonContextUnbound indicates the proof is not bound to the
	// credential and issuer being checked.
	ReasonContextUnbound Reason = "context_unbound"

	// ReasonStale indicates issuedAt falls outside the freshness window.
	ReasonStale Reason = "stale"

	// ReasonTimeout indicates verification did not finish in time.
	ReasonTimeout Reason = "verification_timeout"
)

// Error implements the error interface for Reason.
func (r Reason) Error() string {
	return string(r)
}

var (
	// ErrCredentialRevoked is returned when generating for a revoked credential.
	ErrCredentialRevoked = errors.New("disclosure: credential revoked")

	// ErrNotHolder is returned when the requester does not hold the credential.
	ErrNotHolder = errors.New("disclosure: requester does not hold credential")

	// ErrNoVault is returned by Generate on a service without a vault.
	ErrNoVault = errors.New("disclosure: no private metadata store configured")

	// ErrNoLedger is returned by Generate on a service without a ledger.
	ErrNoLedger = errors.New("disclosure: no credential ledger configured")
)
