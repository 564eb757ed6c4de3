package disclosure

import (
	"fmt"
	"time"

	"github.com/veridegree/veridegree/pkg/zkproof"
)

// Policy holds the verifier's contextual rules.
type Policy struct {
	// MaxAge rejects bundles issued longer ago than this. Zero disables the
	// staleness check; bundles may then be replayed indefinitely.
	MaxAge time.Duration

	// FutureSkew is how far in the future issuedAt may lie, to absorb clock
	// drift between holder and verifier.
	FutureSkew time.Duration
}

// DefaultPolicy returns a policy with no expiry and five minutes of skew.
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:     0,
		FutureSkew: 5 * time.Minute,
	}
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if p.MaxAge < 0 {
		return fmt.Errorf("policy: max_age must not be negative")
	}
	if p.FutureSkew < 0 {
		return fmt.Errorf("policy: future_skew must not be negative")
	}
	return nil
}

// fresh reports whether issuedAt is acceptable at now.
func (p Policy) fresh(issuedAt, now time.Time) error {
	if issuedAt.Sub(now) > p.FutureSkew {
		return fmt.Errorf("issued %s in the future", issuedAt.Sub(now).Round(time.Second))
	}
	if p.MaxAge > 0 && now.Sub(issuedAt) > p.MaxAge {
		return fmt.Errorf("issued %s ago, limit %s", now.Sub(issuedAt).Round(time.Second), p.MaxAge)
	}
	return nil
}

// Expectation is what the verifier is actually trying to establish: a claim
// about this credential, from this issuer, under this predicate family.
type Expectation struct {
	// CredentialID is the credential being checked. Empty accepts the
	// credential the bundle names; the outcome's Claim then says which.
	CredentialID string

	// IssuerID is the issuer the verifier trusts for the credential. Empty
	// defers to the issuer recorded in the ledger.
	IssuerID string

	// Family is the relation asked about. Empty means zkproof.FamilyGTE.
	Family string
}

func (e Expectation) family() string {
	if e.Family == "" {
		return zkproof.FamilyGTE
	}
	return e.Family
}
