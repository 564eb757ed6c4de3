package disclosure

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridegree/veridegree/internal/audit"
	"github.com/veridegree/veridegree/internal/ledger"
	"github.com/veridegree/veridegree/internal/registry"
	"github.com/veridegree/veridegree/internal/vault"
	"github.com/veridegree/veridegree/pkg/bundle"
	"github.com/veridegree/veridegree/pkg/fixedpoint"
	"github.com/veridegree/veridegree/pkg/zkproof"
)

var testNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	ledger *ledger.Memory
	vault  *vault.Memory
	audit  *audit.Recorder
	logs   *bytes.Buffer
	clock  *time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Groth16 setup in short mode")
	}
	a, err := zkproof.CachedSetup(zkproof.CGPACircuit())
	require.NoError(t, err)
	reg, err := registry.NewMemory(a)
	require.NoError(t, err)

	f := &fixture{
		ledger: ledger.NewMemory(
			ledger.Credential{ID: "cred-001", IssuerID: "issuer-uni", HolderID: "alice"},
			ledger.Credential{ID: "cred-002", IssuerID: "issuer-uni", HolderID: "bob"},
			ledger.Credential{ID: "cred-003", IssuerID: "issuer-uni", HolderID: "carol"},
		),
		vault: vault.NewMemory(),
		audit: &audit.Recorder{},
		logs:  &bytes.Buffer{},
	}
	now := testNow
	f.clock = &now
	f.vault.Put("cred-001", fixedpoint.MustParse("9.50"))
	f.vault.Put("cred-002", fixedpoint.MustParse("7.20"))
	f.vault.Put("cred-003", fixedpoint.MustParse("8.00"))

	f.svc, err = NewService(cfg, reg,
		WithLedger(f.ledger),
		WithVault(f.vault),
		WithPublisher(f.audit),
		WithLogger(slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{ReplaceAttr: dropTime}))),
		WithClock(func() time.Time { return *f.clock }),
	)
	require.NoError(t, err)
	return f
}

// dropTime keeps wall-clock digits out of captured logs.
func dropTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func (f *fixture) generate(t *testing.T, credentialID, threshold string) *bundle.Bundle {
	t.Helper()
	b, err := f.svc.Generate(context.Background(), GenerateRequest{
		CredentialID: credentialID,
		CircuitID:    "cgpa-gte-v1",
		Threshold:    threshold,
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) verify(b *bundle.Bundle, exp Expectation) *Outcome {
	return f.svc.Verify(context.Background(), b, exp)
}

func requireRejected(t *testing.T, o *Outcome, reason Reason) {
	t.Helper()
	assert.Equal(t, StateRejected, o.State, "err: %v", o.Err)
	assert.Equal(t, reason, o.Reason, "err: %v", o.Err)
	assert.Equal(t, "not verified", o.PublicMessage())
}

// TestScenario_Eligible: 9.50 against 8.00 encodes to (950, 800) and is accepted.
func TestScenario_Eligible(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	assert.Equal(t, "8.00", b.ClaimedThreshold)
	assert.Equal(t, "1", b.PublicSignals[zkproof.SignalSatisfied])
	assert.Equal(t, "800", b.PublicSignals[zkproof.SignalThreshold])
	assert.Equal(t, "issuer-uni", b.IssuerID)
	assert.Equal(t, testNow, b.IssuedAt)

	o := f.verify(b, Expectation{CredentialID: "cred-001", IssuerID: "issuer-uni"})
	require.True(t, o.Accepted(), "reason %s: %v", o.Reason, o.Err)
	assert.Equal(t, "verified", o.PublicMessage())
	assert.Empty(t, o.Reason)
	assert.Equal(t, []State{
		StateReceived, StateCryptoChecked, StatePredicateChecked, StateContextChecked, StateAccepted,
	}, o.Trace)
	assert.Equal(t, "cred-001", o.Claim.CredentialID)
	assert.Equal(t, "8.00", o.Claim.Threshold)
}

// TestScenario_Ineligible: 7.20 against 8.00 still proves, and is rejected.
func TestScenario_Ineligible(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-002", "8.00")
	assert.Equal(t, "0", b.PublicSignals[zkproof.SignalSatisfied])

	o := f.verify(b, Expectation{CredentialID: "cred-002"})
	requireRejected(t, o, ReasonPredicateNotMet)
	assert.Equal(t, []State{StateReceived, StateCryptoChecked, StateRejected}, o.Trace)
}

// TestBoundary_EqualToThreshold: >= is inclusive.
func TestBoundary_EqualToThreshold(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-003", "8")

	o := f.verify(b, Expectation{CredentialID: "cred-003"})
	assert.True(t, o.Accepted(), "reason %s: %v", o.Reason, o.Err)
}

// TestScenario_TamperedThreshold: lowering the cleartext claim is caught by the
// cross-check even though the proof itself still verifies.
func TestScenario_TamperedThreshold(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	require.NoError(t, zkproof.NewVerifier(mustResolve(t, f)).Verify(b.Proof, b.PublicSignals))

	b.ClaimedThreshold = "6.00"
	o := f.verify(b, Expectation{CredentialID: "cred-001"})
	requireRejected(t, o, ReasonThresholdMismatch)
	assert.Equal(t, []State{StateReceived, StateCryptoChecked, StateRejected}, o.Trace)
}

func TestThreshold_EquivalentSpellingAccepted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	b.ClaimedThreshold = "8"
	o := f.verify(b, Expectation{CredentialID: "cred-001"})
	assert.True(t, o.Accepted(), "reason %s: %v", o.Reason, o.Err)

	b.ClaimedThreshold = "8.25"
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-001"}), ReasonThresholdMismatch)
}

// TestScenario_WrongCircuit: an unpublished circuit ID is a rejection, not a crash.
func TestScenario_WrongCircuit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	b.CircuitID = "cgpa-gte-v9"
	o := f.verify(b, Expectation{CredentialID: "cred-001"})
	requireRejected(t, o, ReasonUnknownCircuit)
	var unknown *registry.UnknownCircuitError
	assert.True(t, errors.As(o.Err, &unknown))
	assert.Equal(t, []State{StateReceived, StateRejected}, o.Trace)
}

func TestWrongFamily(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	o := f.verify(b, Expectation{CredentialID: "cred-001", Family: "lte"})
	requireRejected(t, o, ReasonWrongFamily)
}

// TestReattribution tests that relabeling a valid bundle as another credential
// or issuer is rejected.
func TestReattribution(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-002", "6")
	require.True(t, f.verify(b, Expectation{CredentialID: "cred-002"}).Accepted())

	relabeled := *b
	relabeled.CredentialID = "cred-001"
	o := f.verify(&relabeled, Expectation{CredentialID: "cred-001"})
	requireRejected(t, o, ReasonContextUnbound)
	assert.Equal(t, []State{StateReceived, StateCryptoChecked, StatePredicateChecked, StateRejected}, o.Trace)

	relabeled = *b
	relabeled.IssuerID = "issuer-other"
	requireRejected(t, f.verify(&relabeled, Expectation{CredentialID: "cred-002"}), ReasonContextUnbound)
}

func TestContext_Expectations(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-002"}), ReasonContextUnbound)
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-001", IssuerID: "issuer-other"}), ReasonContextUnbound)

	// empty credential expectation accepts the bundle's own credential
	o := f.verify(b, Expectation{})
	require.True(t, o.Accepted(), "reason %s: %v", o.Reason, o.Err)
	assert.Equal(t, "cred-001", o.Claim.CredentialID)
}

func TestContext_LedgerIssuerDisagrees(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	require.NoError(t, f.ledger.Put(ledger.Credential{ID: "cred-001", IssuerID: "issuer-new", HolderID: "alice"}))
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-001"}), ReasonContextUnbound)
}

func TestContext_Revoked(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	require.NoError(t, f.ledger.Revoke("cred-001"))
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-001"}), ReasonContextUnbound)
}

// TestContext_NoAnchor tests that without a ledger the verifier must name the issuer.
func TestContext_NoAnchor(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	reg, err := registry.NewMemory(mustResolve(t, f))
	require.NoError(t, err)
	svc, err := NewService(DefaultConfig(), reg, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	requireRejected(t, svc.Verify(context.Background(), b, Expectation{CredentialID: "cred-001"}), ReasonContextUnbound)

	o := svc.Verify(context.Background(), b, Expectation{CredentialID: "cred-001", IssuerID: "issuer-uni"})
	assert.True(t, o.Accepted(), "reason %s: %v", o.Reason, o.Err)
}

func TestPolicy_Staleness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy.MaxAge = time.Hour
	f := newFixture(t, cfg)
	b := f.generate(t, "cred-001", "8")

	*f.clock = testNow.Add(59 * time.Minute)
	assert.True(t, f.verify(b, Expectation{CredentialID: "cred-001"}).Accepted())

	*f.clock = testNow.Add(2 * time.Hour)
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-001"}), ReasonStale)

	// issued too far in the future
	*f.clock = testNow.Add(-10 * time.Minute)
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-001"}), ReasonStale)

	*f.clock = testNow.Add(-4 * time.Minute)
	assert.True(t, f.verify(b, Expectation{CredentialID: "cred-001"}).Accepted())
}

func TestCrypto_TamperedProof(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	b.Proof = append([]byte(nil), b.Proof...)
	b.Proof[len(b.Proof)/2] ^= 0x01
	o := f.verify(b, Expectation{CredentialID: "cred-001"})
	requireRejected(t, o, ReasonCryptoInvalid)
	assert.Equal(t, []State{StateReceived, StateRejected}, o.Trace)
}

// TestCrypto_FlippedPredicate tests that forging signal 0 on a negative proof fails.
func TestCrypto_FlippedPredicate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-002", "8")

	b.PublicSignals = append(zkproof.PublicSignals(nil), b.PublicSignals...)
	b.PublicSignals[zkproof.SignalSatisfied] = "1"
	requireRejected(t, f.verify(b, Expectation{CredentialID: "cred-002"}), ReasonCryptoInvalid)
}

func TestVerifyBytes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-001", "8")

	data, err := bundle.Marshal(b)
	require.NoError(t, err)
	assert.True(t, f.svc.VerifyBytes(context.Background(), data, Expectation{CredentialID: "cred-001"}).Accepted())

	o := f.svc.VerifyBytes(context.Background(), []byte(`{"proof":"AA=="}`), Expectation{})
	requireRejected(t, o, ReasonMalformedBundle)
	var m *bundle.MalformedBundleError
	assert.True(t, errors.As(o.Err, &m))

	requireRejected(t, f.verify(nil, Expectation{}), ReasonMalformedBundle)
}

func TestGenerate_Errors(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "eight"})
	assert.Error(t, err)

	_, err = f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "8.25"})
	assert.ErrorIs(t, err, zkproof.ErrThresholdNotAllowed)

	_, err = f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-001", CircuitID: "nope", Threshold: "8"})
	var unknown *registry.UnknownCircuitError
	assert.True(t, errors.As(err, &unknown))

	_, err = f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-404", CircuitID: "cgpa-gte-v1", Threshold: "8"})
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "8", HolderID: "mallory"})
	assert.ErrorIs(t, err, ErrNotHolder)

	require.NoError(t, f.ledger.Put(ledger.Credential{ID: "cred-009", IssuerID: "issuer-uni"}))
	_, err = f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-009", CircuitID: "cgpa-gte-v1", Threshold: "8"})
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.NoError(t, f.ledger.Revoke("cred-001"))
	_, err = f.svc.Generate(ctx, GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "8"})
	assert.ErrorIs(t, err, ErrCredentialRevoked)

	assert.Equal(t, uint64(7), f.svc.Stats().GenerateFailed)
}

// TestGenerate_OutOfDomainNeverLeaksValue tests that a measurement outside the
// circuit domain fails without its value reaching the error or the logs.
func TestGenerate_OutOfDomainNeverLeaksValue(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.vault.Put("cred-001", fixedpoint.MustParse("12.34"))

	_, err := f.svc.Generate(context.Background(), GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "8"})
	var encErr *fixedpoint.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.NotContains(t, err.Error(), "12.34")
	assert.NotContains(t, f.logs.String(), "12.34")
	assert.NotContains(t, f.logs.String(), "1234")
}

func TestGenerate_RequiresCollaborators(t *testing.T) {
	reg, err := registry.NewMemory()
	require.NoError(t, err)
	svc, err := NewService(DefaultConfig(), reg)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), GenerateRequest{CredentialID: "c", CircuitID: "x", Threshold: "8"})
	assert.ErrorIs(t, err, ErrNoVault)

	svc, err = NewService(DefaultConfig(), reg, WithVault(vault.NewMemory()))
	require.NoError(t, err)
	_, err = svc.Generate(context.Background(), GenerateRequest{CredentialID: "c", CircuitID: "x", Threshold: "8"})
	assert.ErrorIs(t, err, ErrNoLedger)
}

func TestGenerateAsync(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	job := f.svc.GenerateAsync(context.Background(), GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "9.5"})
	b, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9.50", b.ClaimedThreshold)

	select {
	case <-job.Done():
	default:
		t.Fatal("Done should be closed after Wait returns")
	}
	job.Cancel() // no-op after completion
}

// TestGenerateAsync_Canceled tests that a canceled job reports the cancellation
// and produces no bundle.
func TestGenerateAsync_Canceled(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := f.svc.GenerateAsync(ctx, GenerateRequest{CredentialID: "cred-001", CircuitID: "cgpa-gte-v1", Threshold: "8"})

	b, err := job.Wait(context.Background())
	assert.Nil(t, b)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuditAndStats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	b := f.generate(t, "cred-002", "8")
	f.verify(b, Expectation{CredentialID: "cred-002"})

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.KindGenerated, events[0].Kind)
	assert.Equal(t, audit.KindVerified, events[1].Kind)
	assert.Equal(t, string(StateRejected), events[1].State)
	assert.Equal(t, string(ReasonPredicateNotMet), events[1].Reason)
	assert.Equal(t, "8.00", events[1].Threshold)

	stats := f.svc.Stats()
	assert.Equal(t, uint64(1), stats.Generated)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(0), stats.Accepted)

	// the private value never reaches logs or audit events
	assert.NotContains(t, f.logs.String(), "7.2")
	assert.NotContains(t, f.logs.String(), "720")
}

func mustResolve(t *testing.T, f *fixture) *zkproof.Artifacts {
	t.Helper()
	a, err := f.svc.registry.Resolve(context.Background(), "cgpa-gte-v1")
	require.NoError(t, err)
	return a
}
