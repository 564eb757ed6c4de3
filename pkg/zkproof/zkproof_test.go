package zkproof

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridegree/veridegree/pkg/fixedpoint"
)

func testArtifacts(t *testing.T) *Artifacts {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Groth16 setup in short mode")
	}
	a, err := CachedSetup(CGPACircuit())
	require.NoError(t, err)
	return a
}

func statement(value, threshold string) Statement {
	return Statement{
		Value:        fixedpoint.MustParse(value),
		Threshold:    fixedpoint.MustParse(threshold),
		CredentialID: "cred-001",
		IssuerID:     "issuer-uni",
	}
}

// TestProve_Eligible tests that a value above the threshold yields Satisfied = 1.
func TestProve_Eligible(t *testing.T) {
	a := testArtifacts(t)

	res, err := NewProver(a).Prove(context.Background(), statement("9.50", "8"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Proof)
	require.Len(t, res.PublicSignals, NumSignals)
	assert.Equal(t, "1", res.PublicSignals[SignalSatisfied])
	assert.Equal(t, "800", res.PublicSignals[SignalThreshold])

	require.NoError(t, NewVerifier(a).Verify(res.Proof, res.PublicSignals))
}

// TestProve_Ineligible tests that a value below the threshold still produces a
// valid proof, attesting the negative claim.
func TestProve_Ineligible(t *testing.T) {
	a := testArtifacts(t)

	res, err := NewProver(a).Prove(context.Background(), statement("7.20", "8"))
	require.NoError(t, err)
	assert.Equal(t, "0", res.PublicSignals[SignalSatisfied])

	require.NoError(t, NewVerifier(a).Verify(res.Proof, res.PublicSignals))

	ok, err := res.PublicSignals.Satisfied()
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestProve_Boundary tests equality at the threshold and the domain edges.
func TestProve_Boundary(t *testing.T) {
	a := testArtifacts(t)
	p := NewProver(a)

	tests := []struct {
		value, threshold, want string
	}{
		{"8.00", "8", "1"},
		{"7.99", "8", "0"},
		{"10.00", "10", "1"},
		{"0", "0", "1"},
		{"0", "0.5", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.value+">="+tt.threshold, func(t *testing.T) {
			res, err := p.Prove(context.Background(), statement(tt.value, tt.threshold))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.PublicSignals[SignalSatisfied])
		})
	}
}

// TestProve_RejectsOutOfDomain tests that encoding failures surface before
// proving and never echo the private value.
func TestProve_RejectsOutOfDomain(t *testing.T) {
	a := testArtifacts(t)
	p := NewProver(a)

	_, err := p.Prove(context.Background(), statement("10.50", "8"))
	var encErr *fixedpoint.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.NotContains(t, err.Error(), "10.5")

	_, err = p.Prove(context.Background(), statement("9", "8.25"))
	assert.ErrorIs(t, err, ErrThresholdNotAllowed)

	_, err = p.Prove(context.Background(), statement("9", "10.5"))
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, "threshold", encErr.Field)
}

// TestProve_Canceled tests that a done context aborts proving.
func TestProve_Canceled(t *testing.T) {
	a := testArtifacts(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewProver(a).Prove(ctx, statement("9", "8"))
	var perr *ProvingError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cgpa-gte-v1", perr.CircuitID)
	assert.Equal(t, "8.00", perr.Threshold)
}

// TestVerify_TamperedSignals tests that flipping any public signal breaks the proof.
func TestVerify_TamperedSignals(t *testing.T) {
	a := testArtifacts(t)
	v := NewVerifier(a)

	res, err := NewProver(a).Prove(context.Background(), statement("7.20", "8"))
	require.NoError(t, err)

	flipped := append(PublicSignals(nil), res.PublicSignals...)
	flipped[SignalSatisfied] = "1"
	assert.ErrorIs(t, v.Verify(res.Proof, flipped), ErrInvalidProof)

	lowered := append(PublicSignals(nil), res.PublicSignals...)
	lowered[SignalThreshold] = "700"
	assert.ErrorIs(t, v.Verify(res.Proof, lowered), ErrInvalidProof)

	rebound := append(PublicSignals(nil), res.PublicSignals...)
	other := Context{CircuitID: "cgpa-gte-v1", CredentialID: "cred-999", IssuerID: "issuer-uni"}
	rebound[SignalBinding] = other.Binding().String()
	assert.ErrorIs(t, v.Verify(res.Proof, rebound), ErrInvalidProof)
}

// TestVerify_TamperedProof tests corrupted and truncated proof bytes.
func TestVerify_TamperedProof(t *testing.T) {
	a := testArtifacts(t)
	v := NewVerifier(a)

	res, err := NewProver(a).Prove(context.Background(), statement("9", "8"))
	require.NoError(t, err)

	corrupt := append([]byte(nil), res.Proof...)
	corrupt[len(corrupt)/2] ^= 0xff
	assert.ErrorIs(t, v.Verify(corrupt, res.PublicSignals), ErrInvalidProof)

	assert.ErrorIs(t, v.Verify(res.Proof[:len(res.Proof)-1], res.PublicSignals), ErrInvalidProof)
	assert.ErrorIs(t, v.Verify(append(res.Proof, 0), res.PublicSignals), ErrInvalidProof)
	assert.ErrorIs(t, v.Verify(nil, res.PublicSignals), ErrInvalidProof)
}

// TestVerify_MalformedSignals tests signal vectors that never reach the pairing check.
func TestVerify_MalformedSignals(t *testing.T) {
	a := testArtifacts(t)
	v := NewVerifier(a)

	for _, sig := range []PublicSignals{
		nil,
		{"1", "800"},
		{"1", "800", "1", "1"},
		{"01", "800", "1"},
		{"-1", "800", "1"},
		{"0x1", "800", "1"},
	} {
		assert.ErrorIs(t, v.Verify([]byte{1}, sig), ErrMalformedSignals, "%v", sig)
	}
}

// TestLoadArtifacts_RoundTrip tests that serialized artifacts verify proofs
// from the originals.
func TestLoadArtifacts_RoundTrip(t *testing.T) {
	a := testArtifacts(t)

	blobs, err := a.Blobs()
	require.NoError(t, err)

	loaded, err := LoadArtifacts(a.Circuit, blobs)
	require.NoError(t, err)

	res, err := NewProver(a).Prove(context.Background(), statement("8.50", "8.5"))
	require.NoError(t, err)
	assert.NoError(t, NewVerifier(loaded).Verify(res.Proof, res.PublicSignals))

	res, err = NewProver(loaded).Prove(context.Background(), statement("6", "6.5"))
	require.NoError(t, err)
	assert.NoError(t, NewVerifier(a).Verify(res.Proof, res.PublicSignals))
}

// TestLoadArtifacts_Corrupt tests that garbage blobs fail to load.
func TestLoadArtifacts_Corrupt(t *testing.T) {
	a := testArtifacts(t)
	blobs, err := a.Blobs()
	require.NoError(t, err)

	bad := *blobs
	bad.VerifyingKey = bad.VerifyingKey[:len(bad.VerifyingKey)/2]
	_, err = LoadArtifacts(a.Circuit, &bad)
	assert.Error(t, err)

	bad = *blobs
	bad.Program = []byte("not a program")
	_, err = LoadArtifacts(a.Circuit, &bad)
	assert.Error(t, err)
}

// TestVerifier_NoArtifacts tests the zero-value guard.
func TestVerifier_NoArtifacts(t *testing.T) {
	assert.ErrorIs(t, NewVerifier(nil).Verify(nil, nil), ErrNoArtifacts)
	_, err := NewProver(nil).Prove(context.Background(), Statement{})
	assert.ErrorIs(t, err, ErrNoArtifacts)
}
