// Package bundle defines the disclosure bundle: the self-contained document a
// holder hands to a verifier, and its file, link and QR code encodings.
package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/veridegree/veridegree/pkg/fixedpoint"
	"github.com/veridegree/veridegree/pkg/zkproof"
)

// Version is the bundle format version written by this package.
const Version = 1

// MaxSize bounds an encoded bundle. Real bundles are well under 2 KiB.
const MaxSize = 64 << 10

// Bundle is a disclosure bundle. It is owned by the holder, immutable once
// issued, and not consumed by verification.
type Bundle struct {
	Version          int
	Proof            []byte
	PublicSignals    zkproof.PublicSignals
	ClaimedThreshold string
	CircuitID        string
	CredentialID     string
	IssuerID         string
	IssuedAt         time.Time
}

// MalformedBundleError is returned for any bundle that does not decode
// completely and strictly. There is never a partial result.
type MalformedBundleError struct {
	Reason string
	Err    error
}

func (e *MalformedBundleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bundle: malformed: %s: %v", e.Reason, e.Err)
	}
	return "bundle: malformed: " + e.Reason
}

func (e *MalformedBundleError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedBundleError{Reason: reason, Err: err}
}

// wire is the JSON form. Pointers distinguish absent fields from zero values.
type wire struct {
	Version          *int      `json:"version"`
	Proof            *string   `json:"proof"`
	PublicSignals    *[]string `json:"publicSignals"`
	ClaimedThreshold *string   `json:"claimedThreshold"`
	CircuitID        *string   `json:"circuitId"`
	CredentialID     *string   `json:"credentialId"`
	IssuerID         *string   `json:"issuerId"`
	IssuedAt         *string   `json:"issuedAt"`
}

// wireKeys are the exact member names of the JSON form.
var wireKeys = map[string]bool{
	"version":          true,
	"proof":            true,
	"publicSignals":    true,
	"claimedThreshold": true,
	"circuitId":        true,
	"credentialId":     true,
	"issuerId":         true,
	"issuedAt":         true,
}

// checkKeys rejects top-level members that encoding/json would otherwise
// accept ambiguously: duplicates (last one wins) and case variants of a
// known name.
func checkKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return malformed("invalid json", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return malformed("not a json object", nil)
	}

	seen := make(map[string]bool, len(wireKeys))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return malformed("invalid json", err)
		}
		key, ok := tok.(string)
		if !ok {
			return malformed("invalid json", nil)
		}
		if !wireKeys[key] {
			return malformed(fmt.Sprintf("unknown field %q", key), nil)
		}
		if seen[key] {
			return malformed(fmt.Sprintf("duplicate field %q", key), nil)
		}
		seen[key] = true

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return malformed("invalid json", err)
		}
	}
	return nil
}

// Validate checks the structural rules shared by Marshal and Unmarshal. It
// does not check the proof or what the signals mean.
func (b *Bundle) Validate() error {
	if b.Version != Version {
		return malformed(fmt.Sprintf("unsupported version %d", b.Version), nil)
	}
	if len(b.Proof) == 0 {
		return malformed("empty proof", nil)
	}
	if _, err := b.PublicSignals.Values(); err != nil {
		return malformed("public signals", err)
	}
	if _, err := fixedpoint.Parse(b.ClaimedThreshold); err != nil {
		return malformed("claimed threshold", err)
	}
	for name, v := range map[string]string{
		"circuitId":    b.CircuitID,
		"credentialId": b.CredentialID,
		"issuerId":     b.IssuerID,
	} {
		if v == "" {
			return malformed("empty "+name, nil)
		}
	}
	if b.IssuedAt.IsZero() {
		return malformed("missing issuedAt", nil)
	}
	if b.IssuedAt.Location() != time.UTC || b.IssuedAt.Nanosecond() != 0 {
		return malformed("issuedAt must be UTC with second precision", nil)
	}
	return nil
}

// Marshal encodes b as indented JSON.
func Marshal(b *Bundle) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	version := b.Version
	proof := base64.StdEncoding.EncodeToString(b.Proof)
	signals := []string(b.PublicSignals)
	issuedAt := b.IssuedAt.Format(time.RFC3339)
	w := wire{
		Version:          &version,
		Proof:            &proof,
		PublicSignals:    &signals,
		ClaimedThreshold: &b.ClaimedThreshold,
		CircuitID:        &b.CircuitID,
		CredentialID:     &b.CredentialID,
		IssuerID:         &b.IssuerID,
		IssuedAt:         &issuedAt,
	}
	return json.MarshalIndent(&w, "", "  ")
}

// Unmarshal decodes a bundle. Unknown, duplicate or differently cased fields,
// missing fields, trailing data and any value Validate rejects yield a
// *MalformedBundleError.
func Unmarshal(data []byte) (*Bundle, error) {
	if len(data) > MaxSize {
		return nil, malformed(fmt.Sprintf("%d bytes exceeds limit", len(data)), nil)
	}
	if err := checkKeys(data); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var w wire
	if err := dec.Decode(&w); err != nil {
		return nil, malformed("invalid json", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, malformed("trailing data", nil)
	}

	switch {
	case w.Version == nil:
		return nil, malformed("missing version", nil)
	case w.Proof == nil:
		return nil, malformed("missing proof", nil)
	case w.PublicSignals == nil:
		return nil, malformed("missing publicSignals", nil)
	case w.ClaimedThreshold == nil:
		return nil, malformed("missing claimedThreshold", nil)
	case w.CircuitID == nil:
		return nil, malformed("missing circuitId", nil)
	case w.CredentialID == nil:
		return nil, malformed("missing credentialId", nil)
	case w.IssuerID == nil:
		return nil, malformed("missing issuerId", nil)
	case w.IssuedAt == nil:
		return nil, malformed("missing issuedAt", nil)
	}

	proof, err := base64.StdEncoding.Strict().DecodeString(*w.Proof)
	if err != nil {
		return nil, malformed("proof encoding", err)
	}
	issuedAt, err := time.Parse(time.RFC3339, *w.IssuedAt)
	if err != nil {
		return nil, malformed("issuedAt", err)
	}
	if _, offset := issuedAt.Zone(); offset != 0 {
		return nil, malformed("issuedAt must be UTC", nil)
	}

	b := &Bundle{
		Version:          *w.Version,
		Proof:            proof,
		PublicSignals:    zkproof.PublicSignals(*w.PublicSignals),
		ClaimedThreshold: *w.ClaimedThreshold,
		CircuitID:        *w.CircuitID,
		CredentialID:     *w.CredentialID,
		IssuerID:         *w.IssuerID,
		IssuedAt:         issuedAt.UTC(),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
