// Package fixedpoint converts decimal measurements to the scaled integers a
// circuit operates on, and back.
//
// All arithmetic is exact: decimals are parsed into rationals, never binary
// floats, so "8.10" encodes to 810 at scale 100 on every platform.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidScale is returned when a scale is not a positive power of ten.
var ErrInvalidScale = errors.New("fixedpoint: scale must be a positive power of ten")

// EncodingError reports a value that cannot be represented in a circuit domain.
//
// Value is only populated for public inputs (thresholds). Private measurements
// are reported without their value so the error is safe to log or return.
type EncodingError struct {
	Field  string // "measurement" or "threshold"
	Value  string // empty for private inputs
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("fixedpoint: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("fixedpoint: %s %s: %s", e.Field, e.Value, e.Reason)
}

// Domain is the closed interval [0, Max] of scaled integers a circuit accepts.
type Domain struct {
	Scale int64
	Max   int64
}

// Validate checks that the domain is usable.
func (d Domain) Validate() error {
	if _, err := Digits(d.Scale); err != nil {
		return err
	}
	if d.Max <= 0 {
		return fmt.Errorf("fixedpoint: domain max must be positive, got %d", d.Max)
	}
	return nil
}

// EncodePrivate encodes a private measurement. Errors never carry the value.
func (d Domain) EncodePrivate(v *big.Rat) (int64, error) {
	return d.encode(v, "measurement", false)
}

// EncodePublic encodes a public input such as a threshold.
func (d Domain) EncodePublic(v *big.Rat) (int64, error) {
	return d.encode(v, "threshold", true)
}

func (d Domain) encode(v *big.Rat, field string, public bool) (int64, error) {
	fail := func(reason string) error {
		e := &EncodingError{Field: field, Reason: reason}
		if public && v != nil {
			e.Value = v.FloatString(4)
		}
		return e
	}
	if v == nil {
		return 0, fail("is missing")
	}
	if v.Sign() < 0 {
		return 0, fail("is negative")
	}
	n, err := Encode(v, d.Scale)
	if err != nil {
		return 0, fail("cannot be scaled")
	}
	if n > d.Max {
		return 0, fail(fmt.Sprintf("exceeds domain maximum %s", Format(Decode(d.Max, d.Scale), d.Scale)))
	}
	return n, nil
}

// Encode returns round(v * scale), rounding halves away from zero.
func Encode(v *big.Rat, scale int64) (int64, error) {
	if scale <= 0 {
		return 0, ErrInvalidScale
	}
	scaled := new(big.Rat).Mul(v, new(big.Rat).SetInt64(scale))

	num := new(big.Int).Abs(scaled.Num())
	den := scaled.Denom()
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	// round half away from zero: bump when 2r >= den
	if r.Lsh(r, 1).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if scaled.Sign() < 0 {
		q.Neg(q)
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("fixedpoint: %s overflows int64", v.FloatString(4))
	}
	return q.Int64(), nil
}

// Decode returns n / scale.
func Decode(n int64, scale int64) *big.Rat {
	return new(big.Rat).SetFrac(big.NewInt(n), big.NewInt(scale))
}

// Parse reads a plain decimal such as "9.5" or "8.00". Exponents, signs other
// than a leading '-', and surrounding whitespace are rejected.
func Parse(s string) (*big.Rat, error) {
	if s == "" {
		return nil, errors.New("fixedpoint: empty decimal")
	}
	body := strings.TrimPrefix(s, "-")
	if body == "" || strings.Count(body, ".") > 1 || strings.HasPrefix(body, ".") || strings.HasSuffix(body, ".") {
		return nil, fmt.Errorf("fixedpoint: invalid decimal %q", s)
	}
	for _, c := range body {
		if (c < '0' || c > '9') && c != '.' {
			return nil, fmt.Errorf("fixedpoint: invalid decimal %q", s)
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("fixedpoint: invalid decimal %q", s)
	}
	return r, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *big.Rat {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Format renders v with exactly as many fractional digits as scale has zeros.
func Format(v *big.Rat, scale int64) string {
	digits, err := Digits(scale)
	if err != nil {
		return v.RatString()
	}
	return v.FloatString(digits)
}

// Canonical parses s and re-renders it at the given scale. It fails when s
// carries more precision than the scale can represent.
func Canonical(s string, scale int64) (string, error) {
	r, err := Parse(s)
	if err != nil {
		return "", err
	}
	n, err := Encode(r, scale)
	if err != nil {
		return "", err
	}
	if Decode(n, scale).Cmp(r) != 0 {
		return "", fmt.Errorf("fixedpoint: %q has more precision than scale %d", s, scale)
	}
	return Format(r, scale), nil
}

// Digits returns log10(scale) for power-of-ten scales.
func Digits(scale int64) (int, error) {
	if scale <= 0 {
		return 0, ErrInvalidScale
	}
	d := 0
	for s := scale; s > 1; s /= 10 {
		if s%10 != 0 {
			return 0, ErrInvalidScale
		}
		d++
	}
	return d, nil
}
