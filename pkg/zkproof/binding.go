package zkproof

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/zeebo/blake3"
)

// bindingTag separates binding hashes from any other MiMC use of the same
// field elements.
const bindingTag = "veridegree/disclosure-binding/v1"

// Context is the real-world claim a proof is bound to. It travels in clear in
// the disclosure bundle and is committed to as public signal SignalBinding.
type Context struct {
	CircuitID    string
	CredentialID string
	IssuerID     string
}

// Binding computes MiMC(tag, H(circuit), H(credential), H(issuer)) where H maps
// a string into the BN254 scalar field via BLAKE3. Each component is hashed on
// its own, so no concatenation of ids can collide with another.
func (c Context) Binding() *big.Int {
	h := mimc.NewMiMC()
	for _, part := range []string{bindingTag, c.CircuitID, c.CredentialID, c.IssuerID} {
		e := hashToField(part)
		b := e.Bytes()
		// Write only rejects non-canonical field elements; Bytes never yields one.
		if _, err := h.Write(b[:]); err != nil {
			panic(err)
		}
	}

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out.BigInt(new(big.Int))
}

func hashToField(s string) fr.Element {
	sum := blake3.Sum256([]byte(s))
	var e fr.Element
	e.SetBytes(sum[:])
	return e
}
