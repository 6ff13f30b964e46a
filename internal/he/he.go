// Package he wraps the encrypted-integer capability used for confidential
// telemetry. Ciphertexts are opaque sealed payloads addressed by a 32-byte
// transport handle; the scheme supports encryption, homomorphic addition of
// integer ciphertexts, and rehydration of persisted ciphertexts. Decryption
// is deliberately absent from the Scheme interface — only the oracle side
// (Enclave) can open a ciphertext.
package he

import (
	"crypto/sha256"
	"encoding/hex"
)

// HandleSize is the length of a transport handle in bytes.
const HandleSize = 32

// Handle is the transportable reference to a ciphertext. It is derived from
// the sealed bytes, so equal handles imply equal ciphertexts.
type Handle [HandleSize]byte

// Hex returns the lowercase hex encoding of the handle.
func (h Handle) Hex() string {
	return hex.EncodeToString(h[:])
}

// Ciphertext is an opaque encrypted value. The zero value is uninitialized.
type Ciphertext struct {
	sealed []byte
	handle Handle
}

// newCiphertext wraps sealed bytes and computes the transport handle.
func newCiphertext(sealed []byte) Ciphertext {
	return Ciphertext{sealed: sealed, handle: sha256.Sum256(sealed)}
}

// Initialized reports whether the ciphertext carries a sealed payload.
// A ciphertext is never invalidated after creation.
func (c Ciphertext) Initialized() bool {
	return len(c.sealed) > 0
}

// Handle returns the transport handle for the ciphertext.
func (c Ciphertext) Handle() Handle {
	return c.handle
}

// Bytes returns the sealed payload for persistence. Callers must not mutate
// the returned slice.
func (c Ciphertext) Bytes() []byte {
	return c.sealed
}

// Scheme is the encryption capability consumed by the core. Implementations
// must be deterministic and side-effect-free from the caller's perspective.
type Scheme interface {
	// EncryptZero returns a fresh encryption of the integer zero.
	EncryptZero() (Ciphertext, error)

	// EncryptUint64 encrypts an unsigned integer.
	EncryptUint64(v uint64) (Ciphertext, error)

	// EncryptBytes encrypts an arbitrary byte payload (facility identifiers).
	// Byte ciphertexts cannot be combined with Add.
	EncryptBytes(p []byte) (Ciphertext, error)

	// Add homomorphically combines two integer ciphertexts.
	Add(a, b Ciphertext) (Ciphertext, error)

	// FromSealed rehydrates a persisted ciphertext so its handle resolves
	// again for decryption requests.
	FromSealed(sealed []byte) (Ciphertext, error)
}
