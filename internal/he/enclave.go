package he

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const sealInfoString = "gridveil-seal-v1"

// Sealed layout: ephemeral_pk (32) || nonce (12) || ciphertext+tag.
const (
	ephPKLen   = 32
	nonceLen   = 12
	gcmTagLen  = 16
	minSealLen = ephPKLen + nonceLen + gcmTagLen
)

// Payload type tags, prepended to the plaintext before sealing so Add can
// refuse to combine non-integer ciphertexts.
const (
	payloadUint64 = 0x01
	payloadBytes  = 0x02
)

// ErrUnknownHandle is returned when a transport handle does not resolve to a
// ciphertext known to the enclave.
var ErrUnknownHandle = errors.New("he: unknown transport handle")

// Enclave is the trusted side of the ciphertext capability. It seals values
// under its own X25519 key with ECIES (ECDH + HKDF-SHA256 + AES-256-GCM) and
// keeps a handle registry so the decryption oracle can resolve transport
// handles back to sealed payloads. It implements Scheme.
type Enclave struct {
	key *ecdh.PrivateKey

	mu       sync.RWMutex
	registry map[Handle][]byte
}

// NewEnclave creates an enclave with a fresh X25519 keypair.
func NewEnclave() (*Enclave, error) {
	key, err := ecdh.X25519().GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating enclave key: %w", err)
	}
	return &Enclave{
		key:      key,
		registry: make(map[Handle][]byte),
	}, nil
}

// EncryptZero returns a fresh encryption of zero.
func (e *Enclave) EncryptZero() (Ciphertext, error) {
	return e.EncryptUint64(0)
}

// EncryptUint64 encrypts an unsigned integer.
func (e *Enclave) EncryptUint64(v uint64) (Ciphertext, error) {
	plain := make([]byte, 1+8)
	plain[0] = payloadUint64
	binary.BigEndian.PutUint64(plain[1:], v)
	return e.seal(plain)
}

// EncryptBytes encrypts an arbitrary byte payload.
func (e *Enclave) EncryptBytes(p []byte) (Ciphertext, error) {
	plain := make([]byte, 1+len(p))
	plain[0] = payloadBytes
	copy(plain[1:], p)
	return e.seal(plain)
}

// Add opens both integer ciphertexts and re-seals their sum. The enclave
// holds the recipient key, so this stays opaque to callers.
func (e *Enclave) Add(a, b Ciphertext) (Ciphertext, error) {
	va, err := e.openUint64(a)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("add lhs: %w", err)
	}
	vb, err := e.openUint64(b)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("add rhs: %w", err)
	}
	return e.EncryptUint64(va + vb)
}

// FromSealed re-admits a persisted ciphertext into the handle registry.
func (e *Enclave) FromSealed(sealed []byte) (Ciphertext, error) {
	if len(sealed) < minSealLen {
		return Ciphertext{}, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}
	ct := newCiphertext(sealed)
	e.mu.Lock()
	e.registry[ct.handle] = sealed
	e.mu.Unlock()
	return ct, nil
}

// Decrypt resolves a transport handle and opens the sealed payload. This is
// the oracle-side capability; it is not part of Scheme.
func (e *Enclave) Decrypt(h Handle) ([]byte, error) {
	e.mu.RLock()
	sealed, ok := e.registry[h]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownHandle
	}
	plain, err := e.open(sealed)
	if err != nil {
		return nil, err
	}
	return plain[1:], nil
}

// DecryptUint64 resolves a handle to an integer plaintext.
func (e *Enclave) DecryptUint64(h Handle) (uint64, error) {
	e.mu.RLock()
	sealed, ok := e.registry[h]
	e.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownHandle
	}
	return e.openUint64(newCiphertext(sealed))
}

func (e *Enclave) seal(plain []byte) (Ciphertext, error) {
	curve := ecdh.X25519()

	ephSK, err := curve.GenerateKey(crand.Reader)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("ephemeral keygen: %w", err)
	}

	shared, err := ephSK.ECDH(e.key.PublicKey())
	if err != nil {
		return Ciphertext{}, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := newGCM(shared)
	if err != nil {
		return Ciphertext{}, err
	}

	nonce := make([]byte, nonceLen)
	if _, err := crand.Read(nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("nonce: %w", err)
	}

	box := gcm.Seal(nil, nonce, plain, nil)

	sealed := make([]byte, 0, ephPKLen+nonceLen+len(box))
	sealed = append(sealed, ephSK.PublicKey().Bytes()...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, box...)

	ct := newCiphertext(sealed)
	e.mu.Lock()
	e.registry[ct.handle] = sealed
	e.mu.Unlock()
	return ct, nil
}

func (e *Enclave) open(sealed []byte) ([]byte, error) {
	if len(sealed) < minSealLen {
		return nil, fmt.Errorf("sealed payload too short: %d bytes", len(sealed))
	}

	ephPK, err := ecdh.X25519().NewPublicKey(sealed[:ephPKLen])
	if err != nil {
		return nil, fmt.Errorf("ephemeral public key: %w", err)
	}

	shared, err := e.key.ECDH(ephPK)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	gcm, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	plain, err := gcm.Open(nil, sealed[ephPKLen:ephPKLen+nonceLen], sealed[ephPKLen+nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	if len(plain) < 1 {
		return nil, errors.New("empty plaintext")
	}
	return plain, nil
}

func (e *Enclave) openUint64(c Ciphertext) (uint64, error) {
	plain, err := e.open(c.sealed)
	if err != nil {
		return 0, err
	}
	if plain[0] != payloadUint64 || len(plain) != 1+8 {
		return 0, errors.New("ciphertext is not an integer")
	}
	return binary.BigEndian.Uint64(plain[1:]), nil
}

// newGCM derives the AES-256-GCM AEAD from an ECDH shared secret.
func newGCM(shared []byte) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte(sealInfoString))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM: %w", err)
	}
	return gcm, nil
}
