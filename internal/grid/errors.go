package grid

import (
	"errors"

	"github.com/osgrid/gridveil/internal/oracle"
	"github.com/osgrid/gridveil/internal/store"
)

// The error taxonomy callers match against with errors.Is. NotFound,
// AlreadyAnalyzed, and InvalidProof originate in the layers that detect
// them; they are re-exported here so the API surface has one vocabulary.
var (
	// ErrNotFound covers unknown record ids, uninitialized facility
	// accumulators, and unresolvable facility hashes.
	ErrNotFound = store.ErrNotFound

	// ErrAlreadyAnalyzed rejects a re-request or duplicate callback on a
	// settled record.
	ErrAlreadyAnalyzed = store.ErrAlreadyAnalyzed

	// ErrInvalidRequest rejects a callback whose request id is absent from
	// the correlation table or already consumed.
	ErrInvalidRequest = errors.New("grid: unknown decryption request")

	// ErrInvalidProof is fatal and never retried.
	ErrInvalidProof = oracle.ErrInvalidProof

	// ErrUninitializedCiphertext rejects a submission carrying an
	// uninitialized ciphertext handle.
	ErrUninitializedCiphertext = errors.New("grid: uninitialized ciphertext handle")
)
