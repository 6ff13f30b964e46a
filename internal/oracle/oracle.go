// Package oracle implements the decryption-oracle capability: asynchronous,
// request-correlated decryption with signed proofs. The core never decrypts;
// it hands transport handles to an Oracle and receives the cleartext later
// through a callback, verifiable with CheckSignatures.
package oracle

import (
	"context"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/osgrid/gridveil/internal/he"
)

const proofInfoString = "gridveil-oracle-proof-v1"

// Selector names the callback endpoint a decryption response is routed to.
type Selector string

const (
	// SelectorRecord routes to the record-decryption callback (three handles:
	// voltage, frequency, facility id).
	SelectorRecord Selector = "record"
	// SelectorFacility routes to the facility-stats callback (one handle:
	// the encrypted accumulator).
	SelectorFacility Selector = "facility"
)

// ErrInvalidProof indicates a proof that does not verify against its payload
// and request id. This is fatal: it means oracle compromise or data
// corruption, never a transient condition.
var ErrInvalidProof = errors.New("oracle: invalid decryption proof")

// Oracle is the decryption capability consumed by the core.
type Oracle interface {
	// RequestDecryption submits transport handles for off-path decryption and
	// returns an unpredictable request id. The result arrives later at the
	// callback named by the selector.
	RequestDecryption(ctx context.Context, handles []he.Handle, sel Selector) (string, error)

	// CheckSignatures verifies a callback proof against the cleartext payload
	// and request id. Returns ErrInvalidProof on mismatch.
	CheckSignatures(requestID string, payload, proof []byte) error
}

// Sink receives decryption callbacks from a LocalOracle.
type Sink interface {
	OnRecordDecrypted(ctx context.Context, requestID string, payload, proof []byte) error
	OnFacilityStatsDecrypted(ctx context.Context, requestID string, payload, proof []byte) error
}

type job struct {
	requestID string
	selector  Selector
	handles   []he.Handle
}

// LocalOracle is an in-process oracle backed by the enclave. Callbacks are
// delivered asynchronously by Run, or synchronously via DeliverPending.
// Proofs are HMAC-SHA256 over requestID || payload under a key derived with
// HKDF-SHA256 from fresh entropy at construction.
type LocalOracle struct {
	enclave *he.Enclave
	sink    Sink
	logger  *slog.Logger
	delay   time.Duration

	proofKey []byte

	mu      sync.Mutex
	pending []job
	notify  chan struct{}
}

// NewLocalOracle creates a local oracle over the given enclave.
// delay simulates off-path decryption latency; zero delivers immediately.
func NewLocalOracle(enclave *he.Enclave, logger *slog.Logger, delay time.Duration) (*LocalOracle, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ikm := make([]byte, 32)
	if _, err := crand.Read(ikm); err != nil {
		return nil, fmt.Errorf("oracle entropy: %w", err)
	}
	r := hkdf.New(sha256.New, ikm, nil, []byte(proofInfoString))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving proof key: %w", err)
	}

	return &LocalOracle{
		enclave:  enclave,
		logger:   logger,
		delay:    delay,
		proofKey: key,
		notify:   make(chan struct{}, 1),
	}, nil
}

// Bind attaches the callback sink. Must be called before any request is
// delivered.
func (o *LocalOracle) Bind(sink Sink) {
	o.mu.Lock()
	o.sink = sink
	o.mu.Unlock()
}

// RequestDecryption enqueues a decryption job and returns its request id.
// The job is delivered later; this never calls back into the sink inline.
func (o *LocalOracle) RequestDecryption(ctx context.Context, handles []he.Handle, sel Selector) (string, error) {
	switch sel {
	case SelectorRecord:
		if len(handles) != 3 {
			return "", fmt.Errorf("record decryption needs 3 handles, got %d", len(handles))
		}
	case SelectorFacility:
		if len(handles) != 1 {
			return "", fmt.Errorf("facility decryption needs 1 handle, got %d", len(handles))
		}
	default:
		return "", fmt.Errorf("unknown selector %q", sel)
	}

	requestID := uuid.NewString()

	o.mu.Lock()
	o.pending = append(o.pending, job{requestID: requestID, selector: sel, handles: handles})
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}

	return requestID, nil
}

// CheckSignatures verifies proof = HMAC-SHA256(key, requestID || payload).
func (o *LocalOracle) CheckSignatures(requestID string, payload, proof []byte) error {
	if !hmac.Equal(proof, o.sign(requestID, payload)) {
		return ErrInvalidProof
	}
	return nil
}

// Run delivers queued jobs until the context is cancelled.
func (o *LocalOracle) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
			if o.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(o.delay):
				}
			}
			if err := o.DeliverPending(ctx); err != nil {
				o.logger.Warn("callback delivery", "error", err)
			}
		}
	}
}

// DeliverPending synchronously delivers all queued jobs. Sink errors are
// logged and do not stop delivery of the remaining jobs; the last sink error
// is returned.
func (o *LocalOracle) DeliverPending(ctx context.Context) error {
	o.mu.Lock()
	jobs := o.pending
	o.pending = nil
	sink := o.sink
	o.mu.Unlock()

	if sink == nil && len(jobs) > 0 {
		return errors.New("oracle: no sink bound")
	}

	var last error
	for _, j := range jobs {
		if err := o.deliver(ctx, sink, j); err != nil {
			o.logger.Warn("decryption callback rejected",
				"request_id", j.requestID, "selector", string(j.selector), "error", err)
			last = err
		}
	}
	return last
}

// PendingCount reports queued, undelivered jobs.
func (o *LocalOracle) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *LocalOracle) deliver(ctx context.Context, sink Sink, j job) error {
	switch j.selector {
	case SelectorRecord:
		voltage, err := o.enclave.DecryptUint64(j.handles[0])
		if err != nil {
			return fmt.Errorf("decrypting voltage: %w", err)
		}
		frequency, err := o.enclave.DecryptUint64(j.handles[1])
		if err != nil {
			return fmt.Errorf("decrypting frequency: %w", err)
		}
		facility, err := o.enclave.Decrypt(j.handles[2])
		if err != nil {
			return fmt.Errorf("decrypting facility id: %w", err)
		}
		payload := EncodeRecordPayload(voltage, frequency, string(facility))
		return sink.OnRecordDecrypted(ctx, j.requestID, payload, o.sign(j.requestID, payload))

	case SelectorFacility:
		count, err := o.enclave.DecryptUint64(j.handles[0])
		if err != nil {
			return fmt.Errorf("decrypting accumulator: %w", err)
		}
		payload := EncodeFacilityStatsPayload(uint32(count))
		return sink.OnFacilityStatsDecrypted(ctx, j.requestID, payload, o.sign(j.requestID, payload))
	}
	return fmt.Errorf("unknown selector %q", j.selector)
}

func (o *LocalOracle) sign(requestID string, payload []byte) []byte {
	mac := hmac.New(sha256.New, o.proofKey)
	mac.Write([]byte(requestID))
	mac.Write(payload)
	return mac.Sum(nil)
}
