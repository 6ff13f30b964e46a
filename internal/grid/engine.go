// Package grid orchestrates the encrypted-record state machine: submission,
// request-correlated decryption, and the per-facility encrypted accumulator.
package grid

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/osgrid/gridveil/internal/he"
	"github.com/osgrid/gridveil/internal/oracle"
	"github.com/osgrid/gridveil/internal/store"
)

// Notifier receives the externally observable lifecycle signals. Monitoring
// collaborators subscribe to these rather than polling.
type Notifier interface {
	RecordSubmitted(id int64, submittedAt time.Time)
	AnalysisRequested(id int64)
	RecordAnalyzed(id int64)
}

type noopNotifier struct{}

func (noopNotifier) RecordSubmitted(int64, time.Time) {}
func (noopNotifier) AnalysisRequested(int64)          {}
func (noopNotifier) RecordAnalyzed(int64)             {}

// FacilityStats is the read result of a facility-stats decryption: the total
// analyzed-record count for one facility.
type FacilityStats struct {
	FacilityID string
	Count      uint32
}

// FacilityHash derives the stable correlation key for a facility id.
// Facility ids are not sequential integers, so requests are keyed by hash
// and resolved by reverse lookup over the known-facility list.
func FacilityHash(facilityID string) string {
	sum := sha256.Sum256([]byte(facilityID))
	return hex.EncodeToString(sum[:])
}

// Engine is the single logical writer over the record store, correlation
// table, and facility accumulators. Every state-mutating operation runs
// under one mutex, reproducing the serialized-execution guarantee the
// accumulator's lazy-init-then-increment pattern depends on.
type Engine struct {
	mu sync.Mutex

	store    store.Store
	scheme   he.Scheme
	oracle   oracle.Oracle
	notifier Notifier
	logger   *slog.Logger
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(st store.Store, scheme he.Scheme, orc oracle.Oracle, notifier Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		scheme:   scheme,
		oracle:   orc,
		notifier: notifier,
		logger:   logger,
	}
}

// Submit stores an encrypted reading and its zero-valued unanalyzed
// counterpart, and returns the assigned record id.
func (e *Engine) Submit(ctx context.Context, encVoltage, encFrequency, encFacility he.Ciphertext) (int64, error) {
	for _, ct := range []he.Ciphertext{encVoltage, encFrequency, encFacility} {
		if !ct.Initialized() {
			return 0, ErrUninitializedCiphertext
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	id, err := e.store.SubmitRecord(ctx, &store.EncryptedRecord{
		EncryptedVoltage:    encVoltage.Bytes(),
		EncryptedFrequency:  encFrequency.Bytes(),
		EncryptedFacilityID: encFacility.Bytes(),
		SubmittedAt:         now,
	})
	if err != nil {
		return 0, fmt.Errorf("storing record: %w", err)
	}

	e.logger.Info("record submitted", "id", id)
	e.notifier.RecordSubmitted(id, now)
	return id, nil
}

// RequestAnalysis asks the oracle to decrypt a record's three ciphertexts
// and registers the correlation entry. Fails with ErrAlreadyAnalyzed once
// the record is settled. Issuing a second request before the first callback
// resolves is permitted; the first callback to commit wins and later ones
// are rejected by the analyzed-guard.
func (e *Engine) RequestAnalysis(ctx context.Context, recordID int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc, dec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	if dec.IsAnalyzed {
		return "", ErrAlreadyAnalyzed
	}

	handles, err := e.rehydrate(enc.EncryptedVoltage, enc.EncryptedFrequency, enc.EncryptedFacilityID)
	if err != nil {
		return "", err
	}

	requestID, err := e.oracle.RequestDecryption(ctx, handles, oracle.SelectorRecord)
	if err != nil {
		return "", fmt.Errorf("requesting decryption: %w", err)
	}

	if err := e.store.SavePendingRequest(ctx, &store.PendingRequest{
		RequestID: requestID,
		Kind:      store.RequestKindRecord,
		RecordID:  recordID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("saving correlation entry: %w", err)
	}

	e.logger.Info("analysis requested", "id", recordID, "request_id", requestID)
	e.notifier.AnalysisRequested(recordID)
	return requestID, nil
}

// RequestFacilityStats asks the oracle to reveal a facility's accumulated
// analyzed-record count. Fails with ErrNotFound if the accumulator was never
// initialized.
func (e *Engine) RequestFacilityStats(ctx context.Context, facilityID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counter, err := e.store.GetAccumulator(ctx, facilityID)
	if err != nil {
		return "", err
	}

	ct, err := e.scheme.FromSealed(counter)
	if err != nil {
		return "", fmt.Errorf("rehydrating accumulator: %w", err)
	}

	requestID, err := e.oracle.RequestDecryption(ctx, []he.Handle{ct.Handle()}, oracle.SelectorFacility)
	if err != nil {
		return "", fmt.Errorf("requesting decryption: %w", err)
	}

	if err := e.store.SavePendingRequest(ctx, &store.PendingRequest{
		RequestID:    requestID,
		Kind:         store.RequestKindFacility,
		FacilityHash: FacilityHash(facilityID),
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("saving correlation entry: %w", err)
	}

	e.logger.Info("facility stats requested", "facility_id", facilityID, "request_id", requestID)
	return requestID, nil
}

// OnRecordDecrypted handles the oracle callback for a record decryption.
// Check order: correlation, analyzed-guard, proof. Any failure leaves the
// record and accumulator untouched.
func (e *Engine) OnRecordDecrypted(ctx context.Context, requestID string, payload, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.store.GetPendingRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidRequest
	}
	if err != nil {
		return err
	}
	if req.Kind != store.RequestKindRecord {
		return ErrInvalidRequest
	}

	_, dec, err := e.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return err
	}
	if dec.IsAnalyzed {
		// Duplicate or replayed callback; at-most-once transition holds.
		return ErrAlreadyAnalyzed
	}

	if err := e.oracle.CheckSignatures(requestID, payload, proof); err != nil {
		e.logger.Error("proof verification failed", "request_id", requestID, "error", err)
		return err
	}

	voltage, frequency, facilityID, err := oracle.DecodeRecordPayload(payload)
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	counter, err := e.nextCounter(ctx, facilityID)
	if err != nil {
		return err
	}

	if err := e.store.ApplyAnalysis(ctx, &store.AnalysisResult{
		RecordID:   req.RecordID,
		Voltage:    voltage,
		Frequency:  frequency,
		FacilityID: facilityID,
		Counter:    counter,
		AnalyzedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	e.logger.Info("record analyzed", "id", req.RecordID, "facility_id", facilityID)
	e.notifier.RecordAnalyzed(req.RecordID)
	return nil
}

// nextCounter returns the facility's accumulator homomorphically advanced by
// an encrypted one, initializing it to encrypted zero on first encounter.
func (e *Engine) nextCounter(ctx context.Context, facilityID string) ([]byte, error) {
	var base he.Ciphertext
	prev, err := e.store.GetAccumulator(ctx, facilityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		base, err = e.scheme.EncryptZero()
		if err != nil {
			return nil, fmt.Errorf("encrypting zero: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		base, err = e.scheme.FromSealed(prev)
		if err != nil {
			return nil, fmt.Errorf("rehydrating accumulator: %w", err)
		}
	}

	one, err := e.scheme.EncryptUint64(1)
	if err != nil {
		return nil, fmt.Errorf("encrypting one: %w", err)
	}
	sum, err := e.scheme.Add(base, one)
	if err != nil {
		return nil, fmt.Errorf("advancing accumulator: %w", err)
	}
	return sum.Bytes(), nil
}

// OnFacilityStatsDecrypted handles the oracle callback for a facility-stats
// decryption and returns the revealed count. The facility is resolved by
// reverse-hash lookup over the known-facility list; a miss is a protocol
// violation, not a recoverable condition.
func (e *Engine) OnFacilityStatsDecrypted(ctx context.Context, requestID string, payload, proof []byte) (FacilityStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, err := e.store.GetPendingRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return FacilityStats{}, ErrInvalidRequest
	}
	if err != nil {
		return FacilityStats{}, err
	}
	if req.Kind != store.RequestKindFacility || req.Resolved {
		return FacilityStats{}, ErrInvalidRequest
	}

	facilityID, err := e.facilityByHash(ctx, req.FacilityHash)
	if err != nil {
		e.logger.Error("facility hash did not resolve", "request_id", requestID, "hash", req.FacilityHash)
		return FacilityStats{}, err
	}

	if err := e.oracle.CheckSignatures(requestID, payload, proof); err != nil {
		e.logger.Error("proof verification failed", "request_id", requestID, "error", err)
		return FacilityStats{}, err
	}

	count, err := oracle.DecodeFacilityStatsPayload(payload)
	if err != nil {
		return FacilityStats{}, fmt.Errorf("decoding payload: %w", err)
	}

	if err := e.store.ResolvePendingRequest(ctx, requestID); err != nil {
		return FacilityStats{}, err
	}

	e.logger.Info("facility stats decrypted", "facility_id", facilityID, "count", count)
	return FacilityStats{FacilityID: facilityID, Count: count}, nil
}

// facilityByHash re-hashes the known-facility list to find the id matching a
// correlation hash. Linear scan; facility counts stay small.
func (e *Engine) facilityByHash(ctx context.Context, hash string) (string, error) {
	facilities, err := e.store.ListFacilities(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range facilities {
		if FacilityHash(f) == hash {
			return f, nil
		}
	}
	return "", ErrNotFound
}

// GetRecord returns both halves of a record.
func (e *Engine) GetRecord(ctx context.Context, id int64) (*store.EncryptedRecord, *store.DecryptedRecord, error) {
	return e.store.GetRecord(ctx, id)
}

// Accumulator returns a facility's encrypted counter. Fails with
// ErrNotFound if the facility has no analyzed records yet.
func (e *Engine) Accumulator(ctx context.Context, facilityID string) (he.Ciphertext, error) {
	counter, err := e.store.GetAccumulator(ctx, facilityID)
	if err != nil {
		return he.Ciphertext{}, err
	}
	return e.scheme.FromSealed(counter)
}

// Facilities returns known facility ids in first-seen order.
func (e *Engine) Facilities(ctx context.Context) ([]string, error) {
	return e.store.ListFacilities(ctx)
}

// DB exposes the store's database handle for read-only analytics queries.
func (e *Engine) DB() *sql.DB {
	return e.store.DB()
}

// rehydrate re-admits stored sealed payloads so their handles resolve.
func (e *Engine) rehydrate(payloads ...[]byte) ([]he.Handle, error) {
	handles := make([]he.Handle, len(payloads))
	for i, p := range payloads {
		ct, err := e.scheme.FromSealed(p)
		if err != nil {
			return nil, fmt.Errorf("rehydrating ciphertext: %w", err)
		}
		handles[i] = ct.Handle()
	}
	return handles, nil
}

// Sink adapts the engine to the oracle's callback interface.
func (e *Engine) Sink() oracle.Sink {
	return engineSink{e}
}

type engineSink struct {
	e *Engine
}

func (s engineSink) OnRecordDecrypted(ctx context.Context, requestID string, payload, proof []byte) error {
	return s.e.OnRecordDecrypted(ctx, requestID, payload, proof)
}

func (s engineSink) OnFacilityStatsDecrypted(ctx context.Context, requestID string, payload, proof []byte) error {
	_, err := s.e.OnFacilityStatsDecrypted(ctx, requestID, payload, proof)
	return err
}
