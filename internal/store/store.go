// Package store provides data persistence using SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound indicates an unknown record id, request id, or facility.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyAnalyzed indicates an attempt to re-apply analysis to a record
// whose decrypted fields are already committed.
var ErrAlreadyAnalyzed = errors.New("store: record already analyzed")

// EncryptedRecord is a submitted telemetry reading in ciphertext form.
// Immutable after creation; the sealed payloads are opaque to the store.
type EncryptedRecord struct {
	ID                  int64
	EncryptedVoltage    []byte
	EncryptedFrequency  []byte
	EncryptedFacilityID []byte
	SubmittedAt         time.Time
}

// DecryptedRecord is the plaintext counterpart of an EncryptedRecord, same
// id. Voltage, Frequency, and FacilityID carry zero values until IsAnalyzed
// flips; IsAnalyzed transitions exactly once and never reverts.
type DecryptedRecord struct {
	ID         int64
	Voltage    uint64
	Frequency  uint64
	FacilityID string
	IsAnalyzed bool
	AnalyzedAt *time.Time
}

// RequestKind disambiguates which callback a pending decryption request is
// routed to.
type RequestKind string

const (
	RequestKindRecord   RequestKind = "record"
	RequestKindFacility RequestKind = "facility"
)

// PendingRequest correlates an outstanding oracle request id with the domain
// object it will resolve. Rows are written once and never deleted; Resolved
// marks a facility-stats entry as consumed.
type PendingRequest struct {
	RequestID    string
	Kind         RequestKind
	RecordID     int64  // valid when Kind == RequestKindRecord
	FacilityHash string // hex, valid when Kind == RequestKindFacility
	Resolved     bool
	CreatedAt    time.Time
}

// AnalysisResult is the all-or-nothing outcome of a verified record
// decryption: the plaintext fields plus the updated encrypted accumulator
// for the record's facility.
type AnalysisResult struct {
	RecordID   int64
	Voltage    uint64
	Frequency  uint64
	FacilityID string
	Counter    []byte // updated encrypted accumulator
	AnalyzedAt time.Time
}

// Store defines the interface for data persistence. Mutating calls are
// serialized by the engine; implementations additionally guarantee that
// ApplyAnalysis commits atomically.
type Store interface {
	// Records
	SubmitRecord(ctx context.Context, rec *EncryptedRecord) (int64, error)
	GetRecord(ctx context.Context, id int64) (*EncryptedRecord, *DecryptedRecord, error)
	CountRecords(ctx context.Context) (int64, error)
	ListAnalyzed(ctx context.Context) ([]*DecryptedRecord, error)

	// ApplyAnalysis writes the decrypted fields, flips is_analyzed, and
	// updates the facility accumulator in a single transaction. Fails with
	// ErrAlreadyAnalyzed if the record is already settled.
	ApplyAnalysis(ctx context.Context, res *AnalysisResult) error

	// Correlation table
	SavePendingRequest(ctx context.Context, req *PendingRequest) error
	GetPendingRequest(ctx context.Context, requestID string) (*PendingRequest, error)
	ResolvePendingRequest(ctx context.Context, requestID string) error

	// Facility accumulators
	GetAccumulator(ctx context.Context, facilityID string) ([]byte, error)
	ListFacilities(ctx context.Context) ([]string, error)

	Close() error

	// DB returns the underlying database connection for analytics queries.
	DB() *sql.DB
}
