package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Open database with WAL mode and recommended pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Telemetry readings are sensitive; keep the file owner-only.
	if err := setSecureFilePermissions(dbPath); err != nil {
		_ = err // Best effort - Windows may not support this
	}

	// Single connection: the ledger model is a single serialized writer, and
	// SQLite with WAL enforces it at the connection level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// setSecureFilePermissions sets restrictive permissions on the database file.
// On Unix: 0600 (owner read/write only)
// On Windows: best-effort, file security is handled via ACLs
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}

	// WAL and SHM files may not exist yet; ignore errors
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)

	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, create it
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1, // Initial schema
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}

	return nil
}

const migrationV1 = `
-- Records table. AUTOINCREMENT guarantees sequential ids from 1 with no
-- reuse; records are never deleted, so there are no gaps either.
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	enc_voltage BLOB NOT NULL,
	enc_frequency BLOB NOT NULL,
	enc_facility BLOB NOT NULL,
	submitted_at TEXT NOT NULL,
	voltage INTEGER NOT NULL DEFAULT 0,
	frequency INTEGER NOT NULL DEFAULT 0,
	facility_id TEXT NOT NULL DEFAULT '',
	is_analyzed INTEGER NOT NULL DEFAULT 0,
	analyzed_at TEXT
);

-- Decryption correlation table. Write-once, read-once; rows stay forever.
CREATE TABLE IF NOT EXISTS pending_requests (
	request_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK (kind IN ('record', 'facility')),
	record_id INTEGER,
	facility_hash TEXT,
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

-- Per-facility encrypted accumulators. position preserves first-seen order
-- for reverse hash lookup.
CREATE TABLE IF NOT EXISTS facilities (
	facility_id TEXT PRIMARY KEY,
	position INTEGER NOT NULL UNIQUE,
	counter BLOB NOT NULL,
	first_seen_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_analyzed ON records(is_analyzed, id);
CREATE INDEX IF NOT EXISTS idx_records_facility ON records(facility_id) WHERE is_analyzed = 1;
CREATE INDEX IF NOT EXISTS idx_pending_kind ON pending_requests(kind, created_at);
`

// SubmitRecord inserts a new encrypted record and returns its assigned id.
func (s *SQLiteStore) SubmitRecord(ctx context.Context, rec *EncryptedRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (enc_voltage, enc_frequency, enc_facility, submitted_at)
		VALUES (?, ?, ?, ?)
	`,
		rec.EncryptedVoltage, rec.EncryptedFrequency, rec.EncryptedFacilityID,
		rec.SubmittedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRecord retrieves both halves of a record by id.
func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (*EncryptedRecord, *DecryptedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, enc_voltage, enc_frequency, enc_facility, submitted_at,
			voltage, frequency, facility_id, is_analyzed, analyzed_at
		FROM records WHERE id = ?
	`, id)

	var enc EncryptedRecord
	var dec DecryptedRecord
	var submittedAt string
	var voltage, frequency int64
	var analyzedAt sql.NullString

	err := row.Scan(
		&enc.ID, &enc.EncryptedVoltage, &enc.EncryptedFrequency, &enc.EncryptedFacilityID,
		&submittedAt, &voltage, &frequency, &dec.FacilityID, &dec.IsAnalyzed, &analyzedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	enc.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	dec.ID = enc.ID
	dec.Voltage = uint64(voltage)
	dec.Frequency = uint64(frequency)
	if analyzedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, analyzedAt.String)
		dec.AnalyzedAt = &t
	}

	return &enc, &dec, nil
}

// CountRecords returns the total number of submitted records.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// ListAnalyzed returns all analyzed records in ascending id order.
func (s *SQLiteStore) ListAnalyzed(ctx context.Context) ([]*DecryptedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, voltage, frequency, facility_id, analyzed_at
		FROM records WHERE is_analyzed = 1 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DecryptedRecord
	for rows.Next() {
		var rec DecryptedRecord
		var voltage, frequency int64
		var analyzedAt sql.NullString

		if err := rows.Scan(&rec.ID, &voltage, &frequency, &rec.FacilityID, &analyzedAt); err != nil {
			return nil, err
		}
		rec.Voltage = uint64(voltage)
		rec.Frequency = uint64(frequency)
		rec.IsAnalyzed = true
		if analyzedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, analyzedAt.String)
			rec.AnalyzedAt = &t
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// ApplyAnalysis commits a verified decryption: plaintext fields, analyzed
// flag, and accumulator update in one transaction.
func (s *SQLiteStore) ApplyAnalysis(ctx context.Context, res *AnalysisResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	analyzedAt := res.AnalyzedAt.Format(time.RFC3339Nano)

	upd, err := tx.ExecContext(ctx, `
		UPDATE records SET voltage = ?, frequency = ?, facility_id = ?, is_analyzed = 1, analyzed_at = ?
		WHERE id = ? AND is_analyzed = 0
	`, int64(res.Voltage), int64(res.Frequency), res.FacilityID, analyzedAt, res.RecordID)
	if err != nil {
		return err
	}
	n, err := upd.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE id = ?", res.RecordID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrAlreadyAnalyzed
	}

	// Lazily creates the facility at the next position; on later records only
	// the counter moves.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO facilities (facility_id, position, counter, first_seen_at, updated_at)
		VALUES (?, (SELECT COUNT(*) FROM facilities), ?, ?, ?)
		ON CONFLICT(facility_id) DO UPDATE SET counter = excluded.counter, updated_at = excluded.updated_at
	`, res.FacilityID, res.Counter, analyzedAt, analyzedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// SavePendingRequest records a new correlation-table entry.
func (s *SQLiteStore) SavePendingRequest(ctx context.Context, req *PendingRequest) error {
	var recordID interface{}
	var facilityHash interface{}
	switch req.Kind {
	case RequestKindRecord:
		recordID = req.RecordID
	case RequestKindFacility:
		facilityHash = req.FacilityHash
	default:
		return fmt.Errorf("unknown request kind %q", req.Kind)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_requests (request_id, kind, record_id, facility_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, req.RequestID, string(req.Kind), recordID, facilityHash, req.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// GetPendingRequest retrieves a correlation-table entry by request id.
func (s *SQLiteStore) GetPendingRequest(ctx context.Context, requestID string) (*PendingRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, kind, record_id, facility_hash, resolved, created_at
		FROM pending_requests WHERE request_id = ?
	`, requestID)

	var req PendingRequest
	var kind, createdAt string
	var recordID sql.NullInt64
	var facilityHash sql.NullString

	err := row.Scan(&req.RequestID, &kind, &recordID, &facilityHash, &req.Resolved, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	req.Kind = RequestKind(kind)
	if recordID.Valid {
		req.RecordID = recordID.Int64
	}
	if facilityHash.Valid {
		req.FacilityHash = facilityHash.String
	}
	req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	return &req, nil
}

// ResolvePendingRequest marks a correlation entry as consumed. The row is
// retained; re-invocation is rejected at the engine level.
func (s *SQLiteStore) ResolvePendingRequest(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE pending_requests SET resolved = 1 WHERE request_id = ?", requestID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAccumulator returns the encrypted counter for a facility.
func (s *SQLiteStore) GetAccumulator(ctx context.Context, facilityID string) ([]byte, error) {
	var counter []byte
	err := s.db.QueryRowContext(ctx, "SELECT counter FROM facilities WHERE facility_id = ?", facilityID).Scan(&counter)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return counter, nil
}

// ListFacilities returns known facility ids in first-seen order.
func (s *SQLiteStore) ListFacilities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT facility_id FROM facilities ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facilities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		facilities = append(facilities, id)
	}

	return facilities, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for analytics queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}
