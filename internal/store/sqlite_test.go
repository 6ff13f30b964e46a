package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submitTestRecord(t *testing.T, s *SQLiteStore) int64 {
	t.Helper()
	id, err := s.SubmitRecord(context.Background(), &EncryptedRecord{
		EncryptedVoltage:    []byte("enc-voltage"),
		EncryptedFrequency:  []byte("enc-frequency"),
		EncryptedFacilityID: []byte("enc-facility"),
		SubmittedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SubmitRecord: %v", err)
	}
	return id
}

func TestSubmitRecordSequentialIDs(t *testing.T) {
	s := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		got := submitTestRecord(t, s)
		if got != want {
			t.Errorf("record id: got %d, want %d", got, want)
		}
	}

	count, err := s.CountRecords(context.Background())
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 3 {
		t.Errorf("CountRecords: got %d, want 3", count)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.GetRecord(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord(99): got %v, want ErrNotFound", err)
	}
}

func TestGetRecordUnanalyzedDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := submitTestRecord(t, s)

	enc, dec, err := s.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if string(enc.EncryptedVoltage) != "enc-voltage" {
		t.Errorf("encrypted voltage: got %q", enc.EncryptedVoltage)
	}
	if dec.IsAnalyzed {
		t.Error("fresh record reports analyzed")
	}
	if dec.Voltage != 0 || dec.Frequency != 0 || dec.FacilityID != "" {
		t.Errorf("fresh record has non-zero plaintext: %+v", dec)
	}
	if dec.AnalyzedAt != nil {
		t.Error("fresh record has analyzed_at")
	}
}

func TestApplyAnalysis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := submitTestRecord(t, s)

	res := &AnalysisResult{
		RecordID:   id,
		Voltage:    220000,
		Frequency:  5000,
		FacilityID: "PWR-A",
		Counter:    []byte("counter-1"),
		AnalyzedAt: time.Now().UTC(),
	}
	if err := s.ApplyAnalysis(ctx, res); err != nil {
		t.Fatalf("ApplyAnalysis: %v", err)
	}

	_, dec, err := s.GetRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if !dec.IsAnalyzed {
		t.Error("record not marked analyzed")
	}
	if dec.Voltage != 220000 || dec.Frequency != 5000 || dec.FacilityID != "PWR-A" {
		t.Errorf("plaintext fields: %+v", dec)
	}
	if dec.AnalyzedAt == nil {
		t.Error("analyzed_at not set")
	}

	counter, err := s.GetAccumulator(ctx, "PWR-A")
	if err != nil {
		t.Fatalf("GetAccumulator: %v", err)
	}
	if string(counter) != "counter-1" {
		t.Errorf("accumulator: got %q, want counter-1", counter)
	}
}

func TestApplyAnalysisTwiceRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := submitTestRecord(t, s)
	res := &AnalysisResult{
		RecordID:   id,
		Voltage:    1,
		Frequency:  2,
		FacilityID: "PWR-A",
		Counter:    []byte("c1"),
		AnalyzedAt: time.Now().UTC(),
	}
	if err := s.ApplyAnalysis(ctx, res); err != nil {
		t.Fatalf("first ApplyAnalysis: %v", err)
	}

	res.Counter = []byte("c2")
	if err := s.ApplyAnalysis(ctx, res); !errors.Is(err, ErrAlreadyAnalyzed) {
		t.Fatalf("second ApplyAnalysis: got %v, want ErrAlreadyAnalyzed", err)
	}

	// The rejected attempt must not have touched the accumulator.
	counter, err := s.GetAccumulator(ctx, "PWR-A")
	if err != nil {
		t.Fatalf("GetAccumulator: %v", err)
	}
	if string(counter) != "c1" {
		t.Errorf("accumulator moved on rejected analysis: got %q", counter)
	}
}

func TestApplyAnalysisUnknownRecord(t *testing.T) {
	s := newTestStore(t)

	err := s.ApplyAnalysis(context.Background(), &AnalysisResult{
		RecordID:   42,
		FacilityID: "PWR-A",
		Counter:    []byte("c"),
		AnalyzedAt: time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ApplyAnalysis unknown record: got %v, want ErrNotFound", err)
	}
}

func TestListAnalyzed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1 := submitTestRecord(t, s)
	submitTestRecord(t, s) // stays unanalyzed
	id3 := submitTestRecord(t, s)

	for _, id := range []int64{id3, id1} {
		if err := s.ApplyAnalysis(ctx, &AnalysisResult{
			RecordID:   id,
			Voltage:    100,
			Frequency:  200,
			FacilityID: "PWR-A",
			Counter:    []byte("c"),
			AnalyzedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("ApplyAnalysis(%d): %v", id, err)
		}
	}

	analyzed, err := s.ListAnalyzed(ctx)
	if err != nil {
		t.Fatalf("ListAnalyzed: %v", err)
	}
	if len(analyzed) != 2 {
		t.Fatalf("ListAnalyzed: got %d records, want 2", len(analyzed))
	}
	if analyzed[0].ID != id1 || analyzed[1].ID != id3 {
		t.Errorf("order: got ids %d, %d; want %d, %d", analyzed[0].ID, analyzed[1].ID, id1, id3)
	}
}

func TestFacilityFirstSeenOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, facility := range []string{"PWR-C", "PWR-A", "PWR-B", "PWR-A"} {
		id := submitTestRecord(t, s)
		if err := s.ApplyAnalysis(ctx, &AnalysisResult{
			RecordID:   id,
			FacilityID: facility,
			Counter:    []byte("c"),
			AnalyzedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("ApplyAnalysis: %v", err)
		}
	}

	facilities, err := s.ListFacilities(ctx)
	if err != nil {
		t.Fatalf("ListFacilities: %v", err)
	}
	want := []string{"PWR-C", "PWR-A", "PWR-B"}
	if len(facilities) != len(want) {
		t.Fatalf("facilities: got %v, want %v", facilities, want)
	}
	for i := range want {
		if facilities[i] != want[i] {
			t.Errorf("facilities[%d]: got %q, want %q", i, facilities[i], want[i])
		}
	}
}

func TestGetAccumulatorNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetAccumulator(context.Background(), "never-seen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccumulator: got %v, want ErrNotFound", err)
	}
}

func TestPendingRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &PendingRequest{
		RequestID: "req-1",
		Kind:      RequestKindRecord,
		RecordID:  7,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SavePendingRequest(ctx, req); err != nil {
		t.Fatalf("SavePendingRequest: %v", err)
	}

	got, err := s.GetPendingRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetPendingRequest: %v", err)
	}
	if got.Kind != RequestKindRecord || got.RecordID != 7 || got.Resolved {
		t.Errorf("pending request: %+v", got)
	}

	if err := s.ResolvePendingRequest(ctx, "req-1"); err != nil {
		t.Fatalf("ResolvePendingRequest: %v", err)
	}

	// The row survives resolution; only the flag flips.
	got, err = s.GetPendingRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetPendingRequest after resolve: %v", err)
	}
	if !got.Resolved {
		t.Error("request not marked resolved")
	}
}

func TestPendingRequestFacilityKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &PendingRequest{
		RequestID:    "req-f",
		Kind:         RequestKindFacility,
		FacilityHash: "abc123",
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.SavePendingRequest(ctx, req); err != nil {
		t.Fatalf("SavePendingRequest: %v", err)
	}

	got, err := s.GetPendingRequest(ctx, "req-f")
	if err != nil {
		t.Fatalf("GetPendingRequest: %v", err)
	}
	if got.Kind != RequestKindFacility || got.FacilityHash != "abc123" {
		t.Errorf("pending request: %+v", got)
	}
}

func TestGetPendingRequestNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetPendingRequest(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPendingRequest: got %v, want ErrNotFound", err)
	}
	if err := s.ResolvePendingRequest(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolvePendingRequest: got %v, want ErrNotFound", err)
	}
}

func TestSavePendingRequestUnknownKind(t *testing.T) {
	s := newTestStore(t)

	err := s.SavePendingRequest(context.Background(), &PendingRequest{
		RequestID: "req-x",
		Kind:      RequestKind("bogus"),
		CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		t.Error("accepted an unknown request kind")
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	id := submitTestRecord(t, s1)
	s1.Close()

	// Reopening must not re-run migrations or lose data.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	_, dec, err := s2.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRecord after reopen: %v", err)
	}
	if dec.ID != id {
		t.Errorf("record id after reopen: got %d, want %d", dec.ID, id)
	}
}
