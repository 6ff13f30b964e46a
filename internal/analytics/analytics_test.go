package analytics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/osgrid/gridveil/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st.DB()), st
}

// addAnalyzed submits a record and commits its plaintext fields.
func addAnalyzed(t *testing.T, st *store.SQLiteStore, voltage, frequency uint64, facilityID string) {
	t.Helper()
	ctx := context.Background()

	id, err := st.SubmitRecord(ctx, &store.EncryptedRecord{
		EncryptedVoltage:    []byte("v"),
		EncryptedFrequency:  []byte("f"),
		EncryptedFacilityID: []byte("p"),
		SubmittedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SubmitRecord: %v", err)
	}
	if err := st.ApplyAnalysis(ctx, &store.AnalysisResult{
		RecordID:   id,
		Voltage:    voltage,
		Frequency:  frequency,
		FacilityID: facilityID,
		Counter:    []byte("c"),
		AnalyzedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ApplyAnalysis: %v", err)
	}
}

// addUnanalyzed submits a record that never settles.
func addUnanalyzed(t *testing.T, st *store.SQLiteStore) {
	t.Helper()
	_, err := st.SubmitRecord(context.Background(), &store.EncryptedRecord{
		EncryptedVoltage:    []byte("v"),
		EncryptedFrequency:  []byte("f"),
		EncryptedFacilityID: []byte("p"),
		SubmittedAt:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SubmitRecord: %v", err)
	}
}

func TestStabilityIndexEmpty(t *testing.T) {
	e, _ := newTestEngine(t)

	index, err := e.StabilityIndex(context.Background())
	if err != nil {
		t.Fatalf("StabilityIndex: %v", err)
	}
	if index != PerfectStability {
		t.Errorf("empty index: got %d, want %d", index, PerfectStability)
	}
}

func TestStabilityIndexNominal(t *testing.T) {
	e, st := newTestEngine(t)

	addAnalyzed(t, st, NominalVoltage, NominalFrequency, "PWR-A")

	index, err := e.StabilityIndex(context.Background())
	if err != nil {
		t.Fatalf("StabilityIndex: %v", err)
	}
	if index != 100 {
		t.Errorf("nominal index: got %d, want 100", index)
	}
}

func TestStabilityIndexDeviation(t *testing.T) {
	e, st := newTestEngine(t)

	// Mean voltage deviation (0 + 50000) / 2 = 25000 -> penalty 25.
	addAnalyzed(t, st, 220000, 5000, "PWR-A")
	addAnalyzed(t, st, 270000, 5000, "PWR-B")

	index, err := e.StabilityIndex(context.Background())
	if err != nil {
		t.Fatalf("StabilityIndex: %v", err)
	}
	if index != 75 {
		t.Errorf("index: got %d, want 75", index)
	}
}

func TestStabilityIndexCanGoNegative(t *testing.T) {
	e, st := newTestEngine(t)

	addAnalyzed(t, st, 500000, 5000, "PWR-A") // voltage dev 280000 -> penalty 280

	index, err := e.StabilityIndex(context.Background())
	if err != nil {
		t.Fatalf("StabilityIndex: %v", err)
	}
	if index != -180 {
		t.Errorf("index: got %d, want -180", index)
	}
}

func TestStabilityIndexIgnoresUnanalyzed(t *testing.T) {
	e, st := newTestEngine(t)

	addUnanalyzed(t, st)
	addAnalyzed(t, st, NominalVoltage, NominalFrequency, "PWR-A")

	index, err := e.StabilityIndex(context.Background())
	if err != nil {
		t.Fatalf("StabilityIndex: %v", err)
	}
	if index != 100 {
		t.Errorf("index: got %d, want 100", index)
	}
}

func TestDetectAnomalies(t *testing.T) {
	e, st := newTestEngine(t)

	addAnalyzed(t, st, 220000, 5000, "PWR-A")
	addAnalyzed(t, st, 260000, 5000, "PWR-B") // over voltage threshold
	addAnalyzed(t, st, 200000, 5000, "PWR-C")
	addAnalyzed(t, st, 220000, 5150, "PWR-B") // over frequency threshold

	facilities, err := e.DetectAnomalies(context.Background(), 230000, 5100)
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}

	// One entry per qualifying record, in record order; duplicates kept.
	want := []string{"PWR-B", "PWR-B"}
	if len(facilities) != len(want) {
		t.Fatalf("anomalies: got %v, want %v", facilities, want)
	}
	for i := range want {
		if facilities[i] != want[i] {
			t.Errorf("anomalies[%d]: got %q, want %q", i, facilities[i], want[i])
		}
	}
}

func TestDetectAnomaliesNoneOver(t *testing.T) {
	e, st := newTestEngine(t)

	addAnalyzed(t, st, 220000, 5000, "PWR-A")

	facilities, err := e.DetectAnomalies(context.Background(), 230000, 5100)
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if len(facilities) != 0 {
		t.Errorf("anomalies: got %v, want none", facilities)
	}
}

func TestPredictCascadeRisk(t *testing.T) {
	e, st := newTestEngine(t)

	addAnalyzed(t, st, 180000, 5000, "PWR-A") // under SafeVoltageMin
	addAnalyzed(t, st, 220000, 5000, "PWR-B") // in bounds
	addAnalyzed(t, st, 220000, 5300, "PWR-C") // over SafeFrequencyMax
	addAnalyzed(t, st, 185000, 5000, "PWR-A") // second unstable reading, same facility

	tests := []struct {
		name     string
		critical []string
		want     int64
	}{
		{"all three", []string{"PWR-A", "PWR-B", "PWR-C"}, 66},
		{"only stable", []string{"PWR-B"}, 0},
		{"only unstable", []string{"PWR-A"}, 100},
		{"unknown facility", []string{"PWR-Z"}, 0},
		{"facility counted once", []string{"PWR-A", "PWR-B"}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := e.PredictCascadeRisk(context.Background(), tt.critical)
			if err != nil {
				t.Fatalf("PredictCascadeRisk: %v", err)
			}
			if score != tt.want {
				t.Errorf("score: got %d, want %d", score, tt.want)
			}
		})
	}
}

func TestPredictCascadeRiskEmptyList(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.PredictCascadeRisk(context.Background(), nil)
	if !errors.Is(err, ErrNoCriticalFacilities) {
		t.Errorf("empty list: got %v, want ErrNoCriticalFacilities", err)
	}
}

func TestCascadeBoundsAreInclusive(t *testing.T) {
	e, st := newTestEngine(t)

	// Exactly on the safe bounds counts as stable.
	addAnalyzed(t, st, SafeVoltageMin, SafeFrequencyMin, "PWR-LOW")
	addAnalyzed(t, st, SafeVoltageMax, SafeFrequencyMax, "PWR-HIGH")

	score, err := e.PredictCascadeRisk(context.Background(), []string{"PWR-LOW", "PWR-HIGH"})
	if err != nil {
		t.Fatalf("PredictCascadeRisk: %v", err)
	}
	if score != 0 {
		t.Errorf("boundary score: got %d, want 0", score)
	}
}
