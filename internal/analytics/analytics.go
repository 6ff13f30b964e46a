// Package analytics computes grid-stability metrics over analyzed records.
// Everything here is a pure read: only records that have passed the
// decrypt-and-verify step contribute, and nothing is mutated.
package analytics

import (
	"context"
	"database/sql"
	"errors"
)

// Nominal grid parameters and scaling, in integer units. Voltage is in
// volts; frequency is Hz scaled by 100 (5000 = 50.00 Hz).
const (
	NominalVoltage   = 220000
	NominalFrequency = 5000

	voltageWeight   = 1000
	frequencyWeight = 10

	// Safe operating bounds for cascade-risk scoring.
	SafeVoltageMin   = 190000
	SafeVoltageMax   = 250000
	SafeFrequencyMin = 4800
	SafeFrequencyMax = 5200

	// PerfectStability is the sentinel returned with zero analyzed records.
	PerfectStability = 100
)

// ErrNoCriticalFacilities guards the cascade-risk score against an empty
// critical-facility list.
var ErrNoCriticalFacilities = errors.New("analytics: empty critical facility list")

// Engine provides analytics queries over the record store's database.
type Engine struct {
	db *sql.DB
}

// NewEngine creates a new analytics engine.
func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// StabilityIndex summarizes aggregate deviation from nominal parameters.
// Returns 100 with zero analyzed records. Integer floor division throughout;
// the result is deliberately unclamped and can go negative under extreme
// deviation.
func (e *Engine) StabilityIndex(ctx context.Context) (int64, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT voltage, frequency FROM records WHERE is_analyzed = 1
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count, voltageDevSum, frequencyDevSum int64
	for rows.Next() {
		var voltage, frequency int64
		if err := rows.Scan(&voltage, &frequency); err != nil {
			return 0, err
		}
		voltageDevSum += abs(voltage - NominalVoltage)
		frequencyDevSum += abs(frequency - NominalFrequency)
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	if count == 0 {
		return PerfectStability, nil
	}

	meanVoltageDev := voltageDevSum / count
	meanFrequencyDev := frequencyDevSum / count
	return 100 - (meanVoltageDev/voltageWeight + meanFrequencyDev/frequencyWeight), nil
}

// DetectAnomalies returns the facility id of every analyzed record whose
// voltage exceeds voltageThreshold or whose frequency exceeds
// frequencyThreshold, in ascending record-id order. One entry per qualifying
// record; duplicates are not collapsed.
func (e *Engine) DetectAnomalies(ctx context.Context, voltageThreshold, frequencyThreshold int64) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT facility_id FROM records
		WHERE is_analyzed = 1 AND (voltage > ? OR frequency > ?)
		ORDER BY id
	`, voltageThreshold, frequencyThreshold)
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

// PredictCascadeRisk scores the proportion of critical facilities with at
// least one analyzed record outside the safe operating bounds. A facility
// counts once however many records qualify. Returns
// unstable * 100 / len(criticalFacilities) with floor division; fails with
// ErrNoCriticalFacilities on an empty list rather than dividing by zero.
func (e *Engine) PredictCascadeRisk(ctx context.Context, criticalFacilities []string) (int64, error) {
	if len(criticalFacilities) == 0 {
		return 0, ErrNoCriticalFacilities
	}

	var unstable int64
	for _, facility := range criticalFacilities {
		var found int
		err := e.db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM records
				WHERE is_analyzed = 1 AND facility_id = ?
				AND (voltage < ? OR voltage > ? OR frequency < ? OR frequency > ?)
			)
		`, facility, SafeVoltageMin, SafeVoltageMax, SafeFrequencyMin, SafeFrequencyMax).Scan(&found)
		if err != nil {
			return 0, err
		}
		if found == 1 {
			unstable++
		}
	}

	return unstable * 100 / int64(len(criticalFacilities)), nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
