// Package api provides the REST API for gridveil.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/osgrid/gridveil/internal/analytics"
	"github.com/osgrid/gridveil/internal/config"
	"github.com/osgrid/gridveil/internal/grid"
	"github.com/osgrid/gridveil/internal/he"
	"github.com/osgrid/gridveil/internal/store"
)

// Server is the REST API server.
type Server struct {
	cfg       *config.Config
	engine    *grid.Engine
	scheme    he.Scheme
	analytics *analytics.Engine
	logger    *slog.Logger
	mux       *http.ServeMux
	startTime time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, engine *grid.Engine, scheme he.Scheme, analyticsEngine *analytics.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		scheme:    scheme,
		analytics: analyticsEngine,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}

	// Register routes
	s.mux.HandleFunc("POST /api/records", s.authMiddleware(s.submitRecord))
	s.mux.HandleFunc("GET /api/records/{id}", s.authMiddleware(s.getRecord))
	s.mux.HandleFunc("POST /api/records/{id}/analyze", s.authMiddleware(s.requestAnalysis))
	s.mux.HandleFunc("GET /api/facilities", s.authMiddleware(s.listFacilities))
	s.mux.HandleFunc("POST /api/facilities/{id}/stats", s.authMiddleware(s.requestFacilityStats))
	s.mux.HandleFunc("GET /api/facilities/{id}/accumulator", s.authMiddleware(s.getAccumulator))
	s.mux.HandleFunc("POST /api/oracle/record", s.authMiddleware(s.recordCallback))
	s.mux.HandleFunc("POST /api/oracle/facility", s.authMiddleware(s.facilityCallback))
	s.mux.HandleFunc("GET /api/analytics/stability", s.authMiddleware(s.getStability))
	s.mux.HandleFunc("GET /api/analytics/anomalies", s.authMiddleware(s.getAnomalies))
	s.mux.HandleFunc("GET /api/analytics/cascade", s.authMiddleware(s.getCascadeRisk))
	s.mux.HandleFunc("GET /api/health", s.healthCheck)

	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// authMiddleware wraps a handler with bearer token authentication.
// Uses constant-time comparison to prevent timing attacks.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			// Also check query param for WebSocket compatibility
			auth = "Bearer " + r.URL.Query().Get("token")
		}

		expected := "Bearer " + s.cfg.Auth.Token

		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.Debug("auth failed", "provided_len", len(auth))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for local development.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Only allow localhost origins
		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// submitRecord accepts a telemetry record with three sealed ciphertexts.
func (s *Server) submitRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	var req SubmitRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	encVoltage, err := s.decodeCiphertext(req.EncryptedVoltage)
	if err != nil {
		http.Error(w, "Invalid encrypted_voltage: "+err.Error(), http.StatusBadRequest)
		return
	}
	encFrequency, err := s.decodeCiphertext(req.EncryptedFrequency)
	if err != nil {
		http.Error(w, "Invalid encrypted_frequency: "+err.Error(), http.StatusBadRequest)
		return
	}
	encFacility, err := s.decodeCiphertext(req.EncryptedFacilityID)
	if err != nil {
		http.Error(w, "Invalid encrypted_facility_id: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.engine.Submit(ctx, encVoltage, encFrequency, encFacility)
	if err != nil {
		s.writeError(w, "failed to submit record", err)
		return
	}

	s.writeJSONStatus(w, http.StatusCreated, SubmitRecordResponse{ID: id})
}

// getRecord returns a single record by ID.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid record ID", http.StatusBadRequest)
		return
	}

	enc, dec, err := s.engine.GetRecord(ctx, id)
	if err != nil {
		s.writeError(w, "failed to get record", err)
		return
	}

	s.writeJSON(w, toRecordResponse(enc, dec))
}

// requestAnalysis asks the oracle to decrypt a record for analysis.
func (s *Server) requestAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid record ID", http.StatusBadRequest)
		return
	}

	requestID, err := s.engine.RequestAnalysis(ctx, id)
	if err != nil {
		s.writeError(w, "failed to request analysis", err)
		return
	}

	s.writeJSONStatus(w, http.StatusAccepted, AnalysisRequestResponse{RecordID: id, RequestID: requestID})
}

// listFacilities returns known facility ids in first-seen order.
func (s *Server) listFacilities(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	facilities, err := s.engine.Facilities(ctx)
	if err != nil {
		s.writeError(w, "failed to list facilities", err)
		return
	}
	if facilities == nil {
		facilities = []string{}
	}

	s.writeJSON(w, FacilitiesResponse{Facilities: facilities})
}

// requestFacilityStats asks the oracle to reveal a facility's record count.
func (s *Server) requestFacilityStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	facilityID := r.PathValue("id")
	if facilityID == "" {
		http.Error(w, "Missing facility ID", http.StatusBadRequest)
		return
	}

	requestID, err := s.engine.RequestFacilityStats(ctx, facilityID)
	if err != nil {
		s.writeError(w, "failed to request facility stats", err)
		return
	}

	s.writeJSONStatus(w, http.StatusAccepted, FacilityStatsRequestResponse{FacilityID: facilityID, RequestID: requestID})
}

// getAccumulator returns a facility's encrypted counter without decrypting it.
func (s *Server) getAccumulator(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	facilityID := r.PathValue("id")
	if facilityID == "" {
		http.Error(w, "Missing facility ID", http.StatusBadRequest)
		return
	}

	ct, err := s.engine.Accumulator(ctx, facilityID)
	if err != nil {
		s.writeError(w, "failed to get accumulator", err)
		return
	}

	s.writeJSON(w, AccumulatorResponse{
		FacilityID: facilityID,
		Ciphertext: base64.StdEncoding.EncodeToString(ct.Bytes()),
		Handle:     ct.Handle().Hex(),
	})
}

// recordCallback delivers an oracle decryption result for a record.
func (s *Server) recordCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	requestID, payload, proof, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	if err := s.engine.OnRecordDecrypted(ctx, requestID, payload, proof); err != nil {
		s.writeError(w, "record callback rejected", err)
		return
	}

	s.writeJSON(w, CallbackResponse{Status: "ok", RequestID: requestID})
}

// facilityCallback delivers an oracle decryption result for facility stats.
func (s *Server) facilityCallback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	requestID, payload, proof, ok := s.decodeCallback(w, r)
	if !ok {
		return
	}

	stats, err := s.engine.OnFacilityStatsDecrypted(ctx, requestID, payload, proof)
	if err != nil {
		s.writeError(w, "facility callback rejected", err)
		return
	}

	s.writeJSON(w, FacilityStatsResponse{
		FacilityID: stats.FacilityID,
		Count:      stats.Count,
		RequestID:  requestID,
	})
}

// getStability returns the grid stability index over analyzed records.
func (s *Server) getStability(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	index, err := s.analytics.StabilityIndex(ctx)
	if err != nil {
		s.logger.Error("failed to compute stability index", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, StabilityResponse{Index: index, Timestamp: time.Now()})
}

// getAnomalies returns facilities with analyzed readings over threshold.
// Thresholds default from config and can be overridden via query params.
func (s *Server) getAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	voltageThreshold := s.cfg.Analytics.VoltageThreshold
	frequencyThreshold := s.cfg.Analytics.FrequencyThreshold
	if v := r.URL.Query().Get("voltage_threshold"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			voltageThreshold = n
		}
	}
	if v := r.URL.Query().Get("frequency_threshold"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			frequencyThreshold = n
		}
	}

	facilities, err := s.analytics.DetectAnomalies(ctx, voltageThreshold, frequencyThreshold)
	if err != nil {
		s.logger.Error("failed to detect anomalies", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if facilities == nil {
		facilities = []string{}
	}

	s.writeJSON(w, AnomaliesResponse{
		Facilities:         facilities,
		VoltageThreshold:   voltageThreshold,
		FrequencyThreshold: frequencyThreshold,
	})
}

// getCascadeRisk scores cascade failure risk over critical facilities.
// The facility list comes from repeated "facility" query params, falling
// back to the configured watch list.
func (s *Server) getCascadeRisk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	critical := r.URL.Query()["facility"]
	if len(critical) == 0 {
		critical = s.cfg.Analytics.CriticalFacilities
	}

	score, err := s.analytics.PredictCascadeRisk(ctx, critical)
	if err != nil {
		if errors.Is(err, analytics.ErrNoCriticalFacilities) {
			http.Error(w, "No critical facilities specified", http.StatusBadRequest)
			return
		}
		s.logger.Error("failed to predict cascade risk", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, CascadeRiskResponse{Score: score, Facilities: critical})
}

// healthCheck returns server health status with operational metrics.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}

	if db := s.engine.DB(); db != nil {
		// WAL file size
		var walPages, walCheckpointed int64
		row := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
		if err := row.Scan(new(int), &walPages, &walCheckpointed); err == nil {
			// Each WAL page is typically 4096 bytes
			health.WALSizeBytes = walPages * 4096
		}

		var totalRecords, analyzedRecords int64
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&totalRecords)
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE is_analyzed = 1").Scan(&analyzedRecords)
		health.TotalRecords = totalRecords
		health.AnalyzedRecords = analyzedRecords

		var facilities int64
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM facilities").Scan(&facilities)
		health.Facilities = facilities

		// Database file size
		var pageCount, pageSize int64
		db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		health.DBSizeBytes = pageCount * pageSize
	}

	if health.WALSizeBytes > 100*1024*1024 { // 100MB WAL is concerning
		health.Status = "degraded"
		health.Warning = "Large WAL file - consider checkpoint"
	}

	s.writeJSON(w, health)
}

// decodeCiphertext re-admits a base64 sealed payload into the scheme.
func (s *Server) decodeCiphertext(b64 string) (he.Ciphertext, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return he.Ciphertext{}, err
	}
	return s.scheme.FromSealed(raw)
}

// decodeCallback parses the shared shape of both oracle callback bodies.
func (s *Server) decodeCallback(w http.ResponseWriter, r *http.Request) (requestID string, payload, proof []byte, ok bool) {
	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return "", nil, nil, false
	}
	if req.RequestID == "" {
		http.Error(w, "Missing request_id", http.StatusBadRequest)
		return "", nil, nil, false
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, "Invalid payload encoding", http.StatusBadRequest)
		return "", nil, nil, false
	}
	proof, err = base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		http.Error(w, "Invalid proof encoding", http.StatusBadRequest)
		return "", nil, nil, false
	}

	return req.RequestID, payload, proof, true
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, grid.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, grid.ErrAlreadyAnalyzed):
		http.Error(w, "Record already analyzed", http.StatusConflict)
	case errors.Is(err, grid.ErrInvalidRequest):
		http.Error(w, "Unknown decryption request", http.StatusNotFound)
	case errors.Is(err, grid.ErrInvalidProof):
		http.Error(w, "Invalid decryption proof", http.StatusBadRequest)
	case errors.Is(err, grid.ErrUninitializedCiphertext):
		http.Error(w, "Uninitialized ciphertext", http.StatusBadRequest)
	default:
		s.logger.Error(msg, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// API request/response types

// SubmitRecordRequest carries three independently sealed ciphertexts,
// base64 encoded.
type SubmitRecordRequest struct {
	EncryptedVoltage    string `json:"encrypted_voltage"`
	EncryptedFrequency  string `json:"encrypted_frequency"`
	EncryptedFacilityID string `json:"encrypted_facility_id"`
}

// SubmitRecordResponse returns the assigned record id.
type SubmitRecordResponse struct {
	ID int64 `json:"id"`
}

// RecordResponse is the API view of a record. Plaintext fields appear only
// once the record has been analyzed.
type RecordResponse struct {
	ID                  int64      `json:"id"`
	EncryptedVoltage    string     `json:"encrypted_voltage"`
	EncryptedFrequency  string     `json:"encrypted_frequency"`
	EncryptedFacilityID string     `json:"encrypted_facility_id"`
	SubmittedAt         time.Time  `json:"submitted_at"`
	IsAnalyzed          bool       `json:"is_analyzed"`
	Voltage             *uint64    `json:"voltage,omitempty"`
	Frequency           *uint64    `json:"frequency,omitempty"`
	FacilityID          *string    `json:"facility_id,omitempty"`
	AnalyzedAt          *time.Time `json:"analyzed_at,omitempty"`
}

// AnalysisRequestResponse acknowledges an accepted analysis request.
type AnalysisRequestResponse struct {
	RecordID  int64  `json:"record_id"`
	RequestID string `json:"request_id"`
}

// FacilitiesResponse lists known facility ids in first-seen order.
type FacilitiesResponse struct {
	Facilities []string `json:"facilities"`
}

// FacilityStatsRequestResponse acknowledges an accepted stats request.
type FacilityStatsRequestResponse struct {
	FacilityID string `json:"facility_id"`
	RequestID  string `json:"request_id"`
}

// AccumulatorResponse is a facility's encrypted counter, still sealed.
type AccumulatorResponse struct {
	FacilityID string `json:"facility_id"`
	Ciphertext string `json:"ciphertext"`
	Handle     string `json:"handle"`
}

// CallbackRequest is the oracle's delivery of a decryption result.
type CallbackRequest struct {
	RequestID string `json:"request_id"`
	Payload   string `json:"payload"`
	Proof     string `json:"proof"`
}

// CallbackResponse acknowledges a committed record callback.
type CallbackResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

// FacilityStatsResponse is the revealed analyzed-record count.
type FacilityStatsResponse struct {
	FacilityID string `json:"facility_id"`
	Count      uint32 `json:"count"`
	RequestID  string `json:"request_id"`
}

// StabilityResponse is the grid stability index.
type StabilityResponse struct {
	Index     int64     `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

// AnomaliesResponse lists facilities with over-threshold analyzed readings.
type AnomaliesResponse struct {
	Facilities         []string `json:"facilities"`
	VoltageThreshold   int64    `json:"voltage_threshold"`
	FrequencyThreshold int64    `json:"frequency_threshold"`
}

// CascadeRiskResponse is the cascade failure risk score (0-100).
type CascadeRiskResponse struct {
	Score      int64    `json:"score"`
	Facilities []string `json:"facilities"`
}

// HealthResponse is the API response for health status.
type HealthResponse struct {
	Status          string    `json:"status"` // "ok", "degraded", "error"
	Timestamp       time.Time `json:"timestamp"`
	Uptime          string    `json:"uptime"`
	WALSizeBytes    int64     `json:"wal_size_bytes"`
	TotalRecords    int64     `json:"total_records"`
	AnalyzedRecords int64     `json:"analyzed_records"`
	Facilities      int64     `json:"facilities"`
	DBSizeBytes     int64     `json:"db_size_bytes"`
	Warning         string    `json:"warning,omitempty"`
}

func toRecordResponse(enc *store.EncryptedRecord, dec *store.DecryptedRecord) RecordResponse {
	resp := RecordResponse{
		ID:                  enc.ID,
		EncryptedVoltage:    base64.StdEncoding.EncodeToString(enc.EncryptedVoltage),
		EncryptedFrequency:  base64.StdEncoding.EncodeToString(enc.EncryptedFrequency),
		EncryptedFacilityID: base64.StdEncoding.EncodeToString(enc.EncryptedFacilityID),
		SubmittedAt:         enc.SubmittedAt,
		IsAnalyzed:          dec.IsAnalyzed,
	}

	if dec.IsAnalyzed {
		voltage, frequency, facility := dec.Voltage, dec.Frequency, dec.FacilityID
		resp.Voltage = &voltage
		resp.Frequency = &frequency
		resp.FacilityID = &facility
		resp.AnalyzedAt = dec.AnalyzedAt
	}

	return resp
}
