package oracle

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Record decryption payload layout (fixed order, big-endian):
//
//	voltage   uint64
//	frequency uint64
//	facility  UTF-8 bytes (remainder)
//
// Facility-stats payload: a single big-endian uint32 count.

const recordPayloadMinLen = 8 + 8

// EncodeRecordPayload serializes a decrypted record reading.
func EncodeRecordPayload(voltage, frequency uint64, facilityID string) []byte {
	p := make([]byte, recordPayloadMinLen+len(facilityID))
	binary.BigEndian.PutUint64(p[0:8], voltage)
	binary.BigEndian.PutUint64(p[8:16], frequency)
	copy(p[16:], facilityID)
	return p
}

// DecodeRecordPayload parses a record decryption payload.
func DecodeRecordPayload(p []byte) (voltage, frequency uint64, facilityID string, err error) {
	if len(p) < recordPayloadMinLen {
		return 0, 0, "", fmt.Errorf("record payload too short: %d bytes", len(p))
	}
	fac := p[16:]
	if !utf8.Valid(fac) {
		return 0, 0, "", fmt.Errorf("facility id is not valid UTF-8")
	}
	return binary.BigEndian.Uint64(p[0:8]), binary.BigEndian.Uint64(p[8:16]), string(fac), nil
}

// EncodeFacilityStatsPayload serializes a facility analyzed-record count.
func EncodeFacilityStatsPayload(count uint32) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, count)
	return p
}

// DecodeFacilityStatsPayload parses a facility-stats payload.
func DecodeFacilityStatsPayload(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("facility stats payload must be 4 bytes, got %d", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}
