package oracle

import "testing"

func TestRecordPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		voltage    uint64
		frequency  uint64
		facilityID string
	}{
		{"nominal", 220000, 5000, "PWR-STATION-7"},
		{"empty facility", 0, 0, ""},
		{"unicode facility", 250000, 5200, "Kraftwerk-Süd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := EncodeRecordPayload(tt.voltage, tt.frequency, tt.facilityID)

			voltage, frequency, facility, err := DecodeRecordPayload(p)
			if err != nil {
				t.Fatalf("DecodeRecordPayload: %v", err)
			}
			if voltage != tt.voltage {
				t.Errorf("voltage: got %d, want %d", voltage, tt.voltage)
			}
			if frequency != tt.frequency {
				t.Errorf("frequency: got %d, want %d", frequency, tt.frequency)
			}
			if facility != tt.facilityID {
				t.Errorf("facility: got %q, want %q", facility, tt.facilityID)
			}
		})
	}
}

func TestDecodeRecordPayloadTooShort(t *testing.T) {
	if _, _, _, err := DecodeRecordPayload(make([]byte, 15)); err == nil {
		t.Error("accepted a 15-byte payload")
	}
}

func TestDecodeRecordPayloadInvalidUTF8(t *testing.T) {
	p := EncodeRecordPayload(1, 2, "ok")
	p[16] = 0xFF
	p[17] = 0xFE
	if _, _, _, err := DecodeRecordPayload(p); err == nil {
		t.Error("accepted invalid UTF-8 facility bytes")
	}
}

func TestFacilityStatsPayloadRoundTrip(t *testing.T) {
	for _, count := range []uint32{0, 1, 1 << 31} {
		p := EncodeFacilityStatsPayload(count)
		got, err := DecodeFacilityStatsPayload(p)
		if err != nil {
			t.Fatalf("DecodeFacilityStatsPayload(%d): %v", count, err)
		}
		if got != count {
			t.Errorf("round trip: got %d, want %d", got, count)
		}
	}
}

func TestDecodeFacilityStatsPayloadWrongLength(t *testing.T) {
	for _, n := range []int{0, 3, 5} {
		if _, err := DecodeFacilityStatsPayload(make([]byte, n)); err == nil {
			t.Errorf("accepted a %d-byte payload", n)
		}
	}
}
