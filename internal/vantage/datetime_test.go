package vantage

import (
	"testing"
	"time"

	"github.com/chrissnell/vantagepro2/pkg/crc16"
)

func TestArchiveDateTimeRoundTrip(t *testing.T) {
	d := time.Date(2012, time.June, 8, 16, 40, 0, 0, time.UTC)

	if got := encodeDmpDate(d); got != 6344 {
		t.Errorf("encodeDmpDate(%v) = %d, want 6344", d, got)
	}
	if got := encodeDmpTime(d); got != 1640 {
		t.Errorf("encodeDmpTime(%v) = %d, want 1640", d, got)
	}

	got, ok := decodeDmpDateTime(encodeDmpDate(d), encodeDmpTime(d))
	if !ok {
		t.Fatal("decodeDmpDateTime reported sentinel for a real date")
	}
	if !got.Equal(d) {
		t.Errorf("decodeDmpDateTime round trip = %v, want %v", got, d)
	}
}

func TestArchiveDateTimeRoundTripTable(t *testing.T) {
	tests := []time.Time{
		time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2099, time.December, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2023, time.March, 15, 9, 5, 0, 0, time.UTC),
	}

	for _, d := range tests {
		t.Run(d.Format(time.RFC3339), func(t *testing.T) {
			got, ok := decodeDmpDateTime(encodeDmpDate(d), encodeDmpTime(d))
			if !ok {
				t.Fatal("unexpected sentinel")
			}
			if !got.Equal(d) {
				t.Errorf("round trip = %v, want %v", got, d)
			}
		})
	}
}

func TestDecodeDmpDateTimeSentinel(t *testing.T) {
	if _, ok := decodeDmpDateTime(0xFFFF, 0x0640); ok {
		t.Error("sentinel DateStamp should report ok=false")
	}
	if _, ok := decodeDmpDateTime(0x0640, 0xFFFF); ok {
		t.Error("sentinel TimeStamp should report ok=false")
	}
}

func TestEncodeDmpSelectorCarriesVerifiableCRC(t *testing.T) {
	sel := EncodeDmpSelector(time.Date(2012, time.June, 8, 16, 40, 0, 0, time.UTC))
	if len(sel) != 6 {
		t.Fatalf("selector length = %d, want 6", len(sel))
	}
	if !crc16.Check(sel) {
		t.Errorf("selector % x does not carry a verifying CRC", sel)
	}
}

func TestSetTimeGetTimeRoundTrip(t *testing.T) {
	d := time.Date(2023, time.May, 4, 13, 22, 7, 0, time.UTC)
	payload := EncodeSetTime(d)
	if len(payload) != 8 {
		t.Fatalf("EncodeSetTime length = %d, want 8", len(payload))
	}

	got, err := DecodeGetTime(payload)
	if err != nil {
		t.Fatalf("DecodeGetTime: %v", err)
	}
	if !got.Equal(d) {
		t.Errorf("round trip = %v, want %v", got, d)
	}
}

func TestDecodeGetTimeRejectsBadLength(t *testing.T) {
	_, err := DecodeGetTime(make([]byte, 6))
	if err == nil {
		t.Fatal("want error for wrong-length buffer")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != MalformedFrame {
		t.Errorf("err = %v, want MalformedFrame", err)
	}
}

func TestDecodeGetTimeRejectsBadCRC(t *testing.T) {
	payload := EncodeSetTime(time.Date(2023, time.May, 4, 13, 22, 7, 0, time.UTC))
	payload[0] ^= 0xFF

	_, err := DecodeGetTime(payload)
	if err == nil {
		t.Fatal("want error for corrupted CRC")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != CrcError {
		t.Errorf("err = %v, want CrcError", err)
	}
}

func TestPackedTimeToString(t *testing.T) {
	tests := []struct {
		v    uint16
		want string
	}{
		{0, "00:00"},
		{601, "06:01"},
		{1640, "16:40"},
		{2359, "23:59"},
	}
	for _, tt := range tests {
		if got := packedTimeToString(tt.v); got != tt.want {
			t.Errorf("packedTimeToString(%d) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
