package crc16

import "testing"

func TestCrc16RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"four bytes", []byte{0x00, 0x01, 0x02, 0x03}},
		{"loop-sized buffer", make([]byte, 97)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := WithChecksum(tt.data)
			if got := Crc16(framed); got != 0 {
				t.Errorf("Crc16(data || checksum) = 0x%04x, want 0", got)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty buffer never validates", []byte{}, false},
		{"valid framed payload", WithChecksum([]byte{0x01, 0x02, 0x03}), true},
		{"corrupted payload", []byte{0x01, 0x02, 0x03, 0xff, 0xff}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Check(tt.data); got != tt.want {
				t.Errorf("Check(%v) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestWithChecksumAppendsBigEndian(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	framed := WithChecksum(payload)

	if len(framed) != len(payload)+2 {
		t.Fatalf("framed length = %d, want %d", len(framed), len(payload)+2)
	}
	for i, b := range payload {
		if framed[i] != b {
			t.Fatalf("framed[%d] = 0x%02x, want 0x%02x", i, framed[i], b)
		}
	}
	if Crc16(framed) != 0 {
		t.Errorf("appended checksum does not verify")
	}
}

func TestTableMatchesXmodemReference(t *testing.T) {
	// Spot-check the generated table against the literal XMODEM constants
	// documented in the Davis serial protocol reference.
	want := map[int]uint16{
		0: 0x0000,
		1: 0x1021,
		2: 0x2042,
		3: 0x3063,
	}
	for i, w := range want {
		if table[i] != w {
			t.Errorf("table[%d] = 0x%04x, want 0x%04x", i, table[i], w)
		}
	}
}
