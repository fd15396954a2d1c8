package vantage

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/chrissnell/vantagepro2/pkg/crc16"
)

// buildLoopFrame constructs a 99-byte LOOP Rev B frame with the given field
// setter applied over a zeroed 97-byte payload, appending "\n\r" and a
// verifying CRC.
func buildLoopFrame(set func(buf []byte)) []byte {
	payload := make([]byte, 97)
	payload[0], payload[1], payload[2] = 'L', 'O', 'O'
	payload[95], payload[96] = '\n', '\r'
	set(payload)
	return crc16.WithChecksum(payload)
}

func TestDecodeLoopScalesTempIn(t *testing.T) {
	// Exercises the same assertion as the LOOP decode scenario: a raw
	// 730 (tenths of a degree) TempIn field decodes to 73.0.
	le := binary.LittleEndian
	buf := buildLoopFrame(func(p []byte) {
		p[3] = 'P' // flavor A
		le.PutUint16(p[9:11], 730)
	})

	rec, err := DecodeLoop(buf, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("DecodeLoop: %v", err)
	}
	if rec.TempIn != 73.0 {
		t.Errorf("TempIn = %v, want 73.0", rec.TempIn)
	}
	if !rec.FlavorA {
		t.Error("expected FlavorA for trend byte 'P'")
	}
}

func TestDecodeLoopFlavorBTrend(t *testing.T) {
	le := binary.LittleEndian
	buf := buildLoopFrame(func(p []byte) {
		p[3] = byte(int8(-5))
		le.PutUint16(p[9:11], 500)
	})

	rec, err := DecodeLoop(buf, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("DecodeLoop: %v", err)
	}
	if rec.FlavorA {
		t.Error("expected flavor B for non-'P' trend byte")
	}
	if rec.BarTrend != -5 {
		t.Errorf("BarTrend = %d, want -5", rec.BarTrend)
	}
}

func TestDecodeLoopRejectsWrongLength(t *testing.T) {
	_, err := DecodeLoop(make([]byte, 50), time.Now())
	verr, ok := err.(*Error)
	if !ok || verr.Kind != MalformedFrame {
		t.Errorf("err = %v, want MalformedFrame", err)
	}
}

func TestDecodeLoopRejectsBadHeader(t *testing.T) {
	buf := buildLoopFrame(func(p []byte) {
		p[0] = 'X'
	})
	_, err := DecodeLoop(buf, time.Now())
	verr, ok := err.(*Error)
	if !ok || verr.Kind != MalformedFrame {
		t.Errorf("err = %v, want MalformedFrame", err)
	}
}

func TestDecodeLoopReturnsRecordAndErrorOnBadCRC(t *testing.T) {
	le := binary.LittleEndian
	buf := buildLoopFrame(func(p []byte) {
		le.PutUint16(p[9:11], 730)
	})
	buf[len(buf)-1] ^= 0xFF // corrupt the CRC

	rec, err := DecodeLoop(buf, time.Now())
	if rec == nil {
		t.Fatal("expected a decoded record even with a bad CRC")
	}
	verr, ok := err.(*Error)
	if !ok || verr.Kind != CrcError {
		t.Errorf("err = %v, want CrcError", err)
	}
	if rec.TempIn != 73.0 {
		t.Errorf("TempIn = %v, want 73.0 (decode should proceed despite CRC failure)", rec.TempIn)
	}
}

func TestDecodeLoopAlarmBits(t *testing.T) {
	buf := buildLoopFrame(func(p []byte) {
		p[70] = 0b10100000 // InFallBarTrend, InLowTemp
		p[71] = 0b01000000 // Rain15Min
		p[82] = 0b11000000 // SoilLeaf[0]: LowLeafWet, HighLeafWet
		p[83] = 0b00000001 // SoilLeaf[1]: HighSoilTemp
	})

	rec, err := DecodeLoop(buf, time.Now())
	if err != nil {
		t.Fatalf("DecodeLoop: %v", err)
	}
	if !rec.Alarms.InFallBarTrend || !rec.Alarms.InLowTemp {
		t.Error("expected InFallBarTrend and InLowTemp set")
	}
	if rec.Alarms.InRisBarTrend || rec.Alarms.InHighTemp {
		t.Error("unexpected inside alarm bit set")
	}
	if !rec.Alarms.Rain15Min {
		t.Error("expected Rain15Min set")
	}
	if !rec.Alarms.SoilLeaf[0].LowLeafWet || !rec.Alarms.SoilLeaf[0].HighLeafWet {
		t.Error("expected SoilLeaf[0] LowLeafWet and HighLeafWet set")
	}
	if rec.Alarms.SoilLeaf[0].LowSoilMois {
		t.Error("SoilLeaf[0] should decode its own byte, not alias SoilLeaf[1]")
	}
	if !rec.Alarms.SoilLeaf[1].HighSoilTemp {
		t.Error("expected SoilLeaf[1] HighSoilTemp set independently of SoilLeaf[0]")
	}
}

func TestDecodeLoopSentinelsZeroOut(t *testing.T) {
	le := binary.LittleEndian
	buf := buildLoopFrame(func(p []byte) {
		le.PutUint16(p[16:18], 0x7FFF) // WindDir sentinel
		le.PutUint16(p[41:43], 0xFFFF) // RainRate sentinel
		p[43] = 0xFF                   // UV sentinel
		p[18] = 0xFF                   // ExtraTemp[0] sentinel
	})

	rec, err := DecodeLoop(buf, time.Now())
	if err != nil {
		t.Fatalf("DecodeLoop: %v", err)
	}
	if rec.WindDir != 0 {
		t.Errorf("WindDir = %v, want 0 for sentinel", rec.WindDir)
	}
	if rec.RainRate != 0 {
		t.Errorf("RainRate = %v, want 0 for sentinel", rec.RainRate)
	}
	if rec.UV != 0 {
		t.Errorf("UV = %v, want 0 for sentinel", rec.UV)
	}
	if rec.ExtraTemp[0] != 0 {
		t.Errorf("ExtraTemp[0] = %v, want 0 for sentinel", rec.ExtraTemp[0])
	}
}

// buildArchiveRecord constructs a 52-byte archive record with the given
// date/time and field setter applied.
func buildArchiveRecord(d time.Time, set func(buf []byte)) []byte {
	buf := make([]byte, archiveRecLen)
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], encodeDmpDate(d))
	le.PutUint16(buf[2:4], encodeDmpTime(d))
	if set != nil {
		set(buf)
	}
	return buf
}

func TestDecodeArchiveRecord(t *testing.T) {
	d := time.Date(2012, time.June, 8, 16, 40, 0, 0, time.UTC)
	le := binary.LittleEndian
	buf := buildArchiveRecord(d, func(b []byte) {
		le.PutUint16(b[4:6], 750)  // TempOut 75.0
		b[26] = 4                  // WindHiDir
		b[27] = 8                  // WindAvgDir
		b[38] = 100                // SoilTemp[0] -> 10
		b[42] = 1                  // RecType
	})

	rec, present, err := DecodeArchiveRecord(buf)
	if err != nil {
		t.Fatalf("DecodeArchiveRecord: %v", err)
	}
	if !present {
		t.Fatal("expected present=true for a real record")
	}
	if !rec.Datetime.Equal(d) {
		t.Errorf("Datetime = %v, want %v", rec.Datetime, d)
	}
	if rec.TempOut != 75.0 {
		t.Errorf("TempOut = %v, want 75.0", rec.TempOut)
	}
	if rec.WindHiDir != 90.0 {
		t.Errorf("WindHiDir = %v, want 90.0 (4*22.5)", rec.WindHiDir)
	}
	if rec.WindAvgDir != 180.0 {
		t.Errorf("WindAvgDir = %v, want 180.0 (8*22.5), and must not alias WindHiDir", rec.WindAvgDir)
	}
	if rec.SoilTemp[0] != 10.0 {
		t.Errorf("SoilTemp[0] = %v, want 10.0", rec.SoilTemp[0])
	}
	if rec.RecType != 1 {
		t.Errorf("RecType = %d, want 1", rec.RecType)
	}
}

func TestDecodeArchiveRecordSentinel(t *testing.T) {
	buf := make([]byte, archiveRecLen)
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], 0xFFFF)
	le.PutUint16(buf[2:4], 0x0640)

	rec, present, err := DecodeArchiveRecord(buf)
	if err != nil {
		t.Fatalf("DecodeArchiveRecord: %v", err)
	}
	if present {
		t.Error("expected present=false for sentinel DateStamp")
	}
	if rec != nil {
		t.Error("expected nil record for sentinel")
	}
}

func TestDecodeArchiveRecordRejectsWrongLength(t *testing.T) {
	_, _, err := DecodeArchiveRecord(make([]byte, 10))
	verr, ok := err.(*Error)
	if !ok || verr.Kind != MalformedFrame {
		t.Errorf("err = %v, want MalformedFrame", err)
	}
}

func TestDecodeDmpHeader(t *testing.T) {
	le := binary.LittleEndian
	payload := make([]byte, 4)
	le.PutUint16(payload[0:2], 7)
	le.PutUint16(payload[2:4], 3)
	buf := crc16.WithChecksum(payload)

	h, err := DecodeDmpHeader(buf)
	if err != nil {
		t.Fatalf("DecodeDmpHeader: %v", err)
	}
	if h.Pages != 7 || h.FirstRecordOffset != 3 {
		t.Errorf("header = %+v, want Pages=7 FirstRecordOffset=3", h)
	}
}

func TestDecodeDmpHeaderRejectsBadCRC(t *testing.T) {
	le := binary.LittleEndian
	payload := make([]byte, 4)
	le.PutUint16(payload[0:2], 7)
	le.PutUint16(payload[2:4], 3)
	buf := crc16.WithChecksum(payload)
	buf[0] ^= 0xFF

	_, err := DecodeDmpHeader(buf)
	verr, ok := err.(*Error)
	if !ok || verr.Kind != CrcError {
		t.Errorf("err = %v, want CrcError", err)
	}
}

func TestDecodeDmpPageSplitsFiveRecords(t *testing.T) {
	d := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	payload := make([]byte, 1+dmpRecordsBytes+4)
	payload[0] = 3 // sequence
	for i := 0; i < dmpPageRecords; i++ {
		rec := buildArchiveRecord(d.Add(time.Duration(i)*time.Minute), nil)
		copy(payload[1+i*archiveRecLen:], rec)
	}
	buf := crc16.WithChecksum(payload)

	page, err := DecodeDmpPage(buf)
	if err != nil {
		t.Fatalf("DecodeDmpPage: %v", err)
	}
	if page.Sequence != 3 {
		t.Errorf("Sequence = %d, want 3", page.Sequence)
	}
	for i := 0; i < dmpPageRecords; i++ {
		rec, present, err := DecodeArchiveRecord(page.Records[i])
		if err != nil || !present {
			t.Fatalf("record %d: present=%v err=%v", i, present, err)
		}
		want := d.Add(time.Duration(i) * time.Minute)
		if !rec.Datetime.Equal(want) {
			t.Errorf("record %d Datetime = %v, want %v", i, rec.Datetime, want)
		}
	}
}
