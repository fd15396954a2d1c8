package vantage

import (
	"encoding/binary"
	"time"

	"github.com/chrissnell/vantagepro2/pkg/crc16"
)

// Frame lengths, bit-exact per the console's serial protocol reference.
const (
	loopFrameLen    = 99
	archiveRecLen   = 52
	dmpHeaderLen    = 6
	dmpPageLen      = 267
	dmpPageRecords  = 5
	dmpRecordsBytes = dmpPageRecords * archiveRecLen
)

// bit reports whether bit i (0 = most significant) is set in b, matching the
// console's documented left-to-right alarm bit numbering.
func bit(b byte, i int) bool {
	return (b>>(7-uint(i)))&1 == 1
}

// LoopAlarms is the decoded bit-field of every alarm flag packed into a LOOP
// frame: inside (7 bits), rain (5 bits), outside (13 bits across 2 bytes),
// seven extra-temp/humidity sensors (4 bits each), and four soil/leaf
// sensors (8 bits each).
type LoopAlarms struct {
	InFallBarTrend bool
	InRisBarTrend  bool
	InLowTemp      bool
	InHighTemp     bool
	InLowHum       bool
	InHighHum      bool
	InTime         bool

	RainHighRate    bool
	Rain15Min       bool
	Rain24Hour      bool
	RainStormTotal  bool
	RainETDaily     bool

	OutLowTemp        bool
	OutHighTemp       bool
	OutWindSpeed      bool
	Out10MinAvgSpeed  bool
	OutLowDewpoint    bool
	OutHighDewpoint   bool
	OutHighHeat       bool
	OutLowWindChill   bool
	OutHighTHSW       bool
	OutHighSolarRad   bool
	OutHighUV         bool
	OutUVDose         bool
	OutUVDoseEnabled  bool

	// Extra, one entry per extra temp/humidity sensor (1-7, index 0-6).
	Extra [7]ExtraAlarm

	// SoilLeaf, one entry per soil/leaf sensor (1-4, index 0-3).
	SoilLeaf [4]SoilLeafAlarm
}

// ExtraAlarm is the 4-bit alarm set carried for each extra temp/humidity
// sensor.
type ExtraAlarm struct {
	LowTemp  bool
	HighTemp bool
	LowHum   bool
	HighHum  bool
}

// SoilLeafAlarm is the 8-bit alarm set carried for each soil/leaf sensor.
type SoilLeafAlarm struct {
	LowLeafWet    bool
	HighLeafWet   bool
	LowSoilMois   bool
	HighSoilMois  bool
	LowLeafTemp   bool
	HighLeafTemp  bool
	LowSoilTemp   bool
	HighSoilTemp  bool
}

func decodeLoopAlarms(buf []byte) LoopAlarms {
	var a LoopAlarms

	in := buf[70]
	a.InFallBarTrend = bit(in, 0)
	a.InRisBarTrend = bit(in, 1)
	a.InLowTemp = bit(in, 2)
	a.InHighTemp = bit(in, 3)
	a.InLowHum = bit(in, 4)
	a.InHighHum = bit(in, 5)
	a.InTime = bit(in, 6)

	rain := buf[71]
	a.RainHighRate = bit(rain, 0)
	a.Rain15Min = bit(rain, 1)
	a.Rain24Hour = bit(rain, 2)
	a.RainStormTotal = bit(rain, 3)
	a.RainETDaily = bit(rain, 4)

	out1, out2 := buf[72], buf[73]
	a.OutLowTemp = bit(out1, 0)
	a.OutHighTemp = bit(out1, 1)
	a.OutWindSpeed = bit(out1, 2)
	a.Out10MinAvgSpeed = bit(out1, 3)
	a.OutLowDewpoint = bit(out1, 4)
	a.OutHighDewpoint = bit(out1, 5)
	a.OutHighHeat = bit(out1, 6)
	a.OutLowWindChill = bit(out1, 7)
	a.OutHighTHSW = bit(out2, 0)
	a.OutHighSolarRad = bit(out2, 1)
	a.OutHighUV = bit(out2, 2)
	a.OutUVDose = bit(out2, 3)
	a.OutUVDoseEnabled = bit(out2, 4)

	// Byte 74 of the 8-byte AlarmExTempHum field is unused; the seven
	// per-sensor bytes start at 75.
	for i := 0; i < 7; i++ {
		b := buf[75+i]
		a.Extra[i] = ExtraAlarm{
			LowTemp:  bit(b, 0),
			HighTemp: bit(b, 1),
			LowHum:   bit(b, 2),
			HighHum:  bit(b, 3),
		}
	}

	for i := 0; i < 4; i++ {
		b := buf[82+i]
		a.SoilLeaf[i] = SoilLeafAlarm{
			LowLeafWet:   bit(b, 0),
			HighLeafWet:  bit(b, 1),
			LowSoilMois:  bit(b, 2),
			HighSoilMois: bit(b, 3),
			LowLeafTemp:  bit(b, 4),
			HighLeafTemp: bit(b, 5),
			LowSoilTemp:  bit(b, 6),
			HighSoilTemp: bit(b, 7),
		}
	}

	return a
}

// LoopRecord is a decoded LOOP real-time packet.
type LoopRecord struct {
	SampledAt time.Time

	// FlavorA is true when the console reports BarTrend as the ASCII
	// byte 'P' instead of a signed trend value; BarTrend is 0 in that
	// case.
	FlavorA  bool
	BarTrend int8

	NextRecord uint16

	Barometer float64
	TempIn    float64
	HumIn     uint8
	TempOut   float64

	WindSpeed      uint8
	WindSpeed10Min uint8
	WindDir        float64

	ExtraTemp [7]float64
	SoilTemp  [4]float64
	LeafTemp  [4]float64

	HumOut   uint8
	ExtraHum [7]uint8

	RainRate   float64
	UV         float64
	SolarRad   float64
	StormRain  float64
	StormStart time.Time

	DayRain   float64
	MonthRain float64
	YearRain  float64
	DayET     float64
	MonthET   float64
	YearET    float64

	SoilMoisture [4]uint8
	LeafWetness  [4]uint8

	Alarms LoopAlarms

	BatteryStatus  uint8
	BatteryVoltage float64

	ForecastIcon uint8
	ForecastRule uint8
	Sunrise      string
	Sunset       string
}

// convBigVal converts a raw 0x7FFF-sentineled big field to zero, otherwise
// passing the value through unscaled.
func convBigVal(v uint16) float64 {
	if v == 0x7FFF {
		return 0
	}
	return float64(v)
}

func convBigVal100(v uint16) float64 {
	if v == 0xFFFF {
		return 0
	}
	return float64(v) / 100.0
}

func convLittleVal(v uint8) float64 {
	if v == 0xFF {
		return 0
	}
	return float64(v)
}

func convLittleVal10(v uint8) float64 {
	if v == 0xFF {
		return 0
	}
	return float64(v) / 10.0
}

func convLittleTemp(v uint8) float64 {
	if v == 0xFF {
		return 0
	}
	return float64(v) - 90.0
}

func convConsBatteryVoltage(v uint16) float64 {
	return float64(v) * 300.0 / 512.0 / 100.0
}

// decodeLoopStormStart unpacks the storm-start date field: a 16-bit
// little-endian value whose low 7 bits are year-2000, middle 5 bits are
// day, and high 4 bits are month.
func decodeLoopStormStart(v uint16) time.Time {
	year := int(v&0x7f) + 2000
	day := int((v >> 7) & 0x1f)
	month := int((v >> 12) & 0x0f)
	if day == 0 || month == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// DecodeLoop decodes a 99-byte LOOP Rev B frame. If the frame's CRC fails
// to verify, the record is still fully decoded and returned alongside a
// CrcError so the caller can choose to retry or accept it.
func DecodeLoop(buf []byte, sampledAt time.Time) (*LoopRecord, error) {
	if len(buf) != loopFrameLen {
		return nil, newError(MalformedFrame, "DecodeLoop", nil)
	}
	if buf[0] != 'L' || buf[1] != 'O' || buf[2] != 'O' {
		return nil, newError(MalformedFrame, "DecodeLoop", nil)
	}

	var crcErr error
	if !crc16.Check(buf) {
		crcErr = newError(CrcError, "DecodeLoop", nil)
	}

	le := binary.LittleEndian
	r := &LoopRecord{SampledAt: sampledAt}

	if buf[3] == 'P' {
		r.FlavorA = true
	} else {
		r.BarTrend = int8(buf[3])
	}

	r.NextRecord = le.Uint16(buf[5:7])
	r.Barometer = float64(le.Uint16(buf[7:9])) / 1000.0
	r.TempIn = float64(int16(le.Uint16(buf[9:11]))) / 10.0
	r.HumIn = buf[11]
	r.TempOut = float64(int16(le.Uint16(buf[12:14]))) / 10.0
	r.WindSpeed = buf[14]
	r.WindSpeed10Min = buf[15]
	r.WindDir = convBigVal(le.Uint16(buf[16:18]))

	for i := 0; i < 7; i++ {
		r.ExtraTemp[i] = convLittleTemp(buf[18+i])
	}
	for i := 0; i < 4; i++ {
		r.SoilTemp[i] = convLittleTemp(buf[25+i])
	}
	for i := 0; i < 4; i++ {
		r.LeafTemp[i] = convLittleTemp(buf[29+i])
	}

	r.HumOut = buf[33]
	for i := 0; i < 7; i++ {
		r.ExtraHum[i] = buf[34+i]
	}

	r.RainRate = convBigVal100(le.Uint16(buf[41:43]))
	r.UV = convLittleVal10(buf[43])
	r.SolarRad = convBigVal(le.Uint16(buf[44:46]))
	r.StormRain = float64(le.Uint16(buf[46:48])) / 100.0
	r.StormStart = decodeLoopStormStart(le.Uint16(buf[48:50]))
	r.DayRain = float64(le.Uint16(buf[50:52])) / 100.0
	r.MonthRain = float64(le.Uint16(buf[52:54])) / 100.0
	r.YearRain = float64(le.Uint16(buf[54:56])) / 100.0
	r.DayET = float64(le.Uint16(buf[56:58])) / 1000.0
	r.MonthET = float64(le.Uint16(buf[58:60])) / 100.0
	r.YearET = float64(le.Uint16(buf[60:62])) / 100.0

	for i := 0; i < 4; i++ {
		r.SoilMoisture[i] = buf[62+i]
	}
	for i := 0; i < 4; i++ {
		r.LeafWetness[i] = buf[66+i]
	}

	r.Alarms = decodeLoopAlarms(buf)

	r.BatteryStatus = buf[86]
	r.BatteryVoltage = convConsBatteryVoltage(le.Uint16(buf[87:89]))
	r.ForecastIcon = buf[89]
	r.ForecastRule = buf[90]
	r.Sunrise = packedTimeToString(le.Uint16(buf[91:93]))
	r.Sunset = packedTimeToString(le.Uint16(buf[93:95]))

	return r, crcErr
}

// ArchiveRecord is a decoded archive-memory record (Rev B layout).
type ArchiveRecord struct {
	Datetime time.Time

	TempOut    float64
	TempOutHi  float64
	TempOutLow float64

	RainRate   float64
	RainRateHi float64
	Barometer  float64
	SolarRad   float64
	WindSamps  uint16
	TempIn     float64
	HumIn      uint8
	HumOut     uint8

	WindAvg    uint8
	WindHi     uint8
	WindHiDir  float64
	WindAvgDir float64

	UV              float64
	ETHour          float64
	SolarRadHi      uint16
	UVHi            uint8
	ForecastRuleNo  uint8

	LeafTemp    [2]float64
	LeafWetness [2]uint8
	SoilTemp    [4]float64
	RecType     uint8
	ExtraHum    [2]uint8
	ExtraTemp   [3]float64
	SoilMoist   [4]uint8
}

// DecodeArchiveRecord decodes a 52-byte archive record. datePresent is false
// when DateStamp or TimeStamp carries the 0xFFFF sentinel, meaning the
// remainder of the stream (and this record) has no data.
func DecodeArchiveRecord(buf []byte) (rec *ArchiveRecord, datePresent bool, err error) {
	if len(buf) != archiveRecLen {
		return nil, false, newError(MalformedFrame, "DecodeArchiveRecord", nil)
	}

	le := binary.LittleEndian
	dateStamp := le.Uint16(buf[0:2])
	timeStamp := le.Uint16(buf[2:4])

	dt, ok := decodeDmpDateTime(dateStamp, timeStamp)
	if !ok {
		return nil, false, nil
	}

	r := &ArchiveRecord{Datetime: dt}
	r.TempOut = float64(int16(le.Uint16(buf[4:6]))) / 10.0
	r.TempOutHi = float64(int16(le.Uint16(buf[6:8]))) / 10.0
	r.TempOutLow = float64(int16(le.Uint16(buf[8:10]))) / 10.0
	r.RainRate = float64(le.Uint16(buf[10:12])) / 100.0
	r.RainRateHi = float64(le.Uint16(buf[12:14])) / 100.0
	r.Barometer = float64(le.Uint16(buf[14:16])) / 1000.0
	r.SolarRad = float64(le.Uint16(buf[16:18]))
	r.WindSamps = le.Uint16(buf[18:20])
	r.TempIn = float64(int16(le.Uint16(buf[20:22]))) / 10.0
	r.HumIn = buf[22]
	r.HumOut = buf[23]
	r.WindAvg = buf[24]
	r.WindHi = buf[25]
	r.WindHiDir = float64(buf[26]) * 22.5
	r.WindAvgDir = float64(buf[27]) * 22.5
	r.UV = float64(buf[28]) / 10.0
	r.ETHour = float64(buf[29]) / 1000.0
	r.SolarRadHi = le.Uint16(buf[30:32])
	r.UVHi = buf[32]
	r.ForecastRuleNo = buf[33]

	r.LeafTemp[0] = float64(buf[34]) - 90.0
	r.LeafTemp[1] = float64(buf[35]) - 90.0
	r.LeafWetness[0] = buf[36]
	r.LeafWetness[1] = buf[37]
	for i := 0; i < 4; i++ {
		r.SoilTemp[i] = float64(buf[38+i]) - 90.0
	}
	r.RecType = buf[42]
	r.ExtraHum[0] = buf[43]
	r.ExtraHum[1] = buf[44]
	for i := 0; i < 3; i++ {
		r.ExtraTemp[i] = float64(buf[45+i]) - 90.0
	}
	for i := 0; i < 4; i++ {
		r.SoilMoist[i] = buf[48+i]
	}

	return r, true, nil
}

// DmpHeader is the 6-byte header preceding a DMP-After transfer.
type DmpHeader struct {
	Pages           uint16
	FirstRecordOffset uint16
}

// DecodeDmpHeader decodes and CRC-checks a 6-byte DMP header.
func DecodeDmpHeader(buf []byte) (*DmpHeader, error) {
	if len(buf) != dmpHeaderLen {
		return nil, newError(MalformedFrame, "DecodeDmpHeader", nil)
	}
	if !crc16.Check(buf) {
		return nil, newError(CrcError, "DecodeDmpHeader", nil)
	}
	le := binary.LittleEndian
	return &DmpHeader{
		Pages:             le.Uint16(buf[0:2]),
		FirstRecordOffset: le.Uint16(buf[2:4]),
	}, nil
}

// DmpPage is one 267-byte page of a DMP-After transfer: a sequence byte,
// five 52-byte archive records, 4 reserved bytes, and a trailing CRC.
type DmpPage struct {
	Sequence byte
	Records  [dmpPageRecords][]byte
}

// DecodeDmpPage CRC-checks a 267-byte page and splits its payload into five
// fixed-offset 52-byte archive records.
func DecodeDmpPage(buf []byte) (*DmpPage, error) {
	if len(buf) != dmpPageLen {
		return nil, newError(MalformedFrame, "DecodeDmpPage", nil)
	}
	if !crc16.Check(buf) {
		return nil, newError(CrcError, "DecodeDmpPage", nil)
	}

	p := &DmpPage{Sequence: buf[0]}
	for i := 0; i < dmpPageRecords; i++ {
		start := 1 + i*archiveRecLen
		p.Records[i] = buf[start : start+archiveRecLen]
	}
	return p, nil
}
