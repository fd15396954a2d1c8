package vantage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chrissnell/vantagepro2/pkg/crc16"
)

// dmpSentinel marks "no record" in either half of a packed archive
// date/time.
const dmpSentinel = 0xFFFF

// encodeDmpDate packs a datetime's date half the way the console expects it
// on the wire: day in bits[0:5], month in bits[5:9], year-2000 in bits[9:16].
func encodeDmpDate(t time.Time) uint16 {
	return uint16(t.Day()) + uint16(t.Month())*32 + uint16(t.Year()-2000)*512
}

// encodeDmpTime packs a datetime's time-of-day half: hour*100 + minute.
func encodeDmpTime(t time.Time) uint16 {
	return uint16(t.Hour())*100 + uint16(t.Minute())
}

// decodeDmpDate unpacks day/month/year from a DateStamp word.
func decodeDmpDate(date uint16) (year int, month time.Month, day int) {
	day = int(date & 0x1f)
	month = time.Month((date >> 5) & 0x0f)
	year = int((date>>9)&0x7f) + 2000
	return
}

// decodeDmpTime unpacks hour/minute from a TimeStamp word.
func decodeDmpTime(t uint16) (hour, minute int) {
	hour, minute = int(t/100), int(t%100)
	return
}

// decodeDmpDateTime unpacks an archive-form DateStamp/TimeStamp pair into a
// datetime. ok is false if either word is the 0xFFFF sentinel, meaning "no
// record present".
func decodeDmpDateTime(date, timeStamp uint16) (t time.Time, ok bool) {
	if date == dmpSentinel || timeStamp == dmpSentinel {
		return time.Time{}, false
	}
	year, month, day := decodeDmpDate(date)
	hour, minute := decodeDmpTime(timeStamp)
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC), true
}

// packedTimeToString renders an HHMM-packed field (sunrise/sunset) as
// "HH:MM", the same "%02d:%02d" % divmod(time,100) rendering the original
// uses.
func packedTimeToString(v uint16) string {
	hour, minute := decodeDmpTime(v)
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// EncodeDmpSelector builds the 6-byte DMP-After selector: two little-endian
// 16-bit words (packed date, packed time) followed by a big-endian
// CRC-16/XMODEM over those 4 bytes.
func EncodeDmpSelector(start time.Time) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], encodeDmpDate(start))
	binary.LittleEndian.PutUint16(payload[2:4], encodeDmpTime(start))
	return crc16.WithChecksum(payload)
}

// EncodeSetTime builds the 8-byte SETTIME payload: 6 big-endian bytes
// (sec, min, hour, day, month, year-1900) followed by a big-endian
// CRC-16/XMODEM.
func EncodeSetTime(t time.Time) []byte {
	payload := []byte{
		byte(t.Second()),
		byte(t.Minute()),
		byte(t.Hour()),
		byte(t.Day()),
		byte(t.Month()),
		byte(t.Year() - 1900),
	}
	return crc16.WithChecksum(payload)
}

// DecodeGetTime verifies and unpacks an 8-byte GETTIME response (6
// big-endian bytes plus CRC) into a datetime.
func DecodeGetTime(buf []byte) (time.Time, error) {
	if len(buf) != 8 {
		return time.Time{}, newError(MalformedFrame, "DecodeGetTime", nil)
	}
	if !crc16.Check(buf) {
		return time.Time{}, newError(CrcError, "DecodeGetTime", nil)
	}
	sec, min, hour, day, month, yr := buf[0], buf[1], buf[2], buf[3], buf[4], buf[5]
	year := int(yr) + 1900
	return time.Date(year, time.Month(month), int(day), int(hour), int(min), int(sec), 0, time.UTC), nil
}
