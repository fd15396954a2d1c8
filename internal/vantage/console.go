package vantage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chrissnell/vantagepro2/internal/transport"
	"github.com/chrissnell/vantagepro2/pkg/crc16"
	"go.uber.org/zap"
)

// Wire tokens, bit-exact per the console's serial protocol reference.
const (
	tokenWake   = 0x0A
	tokenAck    = 0x06
	tokenNak    = 0x21
	tokenCancel = 0x18
	tokenEsc    = 0x1B
)

var (
	wakeAck  = []byte{0x0A, 0x0D}
	ackBytes = []byte{tokenAck}
	okBanner = []byte{0x0A, 0x0D, 'O', 'K', 0x0A, 0x0D}
)

// revBCutoff is the firmware date on or after which a console is Rev B.
// Earlier consoles are Rev A and unsupported.
var revBCutoff = time.Date(2002, time.April, 24, 0, 0, 0, 0, time.UTC)

// Console owns one transport and caches the metadata that cannot change
// mid-session: firmware date, firmware version, archive period, and
// timezone. It is not safe for concurrent use; callers needing that must
// synchronize externally.
type Console struct {
	tr     transport.Transport
	logger *zap.SugaredLogger

	cmdTimeout     time.Duration
	wakeRetryDelay time.Duration
	cmdRetryDelay  time.Duration
	pageRetryDelay time.Duration

	firmwareDate    *time.Time
	firmwareVersion *string
	archivePeriod   *uint8
	timezone        *string
}

// Open opens transport, wakes the console, and probes its firmware date.
// A Rev-A console (firmware older than 2002-04-24) is refused before any
// other method can be called.
func Open(tr transport.Transport, logger *zap.SugaredLogger) (*Console, error) {
	if err := tr.Open(); err != nil {
		return nil, newError(TransportError, "Open", err)
	}

	c := &Console{
		tr:             tr,
		logger:         logger,
		cmdTimeout:     transport.DefaultTimeout,
		wakeRetryDelay: time.Second,
		cmdRetryDelay:  500 * time.Millisecond,
		pageRetryDelay: time.Second,
	}

	if err := c.wakeUp(); err != nil {
		tr.Close()
		return nil, err
	}

	date, err := c.FirmwareDate()
	if err != nil {
		tr.Close()
		return nil, err
	}
	if date.Before(revBCutoff) {
		tr.Close()
		return nil, newError(Unsupported, "Open",
			fmt.Errorf("firmware date %s predates Rev B cutoff %s", date.Format("2006-01-02"), revBCutoff.Format("2006-01-02")))
	}

	return c, nil
}

// Close releases the transport. Safe to call more than once.
func (c *Console) Close() error {
	if c.tr == nil {
		return nil
	}
	err := c.tr.Close()
	c.tr = nil
	if err != nil {
		return newError(TransportError, "Close", err)
	}
	return nil
}

func (c *Console) debugf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

// wakeUp sends WAKE up to 3 times, 1s apart, until the console answers with
// WAKE_ACK.
func (c *Console) wakeUp() error {
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := c.tr.Write([]byte{tokenWake}); err != nil {
			return newError(TransportError, "wakeUp", err)
		}
		buf := make([]byte, 2)
		n, err := c.tr.Read(buf, c.cmdTimeout)
		if err == nil && n == 2 && bytes.Equal(buf, wakeAck) {
			return nil
		}
		c.debugf("wake attempt %d/3 failed, retrying", attempt)
		if attempt < 3 {
			time.Sleep(c.wakeRetryDelay)
		}
	}
	return newError(NoDevice, "wakeUp", nil)
}

// send writes payload (appending "\n" when ascii is true) and, if
// expectAck is non-empty, reads len(expectAck) bytes and compares them
// byte-for-byte. Retries up to 3 times, 0.5s apart.
func (c *Console) send(op string, payload []byte, ascii bool, expectAck []byte, timeout time.Duration) error {
	out := payload
	if ascii {
		out = append(append([]byte{}, payload...), '\n')
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := c.tr.Write(out); err != nil {
			lastErr = newError(TransportError, op, err)
		} else if len(expectAck) == 0 {
			return nil
		} else {
			buf := make([]byte, len(expectAck))
			n, err := c.tr.Read(buf, timeout)
			switch {
			case err != nil:
				lastErr = newError(TransportError, op, err)
			case n != len(expectAck) || !bytes.Equal(buf[:n], expectAck):
				lastErr = newError(BadAck, op, nil)
			default:
				return nil
			}
		}
		c.debugf("%s attempt %d/3 failed: %v", op, attempt, lastErr)
		if attempt < 3 {
			time.Sleep(c.cmdRetryDelay)
		}
	}
	return lastErr
}

// readBanner reads the OK banner and the ASCII payload that follows it,
// trimming the payload's own trailing "\n\r".
func (c *Console) readBanner(op string, timeout time.Duration) (string, error) {
	buf := make([]byte, 512)
	n, err := c.tr.Read(buf, timeout)
	if err != nil {
		return "", newError(TransportError, op, err)
	}
	data := buf[:n]
	if !bytes.HasPrefix(data, okBanner) {
		return "", newError(BadAck, op, nil)
	}
	return strings.TrimRight(string(data[len(okBanner):]), "\n\r"), nil
}

// FirmwareDate returns the console's firmware date, cached for the
// handle's lifetime.
func (c *Console) FirmwareDate() (time.Time, error) {
	if c.firmwareDate != nil {
		return *c.firmwareDate, nil
	}
	if err := c.send("VER", []byte("VER"), true, nil, c.cmdTimeout); err != nil {
		return time.Time{}, err
	}
	payload, err := c.readBanner("VER", c.cmdTimeout)
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.Parse("Jan 2 2006", strings.TrimSpace(payload))
	if err != nil {
		return time.Time{}, newError(MalformedFrame, "VER", err)
	}
	c.firmwareDate = &d
	return d, nil
}

// FirmwareVersion returns the console's firmware version string, cached
// for the handle's lifetime.
func (c *Console) FirmwareVersion() (string, error) {
	if c.firmwareVersion != nil {
		return *c.firmwareVersion, nil
	}
	if err := c.send("NVER", []byte("NVER"), true, nil, c.cmdTimeout); err != nil {
		return "", err
	}
	payload, err := c.readBanner("NVER", c.cmdTimeout)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(payload)
	c.firmwareVersion = &v
	return v, nil
}

// Diagnostics is the parsed RXCHECK report.
type Diagnostics struct {
	TotalReceived int
	TotalMissed   int
	Resyncs       int
	MaxReceived   int
	CRCErrors     int
}

// Diagnostics sends RXCHECK and parses its five space-separated integers.
func (c *Console) Diagnostics() (Diagnostics, error) {
	if err := c.send("RXCHECK", []byte("RXCHECK"), true, nil, c.cmdTimeout); err != nil {
		return Diagnostics{}, err
	}
	payload, err := c.readBanner("RXCHECK", c.cmdTimeout)
	if err != nil {
		return Diagnostics{}, err
	}
	fields := strings.Fields(payload)
	if len(fields) != 5 {
		return Diagnostics{}, newError(MalformedFrame, "RXCHECK", fmt.Errorf("expected 5 fields, got %d", len(fields)))
	}
	values := make([]int, 5)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Diagnostics{}, newError(MalformedFrame, "RXCHECK", err)
		}
		values[i] = v
	}
	return Diagnostics{
		TotalReceived: values[0],
		TotalMissed:   values[1],
		Resyncs:       values[2],
		MaxReceived:   values[3],
		CRCErrors:     values[4],
	}, nil
}

// GetTime reads the console's current date and time.
func (c *Console) GetTime() (time.Time, error) {
	if err := c.send("GETTIME", []byte("GETTIME"), true, ackBytes, c.cmdTimeout); err != nil {
		return time.Time{}, err
	}
	buf := make([]byte, 8)
	n, err := c.tr.Read(buf, c.cmdTimeout)
	if err != nil {
		return time.Time{}, newError(TransportError, "GETTIME", err)
	}
	if n != 8 {
		return time.Time{}, newError(MalformedFrame, "GETTIME", nil)
	}
	return DecodeGetTime(buf)
}

// SetTime sets the console's current date and time.
func (c *Console) SetTime(t time.Time) error {
	if err := c.send("SETTIME", []byte("SETTIME"), true, ackBytes, c.cmdTimeout); err != nil {
		return err
	}
	return c.send("SETTIME payload", EncodeSetTime(t), false, ackBytes, c.cmdTimeout)
}

// Loop sends LOOP 1 and decodes the resulting real-time packet, stamped
// with the host wall-clock at read time.
func (c *Console) Loop() (*LoopRecord, error) {
	if err := c.send("LOOP", []byte("LOOP 1"), true, ackBytes, c.cmdTimeout); err != nil {
		return nil, err
	}
	buf := make([]byte, loopFrameLen)
	n, err := c.tr.Read(buf, c.cmdTimeout)
	if err != nil {
		return nil, newError(TransportError, "LOOP", err)
	}
	if n != loopFrameLen {
		return nil, newError(MalformedFrame, "LOOP", nil)
	}
	return DecodeLoop(buf, time.Now())
}

// eebrd sends one EEBRD read of size bytes at address, retrying up to 3
// times on any failure.
func (c *Console) eebrd(address uint16, size int) ([]byte, error) {
	cmd := fmt.Sprintf("EEBRD %X %d", address, size)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := c.send("EEBRD", []byte(cmd), true, ackBytes, c.cmdTimeout); err != nil {
			lastErr = err
		} else {
			buf := make([]byte, size+2)
			n, err := c.tr.Read(buf, c.cmdTimeout)
			switch {
			case err != nil:
				lastErr = newError(TransportError, "EEBRD", err)
			case n != size+2:
				lastErr = newError(MalformedFrame, "EEBRD", nil)
			case !crc16.Check(buf):
				lastErr = newError(CrcError, "EEBRD", nil)
			default:
				return buf[:size], nil
			}
		}
		c.debugf("EEBRD %s attempt %d/3 failed: %v", cmd, attempt, lastErr)
		if attempt < 3 {
			time.Sleep(c.cmdRetryDelay)
		}
	}
	return nil, lastErr
}

// ArchivePeriod returns the console's configured archive sampling interval
// in minutes, read once from EEPROM address 0x2D and cached thereafter.
func (c *Console) ArchivePeriod() (uint8, error) {
	if c.archivePeriod != nil {
		return *c.archivePeriod, nil
	}
	data, err := c.eebrd(0x2D, 1)
	if err != nil {
		return 0, err
	}
	v := data[0]
	c.archivePeriod = &v
	return v, nil
}

// Timezone returns the console's configured timezone descriptor, read once
// from EEPROM address 0x14 and cached thereafter.
func (c *Console) Timezone() (string, error) {
	if c.timezone != nil {
		return *c.timezone, nil
	}
	data, err := c.eebrd(0x14, 3)
	if err != nil {
		return "", err
	}
	offset := binary.LittleEndian.Uint16(data[0:2])
	gmtFlag := data[2]

	var tz string
	if gmtFlag == 1 {
		tz = fmt.Sprintf("GMT+ %v", float64(offset)/100.0)
	} else {
		tz = "Localtime"
	}
	c.timezone = &tz
	return tz, nil
}
