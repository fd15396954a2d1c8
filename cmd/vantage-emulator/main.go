// Command vantage-emulator runs a TCP server that answers the Davis
// Vantage Pro 2 serial protocol: wake-up, LOOP/LPS real-time packets,
// VER/NVER/RXCHECK/GETTIME/SETTIME/EEBRD, and DMPAFT archive downloads.
// It exists so the driver in internal/vantage can be exercised end to end
// without real hardware attached.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chrissnell/vantagepro2/pkg/crc16"
)

// FlakyHardwareConfig simulates the imperfections of a real serial link:
// dropped/corrupted bytes, bad CRCs, disconnects, hangs, and silence.
// The byte-level faults (drop, corrupt, truncate, bad CRC) are applied to
// LOOP/LPS frames only; DMPAFT headers and pages and the other replies are
// sent intact. Ignoring a command, slow responses and hangs apply to every
// command; disconnects happen on wake-up and during LOOP/LPS streaming.
type FlakyHardwareConfig struct {
	Enabled            bool
	DropByteRate       float64
	CorruptByteRate    float64
	DisconnectRate     float64
	HangRate           float64
	HangDurationMin    int
	HangDurationMax    int
	BadCRCRate         float64
	TruncatePacketRate float64
	SlowResponseRate   float64
	NoResponseRate     float64
}

func (f FlakyHardwareConfig) shouldHang() bool        { return f.Enabled && rand.Float64() < f.HangRate }
func (f FlakyHardwareConfig) shouldDisconnect() bool  { return f.Enabled && rand.Float64() < f.DisconnectRate }
func (f FlakyHardwareConfig) shouldRespondSlow() bool { return f.Enabled && rand.Float64() < f.SlowResponseRate }
func (f FlakyHardwareConfig) shouldIgnore() bool      { return f.Enabled && rand.Float64() < f.NoResponseRate }

func (f FlakyHardwareConfig) hang() {
	if !f.Enabled {
		return
	}
	d := f.HangDurationMin + rand.Intn(f.HangDurationMax-f.HangDurationMin+1)
	log.Printf("FLAKY: hanging for %ds", d)
	time.Sleep(time.Duration(d) * time.Second)
}

// mangle applies the byte-level hardware faults to a freshly built frame.
func (f FlakyHardwareConfig) mangle(frame []byte) []byte {
	if !f.Enabled {
		return frame
	}
	out := append([]byte{}, frame...)

	if rand.Float64() < f.DropByteRate && len(out) > 3 {
		pos := 3 + rand.Intn(len(out)-3)
		out = append(out[:pos], out[pos+1:]...)
		log.Printf("FLAKY: dropped byte at %d", pos)
	}
	if rand.Float64() < f.CorruptByteRate && len(out) > 3 {
		pos := 3 + rand.Intn(len(out)-3)
		out[pos] = byte(rand.Intn(256))
		log.Printf("FLAKY: corrupted byte at %d", pos)
	}
	if rand.Float64() < f.TruncatePacketRate && len(out) > 10 {
		cut := 10 + rand.Intn(len(out)-10)
		out = out[:cut]
		log.Printf("FLAKY: truncated to %d bytes", cut)
	}
	if rand.Float64() < f.BadCRCRate && len(out) >= 2 {
		out[len(out)-2] ^= 0xFF
		out[len(out)-1] ^= 0xFF
		log.Printf("FLAKY: corrupted trailing CRC")
	}
	return out
}

const (
	ackByte    = 0x06
	nakByte    = 0x21
	cancelByte = 0x18
	escByte    = 0x1B
)

var okBanner = []byte("\n\rOK\n\r")

// station holds the simulated console's slowly-changing state: the
// synthetic weather model driving LOOP packets, and a fixed archive ring
// built once at startup.
type station struct {
	flaky FlakyHardwareConfig

	baseTemp, baseHumidity, basePressure float64
	archivePeriodMinutes                 int
	archive                              []archiveSample
}

type archiveSample struct {
	at       time.Time
	tempOut  float64
	rainRate uint16
	windAvg  uint8
	windHi   uint8
	windDir  uint8
	barom    uint16
}

func newStation(flaky FlakyHardwareConfig) *station {
	s := &station{
		flaky:                 flaky,
		baseTemp:              70.0,
		baseHumidity:          50.0,
		basePressure:          30.0,
		archivePeriodMinutes:  5,
	}
	s.seedArchive(288) // 24 hours at 5-minute spacing
	return s
}

func (s *station) seedArchive(count int) {
	now := time.Now()
	s.archive = make([]archiveSample, count)
	for i := 0; i < count; i++ {
		at := now.Add(-time.Duration(count-1-i) * time.Duration(s.archivePeriodMinutes) * time.Minute)
		hourOfDay := float64(at.Hour()) + float64(at.Minute())/60.0
		daily := 15.0 * math.Sin(2*math.Pi*(hourOfDay-6)/24.0)
		s.archive[i] = archiveSample{
			at:       at,
			tempOut:  s.baseTemp + daily + (rand.Float64()-0.5)*3,
			rainRate: uint16(rand.Intn(3)),
			windAvg:  uint8(4 + rand.Intn(8)),
			windHi:   uint8(6 + rand.Intn(12)),
			windDir:  uint8(rand.Intn(16)),
			barom:    uint16((s.basePressure + (rand.Float64()-0.5)*0.3) * 1000),
		}
	}
}

// currentWeather derives the instantaneous conditions a LOOP packet reports.
func (s *station) currentWeather() (tempOut, tempIn, humOut, humIn, windSpeed, windGust float64, windDir uint16, solarRad uint16) {
	now := time.Now()
	hourOfDay := float64(now.Hour()) + float64(now.Minute())/60.0
	dayOfYear := float64(now.YearDay())

	seasonal := 20.0 * math.Sin(2*math.Pi*(dayOfYear-80)/365.0)
	daily := 15.0 * math.Sin(2*math.Pi*(hourOfDay-6)/24.0)
	noise := (rand.Float64() - 0.5) * 4.0
	tempOut = s.baseTemp + seasonal + daily + noise
	tempIn = tempOut + 2

	humOut = s.baseHumidity + (s.baseTemp-tempOut)*0.8 + (rand.Float64()-0.5)*10
	if humOut < 10 {
		humOut = 10
	}
	if humOut > 95 {
		humOut = 95
	}
	humIn = humOut - 5

	windSpeed = 5.0 + rand.Float64()*10.0
	windGust = windSpeed + rand.Float64()*8.0
	windDir = uint16(rand.Float64() * 360)

	if hourOfDay > 6 && hourOfDay < 18 {
		factor := math.Sin(math.Pi * (hourOfDay - 6) / 12.0)
		solarRad = uint16(1000 * factor * (0.7 + rand.Float64()*0.3))
	}
	return
}

// buildLoopFrame assembles a 99-byte Rev B LOOP packet matching the layout
// internal/vantage.DecodeLoop expects.
func (s *station) buildLoopFrame() []byte {
	tempOut, tempIn, humOut, humIn, windSpeed, windGust, windDir, solarRad := s.currentWeather()
	le := binary.LittleEndian

	buf := make([]byte, 97)
	buf[0], buf[1], buf[2] = 'L', 'O', 'O'
	buf[3] = 'P' // flavor A: no separate trend byte semantics needed for the emulator
	buf[4] = 0   // PacketType: LOOP1
	le.PutUint16(buf[5:7], uint16(rand.Intn(2048)))
	le.PutUint16(buf[7:9], uint16(s.basePressure*1000))
	le.PutUint16(buf[9:11], uint16(int16(tempIn*10)))
	buf[11] = byte(humIn)
	le.PutUint16(buf[12:14], uint16(int16(tempOut*10)))
	buf[14] = byte(windSpeed)
	buf[15] = byte(windSpeed)
	le.PutUint16(buf[16:18], windDir)

	for i := 18; i <= 24; i++ {
		buf[i] = 0xFF // extra temps: not connected
	}
	buf[25] = byte(tempOut + 90 - 5)
	for i := 26; i <= 28; i++ {
		buf[i] = 0xFF
	}
	buf[29] = byte(tempOut + 90)
	for i := 30; i <= 32; i++ {
		buf[i] = 0xFF
	}

	buf[33] = byte(humOut)
	for i := 34; i <= 40; i++ {
		buf[i] = 0xFF
	}

	le.PutUint16(buf[41:43], uint16(rand.Intn(3)))
	buf[43] = byte(solarRad / 100)
	le.PutUint16(buf[44:46], solarRad)
	le.PutUint16(buf[46:48], uint16(rand.Intn(50)))
	le.PutUint16(buf[48:50], 0) // StormStart: no active storm
	le.PutUint16(buf[50:52], uint16(rand.Intn(20)))
	le.PutUint16(buf[52:54], uint16(rand.Intn(200)))
	le.PutUint16(buf[54:56], uint16(rand.Intn(1000)))
	le.PutUint16(buf[56:58], uint16(rand.Intn(300)))
	le.PutUint16(buf[58:60], uint16(rand.Intn(3000)))
	le.PutUint16(buf[60:62], uint16(rand.Intn(36000)))

	buf[62] = byte(30 + rand.Intn(40))
	for i := 63; i <= 65; i++ {
		buf[i] = 0xFF
	}
	buf[66] = byte(rand.Intn(16))
	for i := 67; i <= 69; i++ {
		buf[i] = 0xFF
	}

	// Alarm bytes 70-85 left zeroed: nothing tripped.

	buf[86] = 0
	le.PutUint16(buf[87:89], 4050)
	buf[89] = 2
	buf[90] = 45
	le.PutUint16(buf[91:93], 630)
	le.PutUint16(buf[93:95], 1945)
	buf[95], buf[96] = '\n', '\r'

	frame := crc16.WithChecksum(buf)
	_ = windGust
	return frame
}

// buildArchiveRecordBytes assembles one 52-byte archive record matching the
// layout internal/vantage.DecodeArchiveRecord expects.
func buildArchiveRecordBytes(a archiveSample) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 52)

	day, month, year := a.at.Day(), int(a.at.Month()), a.at.Year()-2000
	vpdate := uint16(day) + uint16(month)*32 + uint16(year)*512
	vptime := uint16(a.at.Hour())*100 + uint16(a.at.Minute())

	le.PutUint16(buf[0:2], vpdate)
	le.PutUint16(buf[2:4], vptime)
	le.PutUint16(buf[4:6], uint16(int16(a.tempOut*10)))
	le.PutUint16(buf[6:8], uint16(int16((a.tempOut+1.5)*10)))
	le.PutUint16(buf[8:10], uint16(int16((a.tempOut-1.5)*10)))
	le.PutUint16(buf[10:12], a.rainRate)
	le.PutUint16(buf[12:14], a.rainRate)
	le.PutUint16(buf[14:16], a.barom)
	le.PutUint16(buf[16:18], 0)
	le.PutUint16(buf[18:20], uint16(12))
	le.PutUint16(buf[20:22], uint16(int16((a.tempOut+2)*10)))
	buf[22] = 45
	buf[23] = 55
	buf[24] = a.windAvg
	buf[25] = a.windHi
	buf[26] = a.windDir
	buf[27] = a.windDir
	buf[28] = 0
	buf[29] = 0
	le.PutUint16(buf[30:32], 0)
	buf[32] = 0
	buf[33] = 45
	le.PutUint16(buf[34:36], 0)
	le.PutUint16(buf[36:38], 0)
	for i := 38; i < 42; i++ {
		buf[i] = byte(int(a.tempOut) - 5 + 90)
	}
	buf[42] = 1 // RecType: Rev B
	buf[43], buf[44] = 0xFF, 0xFF
	buf[45], buf[46], buf[47] = 0xFF, 0xFF, 0xFF
	for i := 48; i < 52; i++ {
		buf[i] = 0xFF
	}
	return buf
}

// dmpSession tracks an in-flight DMPAFT download so the connection handler
// can serve one page per client ACK.
type dmpSession struct {
	records []archiveSample
	sent    int
}

func (s *station) newDmpSession(start time.Time) *dmpSession {
	var matched []archiveSample
	for _, a := range s.archive {
		if a.at.After(start) {
			matched = append(matched, a)
		}
	}
	return &dmpSession{records: matched}
}

func (d *dmpSession) pageCount() int {
	if len(d.records) == 0 {
		return 0
	}
	return (len(d.records) + 4) / 5
}

// nextPage builds the next 267-byte page, padding the final page with
// 0xFFFF-sentinel records.
func (d *dmpSession) nextPage(seq byte) []byte {
	payload := make([]byte, 1+260+4)
	payload[0] = seq
	for i := 0; i < 5; i++ {
		off := 1 + i*52
		if d.sent < len(d.records) {
			copy(payload[off:], buildArchiveRecordBytes(d.records[d.sent]))
			d.sent++
		} else {
			binary.LittleEndian.PutUint16(payload[off:off+2], 0xFFFF)
		}
	}
	return crc16.WithChecksum(payload)
}

func handleConnection(conn net.Conn, st *station) {
	defer conn.Close()
	log.Printf("connection from %s", conn.RemoteAddr())

	r := bufio.NewReader(conn)
	var pendingDmp *dmpSession

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Printf("read error: %v", err)
			}
			return
		}
		command := strings.TrimRight(line, "\n\r")

		if st.flaky.shouldIgnore() {
			log.Printf("FLAKY: ignoring %q", command)
			continue
		}
		if st.flaky.shouldRespondSlow() {
			time.Sleep(time.Duration(5+rand.Intn(10)) * time.Second)
		}
		if st.flaky.shouldHang() {
			st.flaky.hang()
		}

		switch {
		case command == "":
			if st.flaky.shouldDisconnect() {
				return
			}
			conn.Write([]byte("\n\r"))

		case command == "LPS 2 1", strings.HasPrefix(command, "LOOP "):
			n := 20
			if strings.HasPrefix(command, "LOOP ") {
				parts := strings.Fields(command)
				if len(parts) != 2 {
					conn.Write([]byte{nakByte})
					continue
				}
				v, err := strconv.Atoi(parts[1])
				if err != nil || v <= 0 || v > 2048 {
					conn.Write([]byte{nakByte})
					continue
				}
				n = v
			}
			conn.Write([]byte{ackByte})
			for i := 0; i < n; i++ {
				if st.flaky.shouldDisconnect() {
					return
				}
				if st.flaky.shouldHang() {
					st.flaky.hang()
				}
				frame := st.flaky.mangle(st.buildLoopFrame())
				if _, err := conn.Write(frame); err != nil {
					log.Printf("write error: %v", err)
					return
				}
				time.Sleep(1500 * time.Millisecond)
			}

		case command == "VER":
			fmt.Fprintf(conn, "%s%s\n\r", okBanner, time.Now().AddDate(-2, 0, 0).Format("Jan 2 2006"))

		case command == "NVER":
			fmt.Fprintf(conn, "%sX.%02d\n\r", okBanner, rand.Intn(99))

		case command == "RXCHECK":
			fmt.Fprintf(conn, "%s%d %d %d %d %d\n\r", okBanner, 15000+rand.Intn(500), rand.Intn(5), rand.Intn(3), 52, rand.Intn(2))

		case command == "GETTIME":
			conn.Write([]byte{ackByte})
			now := time.Now()
			payload := []byte{byte(now.Second()), byte(now.Minute()), byte(now.Hour()), byte(now.Day()), byte(now.Month()), byte(now.Year() - 1900)}
			conn.Write(crc16.WithChecksum(payload))

		case command == "SETTIME":
			conn.Write([]byte{ackByte})
			buf := make([]byte, 8)
			if _, err := io.ReadFull(r, buf); err != nil {
				log.Printf("SETTIME payload read error: %v", err)
				return
			}
			conn.Write([]byte{ackByte})

		case strings.HasPrefix(command, "EEBRD "):
			fields := strings.Fields(command)
			if len(fields) != 3 {
				conn.Write([]byte{nakByte})
				continue
			}
			size, err := strconv.Atoi(fields[2])
			if err != nil || size <= 0 || size > 16 {
				conn.Write([]byte{nakByte})
				continue
			}
			conn.Write([]byte{ackByte})
			payload := make([]byte, size)
			switch fields[1] {
			case "2D":
				payload[0] = byte(st.archivePeriodMinutes)
			case "14":
				binary.LittleEndian.PutUint16(payload[0:2], 0)
				if len(payload) > 2 {
					payload[2] = 0 // Localtime
				}
			}
			conn.Write(crc16.WithChecksum(payload))

		case command == "DMPAFT":
			conn.Write([]byte{ackByte})
			selector := make([]byte, 6)
			if _, err := io.ReadFull(r, selector); err != nil {
				log.Printf("DMPAFT selector read error: %v", err)
				return
			}
			if !crc16.Check(selector) {
				conn.Write([]byte{cancelByte})
				continue
			}
			vpdate := binary.LittleEndian.Uint16(selector[0:2])
			vptime := binary.LittleEndian.Uint16(selector[2:4])
			day := int(vpdate & 0x1f)
			month := time.Month((vpdate >> 5) & 0x0f)
			year := int((vpdate>>9)&0x7f) + 2000
			start := time.Date(year, month, day, int(vptime/100), int(vptime%100), 0, 0, time.UTC)

			pendingDmp = st.newDmpSession(start)
			headerPayload := make([]byte, 4)
			binary.LittleEndian.PutUint16(headerPayload[0:2], uint16(pendingDmp.pageCount()))
			binary.LittleEndian.PutUint16(headerPayload[2:4], 0)
			conn.Write(crc16.WithChecksum(headerPayload))

			headerAck := make([]byte, 1)
			if _, err := io.ReadFull(r, headerAck); err != nil {
				return
			}

			pages := pendingDmp.pageCount()
			for seq := 1; seq <= pages; seq++ {
				page := pendingDmp.nextPage(byte(seq))
				if _, err := conn.Write(page); err != nil {
					return
				}
				if seq == pages {
					break // the driver sends no ACK after the final page
				}
				ackBuf := make([]byte, 1)
				if _, err := io.ReadFull(r, ackBuf); err != nil {
					return
				}
				if ackBuf[0] == escByte || ackBuf[0] == cancelByte {
					break
				}
			}

		default:
			log.Printf("unknown command: %q", command)
			conn.Write([]byte{nakByte})
		}
	}
}

func main() {
	var (
		port               = flag.Int("port", 22222, "port to listen on")
		flaky              = flag.Bool("flaky", false, "enable flaky hardware simulation")
		dropByteRate       = flag.Float64("drop-rate", 0.05, "probability of dropping bytes from LOOP packets")
		corruptByteRate    = flag.Float64("corrupt-rate", 0.05, "probability of corrupting bytes in LOOP packets")
		disconnectRate     = flag.Float64("disconnect-rate", 0.02, "probability of disconnecting mid-transmission")
		hangRate           = flag.Float64("hang-rate", 0.01, "probability of hanging")
		hangDurationMin    = flag.Int("hang-min", 3, "minimum hang duration in seconds")
		hangDurationMax    = flag.Int("hang-max", 8, "maximum hang duration in seconds")
		badCRCRate         = flag.Float64("bad-crc-rate", 0.03, "probability of corrupting a LOOP packet's CRC")
		truncatePacketRate = flag.Float64("truncate-rate", 0.02, "probability of truncating a LOOP packet")
		slowResponseRate   = flag.Float64("slow-rate", 0.02, "probability of a slow response")
		noResponseRate     = flag.Float64("no-response-rate", 0.01, "probability of ignoring a command")
	)
	flag.Parse()

	flakyConfig := FlakyHardwareConfig{
		Enabled:            *flaky,
		DropByteRate:       *dropByteRate,
		CorruptByteRate:    *corruptByteRate,
		DisconnectRate:     *disconnectRate,
		HangRate:           *hangRate,
		HangDurationMin:    *hangDurationMin,
		HangDurationMax:    *hangDurationMax,
		BadCRCRate:         *badCRCRate,
		TruncatePacketRate: *truncatePacketRate,
		SlowResponseRate:   *slowResponseRate,
		NoResponseRate:     *noResponseRate,
	}
	st := newStation(flakyConfig)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received")
		cancel()
		listener.Close()
	}()

	log.Printf("vantage emulator listening on :%d", *port)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("accept error: %v", err)
				continue
			}
			go handleConnection(conn, st)
		}
	}
}
