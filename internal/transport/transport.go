// Package transport provides the byte-stream adapters the vantage console
// driver consumes: a direct serial port or a transparent TCP/IP tunnel.
//
// This mirrors the role of the teacher's Station.Connect/connectToSerialStation/
// connectToNetworkStation in internal/weatherstations/davis/station.go, but
// exposes the narrow read/write/timeout contract the driver actually needs
// instead of owning reconnect loops and config lookups itself — those stay
// with the embedder.
package transport

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	serial "github.com/tarm/goserial"
)

// DefaultBaud and DefaultTimeout match the defaults documented for the
// driver's URL grammar.
const (
	DefaultBaud    = 19200
	DefaultTimeout = 10 * time.Second
)

// Transport is the external collaborator contract: a blocking byte stream
// with a per-call read timeout. The driver never assumes more than this.
type Transport interface {
	// Write writes p to the link in full or returns an error.
	Write(p []byte) (int, error)

	// Read reads up to len(p) bytes into p, waiting at most timeout.
	// Returning fewer bytes than requested with a nil error is a valid
	// "the link went quiet" outcome; callers treat a short read as a
	// timeout and abort the current exchange.
	Read(p []byte, timeout time.Duration) (int, error)

	// Open establishes the underlying connection.
	Open() error

	// Close releases the underlying connection. Safe to call more than once.
	Close() error
}

// ParseURL builds a Transport from the driver's URL grammar:
//
//	tcp:<host>:<port>
//	serial:<device>:<baud>:<bits><parity><stop>
//
// e.g. "serial:/dev/ttyUSB0:19200:8N1" or "tcp:192.168.1.50:22222". Baud and
// bits/parity/stop are optional and default to 19200 8N1.
func ParseURL(url string) (Transport, error) {
	parts := strings.SplitN(url, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("transport: malformed URL %q", url)
	}

	switch parts[0] {
	case "tcp":
		hostPort := strings.SplitN(parts[1], ":", 2)
		if len(hostPort) != 2 {
			return nil, fmt.Errorf("transport: malformed tcp URL %q, want tcp:<host>:<port>", url)
		}
		return NewTCPTransport(hostPort[0], hostPort[1]), nil

	case "serial":
		fields := strings.Split(parts[1], ":")
		device := fields[0]
		baud := DefaultBaud
		if len(fields) >= 2 && fields[1] != "" {
			b, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("transport: malformed baud in %q: %w", url, err)
			}
			baud = b
		}
		// fields[2], if present, is the "8N1"-style bits/parity/stop triplet.
		// goserial only supports 8N1 so it's accepted but not parsed further.
		return NewSerialTransport(device, baud), nil

	default:
		return nil, fmt.Errorf("transport: unknown scheme %q in %q", parts[0], url)
	}
}

// readWithTimeout performs a single Read against rw, bounding the wait to
// timeout. goserial's blocking Read (and net.Conn without a deadline set)
// gives no other way to bound a stalled link, so the read runs on a
// background goroutine and the caller abandons it on timeout; the goroutine
// is left to finish against the connection, matching how the teacher's
// GetDavisLoopPackets bounds each scanner.Scan() with a SetReadDeadline on
// the net.Conn path and a fixed sleep on the serial path.
func readWithTimeout(rw io.Reader, p []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := rw.Read(p)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(timeout):
		return 0, nil
	}
}

var _ Transport = (*SerialTransport)(nil)
var _ Transport = (*TCPTransport)(nil)

// serialConfig adapts our parameters to goserial's Config, the same call
// shape as Station.connectToSerialStation.
func serialConfig(device string, baud int) *serial.Config {
	return &serial.Config{Name: device, Baud: baud}
}

// dialTCP is broken out so tests can wrap it without touching the production
// default.
func dialTCP(host, port string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(host, port), timeout)
}
