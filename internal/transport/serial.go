package transport

import (
	"fmt"
	"io"
	"sync"
	"time"

	serial "github.com/tarm/goserial"
)

// SerialTransport talks to a console wired directly to a local serial port,
// the way Station.connectToSerialStation does in the teacher's davis driver.
type SerialTransport struct {
	device string
	baud   int

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewSerialTransport constructs a SerialTransport for device at baud. Open
// must be called before Read/Write.
func NewSerialTransport(device string, baud int) *SerialTransport {
	return &SerialTransport{device: device, baud: baud}
}

// Open opens the serial port.
func (s *SerialTransport) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port, err := serial.OpenPort(serialConfig(s.device, s.baud))
	if err != nil {
		return fmt.Errorf("transport: open serial port %s: %w", s.device, err)
	}
	s.port = port
	return nil
}

// Close closes the serial port. Safe to call more than once.
func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Write writes p to the port.
func (s *SerialTransport) Write(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return 0, fmt.Errorf("transport: serial port %s not open", s.device)
	}
	return port.Write(p)
}

// Read reads up to len(p) bytes, waiting at most timeout. goserial exposes no
// per-read deadline, so the wait is bounded with readWithTimeout instead.
func (s *SerialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return 0, fmt.Errorf("transport: serial port %s not open", s.device)
	}
	return readWithTimeout(port, p, timeout)
}
