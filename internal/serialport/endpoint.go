package serialport

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tarm/serial"
)

var (
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("serialport: endpoint closed")
	// ErrNotOpen is returned when ReadFrame or WriteFrame precedes Open.
	ErrNotOpen = errors.New("serialport: endpoint not open")
)

// Config describes either a real serial device or a pseudo-terminal.
type Config struct {
	Device string // device path, e.g. /dev/ttyUSB0; empty in PTY mode
	Baud   int
	UsePTY bool
	// Symlink, in PTY mode, publishes the slave name at a stable path so
	// clients need not discover the allocated /dev/pts entry.
	Symlink     string
	ReadTimeout time.Duration
	Debug       bool
}

// Endpoint owns one serial link and speaks length-prefixed frames over it.
// It is reopened by its owner after I/O failures; Open on an endpoint that
// failed builds a fresh handle.
type Endpoint struct {
	cfg Config

	mu      sync.Mutex
	port    io.ReadWriteCloser // device handle or PTY master
	slave   *os.File           // PTY slave, held open so master reads don't EIO
	scanner *FrameScanner
	name    string
	linked  bool
	closed  bool
}

// NewEndpoint validates the configuration and builds an unopened endpoint.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.UsePTY && cfg.Device != "" {
		return nil, errors.New("serialport: device path and PTY mode are mutually exclusive")
	}
	if !cfg.UsePTY && cfg.Device == "" {
		return nil, errors.New("serialport: no device path configured")
	}
	if !cfg.UsePTY && cfg.Baud <= 0 {
		return nil, fmt.Errorf("serialport: invalid baud rate %d", cfg.Baud)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	return &Endpoint{cfg: cfg}, nil
}

// Name returns the open device path, the PTY slave name, or the configured
// path before Open.
func (e *Endpoint) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.name != "" {
		return e.name
	}
	if e.cfg.UsePTY {
		return "pty"
	}
	return e.cfg.Device
}

// Open acquires the device or allocates a PTY pair. Calling Open on an
// already-open endpoint is a no-op.
func (e *Endpoint) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.port != nil {
		return nil
	}

	if e.cfg.UsePTY {
		return e.openPTY()
	}
	return e.openDevice()
}

func (e *Endpoint) openDevice() error {
	port, err := serial.OpenPort(&serial.Config{
		Name:        e.cfg.Device,
		Baud:        e.cfg.Baud,
		ReadTimeout: e.cfg.ReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", e.cfg.Device, err)
	}

	e.port = port
	e.name = e.cfg.Device
	e.scanner = NewFrameScanner(&timeoutReader{ep: e, r: port})
	log.Printf("Serial: opened %s @ %d baud", e.cfg.Device, e.cfg.Baud)
	return nil
}

func (e *Endpoint) openPTY() error {
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("serialport: open pty: %w", err)
	}

	if err := setRaw(slave); err != nil {
		log.Printf("Serial: could not set raw mode on %s: %v", slave.Name(), err)
	}

	e.port = master
	e.slave = slave
	e.name = slave.Name()
	e.scanner = NewFrameScanner(&timeoutReader{ep: e, r: master})

	if e.cfg.Symlink != "" {
		// Replace a stale link from an earlier run.
		os.Remove(e.cfg.Symlink)
		if err := os.Symlink(e.name, e.cfg.Symlink); err != nil {
			log.Printf("Serial: could not link %s -> %s: %v", e.cfg.Symlink, e.name, err)
		} else {
			e.linked = true
			log.Printf("Serial: pty slave %s published at %s", e.name, e.cfg.Symlink)
		}
	} else {
		log.Printf("Serial: pty slave available at %s", e.name)
	}
	return nil
}

// ReadFrame blocks until one complete frame is assembled from the stream.
// It returns ErrInvalidFrame for a corrupt header (stream resyncs, keep
// reading) and ErrClosed once the endpoint is closed.
func (e *Endpoint) ReadFrame() ([]byte, error) {
	e.mu.Lock()
	scanner := e.scanner
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if scanner == nil {
		return nil, ErrNotOpen
	}

	payload, err := scanner.Next()
	if err != nil {
		if errors.Is(err, ErrInvalidFrame) || errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("serialport: read %s: %w", e.Name(), err)
	}
	return payload, nil
}

// WriteFrame frames the payload and writes it to the link.
func (e *Endpoint) WriteFrame(payload []byte) error {
	e.mu.Lock()
	port := e.port
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if port == nil {
		return ErrNotOpen
	}

	frame, err := EncodeFrame(nil, payload)
	if err != nil {
		return err
	}
	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("serialport: write %s: %w", e.Name(), err)
	}
	return nil
}

// Close releases the device handle and any PTY symlink. Idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.port != nil {
		err = e.port.Close()
		e.port = nil
	}
	if e.slave != nil {
		e.slave.Close()
		e.slave = nil
	}
	if e.linked {
		os.Remove(e.cfg.Symlink)
		e.linked = false
	}
	e.scanner = nil
	if e.name != "" {
		log.Printf("Serial: closed %s", e.name)
	}
	return err
}

// timeoutReader normalizes the underlying port's read behavior for the
// frame scanner: a timeout read surfaces as (0, nil) so the scanner keeps
// polling, and reads after Close surface ErrClosed. tarm/serial reports a
// VTIME expiry as io.EOF.
type timeoutReader struct {
	ep *Endpoint
	r  io.Reader
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	t.ep.mu.Lock()
	closed := t.ep.closed
	t.ep.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	n, err := t.r.Read(p)
	if err == io.EOF && !t.ep.isClosed() {
		return n, nil
	}
	return n, err
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
