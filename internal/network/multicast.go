package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// MaxFrameSize is the largest payload relayed as a single UDP datagram.
// Larger payloads are rejected, never fragmented.
const MaxFrameSize = 4096

// readPollInterval bounds how long a blocked Receive takes to notice
// cancellation or Close.
const readPollInterval = 100 * time.Millisecond

var (
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("network: endpoint closed")
	// ErrNotJoined is returned when Receive or Send is called before Join.
	ErrNotJoined = errors.New("network: multicast group not joined")
	// ErrFrameTooLarge is returned by Send for payloads over MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds datagram limit")
)

// MulticastConfig holds the parameters of a multicast endpoint.
type MulticastConfig struct {
	Group     string // IPv4 multicast group address
	Port      int
	Interface string // optional interface name, empty means OS default
	SourceIP  string // optional: accept datagrams only from this address
	ReplyAddr string // optional host:port; outbound frames go unicast here
	Debug     bool
}

// MulticastEndpoint joins one IPv4 multicast group and exchanges opaque
// datagrams with it. Each datagram is exactly one frame.
type MulticastEndpoint struct {
	cfg   MulticastConfig
	group *net.UDPAddr
	dest  *net.UDPAddr
	src   net.IP

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
}

// NewMulticastEndpoint validates addresses and builds an unjoined endpoint.
func NewMulticastEndpoint(cfg MulticastConfig) (*MulticastEndpoint, error) {
	ip := net.ParseIP(cfg.Group)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("network: invalid multicast group %q", cfg.Group)
	}
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("network: %q is not a multicast address", cfg.Group)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("network: invalid port %d", cfg.Port)
	}

	ep := &MulticastEndpoint{
		cfg:   cfg,
		group: &net.UDPAddr{IP: ip.To4(), Port: cfg.Port},
	}
	ep.dest = ep.group

	if cfg.ReplyAddr != "" {
		dest, err := net.ResolveUDPAddr("udp4", cfg.ReplyAddr)
		if err != nil {
			return nil, fmt.Errorf("network: invalid reply address %q: %w", cfg.ReplyAddr, err)
		}
		ep.dest = dest
	}

	if cfg.SourceIP != "" {
		src := net.ParseIP(cfg.SourceIP)
		if src == nil {
			return nil, fmt.Errorf("network: invalid source filter %q", cfg.SourceIP)
		}
		ep.src = src
	}

	return ep, nil
}

// Group returns the joined group address.
func (e *MulticastEndpoint) Group() *net.UDPAddr { return e.group }

// Join binds the socket and subscribes to the multicast group.
func (e *MulticastEndpoint) Join() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.conn != nil {
		return nil
	}

	var ifi *net.Interface
	if e.cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(e.cfg.Interface)
		if err != nil {
			return fmt.Errorf("network: interface %q: %w", e.cfg.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, e.group)
	if err != nil {
		return fmt.Errorf("network: join %s: %w", e.group, err)
	}
	if err := conn.SetReadBuffer(MaxFrameSize * 16); err != nil && e.cfg.Debug {
		log.Printf("Multicast: could not grow read buffer: %v", err)
	}

	e.conn = conn
	log.Printf("Multicast: joined %s (local %s)", e.group, conn.LocalAddr())
	return nil
}

// Receive blocks until one datagram arrives and returns its payload as a
// single frame. It returns ErrClosed after Close and ctx.Err() on
// cancellation. Datagrams failing the source filter are dropped silently.
func (e *MulticastEndpoint) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, MaxFrameSize)

	for {
		e.mu.Lock()
		conn := e.conn
		closed := e.closed
		e.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		if conn == nil {
			return nil, ErrNotJoined
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("network: receive: %w", err)
		}

		if e.src != nil && !from.IP.Equal(e.src) {
			if e.cfg.Debug {
				log.Printf("Multicast: ignoring %d bytes from %s (filter %s)", n, from.IP, e.src)
			}
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		return frame, nil
	}
}

// Send transmits one frame as one datagram to the reply address if
// configured, otherwise back to the group.
func (e *MulticastEndpoint) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotJoined
	}

	if _, err := conn.WriteToUDP(frame, e.dest); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("network: send to %s: %w", e.dest, err)
	}
	return nil
}

// Close leaves the group and releases the socket. Safe to call more than
// once; any blocked Receive returns ErrClosed.
func (e *MulticastEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		log.Printf("Multicast: left %s", e.group)
		return err
	}
	return nil
}
