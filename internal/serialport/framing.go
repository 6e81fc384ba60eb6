package serialport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// On-wire framing, applied symmetrically in both directions:
//
//	0x1E 0xAF | uint16 payload length (big endian) | payload
//
// The sync pair lets a reader that attaches mid-stream, or that sees a
// corrupted length field, resynchronize on the next frame boundary.
const (
	sync0 = 0x1E
	sync1 = 0xAF

	headerLen = 4

	// MaxPayload matches the single-datagram cap on the multicast side so
	// every serial frame is relayable as one datagram.
	MaxPayload = 4096
)

// ErrInvalidFrame reports a header whose length field exceeds MaxPayload.
// The scanner drops the bad header and resynchronizes; the caller may keep
// reading.
var ErrInvalidFrame = errors.New("serialport: invalid frame header")

// EncodeFrame appends the framed payload to dst and returns the result.
func EncodeFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: payload %d bytes", ErrInvalidFrame, len(payload))
	}
	var hdr [headerLen]byte
	hdr[0] = sync0
	hdr[1] = sync1
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// FrameScanner assembles complete frames from a byte stream, buffering
// partial reads until a frame can be delivered whole.
type FrameScanner struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

// NewFrameScanner wraps r. Reads from r may return (0, nil) on timeout;
// the scanner treats that as no data and keeps reading.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{
		r:   r,
		tmp: make([]byte, 1024),
	}
}

// Next returns the payload of the next complete frame. It returns
// ErrInvalidFrame when a header announces an oversized payload, after
// discarding that header so a subsequent call can resynchronize. Reader
// errors are passed through.
func (s *FrameScanner) Next() ([]byte, error) {
	for {
		payload, err := s.extract()
		if payload != nil || err != nil {
			return payload, err
		}

		n, err := s.r.Read(s.tmp)
		if n > 0 {
			s.buf = append(s.buf, s.tmp[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
		// Timeout-style read with no data. Let the caller's loop spin;
		// the underlying reader enforces the pacing.
	}
}

// extract pops one frame from the buffer, or returns (nil, nil) when more
// bytes are needed.
func (s *FrameScanner) extract() ([]byte, error) {
	// Discard noise before the next sync pair.
	start := 0
	for start < len(s.buf) {
		if s.buf[start] == sync0 && start+1 < len(s.buf) && s.buf[start+1] == sync1 {
			break
		}
		if s.buf[start] == sync0 && start+1 == len(s.buf) {
			// Lone sync0 at the tail could be the start of a pair.
			break
		}
		start++
	}
	if start > 0 {
		s.buf = s.buf[start:]
	}

	if len(s.buf) < headerLen {
		return nil, nil
	}

	length := int(binary.BigEndian.Uint16(s.buf[2:4]))
	if length > MaxPayload {
		// Poisoned header: skip the sync pair and resync on the rest.
		s.buf = s.buf[2:]
		return nil, fmt.Errorf("%w: announced %d bytes", ErrInvalidFrame, length)
	}

	if len(s.buf) < headerLen+length {
		return nil, nil
	}

	payload := make([]byte, length)
	copy(payload, s.buf[headerLen:headerLen+length])
	s.buf = s.buf[headerLen+length:]
	return payload, nil
}
