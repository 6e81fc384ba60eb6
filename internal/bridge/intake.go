package bridge

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"time"

	"github.com/dcsbpi/dcsbridge/internal/mapping"
)

// ServeEvents reads event identifiers from a local datagram socket and
// injects each through the mapping table. One datagram may carry several
// whitespace-separated identifiers. This is the seam external input
// producers (a GPIO watcher, a test harness) deliver events through; the
// bridge never touches pins itself.
func (b *Bridge) ServeEvents(ctx context.Context, conn net.PacketConn) {
	defer conn.Close()

	buf := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Bridge: event intake read: %v", err)
			continue
		}

		if b.opts.Debug {
			log.Printf("Bridge: %d event bytes from %s", n, from)
		}

		for _, event := range strings.Fields(string(buf[:n])) {
			err := b.InjectEvent(ctx, event)
			if err != nil && !errors.Is(err, mapping.ErrNotFound) {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Bridge: event %q: %v", event, err)
			}
		}
	}
}
