// Package bridge relays opaque frames between a UDP multicast group and a
// local serial link, one bounded queue per direction, and injects
// mapping-derived commands into the outbound path.
package bridge

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dcsbpi/dcsbridge/internal/journal"
	"github.com/dcsbpi/dcsbridge/internal/mapping"
	"github.com/dcsbpi/dcsbridge/internal/network"
	"github.com/dcsbpi/dcsbridge/internal/serialport"
)

// DatagramEndpoint is the multicast side of the relay.
type DatagramEndpoint interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(frame []byte) error
	Close() error
}

// FrameEndpoint is the serial side of the relay.
type FrameEndpoint interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
	Name() string
}

// SerialOpener builds and opens a fresh serial endpoint. The bridge calls
// it at startup and again after every I/O failure; endpoints are never
// reused across failures.
type SerialOpener func() (FrameEndpoint, error)

// Options tunes the relay. Zero values fall back to documented defaults.
type Options struct {
	QueueCapacity   int           // frames buffered per direction (default 64)
	ReconnectBase   time.Duration // first reopen delay (default 500ms)
	ReconnectCap    time.Duration // backoff ceiling (default 30s)
	ReconnectBudget int           // consecutive reopen attempts, 0 = unlimited
	Debug           bool
}

// Bridge owns both endpoints and the two directional relay pumps.
type Bridge struct {
	opts  Options
	mcast DatagramEndpoint
	link  *serialLink // nil in multicast-only mode
	table *mapping.Table
	jr    *journal.Journal

	toSerial chan []byte // multicast -> serial queue
	toMcast  chan []byte // serial -> multicast queue (and injections)

	inbound  *pump // multicast -> serial
	outbound *pump // serial -> multicast

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles a bridge. opener may be nil for multicast-only relay;
// table and jr may be nil when no mapping or journal is configured.
func New(opts Options, mcast DatagramEndpoint, opener SerialOpener, table *mapping.Table, jr *journal.Journal) *Bridge {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.ReconnectCap < opts.ReconnectBase {
		opts.ReconnectCap = 30 * time.Second
	}

	b := &Bridge{
		opts:     opts,
		mcast:    mcast,
		table:    table,
		jr:       jr,
		toSerial: make(chan []byte, opts.QueueCapacity),
		toMcast:  make(chan []byte, opts.QueueCapacity),
		inbound:  newPump("multicast->serial"),
		outbound: newPump("serial->multicast"),
	}

	if opener != nil {
		b.link = newSerialLink(opener, opts.ReconnectBase, opts.ReconnectCap,
			opts.ReconnectBudget, b.serialEvent)
	}
	return b
}

// InboundState reports the multicast->serial pump state.
func (b *Bridge) InboundState() PumpState { return b.inbound.get() }

// OutboundState reports the serial->multicast pump state.
func (b *Bridge) OutboundState() PumpState { return b.outbound.get() }

// Run starts the relay pumps and blocks until ctx is cancelled, then closes
// both endpoints exactly once and waits for the pumps to drain.
func (b *Bridge) Run(ctx context.Context) error {
	if b.link != nil {
		b.inbound.set(PumpRunning)
		b.outbound.set(PumpRunning)

		b.wg.Add(3)
		go b.inboundReader(ctx)
		go b.inboundWriter(ctx)
		go b.outboundReader(ctx)
	} else {
		log.Printf("Bridge: no serial attached, multicast-only relay")
		b.outbound.set(PumpRunning)
	}

	b.wg.Add(1)
	go b.outboundWriter(ctx)

	<-ctx.Done()
	b.Close()
	b.wg.Wait()
	return nil
}

// Close releases both endpoints. Safe to call more than once; Run calls it
// on cancellation.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mcast.Close()
		if b.link != nil {
			b.link.close()
		}
	})
}

// inboundReader pulls datagrams off the multicast group and queues them for
// the serial writer.
func (b *Bridge) inboundReader(ctx context.Context) {
	defer b.wg.Done()

	for {
		frame, err := b.mcast.Receive(ctx)
		if err != nil {
			if errors.Is(err, network.ErrClosed) || errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("Bridge: multicast receive: %v", err)
			continue
		}
		if !b.enqueue(ctx, b.toSerial, frame, b.inbound) {
			return
		}
	}
}

// inboundWriter drains the multicast->serial queue onto the serial link,
// reopening the link on device errors. A frame that could not be written is
// retried on the fresh endpoint, never dropped.
func (b *Bridge) inboundWriter(ctx context.Context) {
	defer b.wg.Done()

	ep, gen, ok := b.acquireSerial(ctx, b.inbound)
	if !ok {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.toSerial:
			for {
				err := ep.WriteFrame(frame)
				if err == nil {
					break
				}
				if errors.Is(err, serialport.ErrInvalidFrame) {
					log.Printf("Bridge: dropping unframeable payload (%d bytes): %v", len(frame), err)
					break
				}
				log.Printf("Bridge: serial write: %v", err)
				ep, gen, ok = b.reopenSerial(ctx, gen, b.inbound)
				if !ok {
					return
				}
			}
		}
	}
}

// outboundReader assembles frames from the serial link and queues them for
// the multicast writer. Corrupt headers are dropped; device errors reopen
// the link.
func (b *Bridge) outboundReader(ctx context.Context) {
	defer b.wg.Done()

	ep, gen, ok := b.acquireSerial(ctx, b.outbound)
	if !ok {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := ep.ReadFrame()
		if err != nil {
			if errors.Is(err, serialport.ErrInvalidFrame) {
				log.Printf("Bridge: dropping corrupt serial frame: %v", err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("Bridge: serial read: %v", err)
			ep, gen, ok = b.reopenSerial(ctx, gen, b.outbound)
			if !ok {
				return
			}
			continue
		}
		if !b.enqueue(ctx, b.toMcast, frame, b.outbound) {
			return
		}
	}
}

// outboundWriter drains the serial->multicast queue (relayed frames plus
// injected commands) onto the network. Oversized frames are dropped;
// transient send failures are retried once, matching per-operation recovery
// for steady-state network errors.
func (b *Bridge) outboundWriter(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.toMcast:
			err := b.mcast.Send(frame)
			if errors.Is(err, network.ErrFrameTooLarge) {
				log.Printf("Bridge: dropping oversized frame (%d bytes)", len(frame))
				continue
			}
			if err != nil {
				if errors.Is(err, network.ErrClosed) {
					return
				}
				log.Printf("Bridge: multicast send: %v (retrying once)", err)
				time.Sleep(100 * time.Millisecond)
				if err := b.mcast.Send(frame); err != nil {
					if errors.Is(err, network.ErrClosed) {
						return
					}
					log.Printf("Bridge: multicast send retry failed, dropping frame: %v", err)
				}
			}
		}
	}
}

// InjectEvent translates an external input event through the mapping table
// and queues the resulting command on the outbound multicast path. Unknown
// events return mapping.ErrNotFound and are otherwise harmless.
func (b *Bridge) InjectEvent(ctx context.Context, event string) error {
	if b.table == nil {
		return errors.New("bridge: no mapping loaded")
	}

	command, err := b.table.Evaluate(event)
	if err != nil {
		log.Printf("Bridge: %v", err)
		return err
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	if !b.enqueue(ctx, b.toMcast, []byte(command), b.outbound) {
		return ctx.Err()
	}

	if b.jr != nil {
		b.jr.Command(event, strings.TrimSpace(command))
	}
	if b.opts.Debug {
		log.Printf("Bridge: injected %q -> %q", event, strings.TrimSpace(command))
	}
	return nil
}

// enqueue applies backpressure: a full queue suspends the source (warning
// logged once per congestion episode) until the destination drains or the
// context ends.
func (b *Bridge) enqueue(ctx context.Context, q chan []byte, frame []byte, p *pump) bool {
	select {
	case q <- frame:
		if p.get() == PumpSuspended {
			p.set(PumpRunning)
		}
		return true
	default:
	}

	log.Printf("Bridge: %s queue full, pausing source reads", p.name)
	p.set(PumpSuspended)

	select {
	case q <- frame:
		p.set(PumpRunning)
		return true
	case <-ctx.Done():
		return false
	}
}

// acquireSerial returns the live serial endpoint, opening it first if the
// link has never connected.
func (b *Bridge) acquireSerial(ctx context.Context, p *pump) (FrameEndpoint, int, bool) {
	ep, gen, err := b.link.current(ctx)
	if err != nil {
		if errors.Is(err, ErrLinkFailed) {
			p.set(PumpFailed)
		}
		return nil, 0, false
	}
	if ep != nil {
		return ep, gen, true
	}
	return b.reopenSerial(ctx, gen, p)
}

// reopenSerial drives the link's reconnect cycle for one pump, translating
// the outcome into pump state.
func (b *Bridge) reopenSerial(ctx context.Context, gen int, p *pump) (FrameEndpoint, int, bool) {
	p.set(PumpReconnecting)

	ep, newGen, err := b.link.reconnect(ctx, gen)
	if err != nil {
		if errors.Is(err, ErrLinkFailed) {
			p.set(PumpFailed)
		}
		return nil, 0, false
	}

	p.set(PumpRunning)
	return ep, newGen, true
}

// serialEvent logs and journals serial link state changes.
func (b *Bridge) serialEvent(kind, detail string) {
	log.Printf("Bridge: serial link %s (%s)", kind, detail)
	if b.jr != nil {
		b.jr.Link("serial", kind, detail)
	}
}

// QueueDepths reports how many frames sit in each queue, for diagnostics.
func (b *Bridge) QueueDepths() (toSerial, toMcast int) {
	return len(b.toSerial), len(b.toMcast)
}
