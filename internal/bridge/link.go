package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrLinkFailed marks a serial link whose reopen budget is exhausted. Pumps
// seeing it transition to Failed instead of starting another retry cycle.
var ErrLinkFailed = errors.New("bridge: serial link failed permanently")

// serialLink supervises the shared serial endpoint for both directions.
// Whichever pump hits an I/O error asks the link to reconnect; the
// generation counter keeps the second pump from tearing down an endpoint
// the first one just reopened.
type serialLink struct {
	open    SerialOpener
	base    time.Duration
	cap     time.Duration
	budget  int // max consecutive reopen attempts, 0 = unlimited
	onEvent func(kind, detail string)

	mu     chan struct{} // capacity-1 semaphore, acquirable with a context
	ep     FrameEndpoint
	gen    int
	failed bool
	closed bool
}

func newSerialLink(open SerialOpener, base, cap time.Duration, budget int, onEvent func(kind, detail string)) *serialLink {
	l := &serialLink{
		open:    open,
		base:    base,
		cap:     cap,
		budget:  budget,
		onEvent: onEvent,
		mu:      make(chan struct{}, 1),
	}
	l.mu <- struct{}{}
	return l
}

func (l *serialLink) lock(ctx context.Context) error {
	select {
	case <-l.mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *serialLink) unlock() {
	l.mu <- struct{}{}
}

// current returns the live endpoint and its generation, or nil if the link
// is down.
func (l *serialLink) current(ctx context.Context) (FrameEndpoint, int, error) {
	if err := l.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer l.unlock()

	if l.closed {
		return nil, 0, errors.New("bridge: serial link closed")
	}
	if l.failed {
		return nil, 0, ErrLinkFailed
	}
	return l.ep, l.gen, nil
}

// reconnect replaces the endpoint of generation failedGen with a fresh one,
// retrying with exponential backoff. If another pump already reconnected
// past failedGen, the current endpoint is returned without reopening.
func (l *serialLink) reconnect(ctx context.Context, failedGen int) (FrameEndpoint, int, error) {
	if err := l.lock(ctx); err != nil {
		return nil, 0, err
	}
	defer l.unlock()

	if l.closed {
		return nil, 0, errors.New("bridge: serial link closed")
	}
	if l.failed {
		return nil, 0, ErrLinkFailed
	}
	if l.gen != failedGen {
		return l.ep, l.gen, nil
	}

	if l.ep != nil {
		l.ep.Close()
		l.ep = nil
	}

	delay := l.base
	for attempt := 1; ; attempt++ {
		if l.budget > 0 && attempt > l.budget {
			l.failed = true
			l.onEvent("failed", fmt.Sprintf("gave up after %d attempts", l.budget))
			return nil, 0, ErrLinkFailed
		}

		ep, err := l.open()
		if err == nil {
			kind := "reconnect"
			if failedGen == 0 {
				kind = "open"
			}
			l.ep = ep
			l.gen++
			l.onEvent(kind, ep.Name())
			return l.ep, l.gen, nil
		}

		log.Printf("Bridge: serial open attempt %d failed: %v (retrying in %v)", attempt, err, delay)
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > l.cap {
			delay = l.cap
		}
	}
}

// close tears the link down exactly once; any live endpoint is closed so
// blocked reads return.
func (l *serialLink) close() {
	<-l.mu
	defer l.unlock()

	if l.closed {
		return
	}
	l.closed = true
	if l.ep != nil {
		l.ep.Close()
		l.onEvent("close", l.ep.Name())
		l.ep = nil
	}
}
