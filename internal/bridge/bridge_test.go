package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dcsbpi/dcsbridge/internal/mapping"
	"github.com/dcsbpi/dcsbridge/internal/network"
)

// fakeDatagram is an in-memory DatagramEndpoint: rx feeds Receive, tx
// collects Send.
type fakeDatagram struct {
	rx chan []byte
	tx chan []byte

	closeOnce  sync.Once
	closed     chan struct{}
	closeCount atomic.Int32
}

func newFakeDatagram() *fakeDatagram {
	return &fakeDatagram{
		rx:     make(chan []byte, 1024),
		tx:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeDatagram) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.rx:
		return frame, nil
	case <-f.closed:
		return nil, network.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeDatagram) Send(frame []byte) error {
	select {
	case <-f.closed:
		return network.ErrClosed
	default:
	}
	if len(frame) > network.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", network.ErrFrameTooLarge, len(frame))
	}
	f.tx <- frame
	return nil
}

func (f *fakeDatagram) Close() error {
	f.closeCount.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// fakeSerial is an in-memory FrameEndpoint with a switchable write-failure
// mode to simulate a disconnected device.
type fakeSerial struct {
	name string
	rx   chan []byte
	tx   chan []byte

	failWrites atomic.Bool
	closeOnce  sync.Once
	closed     chan struct{}
	closeCount atomic.Int32
}

func newFakeSerial(name string) *fakeSerial {
	return &fakeSerial{
		name:   name,
		rx:     make(chan []byte, 1024),
		tx:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeSerial) ReadFrame() ([]byte, error) {
	select {
	case frame := <-f.rx:
		return frame, nil
	case <-f.closed:
		return nil, errors.New("fake serial: closed")
	}
}

func (f *fakeSerial) WriteFrame(payload []byte) error {
	if f.failWrites.Load() {
		return errors.New("fake serial: input/output error")
	}
	select {
	case <-f.closed:
		return errors.New("fake serial: closed")
	default:
	}
	f.tx <- payload
	return nil
}

func (f *fakeSerial) Close() error {
	f.closeCount.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSerial) Name() string { return f.name }

func testOptions() Options {
	return Options{
		QueueCapacity: 8,
		ReconnectBase: 5 * time.Millisecond,
		ReconnectCap:  20 * time.Millisecond,
	}
}

func startBridge(t *testing.T, b *Bridge) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("bridge did not stop")
		}
	})
	return cancel, done
}

func collect(t *testing.T, ch chan []byte, n int) [][]byte {
	t.Helper()
	out := make([][]byte, 0, n)
	for len(out) < n {
		select {
		case frame := <-ch:
			out = append(out, frame)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func TestRelayMulticastToSerial(t *testing.T) {
	mcast := newFakeDatagram()
	serial := newFakeSerial("fake0")
	b := New(testOptions(), mcast, func() (FrameEndpoint, error) { return serial, nil }, nil, nil)
	startBridge(t, b)

	const n = 100
	want := make([][]byte, n)
	for i := range want {
		want[i] = []byte(fmt.Sprintf("VOR1_FREQ %d", i))
		mcast.rx <- want[i]
	}

	got := collect(t, serial.tx, n)
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRelaySerialToMulticast(t *testing.T) {
	mcast := newFakeDatagram()
	serial := newFakeSerial("fake0")
	b := New(testOptions(), mcast, func() (FrameEndpoint, error) { return serial, nil }, nil, nil)
	startBridge(t, b)

	const n = 100
	want := make([][]byte, n)
	for i := range want {
		want[i] = []byte(fmt.Sprintf("HDG_KNOB %+d", i))
		serial.rx <- want[i]
	}

	got := collect(t, mcast.tx, n)
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSerialDisconnectBuffersThenResumes(t *testing.T) {
	mcast := newFakeDatagram()
	first := newFakeSerial("fake0")
	second := newFakeSerial("fake1")
	first.failWrites.Store(true)

	var opens atomic.Int32
	opener := func() (FrameEndpoint, error) {
		switch opens.Add(1) {
		case 1:
			return first, nil
		case 2:
			// Device still missing on the first reopen attempt.
			return nil, errors.New("open /dev/ttyUSB0: no such file or directory")
		default:
			return second, nil
		}
	}

	b := New(testOptions(), mcast, opener, nil, nil)
	startBridge(t, b)

	const n = 20
	want := make([][]byte, n)
	for i := range want {
		want[i] = []byte(fmt.Sprintf("frame %02d", i))
		mcast.rx <- want[i]
	}

	// Every frame survives the dead first endpoint and the failed reopen:
	// buffered up to queue capacity, then delivered in order with no loss
	// and no duplication once the second endpoint comes up.
	got := collect(t, second.tx, n)
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
	if len(first.tx) != 0 {
		t.Errorf("dead endpoint received %d frames", len(first.tx))
	}
}

func TestReconnectBudgetExhaustionFailsSerialOnly(t *testing.T) {
	mcast := newFakeDatagram()
	opts := testOptions()
	opts.ReconnectBudget = 2

	opener := func() (FrameEndpoint, error) {
		return nil, errors.New("open /dev/ttyUSB0: no such device")
	}

	table, err := mapping.Parse([]byte("inputs:\n  - event: gpio17.press\n    command: UFC_MASTER_CAUTION 1\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	b := New(opts, mcast, opener, table, nil)
	startBridge(t, b)

	deadline := time.Now().Add(5 * time.Second)
	for b.InboundState() != PumpFailed || b.OutboundState() != PumpFailed {
		if time.Now().After(deadline) {
			t.Fatalf("pumps = %v/%v, want failed/failed", b.InboundState(), b.OutboundState())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The failed serial side must not take down the injection path.
	if err := b.InjectEvent(context.Background(), "gpio17.press"); err != nil {
		t.Fatalf("InjectEvent: %v", err)
	}
	got := collect(t, mcast.tx, 1)
	if string(got[0]) != "UFC_MASTER_CAUTION 1\n" {
		t.Errorf("injected = %q, want %q", got[0], "UFC_MASTER_CAUTION 1\n")
	}
}

func TestInjectEventMulticastOnly(t *testing.T) {
	mcast := newFakeDatagram()
	table, err := mapping.Parse([]byte("inputs:\n  - event: gpio22.press\n    command: \"GEAR_LEVER TOGGLE\\n\"\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	b := New(testOptions(), mcast, nil, table, nil)
	startBridge(t, b)

	if err := b.InjectEvent(context.Background(), "gpio22.press"); err != nil {
		t.Fatalf("InjectEvent: %v", err)
	}
	got := collect(t, mcast.tx, 1)
	if string(got[0]) != "GEAR_LEVER TOGGLE\n" {
		t.Errorf("injected = %q, want %q", got[0], "GEAR_LEVER TOGGLE\n")
	}

	if err := b.InjectEvent(context.Background(), "gpio99.press"); !errors.Is(err, mapping.ErrNotFound) {
		t.Errorf("unknown event err = %v, want ErrNotFound", err)
	}
}

func TestOversizedSerialFrameDroppedRelayContinues(t *testing.T) {
	mcast := newFakeDatagram()
	serial := newFakeSerial("fake0")
	b := New(testOptions(), mcast, func() (FrameEndpoint, error) { return serial, nil }, nil, nil)
	startBridge(t, b)

	serial.rx <- make([]byte, network.MaxFrameSize+1)
	serial.rx <- []byte("still alive")

	got := collect(t, mcast.tx, 1)
	if string(got[0]) != "still alive" {
		t.Errorf("frame after oversized drop = %q, want %q", got[0], "still alive")
	}
	if b.OutboundState() == PumpFailed {
		t.Errorf("outbound pump failed on an oversized frame")
	}
}

func TestShutdownClosesEndpointsOnce(t *testing.T) {
	mcast := newFakeDatagram()
	serial := newFakeSerial("fake0")
	b := New(testOptions(), mcast, func() (FrameEndpoint, error) { return serial, nil }, nil, nil)
	cancel, done := startBridge(t, b)

	// Both directions mid-operation.
	mcast.rx <- []byte("inbound")
	serial.rx <- []byte("outbound")
	collect(t, serial.tx, 1)
	collect(t, mcast.tx, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return within bound after cancellation")
	}

	if n := mcast.closeCount.Load(); n != 1 {
		t.Errorf("multicast Close called %d times, want 1", n)
	}
	if n := serial.closeCount.Load(); n != 1 {
		t.Errorf("serial Close called %d times, want 1", n)
	}
}

func TestServeEvents(t *testing.T) {
	mcast := newFakeDatagram()
	table, err := mapping.Parse([]byte("inputs:\n  - event: gpio17.press\n    command: UFC_MASTER_CAUTION 1\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	b := New(testOptions(), mcast, nil, table, nil)
	startBridge(t, b)

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	ctx, cancelIntake := context.WithCancel(context.Background())
	defer cancelIntake()
	go b.ServeEvents(ctx, pc)

	sender, err := net.Dial("udp4", pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sender.Close()

	// Unknown ids are skipped, known ones injected, several per datagram.
	if _, err := sender.Write([]byte("gpio99.press gpio17.press\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := collect(t, mcast.tx, 1)
	if string(got[0]) != "UFC_MASTER_CAUTION 1\n" {
		t.Errorf("injected = %q, want %q", got[0], "UFC_MASTER_CAUTION 1\n")
	}
}
