package bridge

import (
	"log"
	"sync/atomic"
)

// PumpState tracks one relay direction through its lifecycle.
type PumpState int32

const (
	PumpIdle PumpState = iota
	PumpRunning
	PumpSuspended    // queue full, source reads paused
	PumpReconnecting // destination lost, reopening
	PumpFailed       // reopen budget exhausted; terminal for this pump only
)

func (s PumpState) String() string {
	switch s {
	case PumpIdle:
		return "idle"
	case PumpRunning:
		return "running"
	case PumpSuspended:
		return "suspended"
	case PumpReconnecting:
		return "reconnecting"
	case PumpFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// pump is the shared state of one direction's read and write halves.
type pump struct {
	name  string
	state atomic.Int32
}

func newPump(name string) *pump {
	return &pump{name: name}
}

func (p *pump) get() PumpState {
	return PumpState(p.state.Load())
}

func (p *pump) set(s PumpState) {
	old := PumpState(p.state.Swap(int32(s)))
	if old != s {
		log.Printf("Bridge: %s pump %s -> %s", p.name, old, s)
	}
}
