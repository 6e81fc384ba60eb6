package journal

import (
	"path/filepath"
	"testing"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	j.Link("multicast", "open", "239.255.50.10:5010")
	j.Link("serial", "open", "/dev/ttyUSB0")
	j.Command("gpio17.press", "UFC_MASTER_CAUTION 1")
	j.Command("gpio17.release", "UFC_MASTER_CAUTION 0")
	j.Link("serial", "reconnect", "/dev/ttyUSB0")

	// Close flushes the write queue before the reopen below reads.
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	commands, err := j2.Commands(10)
	if err != nil {
		t.Fatalf("Commands: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("len(Commands) = %d, want 2", len(commands))
	}
	for _, c := range commands {
		if c.Event != "gpio17.press" && c.Event != "gpio17.release" {
			t.Errorf("unexpected command event %q", c.Event)
		}
	}

	events, err := j2.LinkEvents(10)
	if err != nil {
		t.Fatalf("LinkEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(LinkEvents) = %d, want 3", len(events))
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Must not panic on the closed queue.
	j.Command("gpio17.press", "UFC_MASTER_CAUTION 1")
	j.Link("serial", "close", "")
}
