package journal

import "time"

// CommandRecord is one command injected into the outbound multicast path by
// the mapping engine.
type CommandRecord struct {
	ID      uint      `gorm:"primarykey"`
	Event   string    `gorm:"index;size:64"`
	Command string    `gorm:"size:128"`
	SentAt  time.Time `gorm:"index"`
}

// TableName specifies the table name for GORM
func (CommandRecord) TableName() string {
	return "commands"
}

// LinkEvent records a transport state change: endpoint open/close, serial
// reconnect attempts, pump failures.
type LinkEvent struct {
	ID     uint      `gorm:"primarykey"`
	Link   string    `gorm:"index;size:32"` // "multicast" or "serial"
	Kind   string    `gorm:"size:32"`       // "open", "close", "reconnect", "failed"
	Detail string    `gorm:"size:256"`
	At     time.Time `gorm:"index"`
}

// TableName specifies the table name for GORM
func (LinkEvent) TableName() string {
	return "link_events"
}
