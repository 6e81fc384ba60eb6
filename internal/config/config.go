// Package config holds the bridge's runtime configuration and its
// validation rules. All values come from the command line; there is no
// config file and no ambient state.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Defaults match the DCS-BIOS export conventions the original scripts were
// written against.
const (
	DefaultGroup = "239.255.50.10"
	DefaultPort  = 5010
	DefaultBaud  = 250000

	DefaultQueueCapacity    = 64
	DefaultReconnectBase    = 500 * time.Millisecond
	DefaultReconnectCap     = 30 * time.Second
	DefaultReconnectBudget  = 0 // 0 = retry forever
	DefaultShutdownDeadline = 5 * time.Second
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// Multicast side.
	Group     string
	Port      int
	Interface string
	SourceIP  string // accept datagrams only from this host, empty = any
	ReplyAddr string // send outbound unicast here instead of to the group

	// Serial side. An empty Device with UsePTY false means multicast-only
	// relay: no serial pumps run.
	Device     string
	Baud       int
	UsePTY     bool
	PTYSymlink string

	// Mapping and event intake.
	MappingFile string
	EventsPort  int // UDP port for event-id datagrams, 0 = disabled

	// Relay tuning.
	QueueCapacity    int
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectBudget  int // max consecutive reopen attempts, 0 = unlimited
	ShutdownDeadline time.Duration

	// Observability.
	JournalPath string
	Debug       bool
}

// Default returns a configuration with every tunable at its documented
// default and no serial or mapping attached.
func Default() Config {
	return Config{
		Group:            DefaultGroup,
		Port:             DefaultPort,
		Baud:             DefaultBaud,
		QueueCapacity:    DefaultQueueCapacity,
		ReconnectBase:    DefaultReconnectBase,
		ReconnectCap:     DefaultReconnectCap,
		ReconnectBudget:  DefaultReconnectBudget,
		ShutdownDeadline: DefaultShutdownDeadline,
	}
}

// HasSerial reports whether a serial side is configured at all.
func (c *Config) HasSerial() bool {
	return c.Device != "" || c.UsePTY
}

// Validate checks the configuration before any endpoint is opened.
// A failure here is startup-fatal.
func (c *Config) Validate() error {
	ip := net.ParseIP(c.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("config: %q is not an IPv4 multicast group", c.Group)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid multicast port %d", c.Port)
	}
	if c.Device != "" && c.UsePTY {
		return errors.New("config: serial device and PTY mode are mutually exclusive")
	}
	if c.PTYSymlink != "" && !c.UsePTY {
		return errors.New("config: PTY symlink requires PTY mode")
	}
	if c.Device != "" && c.Baud <= 0 {
		return fmt.Errorf("config: invalid baud rate %d", c.Baud)
	}
	if c.SourceIP != "" && net.ParseIP(c.SourceIP) == nil {
		return fmt.Errorf("config: invalid source filter %q", c.SourceIP)
	}
	if c.ReplyAddr != "" {
		if _, err := net.ResolveUDPAddr("udp4", c.ReplyAddr); err != nil {
			return fmt.Errorf("config: invalid reply address %q: %w", c.ReplyAddr, err)
		}
	}
	if c.EventsPort < 0 || c.EventsPort > 65535 {
		return fmt.Errorf("config: invalid events port %d", c.EventsPort)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("config: invalid reconnect backoff %v..%v", c.ReconnectBase, c.ReconnectCap)
	}
	if c.ReconnectBudget < 0 {
		return fmt.Errorf("config: reconnect budget must not be negative, got %d", c.ReconnectBudget)
	}
	return nil
}
