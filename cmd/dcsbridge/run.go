package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dcsbpi/dcsbridge/internal/bridge"
	"github.com/dcsbpi/dcsbridge/internal/config"
	"github.com/dcsbpi/dcsbridge/internal/journal"
	"github.com/dcsbpi/dcsbridge/internal/mapping"
	"github.com/dcsbpi/dcsbridge/internal/network"
	"github.com/dcsbpi/dcsbridge/internal/serialport"
)

var cfg = config.Default()

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the multicast/serial bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runBridge()
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&cfg.Group, "group", cfg.Group, "IPv4 multicast group address")
	f.IntVar(&cfg.Port, "port", cfg.Port, "multicast port")
	f.StringVar(&cfg.Interface, "iface", "", "network interface for the multicast join")
	f.StringVar(&cfg.SourceIP, "source", "", "accept datagrams only from this host")
	f.StringVar(&cfg.ReplyAddr, "reply", "", "send outbound traffic unicast to host:port instead of the group")
	f.StringVar(&cfg.Device, "device", "", "serial device path (omit for multicast-only or PTY mode)")
	f.IntVar(&cfg.Baud, "baud", cfg.Baud, "serial baud rate")
	f.BoolVar(&cfg.UsePTY, "pty", false, "expose a pseudo-terminal instead of opening a device")
	f.StringVar(&cfg.PTYSymlink, "pty-link", "", "publish the PTY slave at this symlink path")
	f.StringVar(&cfg.MappingFile, "mapping", "", "YAML event-to-command mapping file")
	f.IntVar(&cfg.EventsPort, "events-port", 0, "local UDP port for event-id intake (0 disables)")
	f.IntVar(&cfg.QueueCapacity, "queue", cfg.QueueCapacity, "relay queue capacity per direction")
	f.DurationVar(&cfg.ReconnectBase, "reconnect-base", cfg.ReconnectBase, "first serial reopen delay")
	f.DurationVar(&cfg.ReconnectCap, "reconnect-cap", cfg.ReconnectCap, "serial reopen backoff ceiling")
	f.IntVar(&cfg.ReconnectBudget, "reconnect-budget", cfg.ReconnectBudget, "serial reopen attempts before giving up (0 = forever)")
	f.StringVar(&cfg.JournalPath, "journal", "", "SQLite journal path (empty disables)")
	f.BoolVar(&cfg.Debug, "debug", false, "verbose logging")

	rootCmd.AddCommand(runCmd)
}

func runBridge() error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Printf("dcsbridge %s starting: group %s:%d", version, cfg.Group, cfg.Port)

	mcast, err := network.NewMulticastEndpoint(network.MulticastConfig{
		Group:     cfg.Group,
		Port:      cfg.Port,
		Interface: cfg.Interface,
		SourceIP:  cfg.SourceIP,
		ReplyAddr: cfg.ReplyAddr,
		Debug:     cfg.Debug,
	})
	if err != nil {
		return err
	}
	if err := mcast.Join(); err != nil {
		return fmt.Errorf("cannot bind multicast socket: %w", err)
	}

	var table *mapping.Table
	if cfg.MappingFile != "" {
		table, err = mapping.Load(cfg.MappingFile)
		if err != nil {
			mcast.Close()
			return err
		}
	}

	var jr *journal.Journal
	if cfg.JournalPath != "" {
		jr, err = journal.Open(cfg.JournalPath)
		if err != nil {
			mcast.Close()
			return err
		}
		defer jr.Close()
		jr.Link("multicast", "open", fmt.Sprintf("%s:%d", cfg.Group, cfg.Port))
	}

	var opener bridge.SerialOpener
	if cfg.HasSerial() {
		serialCfg := serialport.Config{
			Device:  cfg.Device,
			Baud:    cfg.Baud,
			UsePTY:  cfg.UsePTY,
			Symlink: cfg.PTYSymlink,
			Debug:   cfg.Debug,
		}
		opener = func() (bridge.FrameEndpoint, error) {
			ep, err := serialport.NewEndpoint(serialCfg)
			if err != nil {
				return nil, err
			}
			if err := ep.Open(); err != nil {
				ep.Close()
				return nil, err
			}
			return ep, nil
		}
	}

	b := bridge.New(bridge.Options{
		QueueCapacity:   cfg.QueueCapacity,
		ReconnectBase:   cfg.ReconnectBase,
		ReconnectCap:    cfg.ReconnectCap,
		ReconnectBudget: cfg.ReconnectBudget,
		Debug:           cfg.Debug,
	}, mcast, opener, table, jr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EventsPort > 0 {
		if table == nil {
			b.Close()
			return fmt.Errorf("event intake on port %d needs a mapping file", cfg.EventsPort)
		}
		pc, err := net.ListenPacket("udp4", fmt.Sprintf("127.0.0.1:%d", cfg.EventsPort))
		if err != nil {
			b.Close()
			return fmt.Errorf("cannot bind event intake socket: %w", err)
		}
		log.Printf("Event intake listening on %s", pc.LocalAddr())
		go b.ServeEvents(ctx, pc)
	}

	if err := b.Run(ctx); err != nil {
		return err
	}

	if jr != nil {
		jr.Link("multicast", "close", "")
	}
	log.Printf("dcsbridge stopped")
	return nil
}
