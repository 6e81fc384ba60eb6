// dcsbridge relays DCS-BIOS UDP multicast traffic to a local serial device
// or pseudo-terminal and injects mapped input events as outbound commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "dcsbridge",
	Short: "Bridge DCS-BIOS multicast traffic to a serial device or PTY",
	Long: `dcsbridge joins a DCS-BIOS UDP multicast group and relays traffic ` +
		`bidirectionally to a local serial device or pseudo-terminal. An optional ` +
		`YAML mapping file translates external input events into outbound commands.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dcsbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dcsbridge %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
