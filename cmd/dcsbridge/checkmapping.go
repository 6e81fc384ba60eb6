package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcsbpi/dcsbridge/internal/mapping"
)

var checkMappingCmd = &cobra.Command{
	Use:   "check-mapping <file>",
	Short: "Validate a YAML mapping file without starting the bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		table, err := mapping.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s: %d rules\n", args[0], table.Len())
		for _, rule := range table.Rules() {
			name := rule.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("  %-24s %-24s %s\n", name, rule.Event, rule.Command)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkMappingCmd)
}
