// Package cmd holds the trackex subcommands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/trackex/config"
	"github.com/dhcgn/trackex/discovery"
)

// AddCommands attaches all subcommands to root.
func AddCommands(root *cobra.Command) {
	root.AddCommand(newInspectCommand(), newExportCommand())
}

func loadStoreConfig(c *cobra.Command) (config.Config, error) {
	return config.LoadStoreConfig(c, discovery.Discover(slog.Default()))
}
