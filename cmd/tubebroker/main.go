package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	debug   bool
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tubebroker",
		Short:         "Download job broker with quotas and expiring tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $CONFIG_PATH or ./config.yml)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and gin debug mode")

	root.AddCommand(newServeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tubebroker version %s\n", version)
		},
	})
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
