// ABOUTME: Entry point for rtdash: serve runs the dashboard server, watch runs the terminal viewer.
// ABOUTME: Subcommands are cobra factories so flags stay local to each command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neurolive/rtdash/dash"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "rtdash",
		Short:   "Local real-time dashboard for neurofeedback acquisition output",
		Version: dash.Version,
		Long: `rtdash watches the output directory of a running acquisition session and
serves live charts to local browsers over SSE, with a JSON long-poll
fallback. It reads the acquisition files; it never writes to them.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the rtdash version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rtdash %s\n", dash.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
