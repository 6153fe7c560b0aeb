// ABOUTME: The watch subcommand: an inline terminal viewer for the live feedback stream.
// ABOUTME: Connects to a running serve instance over SSE and renders with Bubble Tea.
package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/neurolive/rtdash/watch"
)

func watchCmd() *cobra.Command {
	var (
		url   string
		token string
		hz    float64
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the live feedback stream in the terminal",
		Long: `Connect to a running rtdash serve instance and display the feedback
metric, reward state, and session metadata inline in the terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("RTDASH_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("no access token; pass --token or set RTDASH_TOKEN")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			client := watch.NewClient(url, token, hz)
			go client.Run(ctx)

			p := tea.NewProgram(watch.NewModel(client))
			_, err := p.Run()
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8765", "base URL of the dashboard server")
	cmd.Flags().StringVar(&token, "token", "", "access token (prefer RTDASH_TOKEN)")
	cmd.Flags().Float64Var(&hz, "hz", 5, "delivery rate requested from the server")
	return cmd
}
