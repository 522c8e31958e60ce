package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"studytrack/internal/app"
)

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep, metrics listener and config watcher until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, c.cfgm)
			if err != nil {
				return err
			}
			setMaxProcs(a.Logger())
			return a.Run(ctx)
		},
	}
}
