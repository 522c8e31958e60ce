package main

import (
	"github.com/spf13/cobra"

	"studytrack/internal/app"
)

func (c *cli) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Refresh stale assignments once and print the queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				rep, err := a.Sweep().RunOnce(cmd.Context())
				if perr := printJSON(cmd, rep); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
}
