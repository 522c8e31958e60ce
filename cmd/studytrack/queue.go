package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"studytrack/internal/app"
)

type queueResult struct {
	Ref        time.Time `json:"ref"`
	SubjectIDs []string  `json:"subject_ids"`
}

func (c *cli) queueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List participants awaiting action",
	}
	cmd.AddCommand(
		c.queueListCommand("available", "Participants with an open questionnaire window and no answer yet",
			func(ctx context.Context, a *app.App, ref time.Time) ([]string, error) {
				return a.Manager().ParticipantsWithAvailableQuestionnaires(ctx, ref)
			}),
		c.queueListCommand("pending", "Participants with captured answers not yet uploaded",
			func(ctx context.Context, a *app.App, ref time.Time) ([]string, error) {
				return a.Manager().ParticipantsWithPendingUploads(ctx, ref)
			}),
	)
	return cmd
}

func (c *cli) queueListCommand(use, short string, list func(context.Context, *app.App, time.Time) ([]string, error)) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				ref, err := parseRef(at, a.Manager().Now)
				if err != nil {
					return err
				}
				ids, err := list(cmd.Context(), a, ref)
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []string{}
				}
				return printJSON(cmd, queueResult{Ref: ref, SubjectIDs: ids})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference instant (RFC 3339); defaults to now")
	return cmd
}
