package main

import (
	"time"

	"github.com/spf13/cobra"

	"studytrack/internal/app"
	"studytrack/internal/participant"
)

func (c *cli) participantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "participant",
		Aliases: []string{"p"},
		Short:   "Inspect and update participant schedules",
	}
	cmd.AddCommand(
		c.participantGetCommand(),
		c.participantUpdateCommand(),
		c.participantTouchCommand(),
		c.participantCheckCommand(),
		c.participantEnrollCommand(),
		c.participantHistoryCommand(),
	)
	return cmd
}

func (c *cli) participantGetCommand() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get <subject-id>",
		Short: "Print a participant, refreshing a stale assignment first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				var (
					e   participant.Entry
					err error
				)
				if raw {
					e, err = a.Store().GetParticipant(cmd.Context(), args[0])
				} else {
					e, err = a.Manager().GetAndUpdateParticipant(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "no-refresh", false, "read the stored row without refreshing it")
	return cmd
}

func (c *cli) participantUpdateCommand() *cobra.Command {
	var trigger string
	cmd := &cobra.Command{
		Use:   "update <subject-id>",
		Short: "Apply a state-change trigger through the configured policy",
		Example: `  studytrack participant update P1
  studytrack participant update P1 --trigger '{"event":"completed"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				e, err := a.Manager().UpdateParticipantJSON(cmd.Context(), args[0], []byte(trigger))
				if err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
	cmd.Flags().StringVarP(&trigger, "trigger", "t", "", "trigger as a JSON object (empty means no trigger)")
	return cmd
}

type touchResult struct {
	SubjectID  string    `json:"subject_id"`
	Recorded   bool      `json:"recorded"`
	LastAction time.Time `json:"last_action,omitzero"`
}

func (c *cli) participantTouchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <subject-id>",
		Short: "Record activity by setting last_action to now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				at, err := a.Manager().UpdateLastAction(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, touchResult{SubjectID: args[0], Recorded: !at.IsZero(), LastAction: at})
			})
		},
	}
}

func (c *cli) participantCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <subject-id>",
		Short: "Report whether a subject id is enrolled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				ok, err := a.Manager().CheckLogin(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, struct {
					SubjectID string `json:"subject_id"`
					Exists    bool   `json:"exists"`
				}{args[0], ok})
			})
		},
	}
}

func (c *cli) participantEnrollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <subject-id>...",
		Short: "Create unassigned participant rows (existing ids are left alone)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type result struct {
				SubjectID string `json:"subject_id"`
				Created   bool   `json:"created"`
			}
			return c.withApp(cmd.Context(), func(a *app.App) error {
				out := make([]result, 0, len(args))
				for _, id := range args {
					created, err := a.Store().Enroll(cmd.Context(), id)
					if err != nil {
						return err
					}
					out = append(out, result{id, created})
				}
				return printJSON(cmd, out)
			})
		},
	}
}

func (c *cli) participantHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <subject-id>",
		Short: "List captured questionnaire answers for a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				h, err := a.Store().ListHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if h == nil {
					h = []participant.HistoryEntry{}
				}
				return printJSON(cmd, h)
			})
		},
	}
}
