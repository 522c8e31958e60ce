package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"studytrack/internal/app"
	"studytrack/internal/config"
	logx "studytrack/pkg/logx"
)

const programName = "studytrack"

// cli carries global flags and the loaded config between cobra hooks.
type cli struct {
	configFile string
	logLevel   string
	cfgm       *config.Manager
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           programName,
		Short:         "Longitudinal study participant scheduling",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.loadConfig()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	root.AddCommand(
		c.serveCommand(),
		c.participantCommand(),
		c.queueCommand(),
		c.sweepCommand(),
		versionCommand(),
	)
	return root
}

func (c *cli) loadConfig() error {
	m := config.NewManager(c.configFile)
	cfg, err := m.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl := strings.TrimSpace(c.logLevel); lvl != "" {
		if !logx.ValidLevel(lvl) {
			return fmt.Errorf("--log-level: unknown level %q", lvl)
		}
		next := *cfg
		next.Logging.Level = lvl
		m.Commit(&next)
	}
	c.cfgm = m
	return nil
}

// withApp builds the app for a one-shot command and releases it afterwards.
func (c *cli) withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, c.cfgm)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

// setMaxProcs aligns GOMAXPROCS with the container CPU quota.
func setMaxProcs(log logx.Logger) {
	_, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
		log.Debug(fmt.Sprintf(format, v...))
	}))
	if err != nil {
		log.Warn("maxprocs", logx.Err(err))
	}
}
