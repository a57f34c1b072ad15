package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ksanyok/promopilot-sub004/internal/app"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

type rootFlags struct {
	configPath string
	debug      bool
}

func (f *rootFlags) options() app.Options {
	return app.Options{ConfigPath: f.configPath, Debug: f.debug}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "promoter",
		Short:         "Link promotion cascade service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default is $CONFIG_PATH or config.yml)")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newWorkerCommand(flags),
		newCrowdCommand(flags),
		newCronCommand(flags),
		newAPICommand(flags),
		newMigrateCommand(flags),
	)
	return root
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

func newWorkerCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker <run_id>",
		Short: "Drive one promotion run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseID(args[0], "run")
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), flags.options())
			if err != nil {
				return err
			}
			defer a.Close()

			steps, err := a.RunPromotion(cmd.Context(), runID)
			a.Logger().Info("Promotion worker finished", logger.RunID(runID), logger.Int("steps", steps))
			return err
		},
	}
}

func newCrowdCommand(flags *rootFlags) *cobra.Command {
	var runID int64
	cmd := &cobra.Command{
		Use:   "crowd [task_id]",
		Short: "Process queued crowd tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID int64
			if len(args) == 1 {
				id, err := parseID(args[0], "task")
				if err != nil {
					return err
				}
				taskID = id
			}
			a, err := app.New(cmd.Context(), flags.options())
			if err != nil {
				return err
			}
			defer a.Close()

			processed, err := a.RunCrowd(cmd.Context(), runID, taskID)
			a.Logger().Info("Crowd worker finished",
				logger.RunID(runID), logger.TaskID(taskID), logger.Int("processed", processed))
			return err
		},
	}
	cmd.Flags().Int64Var(&runID, "run", 0, "only process tasks of this run")
	return cmd
}

func newCronCommand(flags *rootFlags) *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run the recovery pass and advance active runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), flags.options())
			if err != nil {
				return err
			}
			defer a.Close()

			if daemon {
				return a.RunCronDaemon(cmd.Context())
			}
			return a.CronTick(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep running and tick on watchdog.schedule")
	return cmd
}

func newAPICommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), flags.options())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.ServeAPI(cmd.Context())
		},
	}
}

func newMigrateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Migrate(cmd.Context(), flags.options())
		},
	}
}
