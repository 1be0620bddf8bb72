package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func Run() {
	var (
		pretty   bool
		logLevel string
	)

	var command = &cobra.Command{
		Use:   "bulkops",
		Short: "Bulk phone number operations with live task progress",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(pretty, logLevel)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	command.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human readable console logs")
	command.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level, overrides Log_Level")

	command.AddCommand(apiCmd())
	command.AddCommand(workerCmd())
	command.AddCommand(watchCmd())

	if err := command.Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}

func setupLogger(pretty bool, level string) {
	if level == "" {
		level = os.Getenv("Log_Level")
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
