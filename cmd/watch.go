package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bulkops/pkg/progress"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var (
		server   string
		userID   string
		taskID   string
		kind     string
		project  string
		params   string
		pollOnly bool
		interval time.Duration
		slow     time.Duration
	)

	var command = &cobra.Command{
		Use:   "watch",
		Short: "Create or follow a task and print its progress",
		Long: "Creates a task when --kind is given, otherwise follows --task. " +
			"Interrupting once cancels the task, twice exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (kind == "") == (taskID == "") {
				return errors.New("exactly one of --kind or --task is required")
			}
			var body any
			if params != "" {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(params), &raw); err != nil {
					return errors.New("--params must be a JSON object")
				}
				body = raw
			}

			ctl, err := progress.New(progress.Options{
				BaseURL:      server,
				UserID:       userID,
				PollInterval: interval,
				SlowAfter:    slow,
				DisablePush:  pollOnly,
				Logger:       log.Logger,
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ctl.Start(ctx)
			defer ctl.Close()

			done := make(chan progress.Snapshot, 1)
			obs := watchObserver(log.Logger, done)

			var sub *progress.Subscription
			if kind != "" {
				sub, err = ctl.Create(ctx, progress.CreateRequest{Kind: kind, ProjectID: project, Params: body}, obs)
			} else {
				sub, err = ctl.Watch(ctx, taskID, obs)
			}
			if err != nil {
				return err
			}
			defer sub.Close()
			log.Info().Str("task_id", sub.TaskID).Msg("watching task")

			sig := make(chan os.Signal, 2)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sig)

			interrupted := false
			for {
				select {
				case s := <-done:
					if s.Status != progress.StatusCompleted {
						return errors.New(s.Error)
					}
					return nil
				case <-sig:
					if interrupted {
						return errors.New("interrupted")
					}
					interrupted = true
					res, err := ctl.Cancel(context.WithoutCancel(ctx), sub.TaskID)
					if err != nil {
						return err
					}
					log.Warn().Str("status", string(res.Status)).Bool("cancel_requested", res.CancelRequested).Msg("cancel sent")
				}
			}
		},
	}

	command.Flags().StringVar(&server, "server", "http://localhost:8080", "API base URL")
	command.Flags().StringVarP(&userID, "user", "u", "", "User id sent as X-User-ID")
	command.Flags().StringVar(&taskID, "task", "", "Existing task to follow")
	command.Flags().StringVar(&kind, "kind", "", "Kind of task to create")
	command.Flags().StringVar(&project, "project", "", "Project id for a new task")
	command.Flags().StringVar(&params, "params", "", "Task parameters as JSON")
	command.Flags().BoolVar(&pollOnly, "poll-only", false, "Never open the WebSocket")
	command.Flags().DurationVar(&interval, "poll-interval", progress.DefaultPollInterval, "Polling interval")
	command.Flags().DurationVar(&slow, "slow-after", 0, "Warn once when a task runs longer than this")
	_ = command.MarkFlagRequired("user")

	return command
}

func watchObserver(logger zerolog.Logger, done chan<- progress.Snapshot) progress.Observer {
	return progress.ObserverFuncs{
		Progress: func(s progress.Snapshot) {
			logger.Info().
				Str("status", string(s.Status)).
				Int("progress", s.Progress).
				Str("step", s.CurrentStep).
				Int64("processed", s.ProcessedItems).
				Int64("total", s.TotalItems).
				Msg("progress")
		},
		Complete: func(s progress.Snapshot) {
			logger.Info().RawJSON("result", s.Result).Msg("task completed")
			done <- s
		},
		Error: func(s progress.Snapshot) {
			logger.Error().Str("status", string(s.Status)).Str("error", s.Error).Msg("task ended")
			done <- s
		},
		Notice: func(id string, n progress.Notice) {
			logger.Warn().Str("task_id", id).Str("notice", string(n)).Msg("notice")
		},
	}
}
