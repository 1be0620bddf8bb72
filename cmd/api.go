package cmd

import (
	"bulkops/internal/api"
	"bulkops/internal/config"
	"bulkops/internal/infra/archive"
	"bulkops/internal/infra/redisq"
	"bulkops/internal/usecase"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}
			log.Info().Msgf("API server using stream: %s, group: %s", cfg.Redis.StreamKey, cfg.Redis.Group)

			cli := redisq.New(cfg.Redis, cfg.Task.RecordTTL)
			defer cli.Close()
			if err := cli.Init(cmd.Context()); err != nil {
				return err
			}

			svc := &usecase.TaskService{
				Store: cli,
				Enq:   usecase.Enqueuer{Store: cli, Q: cli},
				Bus:   cli,
			}
			if cfg.Archive.DSN != "" {
				store, err := archive.Open(cfg.Archive.DSN)
				if err != nil {
					return err
				}
				defer store.Close()
				svc.Archive = store
			}

			api.NewServer(svc, cli, cfg.HTTP).Run(cfg.HTTP.Port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
