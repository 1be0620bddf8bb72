// internal/worker/server.go
package worker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bulkops/internal/config"
	"bulkops/internal/infra/archive"
	"bulkops/internal/infra/redisq"
	"bulkops/internal/operations"
	"bulkops/internal/usecase"

	"github.com/rs/zerolog/log"
)

type Config struct {
	ConsumerName string
	// Concurrency overrides Worker_Concurrency when positive.
	Concurrency int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func Run(cfg Config) error {
	appCfg := config.Load()
	cli := redisq.New(appCfg.Redis, appCfg.Task.RecordTTL)
	defer cli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Init(ctx); err != nil {
		return err
	}

	consumer := usecase.Consumer{
		Q:            cli,
		Store:        cli,
		Bus:          cli,
		ConsumerName: cfg.ConsumerName,
		Concurrency:  appCfg.Worker.Concurrency,
		CancelPoll:   appCfg.Worker.CancelPoll,
		BaseBackoff:  cfg.BaseBackoff,
		MaxBackoff:   cfg.MaxBackoff,
		ReclaimIdle:  appCfg.Worker.StaleAfter,
	}
	if cfg.Concurrency > 0 {
		consumer.Concurrency = cfg.Concurrency
	}
	reaper := &usecase.Reaper{Store: cli, Bus: cli, StaleAfter: appCfg.Worker.StaleAfter}

	if appCfg.Archive.DSN != "" {
		store, err := archive.Open(appCfg.Archive.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		consumer.Archive = store
		reaper.Archive = store
	}

	ops := operations.NewRegistry(cli, operations.Config{
		ExportDir: appCfg.Worker.ExportDir,
		ImportDir: appCfg.Worker.ImportDir,
	}, nil)

	// Run reaper
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reaper.Run(ctx, appCfg.Worker.ReaperSpec); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("reaper stopped with error")
		}
	}()

	log.Info().
		Str("consumer", consumer.ConsumerName).
		Int("concurrency", consumer.Concurrency).
		Msg("worker started")

	err := consumer.Run(ctx, ops.Handle)
	wg.Wait()
	if ctx.Err() != nil {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}
