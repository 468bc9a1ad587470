package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"leadflow/internal/api"
	"leadflow/internal/config"
	"leadflow/internal/scheduler"
)

func newServeCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, task timers and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.scheduler.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("recover scheduled tasks")
	} else {
		log.Info().Int("armed", n).Msg("recovered scheduled tasks")
	}

	jobs := scheduler.NewService()
	if spec := cfg.Scheduler.SweepCron; spec != "" {
		if err := jobs.Add(ctx, "recovery_sweep", spec, scheduler.SweepJob(a.scheduler)); err != nil {
			return err
		}
	}
	if spec := cfg.Agent.HealthCron; spec != "" && cfg.Agent.BaseURL != "" {
		if err := jobs.Add(ctx, "agent_health", spec, a.agents.HealthJob); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(api.Deps{
			Scheduler:  a.scheduler,
			Agents:     a.agents,
			AgentTasks: a.store,
			Flows:      a.flows,
			Metrics:    a.metrics,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs.Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
