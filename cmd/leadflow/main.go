package main

import (
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"leadflow/internal/agent"
	"leadflow/internal/alert"
	"leadflow/internal/config"
	"leadflow/internal/flows"
	"leadflow/internal/messaging"
	"leadflow/internal/metrics"
	"leadflow/internal/scheduler"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "leadflow",
		Short:         "Deferred CRM tasks, AI agent calls and automation flow triggers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (YAML)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg.Log)
		return cfg, nil
	}
	root.AddCommand(newServeCommand(load), newScheduleCommand(), newCancelCommand(), newPingCommand(load))
	return root
}

func setupLogging(c config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// app is the wired core shared by the commands that run it in-process.
type app struct {
	db        *sql.DB
	store     *store.SQLiteStore
	metrics   *metrics.Metrics
	scheduler *scheduler.Scheduler
	agents    *agent.Service
	flows     *flows.Evaluator
}

func build(cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	m := metrics.New()

	var email messaging.EmailSender = messaging.DryRun{}
	var sms messaging.SMSSender = messaging.DryRun{}
	if !cfg.Messaging.DryRun {
		p := &messaging.Provider{
			EmailURL: cfg.Messaging.EmailURL,
			SMSURL:   cfg.Messaging.SMSURL,
			APIKey:   cfg.Messaging.APIKey,
			Client:   &http.Client{Timeout: cfg.Messaging.Timeout},
		}
		email, sms = p, p
	}

	var notifier alert.Notifier = alert.Logger{}
	if cfg.Alert.WebhookURL != "" {
		notifier = alert.Multi{alert.Logger{}, &alert.Webhook{URL: cfg.Alert.WebhookURL}}
	}

	return &app{
		db:      db,
		store:   st,
		metrics: m,
		scheduler: scheduler.New(scheduler.Options{
			Store:   st,
			CRM:     st,
			Email:   email,
			SMS:     sms,
			Pool:    worker.NewPool(cfg.Scheduler.Workers),
			Metrics: m,
			Horizon: cfg.Scheduler.SweepHorizon,
		}),
		agents: agent.NewService(agent.Options{
			Client:     agentClient(cfg.Agent),
			Store:      st,
			Notifier:   notifier,
			Metrics:    m,
			MaxRetries: cfg.Agent.MaxRetries,
			RetryDelay: cfg.Agent.RetryDelay,
			Name:       cfg.Agent.Name,
		}),
		flows: flows.NewEvaluator(st, m),
	}, nil
}

func agentClient(c config.AgentConfig) *agent.HTTPClient {
	return &agent.HTTPClient{URL: c.BaseURL, APIKey: c.APIKey, Project: c.Project}
}

func (a *app) Close() {
	a.scheduler.Close()
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("close db")
	}
}
