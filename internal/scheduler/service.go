package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Service runs periodic maintenance jobs such as the recovery sweep and agent
// health checks on cron specs.
type Service struct {
	cron *cron.Cron
}

func NewService() *Service {
	logger := cronLogger{}
	return &Service{
		cron: cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}
}

// Add registers fn under name to run on spec. The job receives ctx from Start.
func (s *Service) Add(ctx context.Context, name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("job", name).Msg("periodic job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	log.Info().Str("job", name).Str("spec", spec).Msg("periodic job registered")
	return nil
}

// Start runs the registered jobs until ctx is done, then waits for running
// jobs to return.
func (s *Service) Start(ctx context.Context) {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("maintenance service started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// SweepJob adapts Recover to a periodic job.
func SweepJob(s *Scheduler) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.Recover(ctx)
		return err
	}
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
