package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"leadflow/internal/alert"
	"leadflow/internal/domain"
	"leadflow/internal/metrics"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second

	// A company with this many failed tasks inside FailureWindow gets a system alert.
	FailureClusterThreshold = 3
	FailureWindow           = 30 * time.Minute

	DefaultWorkflow = "default-agent-workflow"
)

// workflows maps an agent task type to the remote workflow that serves it.
var workflows = map[string]string{
	"lead_analysis":      "lead-analysis-workflow",
	"lead_scoring":       "lead-scoring-workflow",
	"email_generation":   "email-generation-workflow",
	"follow_up":          "follow-up-workflow",
	"call_summary":       "call-summary-workflow",
	"objection_handling": "objection-handling-workflow",
	"content_generation": "content-generation-workflow",
	"meeting_prep":       "meeting-prep-workflow",
}

// WorkflowFor resolves the workflow id for a task type, falling back to
// DefaultWorkflow.
func WorkflowFor(taskType string) string {
	if id, ok := workflows[taskType]; ok {
		return id
	}
	return DefaultWorkflow
}

// Store persists agent tasks and per-agent health rows.
type Store interface {
	InsertAgentTask(ctx context.Context, t domain.AgentTask) error
	UpdateAgentTask(ctx context.Context, t domain.AgentTask) error
	CountFailedAgentTasks(ctx context.Context, companyID string, since time.Time) (int, error)
	UpsertAgentStatus(ctx context.Context, st domain.AgentHealthStatus) error
	IncrementAgentCounter(ctx context.Context, agentName string, field domain.CounterField) error
}

type Options struct {
	Client     Client
	Store      Store
	Notifier   alert.Notifier
	Metrics    *metrics.Metrics
	MaxRetries int
	RetryDelay time.Duration
	// Name is the agent row written by health checks.
	Name  string
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Service runs agent tasks against the remote API with bounded retries and
// tracks per-agent health.
type Service struct {
	client     Client
	store      Store
	notifier   alert.Notifier
	metrics    *metrics.Metrics
	maxRetries int
	retryDelay time.Duration
	name       string
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewService(opts Options) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Name == "" {
		opts.Name = "relevance_ai"
	}
	if opts.Notifier == nil {
		opts.Notifier = alert.Logger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Service{
		client:     opts.Client,
		store:      opts.Store,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		name:       opts.Name,
		now:        opts.Now,
		sleep:      opts.Sleep,
	}
}

// ExecuteAgentTask records a new task and runs it to a terminal state. The
// returned task is the final persisted record.
func (s *Service) ExecuteAgentTask(ctx context.Context, agentType, taskType string, input json.RawMessage, userID, companyID string) domain.AgentTask {
	t := domain.AgentTask{
		ID:           "agt_" + uuid.NewString(),
		CompanyID:    companyID,
		UserID:       userID,
		AgentType:    agentType,
		TaskType:     taskType,
		Status:       domain.AgentPending,
		InputPayload: input,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertAgentTask(ctx, t); err != nil {
		log.Error().Err(err).Str("agent_type", agentType).Msg("create agent task")
		done := s.now()
		t.Status = domain.AgentFailed
		t.ErrorMessage = fmt.Sprintf("create agent task: %v", err)
		t.CompletedAt = &done
		return t
	}
	return s.executeTaskWithRetry(ctx, t)
}

func (s *Service) executeTaskWithRetry(ctx context.Context, t domain.AgentTask) domain.AgentTask {
	logger := log.With().Str("agent_task_id", t.ID).Str("agent_type", t.AgentType).Str("task_type", t.TaskType).Logger()
	workflow := WorkflowFor(t.TaskType)

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		started := s.now()
		t.Status = domain.AgentInProgress
		t.RetryCount = attempt
		t.StartedAt = &started
		s.persist(ctx, t)

		resp, err := s.client.Invoke(ctx, ActionExecuteWorkflow, map[string]any{
			"workflow_id": workflow,
			"agent_type":  t.AgentType,
			"input":       t.InputPayload,
		})
		elapsed := s.now().Sub(started).Milliseconds()
		err = remoteError(resp, err, "agent reported failure")

		if err == nil {
			done := s.now()
			t.Status = domain.AgentCompleted
			t.OutputPayload = resp.Result
			t.ErrorMessage = ""
			t.ExecutionTimeMs = elapsed
			t.CompletedAt = &done
			s.persist(ctx, t)
			s.increment(ctx, t.AgentType, domain.CounterSuccess)
			s.metrics.AgentAttempt(t.AgentType, "success")
			logger.Info().Int("attempt", attempt).Int64("took_ms", elapsed).Msg("agent task completed")
			return t
		}

		s.metrics.AgentAttempt(t.AgentType, "error")
		logger.Warn().Err(err).Int("attempt", attempt).Msg("agent attempt failed")
		t.ErrorMessage = err.Error()
		t.ExecutionTimeMs = elapsed

		// a cancelled caller gets no further attempts
		if attempt == s.maxRetries || ctx.Err() != nil {
			return s.fail(ctx, t)
		}

		t.Status = domain.AgentRetrying
		s.persist(ctx, t)
		if err := s.sleep(ctx, s.retryDelay*time.Duration(attempt+1)); err != nil {
			t.ErrorMessage = fmt.Sprintf("retry aborted: %v", err)
			return s.fail(ctx, t)
		}
	}
	return t
}

func (s *Service) fail(ctx context.Context, t domain.AgentTask) domain.AgentTask {
	ctx = context.WithoutCancel(ctx)
	done := s.now()
	t.Status = domain.AgentFailed
	t.CompletedAt = &done
	s.persist(ctx, t)
	s.increment(ctx, t.AgentType, domain.CounterError)
	s.handleTaskFailure(ctx, t)
	return t
}

// handleTaskFailure alerts on the failed task, and raises a system alert when
// the company's failures cluster inside FailureWindow.
func (s *Service) handleTaskFailure(ctx context.Context, t domain.AgentTask) {
	s.notifier.Notify(ctx, alert.Error,
		fmt.Sprintf("AI agent task failed: %s", t.TaskType),
		fmt.Sprintf("%s gave up after %d attempts: %s", t.AgentType, t.RetryCount+1, t.ErrorMessage))
	s.metrics.Escalation("task")

	n, err := s.store.CountFailedAgentTasks(ctx, t.CompanyID, s.now().Add(-FailureWindow))
	if err != nil {
		log.Error().Err(err).Str("company_id", t.CompanyID).Msg("count recent agent failures")
		return
	}
	if n >= FailureClusterThreshold {
		s.notifier.Notify(ctx, alert.Critical,
			"AI agent system alert",
			fmt.Sprintf("%d agent tasks failed for company %s in the last %s", n, t.CompanyID, FailureWindow))
		s.metrics.Escalation("cluster")
	}
}

// PerformHealthCheck calls the agent API and records the outcome on the agent
// status row, whichever way it goes.
func (s *Service) PerformHealthCheck(ctx context.Context) (domain.AgentHealthStatus, error) {
	start := s.now()
	resp, err := s.client.Invoke(ctx, ActionListWorkflows, nil)
	latency := resp.LatencyMs
	if latency == 0 {
		latency = s.now().Sub(start).Milliseconds()
	}
	err = remoteError(resp, err, "health check reported failure")

	st := domain.AgentHealthStatus{AgentName: s.name, LastHealthCheck: s.now(), ResponseTimeMs: latency}
	field := domain.CounterSuccess
	if err != nil {
		st.Status = domain.AgentError
		st.Metadata = map[string]any{"error": err.Error()}
		field = domain.CounterError
	} else {
		st.Status = domain.AgentOnline
	}

	if werr := s.store.UpsertAgentStatus(ctx, st); werr != nil {
		return st, fmt.Errorf("upsert agent status: %w", werr)
	}
	s.increment(ctx, s.name, field)
	if err != nil {
		log.Warn().Err(err).Str("agent", s.name).Msg("agent health check failed")
	} else {
		log.Debug().Str("agent", s.name).Int64("latency_ms", latency).Msg("agent healthy")
	}
	return st, nil
}

type PingResult struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// PingTest makes one call and reports it without touching stored status.
func (s *Service) PingTest(ctx context.Context) PingResult {
	start := s.now()
	resp, err := s.client.Invoke(ctx, ActionListWorkflows, nil)
	latency := resp.LatencyMs
	if latency == 0 {
		latency = s.now().Sub(start).Milliseconds()
	}
	if err != nil {
		return PingResult{LatencyMs: latency, Error: err.Error()}
	}
	if !resp.Success {
		return PingResult{LatencyMs: latency, Error: resp.Error}
	}
	return PingResult{Success: true, LatencyMs: latency}
}

// HealthJob adapts PerformHealthCheck to a periodic job.
func (s *Service) HealthJob(ctx context.Context) error {
	_, err := s.PerformHealthCheck(ctx)
	return err
}

func (s *Service) persist(ctx context.Context, t domain.AgentTask) {
	if err := s.store.UpdateAgentTask(ctx, t); err != nil {
		log.Error().Err(err).Str("agent_task_id", t.ID).Str("status", string(t.Status)).Msg("persist agent task")
	}
}

func (s *Service) increment(ctx context.Context, agentName string, field domain.CounterField) {
	if err := s.store.IncrementAgentCounter(ctx, agentName, field); err != nil {
		log.Error().Err(err).Str("agent", agentName).Str("counter", string(field)).Msg("increment agent counter")
	}
}

// remoteError folds an unsuccessful response into an error.
func remoteError(resp Response, err error, fallback string) error {
	if err != nil || resp.Success {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return errors.New(fallback)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
