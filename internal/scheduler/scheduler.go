package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
	"leadflow/internal/messaging"
	"leadflow/internal/metrics"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

// Store is the durable side of the scheduler: the source of truth for every
// task it has ever accepted.
type Store interface {
	InsertScheduledTask(ctx context.Context, t domain.ScheduledTask) error
	TransitionScheduledTask(ctx context.Context, id string, from, to domain.TaskStatus, p store.TaskPatch) (bool, error)
	ListScheduledTasks(ctx context.Context, userID, companyID string) ([]domain.ScheduledTask, error)
	ListPendingScheduledTasks(ctx context.Context, before time.Time) ([]domain.ScheduledTask, error)
}

type Options struct {
	Store   Store
	CRM     CRM
	Email   messaging.EmailSender
	SMS     messaging.SMSSender
	Pool    *worker.Pool
	Metrics *metrics.Metrics
	// Horizon bounds how far ahead Recover arms persisted tasks.
	Horizon time.Duration
	Now     func() time.Time
}

// armed is a registry entry: the transient execution handle of a durable task.
type armed struct {
	timer     *time.Timer
	taskType  domain.TaskType
	executeAt time.Time
	data      map[string]any
	userID    string
	companyID string
}

// Scheduler persists deferred tasks and runs them from in-process timers.
// The timer registry belongs to this instance only; the store is shared.
type Scheduler struct {
	store     Store
	pool      *worker.Pool
	metrics   *metrics.Metrics
	executors map[domain.TaskType]Executor
	horizon   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	registry map[string]*armed
	// fired holds tasks whose timer went off but whose execution has not
	// finished; their rows may still read scheduled while they wait for a worker.
	fired    map[string]struct{}
	closed   bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Pool == nil {
		opts.Pool = worker.NewPool(8)
	}
	if opts.Horizon <= 0 {
		opts.Horizon = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    opts.Store,
		pool:     opts.Pool,
		metrics:  opts.Metrics,
		horizon:  opts.Horizon,
		now:      opts.Now,
		registry: make(map[string]*armed),
		fired:    make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	ex := &executors{crm: opts.CRM, email: opts.Email, sms: opts.SMS, schedule: s.ScheduleTask, now: opts.Now}
	s.executors = ex.table()
	return s
}

// ScheduleTask persists a task and arms a timer that runs it after delay.
// Nothing is armed when persistence fails.
func (s *Scheduler) ScheduleTask(ctx context.Context, taskType domain.TaskType, delay time.Duration, data map[string]any, userID, companyID string) (string, error) {
	if _, ok := s.executors[taskType]; !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, taskType)
	}
	if delay < 0 {
		delay = 0
	}
	if data == nil {
		data = map[string]any{}
	}
	t := domain.ScheduledTask{
		ID:        "tsk_" + uuid.NewString(),
		TaskType:  taskType,
		ExecuteAt: s.now().Add(delay),
		Data:      data,
		UserID:    userID,
		CompanyID: companyID,
		Status:    domain.StatusScheduled,
	}
	if err := s.store.InsertScheduledTask(ctx, t); err != nil {
		return "", fmt.Errorf("persist scheduled task: %w", err)
	}
	s.arm(t)

	log.Info().
		Str("task_id", t.ID).
		Str("task_type", string(taskType)).
		Time("execute_at", t.ExecuteAt).
		Msg("task scheduled")
	return t.ID, nil
}

// ExecuteTask runs a scheduled task to a terminal state. It never fails to its
// caller: every problem ends up as a failed result and a failed row.
func (s *Scheduler) ExecuteTask(ctx context.Context, id string, taskType domain.TaskType, data map[string]any, userID, companyID string) domain.Result {
	defer s.forget(id)
	logger := log.With().Str("task_id", id).Str("task_type", string(taskType)).Logger()

	started := s.now()
	ok, err := s.store.TransitionScheduledTask(ctx, id, domain.StatusScheduled, domain.StatusExecuting, store.TaskPatch{StartedAt: &started})
	if err != nil {
		logger.Error().Err(err).Msg("mark task executing")
		return domain.Failed("mark task executing: %v", err)
	}
	if !ok {
		logger.Warn().Msg("task is no longer scheduled, skipping")
		return domain.Failed("task %s is not scheduled", id)
	}

	res := s.dispatch(ctx, taskType, data, userID, companyID)

	status := domain.StatusCompleted
	if !res.Success {
		status = domain.StatusFailed
	}
	done := s.now()
	patch := store.TaskPatch{CompletedAt: &done, Result: res.Fields(), Error: res.Error}
	if _, err := s.store.TransitionScheduledTask(context.WithoutCancel(ctx), id, domain.StatusExecuting, status, patch); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("persist task result")
	}
	s.metrics.TaskExecuted(string(taskType), string(status))

	if res.Success {
		logger.Info().Dur("took", done.Sub(started)).Msg("task completed")
	} else {
		logger.Warn().Str("error", res.Error).Msg("task failed")
	}
	return res
}

func (s *Scheduler) dispatch(ctx context.Context, taskType domain.TaskType, data map[string]any, userID, companyID string) (res domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.Failed("executor panic: %v", r)
		}
	}()
	exec, ok := s.executors[taskType]
	if !ok {
		return domain.Failed("%v: %q", domain.ErrUnknownTaskType, taskType)
	}
	return exec(ctx, data, userID, companyID)
}

// CancelTask cancels a task armed in this process. It returns false for tasks
// this instance does not hold, including ones that already fired.
func (s *Scheduler) CancelTask(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.registry[id]
	if ok {
		e.timer.Stop()
		delete(s.registry, id)
	}
	n := len(s.registry)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.metrics.SetArmed(n)

	done := s.now()
	moved, err := s.store.TransitionScheduledTask(ctx, id, domain.StatusScheduled, domain.StatusCancelled, store.TaskPatch{CompletedAt: &done})
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("persist cancellation, re-arming")
		s.arm(domain.ScheduledTask{
			ID: id, TaskType: e.taskType, ExecuteAt: e.executeAt, Data: e.data, UserID: e.userID, CompanyID: e.companyID,
		})
		return false
	}
	if !moved {
		// another instance already claimed the row
		return false
	}
	log.Info().Str("task_id", id).Msg("task cancelled")
	return true
}

// GetScheduledTasks lists the owner's persisted tasks still waiting to run.
func (s *Scheduler) GetScheduledTasks(ctx context.Context, userID, companyID string) ([]domain.ScheduledTask, error) {
	return s.store.ListScheduledTasks(ctx, userID, companyID)
}

// Recover arms every persisted scheduled task due within the horizon that this
// instance is not already holding. Overdue tasks fire immediately.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	tasks, err := s.store.ListPendingScheduledTasks(ctx, s.now().Add(s.horizon))
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if s.arm(t) {
			n++
		}
	}
	if n > 0 {
		log.Info().Int("armed", n).Msg("recovered scheduled tasks")
	}
	return n, nil
}

// Armed reports how many timers this instance currently holds.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// Close stops every armed timer and waits for running tasks. Stopped tasks stay
// scheduled in the store for the next Recover.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.registry {
		e.timer.Stop()
		delete(s.registry, id)
	}
	s.mu.Unlock()
	s.metrics.SetArmed(0)
	s.inflight.Wait()
	s.cancel()
}

func (s *Scheduler) arm(t domain.ScheduledTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, exists := s.registry[t.ID]; exists {
		return false
	}
	if _, running := s.fired[t.ID]; running {
		return false
	}
	delay := t.ExecuteAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	id := t.ID
	s.registry[id] = &armed{
		timer:     time.AfterFunc(delay, func() { s.fire(id) }),
		taskType:  t.TaskType,
		executeAt: t.ExecuteAt,
		data:      t.Data,
		userID:    t.UserID,
		companyID: t.CompanyID,
	}
	s.metrics.SetArmed(len(s.registry))
	return true
}

// fire claims the registry entry so a concurrent CancelTask sees the task as
// already fired, then runs it on the pool.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.registry, id)
	s.fired[id] = struct{}{}
	s.inflight.Add(1)
	n := len(s.registry)
	s.mu.Unlock()
	s.metrics.SetArmed(n)

	started := s.pool.Go(s.ctx, id, func(ctx context.Context) {
		defer s.inflight.Done()
		s.ExecuteTask(ctx, id, e.taskType, e.data, e.userID, e.companyID)
	})
	if !started {
		s.forget(id)
		s.inflight.Done()
	}
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fired, id)
	if e, ok := s.registry[id]; ok {
		e.timer.Stop()
		delete(s.registry, id)
		s.metrics.SetArmed(len(s.registry))
	}
}
