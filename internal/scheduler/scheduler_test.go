package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/domain"
	"leadflow/internal/messaging"
	"leadflow/internal/store"
	"leadflow/internal/worker"
)

type fakeSender struct {
	mu     sync.Mutex
	emails []messaging.Email
	texts  []messaging.SMS
	err    error
}

func (f *fakeSender) SendEmail(ctx context.Context, e messaging.Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.emails = append(f.emails, e)
	return "em_1", nil
}

func (f *fakeSender) SendSMS(ctx context.Context, m messaging.SMS) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.texts = append(f.texts, m)
	return "sm_1", nil
}

func (f *fakeSender) sent() ([]messaging.Email, []messaging.SMS) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.Email(nil), f.emails...), append([]messaging.SMS(nil), f.texts...)
}

// recordingStore remembers every successful status transition.
type recordingStore struct {
	*store.SQLiteStore
	mu          sync.Mutex
	transitions map[string][]domain.TaskStatus
	insertErr   error
}

func (r *recordingStore) InsertScheduledTask(ctx context.Context, t domain.ScheduledTask) error {
	if r.insertErr != nil {
		return r.insertErr
	}
	if err := r.SQLiteStore.InsertScheduledTask(ctx, t); err != nil {
		return err
	}
	r.record(t.ID, domain.StatusScheduled)
	return nil
}

func (r *recordingStore) TransitionScheduledTask(ctx context.Context, id string, from, to domain.TaskStatus, p store.TaskPatch) (bool, error) {
	ok, err := r.SQLiteStore.TransitionScheduledTask(ctx, id, from, to, p)
	if ok {
		r.record(id, to)
	}
	return ok, err
}

func (r *recordingStore) record(id string, s domain.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[id] = append(r.transitions[id], s)
}

func (r *recordingStore) path(id string) []domain.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskStatus(nil), r.transitions[id]...)
}

type fixture struct {
	sched  *Scheduler
	store  *recordingStore
	sender *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := &recordingStore{SQLiteStore: store.New(db), transitions: map[string][]domain.TaskStatus{}}
	sender := &fakeSender{}
	s := New(Options{Store: st, CRM: st.SQLiteStore, Email: sender, SMS: sender, Pool: worker.NewPool(4)})
	t.Cleanup(s.Close)
	return &fixture{sched: s, store: st, sender: sender}
}

func (f *fixture) addLead(t *testing.T, l domain.Lead) {
	t.Helper()
	require.NoError(t, f.store.InsertLead(context.Background(), l))
}

func (f *fixture) waitStatus(t *testing.T, id string, want domain.TaskStatus) domain.ScheduledTask {
	t.Helper()
	var task domain.ScheduledTask
	require.Eventually(t, func() bool {
		got, err := f.store.GetScheduledTask(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return task
}

func (f *fixture) waitPath(t *testing.T, id string, want ...domain.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.store.path(id)) >= len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, f.store.path(id))
}

func TestEveryTaskTypeHasExecutor(t *testing.T) {
	f := newFixture(t)
	for _, tt := range domain.AllTaskTypes {
		_, ok := f.sched.executors[tt]
		assert.True(t, ok, "no executor for %s", tt)
	}
	assert.Len(t, f.sched.executors, len(domain.AllTaskTypes))
}

func TestSMSFollowupScenario(t *testing.T) {
	f := newFixture(t)
	f.addLead(t, domain.Lead{ID: "L1", CompanyID: "C1", Name: "Ann", Phone: "+155500"})

	id, err := f.sched.ScheduleTask(context.Background(), domain.TaskSMSFollowup, 0,
		map[string]any{"leadId": "L1", "message": "Hi {{name}}"}, "U1", "C1")
	require.NoError(t, err)

	task := f.waitStatus(t, id, domain.StatusCompleted)
	assert.Equal(t, "sm_1", task.Result["messageId"])
	assert.Equal(t, true, task.Result["success"])
	require.NotNil(t, task.CompletedAt)

	_, texts := f.sender.sent()
	require.Len(t, texts, 1)
	assert.Equal(t, "Hi Ann", texts[0].Message)
	assert.Equal(t, "+155500", texts[0].To)

	f.waitPath(t, id, domain.StatusScheduled, domain.StatusExecuting, domain.StatusCompleted)
	assert.Equal(t, 0, f.sched.Armed())
}

func TestScheduleTaskPersistFailureArmsNothing(t *testing.T) {
	f := newFixture(t)
	f.store.insertErr = errors.New("disk full")

	_, err := f.sched.ScheduleTask(context.Background(), domain.TaskSMSFollowup, 0, nil, "U1", "C1")
	require.Error(t, err)
	assert.Equal(t, 0, f.sched.Armed())
}

func TestScheduleTaskRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.ScheduleTask(context.Background(), domain.TaskType("fax_followup"), 0, nil, "U1", "C1")
	assert.ErrorIs(t, err, domain.ErrUnknownTaskType)
}

func TestFailedExecutorMarksTaskFailed(t *testing.T) {
	f := newFixture(t)
	id, err := f.sched.ScheduleTask(context.Background(), domain.TaskLeadFollowup, 0, map[string]any{"leadId": "missing"}, "U1", "C1")
	require.NoError(t, err)

	task := f.waitStatus(t, id, domain.StatusFailed)
	assert.Equal(t, "Lead not found", task.Error)
	f.waitPath(t, id, domain.StatusScheduled, domain.StatusExecuting, domain.StatusFailed)
}

func TestMessagingErrorMarksTaskFailed(t *testing.T) {
	f := newFixture(t)
	f.addLead(t, domain.Lead{ID: "L1", CompanyID: "C1", Name: "Ann", Email: "ann@example.com"})
	f.sender.err = errors.New("smtp unavailable")

	id, err := f.sched.ScheduleTask(context.Background(), domain.TaskRetargetingEmail, 0, map[string]any{"leadId": "L1"}, "U1", "C1")
	require.NoError(t, err)
	task := f.waitStatus(t, id, domain.StatusFailed)
	assert.Equal(t, "smtp unavailable", task.Error)
}

func TestExecuteTaskUnknownTypeFailsOnlyThatTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SQLiteStore.InsertScheduledTask(ctx, domain.ScheduledTask{
		ID: "tsk_bad", TaskType: "fax_followup", ExecuteAt: time.Now().Add(time.Hour), UserID: "U1", CompanyID: "C1",
	}))

	res := f.sched.ExecuteTask(ctx, "tsk_bad", "fax_followup", nil, "U1", "C1")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown task type")

	got, err := f.store.GetScheduledTask(ctx, "tsk_bad")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestExecuteTaskSkipsTaskNotScheduled(t *testing.T) {
	f := newFixture(t)
	res := f.sched.ExecuteTask(context.Background(), "tsk_none", domain.TaskSMSFollowup, nil, "U1", "C1")
	assert.False(t, res.Success)
	_, texts := f.sender.sent()
	assert.Empty(t, texts)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.sched.ScheduleTask(ctx, domain.TaskSMSFollowup, time.Hour, map[string]any{"leadId": "L1"}, "U1", "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.sched.Armed())

	assert.True(t, f.sched.CancelTask(ctx, id))
	assert.Equal(t, 0, f.sched.Armed())

	got, err := f.store.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	// cancelling again is a no-op
	assert.False(t, f.sched.CancelTask(ctx, id))
	assert.Equal(t, []domain.TaskStatus{domain.StatusScheduled, domain.StatusCancelled}, f.store.path(id))
}

func TestCancelAfterCompletionReturnsFalse(t *testing.T) {
	f := newFixture(t)
	f.addLead(t, domain.Lead{ID: "L1", CompanyID: "C1", Name: "Ann", Phone: "+1"})
	ctx := context.Background()

	id, err := f.sched.ScheduleTask(ctx, domain.TaskSMSFollowup, 0, map[string]any{"leadId": "L1"}, "U1", "C1")
	require.NoError(t, err)
	f.waitStatus(t, id, domain.StatusCompleted)

	assert.False(t, f.sched.CancelTask(ctx, id))
	got, err := f.store.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.sched.CancelTask(context.Background(), "tsk_elsewhere"))
}

func TestGetScheduledTasksReadsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	late, err := f.sched.ScheduleTask(ctx, domain.TaskSalesCall, 2*time.Hour, nil, "U1", "C1")
	require.NoError(t, err)
	early, err := f.sched.ScheduleTask(ctx, domain.TaskSalesCall, time.Hour, nil, "U1", "C1")
	require.NoError(t, err)
	_, err = f.sched.ScheduleTask(ctx, domain.TaskSalesCall, time.Hour, nil, "U2", "C1")
	require.NoError(t, err)

	tasks, err := f.sched.GetScheduledTasks(ctx, "U1", "C1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, early, tasks[0].ID)
	assert.Equal(t, late, tasks[1].ID)
}

func TestRecoverArmsOverdueTasks(t *testing.T) {
	f := newFixture(t)
	f.addLead(t, domain.Lead{ID: "L1", CompanyID: "C1", Name: "Ann", Phone: "+1"})
	ctx := context.Background()

	// persisted by an instance that died before firing
	require.NoError(t, f.store.SQLiteStore.InsertScheduledTask(ctx, domain.ScheduledTask{
		ID: "tsk_orphan", TaskType: domain.TaskSMSFollowup, ExecuteAt: time.Now().Add(-time.Minute),
		Data: map[string]any{"leadId": "L1"}, UserID: "U1", CompanyID: "C1",
	}))
	require.NoError(t, f.store.SQLiteStore.InsertScheduledTask(ctx, domain.ScheduledTask{
		ID: "tsk_far", TaskType: domain.TaskSMSFollowup, ExecuteAt: time.Now().Add(48 * time.Hour),
		Data: map[string]any{"leadId": "L1"}, UserID: "U1", CompanyID: "C1",
	}))

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitStatus(t, "tsk_orphan", domain.StatusCompleted)

	got, err := f.store.GetScheduledTask(ctx, "tsk_far")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
}

func TestRecoverSkipsArmedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.ScheduleTask(ctx, domain.TaskSalesCall, time.Minute, nil, "U1", "C1")
	require.NoError(t, err)

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.sched.Armed())
}

func TestCloseLeavesTasksScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.sched.ScheduleTask(ctx, domain.TaskSalesCall, time.Hour, nil, "U1", "C1")
	require.NoError(t, err)

	f.sched.Close()
	assert.Equal(t, 0, f.sched.Armed())
	got, err := f.store.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
}

// gatedSender holds every SMS until release is closed.
type gatedSender struct {
	fakeSender
	entered chan string
	release chan struct{}
}

func (g *gatedSender) SendSMS(ctx context.Context, m messaging.SMS) (string, error) {
	g.entered <- m.Message
	<-g.release
	return g.fakeSender.SendSMS(ctx, m)
}

func TestRecoverSkipsTasksWaitingForWorker(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := &recordingStore{SQLiteStore: store.New(db), transitions: map[string][]domain.TaskStatus{}}
	sender := &gatedSender{entered: make(chan string, 4), release: make(chan struct{})}
	s := New(Options{Store: st, CRM: st.SQLiteStore, Email: sender, SMS: sender, Pool: worker.NewPool(1)})
	t.Cleanup(s.Close)

	ctx := context.Background()
	require.NoError(t, st.InsertLead(ctx, domain.Lead{ID: "L1", CompanyID: "C1", Name: "Ann", Phone: "+1"}))
	send := func(msg string) string {
		id, err := s.ScheduleTask(ctx, domain.TaskSMSFollowup, 0, map[string]any{"leadId": "L1", "message": msg}, "U1", "C1")
		require.NoError(t, err)
		return id
	}

	first := send("one")
	select {
	case <-sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never reached the sender")
	}
	second := send("two")
	require.Eventually(t, func() bool { return s.Armed() == 0 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		n, err := s.Recover(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "a fired task waiting for a worker must not be armed again")
	}
	assert.Zero(t, s.Armed())

	close(sender.release)
	f := &fixture{sched: s, store: st}
	f.waitStatus(t, first, domain.StatusCompleted)
	f.waitStatus(t, second, domain.StatusCompleted)
	f.waitPath(t, second, domain.StatusScheduled, domain.StatusExecuting, domain.StatusCompleted)

	_, texts := sender.sent()
	require.Len(t, texts, 2)

	n, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseWaitsForRunningTask(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db)
	sender := &gatedSender{entered: make(chan string, 2), release: make(chan struct{})}
	s := New(Options{Store: st, CRM: st, Email: sender, SMS: sender, Pool: worker.NewPool(1)})

	ctx := context.Background()
	require.NoError(t, st.InsertLead(ctx, domain.Lead{ID: "L1", CompanyID: "C1", Name: "Ann", Phone: "+1"}))
	id, err := s.ScheduleTask(ctx, domain.TaskSMSFollowup, 0, map[string]any{"leadId": "L1", "message": "hi"}, "U1", "C1")
	require.NoError(t, err)
	select {
	case <-sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("task never reached the sender")
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a task was still sending")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the task finished")
	}
	got, err := st.GetScheduledTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}
