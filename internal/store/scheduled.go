package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

const scheduledColumns = `id,task_type,execute_at,data,user_id,company_id,status,result,error,started_at,completed_at,created_at`

// TaskPatch carries the optional columns written alongside a status transition.
type TaskPatch struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Result      map[string]any
	Error       string
}

func (s *SQLiteStore) InsertScheduledTask(ctx context.Context, t domain.ScheduledTask) error {
	data, err := encodeMap(t.Data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	if data == nil {
		data = "{}"
	}
	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id,task_type,execute_at,data,user_id,company_id,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, t.ID, string(t.TaskType), toMillis(t.ExecuteAt), data, t.UserID, t.CompanyID, string(domain.StatusScheduled), now, now)
	return err
}

// TransitionScheduledTask moves a task from one status to another. It reports
// false without error when the row is not currently in the from status.
func (s *SQLiteStore) TransitionScheduledTask(ctx context.Context, id string, from, to domain.TaskStatus, p TaskPatch) (bool, error) {
	result, err := encodeMap(p.Result)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET status = ?,
    started_at = COALESCE(?, started_at),
    completed_at = COALESCE(?, completed_at),
    result = COALESCE(?, result),
    error = COALESCE(?, error),
    updated_at = ?
WHERE id = ? AND status = ?`,
		string(to), nullMillis(p.StartedAt), nullMillis(p.CompletedAt), result, nullString(p.Error),
		toMillis(s.now()), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetScheduledTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNotFound
	}
	return t, err
}

// ListScheduledTasks returns the owner's tasks still waiting to run, soonest first.
func (s *SQLiteStore) ListScheduledTasks(ctx context.Context, userID, companyID string) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduledColumns+`
FROM scheduled_tasks
WHERE user_id = ? AND company_id = ? AND status = 'scheduled'
ORDER BY execute_at ASC`, userID, companyID)
	if err != nil {
		return nil, err
	}
	return collectScheduled(rows)
}

// ListPendingScheduledTasks returns every scheduled task due before the given time.
func (s *SQLiteStore) ListPendingScheduledTasks(ctx context.Context, before time.Time) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduledColumns+`
FROM scheduled_tasks
WHERE status = 'scheduled' AND execute_at <= ?
ORDER BY execute_at ASC`, toMillis(before))
	if err != nil {
		return nil, err
	}
	return collectScheduled(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScheduled(sc scanner) (domain.ScheduledTask, error) {
	var (
		t                      domain.ScheduledTask
		taskType, status       string
		executeAt, createdAt   int64
		data, result, errStr   sql.NullString
		startedAt, completedAt sql.NullInt64
	)
	if err := sc.Scan(&t.ID, &taskType, &executeAt, &data, &t.UserID, &t.CompanyID, &status, &result, &errStr, &startedAt, &completedAt, &createdAt); err != nil {
		return domain.ScheduledTask{}, err
	}
	t.TaskType = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.ExecuteAt = fromMillis(executeAt)
	t.CreatedAt = fromMillis(createdAt)
	t.Data = decodeMap(data)
	t.Result = decodeMap(result)
	t.Error = errStr.String
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return t, nil
}

func collectScheduled(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	defer rows.Close()
	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
