package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

const agentTaskColumns = `id,company_id,user_id,agent_type,task_type,status,input_payload,output_payload,error_message,retry_count,execution_time_ms,started_at,completed_at,created_at`

func (s *SQLiteStore) InsertAgentTask(ctx context.Context, t domain.AgentTask) error {
	now := toMillis(s.now())
	created := now
	if !t.CreatedAt.IsZero() {
		created = toMillis(t.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ai_agent_tasks (id,company_id,user_id,agent_type,task_type,status,input_payload,retry_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.CompanyID, t.UserID, t.AgentType, t.TaskType, string(t.Status), nullRaw(t.InputPayload), t.RetryCount, created, now)
	return err
}

// UpdateAgentTask overwrites the mutable columns of an agent task.
func (s *SQLiteStore) UpdateAgentTask(ctx context.Context, t domain.AgentTask) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE ai_agent_tasks
SET status = ?, output_payload = ?, error_message = ?, retry_count = ?, execution_time_ms = ?,
    started_at = ?, completed_at = ?, updated_at = ?
WHERE id = ?`,
		string(t.Status), nullRaw(t.OutputPayload), nullString(t.ErrorMessage), t.RetryCount, t.ExecutionTimeMs,
		nullMillis(t.StartedAt), nullMillis(t.CompletedAt), toMillis(s.now()), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAgentTask(ctx context.Context, id string) (domain.AgentTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentTaskColumns+` FROM ai_agent_tasks WHERE id=?`, id)
	var (
		t                      domain.AgentTask
		status                 string
		input, output, errMsg  sql.NullString
		startedAt, completedAt sql.NullInt64
		createdAt              int64
	)
	err := row.Scan(&t.ID, &t.CompanyID, &t.UserID, &t.AgentType, &t.TaskType, &status, &input, &output, &errMsg,
		&t.RetryCount, &t.ExecutionTimeMs, &startedAt, &completedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentTask{}, ErrNotFound
	}
	if err != nil {
		return domain.AgentTask{}, err
	}
	t.Status = domain.AgentTaskStatus(status)
	t.InputPayload = rawJSON(input)
	t.OutputPayload = rawJSON(output)
	t.ErrorMessage = errMsg.String
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

// CountFailedAgentTasks counts the company's tasks that failed at or after since.
func (s *SQLiteStore) CountFailedAgentTasks(ctx context.Context, companyID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM ai_agent_tasks
WHERE company_id = ? AND status = 'failed' AND completed_at >= ?`, companyID, toMillis(since)).Scan(&n)
	return n, err
}

// UpsertAgentStatus writes the health fields of an agent row, leaving its counters alone.
func (s *SQLiteStore) UpsertAgentStatus(ctx context.Context, st domain.AgentHealthStatus) error {
	meta, err := encodeMap(st.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	checked := st.LastHealthCheck
	if checked.IsZero() {
		checked = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ai_agent_status (agent_name,status,last_health_check,response_time_ms,metadata)
VALUES (?,?,?,?,?)
ON CONFLICT(agent_name) DO UPDATE SET
  status = excluded.status,
  last_health_check = excluded.last_health_check,
  response_time_ms = excluded.response_time_ms,
  metadata = excluded.metadata`,
		st.AgentName, string(st.Status), toMillis(checked), st.ResponseTimeMs, meta)
	return err
}

// IncrementAgentCounter bumps one counter in a single statement so concurrent
// completions never lose an increment.
func (s *SQLiteStore) IncrementAgentCounter(ctx context.Context, agentName string, field domain.CounterField) error {
	var query string
	switch field {
	case domain.CounterSuccess:
		query = `
INSERT INTO ai_agent_status (agent_name,status,last_health_check,success_count)
VALUES (?, 'online', ?, 1)
ON CONFLICT(agent_name) DO UPDATE SET success_count = success_count + 1`
	case domain.CounterError:
		query = `
INSERT INTO ai_agent_status (agent_name,status,last_health_check,error_count)
VALUES (?, 'error', ?, 1)
ON CONFLICT(agent_name) DO UPDATE SET error_count = error_count + 1`
	default:
		return fmt.Errorf("unknown counter %q", field)
	}
	_, err := s.db.ExecContext(ctx, query, agentName, toMillis(s.now()))
	return err
}

func (s *SQLiteStore) GetAgentStatus(ctx context.Context, agentName string) (domain.AgentHealthStatus, error) {
	var (
		st      domain.AgentHealthStatus
		status  string
		checked int64
		meta    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT agent_name,status,last_health_check,response_time_ms,error_count,success_count,metadata
FROM ai_agent_status WHERE agent_name=?`, agentName).
		Scan(&st.AgentName, &status, &checked, &st.ResponseTimeMs, &st.ErrorCount, &st.SuccessCount, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentHealthStatus{}, ErrNotFound
	}
	if err != nil {
		return domain.AgentHealthStatus{}, err
	}
	st.Status = domain.AgentState(status)
	st.LastHealthCheck = fromMillis(checked)
	st.Metadata = decodeMap(meta)
	return st, nil
}
