package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"leadflow/internal/domain"
)

// AppendBrainLog writes one row of the typed append log and returns its id.
func (s *SQLiteStore) AppendBrainLog(ctx context.Context, logType, companyID string, payload []byte) (string, error) {
	id := "log_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ai_brain_logs (id,type,company_id,payload,created_at) VALUES (?,?,?,?,?)`,
		id, logType, companyID, string(payload), toMillis(s.now()))
	return id, err
}

func (s *SQLiteStore) ListBrainLogs(ctx context.Context, logType string) ([]domain.BrainLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,type,company_id,payload,created_at FROM ai_brain_logs WHERE type=? ORDER BY created_at ASC, rowid ASC`, logType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.BrainLog
	for rows.Next() {
		var (
			l       domain.BrainLog
			payload string
			created int64
		)
		if err := rows.Scan(&l.ID, &l.Type, &l.CompanyID, &payload, &created); err != nil {
			return nil, err
		}
		l.Payload = []byte(payload)
		l.CreatedAt = fromMillis(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) InsertLead(ctx context.Context, l domain.Lead) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO leads (id,company_id,name,email,phone,company,heat_score,email_opens,email_clicks,replies,calls,last_activity_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.CompanyID, l.Name, l.Email, l.Phone, l.Company, l.HeatScore, l.EmailOpens, l.EmailClicks,
		l.Replies, l.Calls, nullMillis(l.LastActivityAt), toMillis(s.now()))
	return err
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	var (
		l        domain.Lead
		activity sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id,company_id,name,email,phone,company,heat_score,email_opens,email_clicks,replies,calls,last_activity_at
FROM leads WHERE id=?`, id).
		Scan(&l.ID, &l.CompanyID, &l.Name, &l.Email, &l.Phone, &l.Company, &l.HeatScore, &l.EmailOpens,
			&l.EmailClicks, &l.Replies, &l.Calls, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, err
	}
	l.LastActivityAt = timePtr(activity)
	return l, nil
}

func (s *SQLiteStore) UpdateLeadHeatScore(ctx context.Context, id string, score int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE leads SET heat_score=?, updated_at=? WHERE id=?`, score, toMillis(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n domain.Notification) (string, error) {
	id := n.ID
	if id == "" {
		id = "ntf_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (id,user_id,company_id,type,title,message,read,created_at) VALUES (?,?,?,?,?,?,0,?)`,
		id, n.UserID, n.CompanyID, n.Type, n.Title, n.Message, toMillis(s.now()))
	return id, err
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, userID string) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,user_id,company_id,type,title,message,read,created_at
FROM notifications WHERE user_id=? ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var (
			n       domain.Notification
			read    int
			created int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.CompanyID, &n.Type, &n.Title, &n.Message, &read, &created); err != nil {
			return nil, err
		}
		n.Read = read != 0
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	return out, rows.Err()
}
