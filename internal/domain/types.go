package domain

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// TaskType identifies the executor a scheduled task is dispatched to.
type TaskType string

const (
	TaskLeadFollowup     TaskType = "lead_followup"
	TaskEmailFollowup    TaskType = "email_followup"
	TaskSequenceStep     TaskType = "sequence_step"
	TaskSMSFollowup      TaskType = "sms_followup"
	TaskPaymentReminder  TaskType = "payment_reminder"
	TaskAgentFollowup    TaskType = "agent_followup"
	TaskSalesCall        TaskType = "sales_call"
	TaskRetargetingEmail TaskType = "retargeting_email"
	TaskRetargetingSMS   TaskType = "retargeting_sms"
	TaskHeatScoreUpdate  TaskType = "heat_score_update"
)

// AllTaskTypes lists every task type in declaration order.
var AllTaskTypes = []TaskType{
	TaskLeadFollowup,
	TaskEmailFollowup,
	TaskSequenceStep,
	TaskSMSFollowup,
	TaskPaymentReminder,
	TaskAgentFollowup,
	TaskSalesCall,
	TaskRetargetingEmail,
	TaskRetargetingSMS,
	TaskHeatScoreUpdate,
}

func ParseTaskType(s string) (TaskType, error) {
	for _, t := range AllTaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

type TaskStatus string

const (
	StatusScheduled TaskStatus = "scheduled"
	StatusExecuting TaskStatus = "executing"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ScheduledTask is the persisted record of a deferred task.
type ScheduledTask struct {
	ID          string         `json:"id"`
	TaskType    TaskType       `json:"task_type"`
	ExecuteAt   time.Time      `json:"execute_at"`
	Data        map[string]any `json:"data"`
	UserID      string         `json:"user_id"`
	CompanyID   string         `json:"company_id"`
	Status      TaskStatus     `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Result is what an executor reports back. Data carries executor specific
// fields such as messageId.
type Result struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func Ok(data map[string]any) Result { return Result{Success: true, Data: data} }

func Failed(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Fields flattens the result into the map persisted in the task row.
func (r Result) Fields() map[string]any {
	out := map[string]any{"success": r.Success}
	for k, v := range r.Data {
		out[k] = v
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// Lead is the subset of a CRM lead the executors read.
type Lead struct {
	ID             string     `json:"id"`
	CompanyID      string     `json:"company_id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Phone          string     `json:"phone"`
	Company        string     `json:"company"`
	HeatScore      int        `json:"heat_score"`
	EmailOpens     int        `json:"email_opens"`
	EmailClicks    int        `json:"email_clicks"`
	Replies        int        `json:"replies"`
	Calls          int        `json:"calls"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CompanyID string    `json:"company_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// BrainLog is a row of the generic append log, discriminated by Type.
type BrainLog struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CompanyID string    `json:"company_id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	LogTypeAutomationFlow = "automation_flow"
	LogTypeFlowExecution  = "flow_execution"
	LogTypeEmailFollowup  = "email_followup"
)
