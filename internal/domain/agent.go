package domain

import (
	"encoding/json"
	"time"
)

type AgentTaskStatus string

const (
	AgentPending    AgentTaskStatus = "pending"
	AgentInProgress AgentTaskStatus = "in_progress"
	AgentCompleted  AgentTaskStatus = "completed"
	AgentFailed     AgentTaskStatus = "failed"
	AgentRetrying   AgentTaskStatus = "retrying"
)

// AgentTask is one call to a remote agent workflow and every attempt made for it.
type AgentTask struct {
	ID              string          `json:"id"`
	CompanyID       string          `json:"company_id"`
	UserID          string          `json:"user_id"`
	AgentType       string          `json:"agent_type"`
	TaskType        string          `json:"task_type"`
	Status          AgentTaskStatus `json:"status"`
	InputPayload    json.RawMessage `json:"input_payload,omitempty"`
	OutputPayload   json.RawMessage `json:"output_payload,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type AgentState string

const (
	AgentOnline      AgentState = "online"
	AgentOffline     AgentState = "offline"
	AgentError       AgentState = "error"
	AgentMaintenance AgentState = "maintenance"
)

type AgentHealthStatus struct {
	AgentName       string         `json:"agent_name"`
	Status          AgentState     `json:"status"`
	LastHealthCheck time.Time      `json:"last_health_check"`
	ResponseTimeMs  int64          `json:"response_time_ms"`
	ErrorCount      int64          `json:"error_count"`
	SuccessCount    int64          `json:"success_count"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CounterField names one of the per-agent counters.
type CounterField string

const (
	CounterSuccess CounterField = "success_count"
	CounterError   CounterField = "error_count"
)
