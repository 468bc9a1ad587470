package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leadflow/internal/agent"
	"leadflow/internal/domain"
	"leadflow/internal/flows"
	"leadflow/internal/metrics"
	"leadflow/internal/store"
)

type Scheduler interface {
	ScheduleTask(ctx context.Context, taskType domain.TaskType, delay time.Duration, data map[string]any, userID, companyID string) (string, error)
	CancelTask(ctx context.Context, id string) bool
	GetScheduledTasks(ctx context.Context, userID, companyID string) ([]domain.ScheduledTask, error)
}

type Agents interface {
	ExecuteAgentTask(ctx context.Context, agentType, taskType string, input json.RawMessage, userID, companyID string) domain.AgentTask
	PerformHealthCheck(ctx context.Context) (domain.AgentHealthStatus, error)
	PingTest(ctx context.Context) agent.PingResult
}

type AgentTasks interface {
	GetAgentTask(ctx context.Context, id string) (domain.AgentTask, error)
}

type Flows interface {
	EvaluateFlowTriggers(ctx context.Context, trigger string, event map[string]any) ([]flows.Match, error)
}

type Deps struct {
	Scheduler  Scheduler
	Agents     Agents
	AgentTasks AgentTasks
	Flows      Flows
	Metrics    *metrics.Metrics
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.scheduleTask)
		r.Get("/tasks", s.listTasks)
		r.Delete("/tasks/{id}", s.cancelTask)

		r.Post("/agent-tasks", s.executeAgentTask)
		r.Get("/agent-tasks/{id}", s.getAgentTask)
		r.Get("/agents/ping", s.ping)
		r.Post("/agents/health-check", s.healthCheck)

		r.Post("/events", s.evaluateEvent)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type scheduleReq struct {
	TaskType  string         `json:"task_type"`
	DelayMs   int64          `json:"delay_ms"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"user_id"`
	CompanyID string         `json:"company_id"`
}

type scheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	taskType, err := domain.ParseTaskType(req.TaskType)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" || req.CompanyID == "" {
		http.Error(w, "user_id and company_id are required", 400)
		return
	}
	id, err := s.Scheduler.ScheduleTask(r.Context(), taskType, time.Duration(req.DelayMs)*time.Millisecond, req.Data, req.UserID, req.CompanyID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, company := q.Get("user_id"), q.Get("company_id")
	if user == "" || company == "" {
		http.Error(w, "user_id and company_id are required", 400)
		return
	}
	tasks, err := s.Scheduler.GetScheduledTasks(r.Context(), user, company)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Scheduler.CancelTask(r.Context(), id) {
		http.Error(w, "task is not armed on this instance", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentTaskReq struct {
	AgentType string          `json:"agent_type"`
	TaskType  string          `json:"task_type"`
	Input     json.RawMessage `json:"input"`
	UserID    string          `json:"user_id"`
	CompanyID string          `json:"company_id"`
}

// executeAgentTask blocks until the task is terminal, retries included.
func (s *Server) executeAgentTask(w http.ResponseWriter, r *http.Request) {
	var req agentTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.AgentType == "" || req.TaskType == "" {
		http.Error(w, "agent_type and task_type are required", 400)
		return
	}
	t := s.Agents.ExecuteAgentTask(r.Context(), req.AgentType, req.TaskType, req.Input, req.UserID, req.CompanyID)
	writeJSON(w, 200, t)
}

func (s *Server) getAgentTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.AgentTasks.GetAgentTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.Agents.PingTest(r.Context()))
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	st, err := s.Agents.PerformHealthCheck(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

type eventReq struct {
	Trigger string         `json:"trigger"`
	Context map[string]any `json:"context"`
}

type eventResp struct {
	Matches []flows.Match `json:"matches"`
}

func (s *Server) evaluateEvent(w http.ResponseWriter, r *http.Request) {
	var req eventReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Trigger == "" {
		http.Error(w, "trigger is required", 400)
		return
	}
	matches, err := s.Flows.EvaluateFlowTriggers(r.Context(), req.Trigger, req.Context)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, eventResp{Matches: matches})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
