package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
	"leadflow/internal/metrics"
)

// Store is the append log holding flow definitions and execution records.
type Store interface {
	ListBrainLogs(ctx context.Context, logType string) ([]domain.BrainLog, error)
	AppendBrainLog(ctx context.Context, logType, companyID string, payload []byte) (string, error)
}

// Match is a flow that accepted an event.
type Match struct {
	FlowID   string `json:"flow_id"`
	FlowName string `json:"flow_name"`
	LogID    string `json:"log_id,omitempty"`
	// Logged is false when the execution record could not be written.
	Logged bool `json:"logged"`
}

type Evaluator struct {
	store   Store
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEvaluator(store Store, m *metrics.Metrics) *Evaluator {
	return &Evaluator{store: store, metrics: m, now: time.Now}
}

type executionRecord struct {
	FlowID      string            `json:"flowId"`
	FlowName    string            `json:"flowName"`
	Trigger     string            `json:"trigger"`
	Context     map[string]string `json:"context"`
	TriggeredAt time.Time         `json:"triggeredAt"`
}

// EvaluateFlowTriggers checks every stored flow against the event and records
// one execution log per match. Flows that fail to parse are skipped.
func (e *Evaluator) EvaluateFlowTriggers(ctx context.Context, trigger string, event map[string]any) ([]Match, error) {
	rows, err := e.store.ListBrainLogs(ctx, domain.LogTypeAutomationFlow)
	if err != nil {
		return nil, fmt.Errorf("load automation flows: %w", err)
	}

	stringified := make(map[string]string, len(event))
	for k, v := range event {
		stringified[k] = Stringify(v)
	}

	matches := []Match{}
	for _, row := range rows {
		flow, err := ParseFlow(row.ID, row.Payload)
		if err != nil {
			log.Warn().Err(err).Str("log_id", row.ID).Msg("skip automation flow")
			continue
		}
		if !flow.Matches(trigger, event) {
			continue
		}

		m := Match{FlowID: flow.ID, FlowName: flow.Name}
		company := flow.CompanyID
		if company == "" {
			company = row.CompanyID
		}
		payload, err := json.Marshal(executionRecord{
			FlowID:      flow.ID,
			FlowName:    flow.Name,
			Trigger:     trigger,
			Context:     stringified,
			TriggeredAt: e.now().UTC(),
		})
		if err == nil {
			m.LogID, err = e.store.AppendBrainLog(ctx, domain.LogTypeFlowExecution, company, payload)
		}
		if err != nil {
			log.Error().Err(err).Str("flow_id", flow.ID).Msg("record flow execution")
		} else {
			m.Logged = true
		}

		e.metrics.FlowMatched(trigger)
		log.Info().Str("flow_id", flow.ID).Str("trigger", trigger).Msg("automation flow matched")
		matches = append(matches, m)
	}
	return matches, nil
}
