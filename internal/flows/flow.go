package flows

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedFlow is returned for a stored flow whose payload is not a JSON object.
var ErrMalformedFlow = errors.New("malformed automation flow")

const DefaultTriggerType = "custom"

type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
)

type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

type Trigger struct {
	Type       string      `json:"type"`
	Conditions []Condition `json:"conditions"`
	// Delay is kept as authored; nil when the flow declares none.
	Delay *float64 `json:"delay,omitempty"`
}

// Flow is an automation flow definition read from the append log.
type Flow struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Trigger   Trigger          `json:"trigger"`
	Actions   []map[string]any `json:"actions"`
	IsActive  bool             `json:"isActive"`
	CompanyID string           `json:"companyId"`
	CreatedBy string           `json:"createdBy"`
}

// ParseFlow turns a stored payload into a Flow. Only a payload that is not a
// JSON object is rejected; any field of the wrong type takes its zero default,
// so a damaged flow parses but never matches anything it shouldn't.
func ParseFlow(id string, raw []byte) (Flow, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Flow{}, fmt.Errorf("%w: %v", ErrMalformedFlow, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Flow{}, fmt.Errorf("%w: payload is %s, not an object", ErrMalformedFlow, kind(doc))
	}

	f := Flow{
		ID:        stringField(obj, "id"),
		Name:      stringField(obj, "name"),
		IsActive:  boolField(obj, "isActive"),
		CompanyID: stringField(obj, "companyId"),
		CreatedBy: stringField(obj, "createdBy"),
		Actions:   []map[string]any{},
	}
	if f.ID == "" {
		f.ID = id
	}

	trigger, _ := obj["trigger"].(map[string]any)
	f.Trigger = parseTrigger(trigger)

	if actions, ok := obj["actions"].([]any); ok {
		for _, a := range actions {
			if m, ok := a.(map[string]any); ok {
				f.Actions = append(f.Actions, m)
			}
		}
	}
	return f, nil
}

func parseTrigger(obj map[string]any) Trigger {
	t := Trigger{Type: stringField(obj, "type"), Conditions: []Condition{}}
	if t.Type == "" {
		t.Type = DefaultTriggerType
	}
	if d, ok := obj["delay"].(float64); ok {
		t.Delay = &d
	}
	conds, _ := obj["conditions"].([]any)
	for _, c := range conds {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		t.Conditions = append(t.Conditions, Condition{
			Field:    stringField(m, "field"),
			Operator: Operator(stringField(m, "operator")),
			Value:    m["value"],
		})
	}
	return t
}

// Matches reports whether the flow reacts to trigger with the given event.
func (f Flow) Matches(trigger string, event map[string]any) bool {
	return f.IsActive && f.Trigger.Type == trigger && EvaluateConditions(f.Trigger.Conditions, event)
}

// EvaluateConditions ANDs every condition against event. An empty list matches.
func EvaluateConditions(conds []Condition, event map[string]any) bool {
	for _, c := range conds {
		if !Evaluate(c, event) {
			return false
		}
	}
	return true
}

// Evaluate tests one condition. Unknown operators never match.
func Evaluate(c Condition, event map[string]any) bool {
	v, present := event[c.Field]
	switch c.Operator {
	case OpEquals:
		return strictEqual(v, c.Value)
	case OpContains:
		return strings.Contains(Stringify(v), Stringify(c.Value))
	case OpGreaterThan:
		return toNumber(v) > toNumber(c.Value)
	case OpLessThan:
		return toNumber(v) < toNumber(c.Value)
	case OpExists:
		return present && v != nil
	default:
		return false
	}
}

// strictEqual compares scalars of the same kind. Numbers compare by value
// regardless of their Go type; composites are never equal.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toNumber coerces a value for ordering comparisons. Values with no numeric
// reading become NaN, which compares false against everything.
func toNumber(v any) float64 {
	if n, ok := number(v); ok {
		return n
	}
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if x {
			return 1
		}
		return 0
	}
	return math.NaN()
}

// Stringify renders a context value the way it is recorded in audit logs.
func Stringify(v any) string {
	if v == nil {
		return ""
	}
	if n, ok := number(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func boolField(obj map[string]any, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}
