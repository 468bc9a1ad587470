package scheduler

import (
	"regexp"
	"strconv"
	"strings"

	"leadflow/internal/domain"
)

// DefaultName stands in for a lead without a name.
const DefaultName = "there"

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)

// render replaces {{token}} placeholders with values from vars. Unknown tokens
// are left as written.
func render(tpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

func leadVars(l domain.Lead) map[string]string {
	name := strings.TrimSpace(l.Name)
	first := DefaultName
	if name == "" {
		name = DefaultName
	} else {
		first = strings.Fields(name)[0]
	}
	return map[string]string{
		"name":       name,
		"first_name": first,
		"company":    l.Company,
		"email":      l.Email,
		"phone":      l.Phone,
	}
}

func str(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func strOr(data map[string]any, key, def string) string {
	if s := str(data, key); s != "" {
		return s
	}
	return def
}

// integer reads a whole number from a payload that may have been through JSON.
func integer(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
