package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Axis describes one chart axis
type Axis struct {
	Label string `json:"label"`
	Ticks []any  `json:"ticks,omitempty"`
}

// ChartAnalysis is the structured result of AnalyzeChart
type ChartAnalysis struct {
	ChartType     string   `json:"chart_type"`
	Title         string   `json:"title,omitempty"`
	XAxis         Axis     `json:"x_axis"`
	YAxis         Axis     `json:"y_axis"`
	KeyDataPoints []any    `json:"key_data_points"`
	Trends        string   `json:"trends"`
	Legend        []string `json:"legend,omitempty"`
}

// TableRow is one labelled table row
type TableRow struct {
	RowLabel string `json:"row_label"`
	Values   []any  `json:"values"`
}

// TableAnalysis is the structured result of AnalyzeTable
type TableAnalysis struct {
	TableTitle    string     `json:"table_title,omitempty"`
	ColumnHeaders []string   `json:"column_headers"`
	Rows          []TableRow `json:"rows"`
	Notes         string     `json:"notes,omitempty"`
}

// regionArgs are the arguments both tools accept
type regionArgs struct {
	RegionID int `json:"region_id" jsonschema:"The ID of the layout region to analyze"`
}

// Validator checks model output against a schema inferred from a Go type
type Validator struct {
	name     string
	resolved *jsonschema.Resolved
}

func newValidator[T any](name string) (*Validator, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("infer %s schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve %s schema: %w", name, err)
	}
	return &Validator{name: name, resolved: resolved}, nil
}

// Name identifies the schema in warnings
func (v *Validator) Name() string {
	return v.name
}

// Validate strips Markdown fences, parses the JSON object and validates it.
// It returns the cleaned JSON text.
func (v *Validator) Validate(raw string) (string, error) {
	cleaned := stripCodeFences(raw)
	if cleaned == "" {
		return "", fmt.Errorf("empty response")
	}

	var instance any
	if err := json.Unmarshal([]byte(cleaned), &instance); err != nil {
		return "", fmt.Errorf("response is not valid JSON: %w", err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return "", fmt.Errorf("response must be a JSON object")
	}
	if err := v.resolved.Validate(instance); err != nil {
		return "", err
	}
	return cleaned, nil
}

// stripCodeFences removes a surrounding ```json ... ``` block, or keeps the
// outermost {...} span when the model wrapped the object in prose.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "```"); start >= 0 {
		rest := s[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.LastIndex(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}

	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first >= 0 && last > first {
		return s[first : last+1]
	}
	return s
}
