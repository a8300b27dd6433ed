/**
 * Region Tools for the Agent Dispatcher
 *
 * AnalyzeChart and AnalyzeTable look a region up by ID in the session's layout
 * catalog and send its padded crop to the vision model. Lookup problems and
 * type mismatches are reported in the returned string so the agent can keep
 * going; only an unreachable vision model is returned as an error.
 */

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/tmc/langchaingo/llms"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

// Tool names exposed to the chat model
const (
	ToolAnalyzeChart = "AnalyzeChart"
	ToolAnalyzeTable = "AnalyzeTable"
)

// DefaultValidationRetries is how often a malformed VLM answer is re-requested
const DefaultValidationRetries = 2

// VisionAnalyzer sends an image and a prompt to a vision-language model
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, pngData []byte, prompt string) (string, error)
}

type toolSpec struct {
	name         string
	description  string
	prompt       string
	accepts      []string
	expectedDesc string
	validator    *Validator
}

// ToolOutput is the outcome of one tool invocation
type ToolOutput struct {
	Result   string
	Warning  string
	RegionID int
}

// RegionTools binds the region tools to one session's catalog
type RegionTools struct {
	catalog *processor.LayoutCatalog
	vision  VisionAnalyzer
	retries int
	specs   map[string]*toolSpec
	logger  *logging.Logger
}

var (
	chartValidator = mustValidator[ChartAnalysis]("chart analysis")
	tableValidator = mustValidator[TableAnalysis]("table analysis")
)

func mustValidator[T any](name string) *Validator {
	v, err := newValidator[T](name)
	if err != nil {
		panic(err)
	}
	return v
}

// NewRegionTools creates the tool set for a catalog. retries < 0 disables re-requests.
func NewRegionTools(catalog *processor.LayoutCatalog, vision VisionAnalyzer, retries int) *RegionTools {
	if catalog == nil {
		catalog = processor.NewLayoutCatalog(nil)
	}
	return &RegionTools{
		catalog: catalog,
		vision:  vision,
		retries: max(retries, 0),
		specs: map[string]*toolSpec{
			ToolAnalyzeChart: {
				name: ToolAnalyzeChart,
				description: "Analyze a chart or figure region using a vision model. " +
					"Use this tool when you need to extract data from charts, graphs, or figures. " +
					"Returns JSON with chart type, axes, data points, and trends.",
				prompt:       chartAnalysisPrompt,
				accepts:      []string{processor.RegionTypeChart, processor.RegionTypeFigure},
				expectedDesc: "a chart/figure",
				validator:    chartValidator,
			},
			ToolAnalyzeTable: {
				name: ToolAnalyzeTable,
				description: "Extract structured data from a table region using a vision model. " +
					"Use this tool when you need to extract tabular data with headers and rows. " +
					"Returns JSON with table headers, rows, and any notes.",
				prompt:       tableAnalysisPrompt,
				accepts:      []string{processor.RegionTypeTable},
				expectedDesc: "a table",
				validator:    tableValidator,
			},
		},
		logger: logging.NewLogger("RegionTools"),
	}
}

// Definitions returns the tool declarations for the chat model
func (t *RegionTools) Definitions() ([]llms.Tool, error) {
	params, err := regionArgsSchema()
	if err != nil {
		return nil, err
	}

	names := []string{ToolAnalyzeChart, ToolAnalyzeTable}
	tools := make([]llms.Tool, 0, len(names))
	for _, name := range names {
		spec := t.specs[name]
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        spec.name,
				Description: spec.description,
				Parameters:  params,
			},
		})
	}
	return tools, nil
}

func regionArgsSchema() (map[string]any, error) {
	schema, err := jsonschema.For[regionArgs](nil)
	if err != nil {
		return nil, fmt.Errorf("infer tool argument schema: %w", err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal tool argument schema: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("decode tool argument schema: %w", err)
	}
	return params, nil
}

// AnalyzeChart analyzes a chart or figure region and returns the result text
func (t *RegionTools) AnalyzeChart(ctx context.Context, regionID int) (string, error) {
	out, err := t.run(ctx, t.specs[ToolAnalyzeChart], regionID)
	return out.Result, err
}

// AnalyzeTable extracts a table region and returns the result text
func (t *RegionTools) AnalyzeTable(ctx context.Context, regionID int) (string, error) {
	out, err := t.run(ctx, t.specs[ToolAnalyzeTable], regionID)
	return out.Result, err
}

// Invoke dispatches a model tool call by name with its raw JSON arguments
func (t *RegionTools) Invoke(ctx context.Context, name, arguments string) (ToolOutput, error) {
	spec, ok := t.specs[name]
	if !ok {
		return ToolOutput{
			RegionID: -1,
			Result:   fmt.Sprintf("Error: unknown tool %q. Available tools: [%s %s]", name, ToolAnalyzeChart, ToolAnalyzeTable),
		}, nil
	}

	regionID, err := parseRegionArgs(arguments)
	if err != nil {
		return ToolOutput{
			RegionID: -1,
			Result:   fmt.Sprintf("Error: invalid arguments for %s: %v. Expected {\"region_id\": <integer>}", name, err),
		}, nil
	}

	return t.run(ctx, spec, regionID)
}

func parseRegionArgs(arguments string) (int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return 0, err
	}
	value, ok := raw["region_id"]
	if !ok {
		return 0, fmt.Errorf("region_id is missing")
	}

	var id int
	if err := json.Unmarshal(value, &id); err == nil {
		return id, nil
	}
	// Some models quote integers or send 3.0
	var f float64
	if err := json.Unmarshal(value, &f); err == nil && f == float64(int(f)) {
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		if _, scanErr := fmt.Sscanf(strings.TrimSpace(s), "%d", &id); scanErr == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("region_id must be an integer, got %s", string(value))
}

func (t *RegionTools) run(ctx context.Context, spec *toolSpec, regionID int) (ToolOutput, error) {
	out := ToolOutput{RegionID: regionID}

	region, ok := t.catalog.Get(regionID)
	if !ok {
		notFound := errors.NewRegionNotFoundError(regionID, t.catalog.IDs())
		out.Result = "Error: " + notFound.Message
		return out, nil
	}

	if !accepts(spec.accepts, region.Type) {
		out.Warning = fmt.Sprintf("Warning: Region %d is type '%s', not %s. Proceeding anyway.",
			regionID, region.Type, spec.expectedDesc)
	}

	crop, ok := t.catalog.Crop(regionID)
	if !ok {
		out.Result = withWarning(out.Warning,
			fmt.Sprintf("Error: Region %d has no image crop (its box lies outside the page).", regionID))
		return out, nil
	}

	if t.vision == nil {
		return out, errors.NewDelegateUnavailableError("vision model", fmt.Errorf("no vision analyzer configured"))
	}

	start := time.Now()
	result, err := t.analyzeWithRetry(ctx, spec, crop.Image)
	if err != nil {
		return out, err
	}

	t.logger.Debug("Region analyzed",
		"tool", spec.name,
		"regionId", regionID,
		"regionType", region.Type,
		"duration", time.Since(start))

	out.Result = withWarning(out.Warning, result)
	return out, nil
}

// analyzeWithRetry asks the vision model and re-asks with the validation error
// until the answer matches the schema. When every attempt fails validation the
// last raw answer is returned behind a warning.
func (t *RegionTools) analyzeWithRetry(ctx context.Context, spec *toolSpec, image []byte) (string, error) {
	prompt := spec.prompt
	attempts := t.retries + 1

	var raw string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var err error
		raw, err = t.vision.AnalyzeImage(ctx, image, prompt)
		if err != nil {
			return "", errors.NewDelegateUnavailableError("vision model", err)
		}

		cleaned, err := spec.validator.Validate(raw)
		if err == nil {
			return cleaned, nil
		}

		lastErr = err
		t.logger.Warn("Vision output failed validation",
			"tool", spec.name,
			"attempt", attempt,
			"error", err)
		prompt = retryPrompt(spec.prompt, raw, err)
	}

	failure := errors.NewValidationFailedError(spec.validator.Name(), attempts, lastErr)
	return fmt.Sprintf("Warning: %s (%v). Raw output follows.\n\n%s", failure.Message, lastErr, raw), nil
}

func accepts(types []string, regionType string) bool {
	for _, t := range types {
		if t == regionType {
			return true
		}
	}
	return false
}

func withWarning(warning, result string) string {
	if warning == "" {
		return result
	}
	return warning + "\n\n" + result
}
