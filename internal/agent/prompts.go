package agent

import (
	"fmt"
	"strings"

	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

// DefaultContextMaxItems caps how many ordered-text lines go into the system prompt
const DefaultContextMaxItems = 50

const systemPromptTemplate = `You are a Document Intelligence Agent.
You analyze documents by combining OCR text with visual analysis tools.

## Document Text (in reading order)
The following text was extracted with OCR and put in reading order.

%s

## Document Layout Regions
The following regions were detected in the document:

%s

## Your Tools
- **AnalyzeChart(region_id)**:
    - Use for chart/figure regions to extract data points, axes, and trends
- **AnalyzeTable(region_id)**:
    - Use for table regions to extract structured tabular data

## Instructions
1. For TEXT regions:
    - Use the OCR text provided above (it's already extracted)
2. For TABLE regions:
    - Use the AnalyzeTable tool to get structured data
3. For CHART/FIGURE regions:
    - Use the AnalyzeChart tool to extract visual data

Region IDs refer only to the layout regions listed above. They are not
positions in the document text.

When answering questions about the document,
use the appropriate tools to get accurate information.
`

const chartAnalysisPrompt = `You are a Chart Analysis specialist.
Analyze this chart/figure image and extract:

1. **Chart Type**: (line, bar, scatter, pie, etc.)
2. **Title**: (if visible)
3. **Axes**: X-axis label, Y-axis label, and tick values
4. **Data Points**: Key values (peaks, troughs, endpoints)
5. **Trends**: Overall pattern description
6. **Legend**: (if present)

Return a JSON object with this structure:
` + "```json" + `
{
  "chart_type": "...",
  "title": "...",
  "x_axis": {"label": "...", "ticks": [...]},
  "y_axis": {"label": "...", "ticks": [...]},
  "key_data_points": [...],
  "trends": "...",
  "legend": [...]
}
` + "```"

const tableAnalysisPrompt = `You are a Table Extraction specialist.
Extract structured data from this table image.

1. **Identify Structure**:
    - Column headers, row labels, data cells
2. **Extract All Data**:
    - Preserve exact values and alignment
3. **Handle Special Cases**:
    - Merged cells, empty cells (mark as null), multi-line headers

Return a JSON object with this structure:
` + "```json" + `
{
  "table_title": "...",
  "column_headers": ["header1", "header2", ...],
  "rows": [
    {"row_label": "...", "values": [val1, val2, ...]},
    ...
  ],
  "notes": "any footnotes or source info"
}
` + "```"

// FormatOrderedText renders entries as "[position] text" lines, keeping at most maxItems
func FormatOrderedText(entries []processor.OrderedTextEntry, maxItems int) string {
	if maxItems <= 0 {
		maxItems = DefaultContextMaxItems
	}

	var b strings.Builder
	for i, e := range entries {
		if i == maxItems {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] %s", e.Position, e.Text)
	}

	if len(entries) > maxItems {
		fmt.Fprintf(&b, "\n... and %d more text regions", len(entries)-maxItems)
	}

	if len(entries) == 0 {
		return "(no text was recognized)"
	}
	return b.String()
}

// FormatLayoutRegions renders the catalog as ids, types and confidences only
func FormatLayoutRegions(regions []processor.LayoutRegion) string {
	if len(regions) == 0 {
		return "(no layout regions were detected)"
	}

	lines := make([]string, len(regions))
	for i, r := range regions {
		lines[i] = fmt.Sprintf("  - Region %d: %s (confidence: %.3f)", r.ID, r.Type, r.Confidence)
	}
	return strings.Join(lines, "\n")
}

// BuildSystemPrompt assembles the fixed context of a session
func BuildSystemPrompt(entries []processor.OrderedTextEntry, regions []processor.LayoutRegion, maxItems int) string {
	return fmt.Sprintf(systemPromptTemplate,
		FormatOrderedText(entries, maxItems),
		FormatLayoutRegions(regions))
}

func retryPrompt(original, previous string, validationErr error) string {
	return fmt.Sprintf(`%s

Your previous response was:
%s

It failed validation: %v
Return only a corrected JSON object with the structure above.`, original, previous, validationErr)
}
