package agent

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

const validChartJSON = `{"chart_type":"bar","title":"Revenue","x_axis":{"label":"Year","ticks":[2022,2023]},"y_axis":{"label":"USD","ticks":[0,100]},"key_data_points":[{"year":2023,"value":96}],"trends":"rising","legend":["Revenue"]}`

const validTableJSON = `{"table_title":"Costs","column_headers":["Model","FLOPs"],"rows":[{"row_label":"Base","values":["3.3e18",null]}],"notes":""}`

type fakeVision struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (f *fakeVision) AnalyzeImage(ctx context.Context, pngData []byte, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	if len(pngData) == 0 {
		return "", fmt.Errorf("empty image")
	}
	if len(f.responses) == 0 {
		return validChartJSON, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

// scriptedChat replays one response per call; the last one repeats
type scriptedChat struct {
	responses []*llms.ContentResponse
	calls     int
	messages  [][]llms.MessageContent
	err       error
}

func (s *scriptedChat) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	s.calls++
	s.messages = append(s.messages, messages)
	if s.err != nil {
		return nil, s.err
	}
	i := min(s.calls-1, len(s.responses)-1)
	return s.responses[i], nil
}

func toolCallResponse(id, tool string, regionID int) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:   id,
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      tool,
				Arguments: fmt.Sprintf(`{"region_id": %d}`, regionID),
			},
		}},
	}}}
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}
}

// testSession builds a cropped catalog: 0 table, 1 chart, 2 text
func testSession(t *testing.T) *processor.Session {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 300, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 300; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	catalog := processor.NewLayoutCatalog(processor.RegionsFromDetections([]processor.LayoutDetection{
		{Label: "table", BBox: processor.BBox{X1: 10, Y1: 10, X2: 150, Y2: 100}, Score: 0.95},
		{Label: "chart", BBox: processor.BBox{X1: 10, Y1: 120, X2: 280, Y2: 280}, Score: 0.88},
		{Label: "text", BBox: processor.BBox{X1: 160, Y1: 10, X2: 290, Y2: 100}, Score: 0.71},
	}))
	processor.NewCropper(processor.DefaultCropPadding).CropAll(img, catalog)

	return &processor.Session{
		RunID:     "run-test",
		ImageData: buf.Bytes(),
		Image:     img,
		Reading: &processor.ReadingOrder{
			Positions: []int{0, 1},
			Entries: []processor.OrderedTextEntry{
				{Position: 0, Text: "Annual Report", Confidence: 0.99},
				{Position: 1, Text: "Revenue rose in 2023.", Confidence: 0.95},
			},
		},
		Layout: catalog,
	}
}

func TestAnalyzeTableUnknownRegionListsValidIDs(t *testing.T) {
	vision := &fakeVision{}
	tools := NewRegionTools(testSession(t).Layout, vision, 0)

	result, err := tools.AnalyzeTable(context.Background(), 999)
	if err != nil {
		t.Fatalf("unknown region must not be an error, got %v", err)
	}
	if !strings.Contains(result, "Region 999 not found") || !strings.Contains(result, "[0 1 2]") {
		t.Errorf("unexpected result %q", result)
	}
	if vision.calls != 0 {
		t.Errorf("vision model should not be called for unknown regions")
	}
}

func TestAnalyzeChartOnTextRegionWarnsAndStillAnalyzes(t *testing.T) {
	vision := &fakeVision{responses: []string{validChartJSON}}
	tools := NewRegionTools(testSession(t).Layout, vision, 0)

	result, err := tools.AnalyzeChart(context.Background(), 2)
	if err != nil {
		t.Fatalf("AnalyzeChart failed: %v", err)
	}
	if !strings.HasPrefix(result, "Warning: Region 2 is type 'text'") {
		t.Errorf("expected mismatch warning prefix, got %q", result)
	}
	if vision.calls != 1 {
		t.Errorf("expected analysis to run anyway, got %d vision calls", vision.calls)
	}
	if !strings.Contains(result, `"chart_type":"bar"`) {
		t.Errorf("expected analysis after the warning, got %q", result)
	}
}

func TestAnalyzeChartAcceptsFigureAndChart(t *testing.T) {
	tools := NewRegionTools(testSession(t).Layout, &fakeVision{}, 0)

	result, err := tools.AnalyzeChart(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(result, "Warning") {
		t.Errorf("chart region should not warn: %q", result)
	}
}

func TestValidationRetryRecoversFromMalformedOutput(t *testing.T) {
	vision := &fakeVision{responses: []string{
		"Sure! Here is the table:",
		"```json\n" + validTableJSON + "\n```",
	}}
	tools := NewRegionTools(testSession(t).Layout, vision, 2)

	result, err := tools.AnalyzeTable(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if result != validTableJSON {
		t.Errorf("expected cleaned JSON, got %q", result)
	}
	if vision.calls != 2 {
		t.Errorf("expected one retry, got %d calls", vision.calls)
	}
	if !strings.Contains(vision.prompts[1], "failed validation") {
		t.Errorf("retry prompt should carry the validation error")
	}
}

func TestValidationRetriesExhausted(t *testing.T) {
	vision := &fakeVision{responses: []string{`{"table_title": 5}`}}
	tools := NewRegionTools(testSession(t).Layout, vision, 1)

	result, err := tools.AnalyzeTable(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if vision.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", vision.calls)
	}
	if !strings.HasPrefix(result, "Warning: Model output did not match table analysis") {
		t.Errorf("unexpected result %q", result)
	}
	if !strings.HasSuffix(result, `{"table_title": 5}`) {
		t.Errorf("raw output should follow the warning: %q", result)
	}
}

func TestVisionFailureIsDelegateUnavailable(t *testing.T) {
	tools := NewRegionTools(testSession(t).Layout, &fakeVision{err: stderrors.New("503")}, 0)

	if _, err := tools.AnalyzeTable(context.Background(), 0); !errors.IsDelegateUnavailable(err) {
		t.Fatalf("expected DELEGATE_UNAVAILABLE, got %v", err)
	}
}

func TestInvokeRejectsBadArguments(t *testing.T) {
	tools := NewRegionTools(testSession(t).Layout, &fakeVision{}, 0)

	out, err := tools.Invoke(context.Background(), ToolAnalyzeTable, `{"region": 1}`)
	if err != nil || !strings.HasPrefix(out.Result, "Error: invalid arguments") {
		t.Errorf("unexpected output %+v %v", out, err)
	}

	out, _ = tools.Invoke(context.Background(), "DeleteRegion", `{"region_id": 1}`)
	if !strings.Contains(out.Result, "unknown tool") {
		t.Errorf("unexpected output %+v", out)
	}

	out, _ = tools.Invoke(context.Background(), ToolAnalyzeChart, `{"region_id": "1"}`)
	if out.RegionID != 1 {
		t.Errorf("quoted region id not accepted: %+v", out)
	}
}

func TestDispatcherAnswersFromText(t *testing.T) {
	chat := &scriptedChat{responses: []*llms.ContentResponse{textResponse("The report is titled Annual Report.")}}
	d, err := NewDispatcher(DispatcherConfig{Chat: chat, Vision: &fakeVision{}})
	if err != nil {
		t.Fatal(err)
	}

	answer, err := d.Answer(context.Background(), testSession(t), "What is the title?", processor.AgentOptions{MaxSteps: 5})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answer.Truncated || answer.Steps != 0 || len(answer.ToolInvocations) != 0 {
		t.Errorf("unexpected answer %+v", answer)
	}
	if answer.Answer != "The report is titled Annual Report." {
		t.Errorf("unexpected answer text %q", answer.Answer)
	}

	system := chat.messages[0][0].Parts[0].(llms.TextContent).Text
	if !strings.Contains(system, "[1] Revenue rose in 2023.") || !strings.Contains(system, "- Region 1: chart (confidence: 0.880)") {
		t.Errorf("system prompt missing context:\n%s", system)
	}
}

func TestDispatcherToolRoundThenAnswer(t *testing.T) {
	chat := &scriptedChat{responses: []*llms.ContentResponse{
		toolCallResponse("call-1", ToolAnalyzeTable, 999),
		toolCallResponse("call-2", ToolAnalyzeChart, 1),
		textResponse("Revenue was 96 in 2023."),
	}}
	vision := &fakeVision{}
	d, _ := NewDispatcher(DispatcherConfig{Chat: chat, Vision: vision})

	answer, err := d.Answer(context.Background(), testSession(t), "What was revenue in 2023?", processor.AgentOptions{MaxSteps: 5})
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answer.Truncated {
		t.Fatal("answer should not be truncated")
	}
	if answer.Steps != 2 || len(answer.ToolInvocations) != 2 {
		t.Fatalf("expected 2 tool rounds, got %+v", answer)
	}
	if !strings.Contains(answer.ToolInvocations[0].Result, "Available regions") {
		t.Errorf("not-found result should be passed back to the model: %q", answer.ToolInvocations[0].Result)
	}
	if vision.calls != 1 {
		t.Errorf("expected exactly one vision call, got %d", vision.calls)
	}

	last := chat.messages[2]
	reply, ok := last[len(last)-1].Parts[0].(llms.ToolCallResponse)
	if !ok || reply.ToolCallID != "call-2" || reply.Name != ToolAnalyzeChart {
		t.Errorf("tool reply not threaded back: %+v", last[len(last)-1])
	}
}

func TestDispatcherStepCeilingTruncates(t *testing.T) {
	responses := make([]*llms.ContentResponse, 0, 6)
	for i := 0; i < 5; i++ {
		responses = append(responses, toolCallResponse(fmt.Sprintf("call-%d", i), ToolAnalyzeChart, 1))
	}
	responses = append(responses, textResponse("all five charts analyzed"))
	chat := &scriptedChat{responses: responses}
	vision := &fakeVision{}
	d, _ := NewDispatcher(DispatcherConfig{Chat: chat, Vision: vision})

	answer, err := d.Answer(context.Background(), testSession(t), "Compare every chart", processor.AgentOptions{MaxSteps: 3})
	if err != nil {
		t.Fatalf("truncation must not be an error: %v", err)
	}
	if !answer.Truncated {
		t.Fatal("expected truncated answer")
	}
	if answer.Steps != 3 || len(answer.ToolInvocations) != 3 || vision.calls != 3 {
		t.Errorf("expected 3 rounds, got steps=%d calls=%d vision=%d", answer.Steps, len(answer.ToolInvocations), vision.calls)
	}
	if chat.calls != 3 {
		t.Errorf("expected no model call after the ceiling, got %d calls", chat.calls)
	}
	if !strings.Contains(answer.Answer, "Partial findings") {
		t.Errorf("expected partial findings in answer, got %q", answer.Answer)
	}
}

func TestDispatcherChatFailure(t *testing.T) {
	d, _ := NewDispatcher(DispatcherConfig{Chat: &scriptedChat{err: stderrors.New("connection reset")}})

	_, err := d.Answer(context.Background(), testSession(t), "anything", processor.AgentOptions{})
	if !errors.IsDelegateUnavailable(err) {
		t.Fatalf("expected DELEGATE_UNAVAILABLE, got %v", err)
	}
}

func TestDispatcherRejectsEmptyQuestion(t *testing.T) {
	d, _ := NewDispatcher(DispatcherConfig{Chat: &scriptedChat{responses: []*llms.ContentResponse{textResponse("x")}}})

	if _, err := d.Answer(context.Background(), testSession(t), "  ", processor.AgentOptions{}); !errors.IsInputInvalid(err) {
		t.Fatalf("expected INPUT_INVALID, got %v", err)
	}
}

func TestFormatOrderedTextCapsItems(t *testing.T) {
	entries := make([]processor.OrderedTextEntry, 53)
	for i := range entries {
		entries[i] = processor.OrderedTextEntry{Position: i, Text: fmt.Sprintf("line %d", i)}
	}

	got := FormatOrderedText(entries, 50)
	lines := strings.Split(got, "\n")
	if len(lines) != 51 {
		t.Fatalf("expected 50 lines plus summary, got %d", len(lines))
	}
	if lines[0] != "[0] line 0" || lines[50] != "... and 3 more text regions" {
		t.Errorf("unexpected formatting: %q / %q", lines[0], lines[50])
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"Here you go: {\"a\":1} thanks": `{"a":1}`,
		"  {\"a\":1}  ":                   `{"a":1}`,
	}
	for in, want := range tests {
		if got := stripCodeFences(in); got != want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", in, got, want)
		}
	}
}
