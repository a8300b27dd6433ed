package processor

import (
	"context"
	"image"
)

// Session is the per-run state handed to the question answerer. It is built
// once by ProcessDocument and is read-only afterwards; nothing in it is shared
// with another run.
type Session struct {
	RunID       string
	ImageData   []byte
	Image       image.Image
	Format      string
	TextRegions []TextRegion
	Reading     *ReadingOrder
	Layout      *LayoutCatalog
}

// OrderedText returns the linearized entries, or nil before resolution
func (s *Session) OrderedText() []OrderedTextEntry {
	if s.Reading == nil {
		return nil
	}
	return s.Reading.Entries
}

// ToolInvocation records one tool call made while answering
type ToolInvocation struct {
	Step       int    `json:"step"`
	Tool       string `json:"tool"`
	CallID     string `json:"call_id,omitempty"`
	Arguments  string `json:"arguments"`
	RegionID   int    `json:"region_id"`
	Result     string `json:"result"`
	Warning    string `json:"warning,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// AgentAnswer is the outcome of one question. Truncated is set when the step
// ceiling was reached before the model produced a final answer.
type AgentAnswer struct {
	Question        string           `json:"question"`
	Answer          string           `json:"answer"`
	Truncated       bool             `json:"truncated"`
	Steps           int              `json:"steps"`
	FinalState      string           `json:"final_state"`
	ToolInvocations []ToolInvocation `json:"tool_invocations"`
}

// AgentOptions tunes a single answering session
type AgentOptions struct {
	MaxSteps int
}

// QuestionAnswerer answers a question against a built session
type QuestionAnswerer interface {
	Answer(ctx context.Context, session *Session, question string, opts AgentOptions) (*AgentAnswer, error)
}

// Visualizer renders the region model to encoded images
type Visualizer interface {
	RenderTextRegions(img image.Image, regions []TextRegion, positions []int) ([]byte, error)
	RenderLayout(img image.Image, regions []LayoutRegion, minConfidence float64) ([]byte, error)
}
