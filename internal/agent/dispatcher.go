/**
 * Agent Dispatcher
 *
 * Answers one question about one page. The chat model sees the ordered text
 * and the layout catalog (ids, types, confidences; never images) and either
 * answers from the text or calls AnalyzeChart/AnalyzeTable on a region id.
 * Tool calls run one at a time. After MaxSteps tool rounds without a final
 * answer the dispatcher stops and returns what it has, flagged as truncated.
 */

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/adverant/nexus/docagent-worker/internal/errors"
	"github.com/adverant/nexus/docagent-worker/internal/logging"
	"github.com/adverant/nexus/docagent-worker/internal/processor"
)

// State is a dispatcher state
type State string

const (
	StateAwaitingQuestion  State = "awaiting_question"
	StateDeciding          State = "deciding"
	StateDispatchingTool   State = "dispatching_tool"
	StateToolResult        State = "tool_result"
	StateAnsweringFromText State = "answering_from_text"
	StateDone              State = "done"
)

// ChatModel is the part of llms.Model the dispatcher needs
type ChatModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Chat              ChatModel
	Vision            VisionAnalyzer
	ContextMaxItems   int
	ValidationRetries int
	MaxTokens         int
}

// Dispatcher implements processor.QuestionAnswerer
type Dispatcher struct {
	chat              ChatModel
	vision            VisionAnalyzer
	contextMaxItems   int
	validationRetries int
	maxTokens         int
	logger            *logging.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if cfg.ContextMaxItems <= 0 {
		cfg.ContextMaxItems = DefaultContextMaxItems
	}
	if cfg.ValidationRetries < 0 {
		cfg.ValidationRetries = 0
	}
	return &Dispatcher{
		chat:              cfg.Chat,
		vision:            cfg.Vision,
		contextMaxItems:   cfg.ContextMaxItems,
		validationRetries: cfg.ValidationRetries,
		maxTokens:         cfg.MaxTokens,
		logger:            logging.NewLogger("AgentDispatcher"),
	}, nil
}

// session is the mutable loop state of one Answer call
type session struct {
	state     State
	messages  []llms.MessageContent
	pending   []llms.ToolCall
	rounds    int
	lastText  string
	answer    *processor.AgentAnswer
	truncated bool
}

// Answer runs the state machine until a final answer or the step ceiling
func (d *Dispatcher) Answer(ctx context.Context, ps *processor.Session, question string, opts processor.AgentOptions) (*processor.AgentAnswer, error) {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = processor.DefaultMaxSteps
	}

	var catalog *processor.LayoutCatalog
	var regions []processor.LayoutRegion
	var entries []processor.OrderedTextEntry
	runID := ""
	if ps != nil {
		catalog = ps.Layout
		entries = ps.OrderedText()
		runID = ps.RunID
	}
	if catalog != nil {
		regions = catalog.Regions()
	}

	tools := NewRegionTools(catalog, d.vision, d.validationRetries)
	defs, err := tools.Definitions()
	if err != nil {
		return nil, err
	}

	callOpts := []llms.CallOption{llms.WithTools(defs), llms.WithTemperature(0)}
	if d.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(d.maxTokens))
	}

	log := d.logger.With("jobId", runID)
	s := &session{
		state:  StateAwaitingQuestion,
		answer: &processor.AgentAnswer{Question: question, ToolInvocations: []processor.ToolInvocation{}},
	}

	for s.state != StateDone {
		switch s.state {
		case StateAwaitingQuestion:
			if strings.TrimSpace(question) == "" {
				return nil, errors.NewInputInvalidError("question", fmt.Errorf("question is empty"))
			}
			s.messages = []llms.MessageContent{
				llms.TextParts(llms.ChatMessageTypeSystem, BuildSystemPrompt(entries, regions, d.contextMaxItems)),
				llms.TextParts(llms.ChatMessageTypeHuman, question),
			}
			s.state = StateDeciding

		case StateDeciding:
			if s.rounds >= maxSteps {
				s.truncated = true
				s.state = StateDone
				break
			}
			if err := d.decide(ctx, s, callOpts); err != nil {
				return nil, err
			}

		case StateDispatchingTool:
			s.rounds++
			if err := d.dispatch(ctx, s, tools, log); err != nil {
				return nil, err
			}
			s.state = StateToolResult

		case StateToolResult:
			s.state = StateDeciding

		case StateAnsweringFromText:
			s.answer.Answer = s.lastText
			s.state = StateDone
		}
	}

	s.answer.Steps = s.rounds
	s.answer.Truncated = s.truncated
	if s.truncated {
		s.answer.Answer = partialAnswer(s, maxSteps)
		s.answer.FinalState = "truncated"
		log.Warn("Step ceiling reached", "maxSteps", maxSteps, "toolCalls", len(s.answer.ToolInvocations))
	} else {
		s.answer.FinalState = string(StateDone)
	}

	return s.answer, nil
}

// decide asks the model for its next move and records the resulting transition
func (d *Dispatcher) decide(ctx context.Context, s *session, callOpts []llms.CallOption) error {
	resp, err := d.chat.GenerateContent(ctx, s.messages, callOpts...)
	if err != nil {
		return errors.NewDelegateUnavailableError("chat model", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return errors.NewDelegateUnavailableError("chat model", fmt.Errorf("model returned no choices"))
	}

	choice := resp.Choices[0]
	if text := strings.TrimSpace(choice.Content); text != "" {
		s.lastText = text
	}

	if len(choice.ToolCalls) == 0 {
		s.state = StateAnsweringFromText
		return nil
	}

	parts := make([]llms.ContentPart, 0, len(choice.ToolCalls)+1)
	if choice.Content != "" {
		parts = append(parts, llms.TextPart(choice.Content))
	}
	for _, tc := range choice.ToolCalls {
		parts = append(parts, tc)
	}
	s.messages = append(s.messages, llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts})
	s.pending = choice.ToolCalls
	s.state = StateDispatchingTool
	return nil
}

// dispatch runs the pending tool calls sequentially and appends their replies
func (d *Dispatcher) dispatch(ctx context.Context, s *session, tools *RegionTools, log *logging.Logger) error {
	for _, tc := range s.pending {
		name, args := "", ""
		if tc.FunctionCall != nil {
			name, args = tc.FunctionCall.Name, tc.FunctionCall.Arguments
		}

		start := time.Now()
		out, err := tools.Invoke(ctx, name, args)
		if err != nil {
			return err
		}

		s.answer.ToolInvocations = append(s.answer.ToolInvocations, processor.ToolInvocation{
			Step:       s.rounds,
			Tool:       name,
			CallID:     tc.ID,
			Arguments:  args,
			RegionID:   out.RegionID,
			Result:     out.Result,
			Warning:    out.Warning,
			DurationMs: time.Since(start).Milliseconds(),
		})

		log.Info("Tool call complete",
			"step", s.rounds,
			"tool", name,
			"regionId", out.RegionID,
			"warning", out.Warning != "")

		s.messages = append(s.messages, llms.MessageContent{
			Role: llms.ChatMessageTypeTool,
			Parts: []llms.ContentPart{
				llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       name,
					Content:    out.Result,
				},
			},
		})
	}
	s.pending = nil
	return nil
}

// partialAnswer is the best answer available when the ceiling cuts the loop:
// the model's last text if it wrote any, otherwise the tool results so far.
func partialAnswer(s *session, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stopped after %d tool rounds (limit %d) before a final answer.", s.rounds, maxSteps)

	if s.lastText != "" {
		b.WriteString("\n\n")
		b.WriteString(s.lastText)
		return b.String()
	}

	if len(s.answer.ToolInvocations) > 0 {
		b.WriteString(" Partial findings:")
		for _, inv := range s.answer.ToolInvocations {
			fmt.Fprintf(&b, "\n\n[%s region %d]\n%s", inv.Tool, inv.RegionID, inv.Result)
		}
	}
	return b.String()
}
