package transform

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/laiskygw/geminigw/common/helper"
)

// finishReasonMap implements §4.G's finish-reason translation table.
var finishReasonMap = map[string]string{
	"STOP":          "stop",
	"MAX_TOKENS":    "length",
	"SAFETY":        "content_filter",
	"RECITATION":    "content_filter",
	"TOOL_CALL":     "tool_calls",
	"FUNCTION_CALL": "tool_calls",
}

func mapFinishReason(upstream string, hasToolCalls bool) *string {
	mapped, ok := finishReasonMap[upstream]
	if !ok {
		if hasToolCalls {
			v := "tool_calls"
			return &v
		}
		return nil
	}
	if hasToolCalls && mapped != "tool_calls" {
		mapped = "tool_calls"
	}
	return &mapped
}

// FromGemini converts a non-streaming GeminiResponse into an OpenAI
// ChatResponse envelope for requestedModel.
func FromGemini(resp *GeminiResponse, requestedModel string) (*ChatResponse, error) {
	out := &ChatResponse{
		ID:                "chatcmpl-" + uuid.NewString(),
		Object:            "chat.completion",
		Created:           helper.GetTimestamp(),
		Model:             requestedModel,
		SystemFingerprint: nil,
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			out.Choices = []Choice{blockedChoice(resp.PromptFeedback.BlockReason)}
			out.Usage = usageFromMetadata(resp.UsageMetadata)
			return out, nil
		}
		out.Choices = []Choice{}
		out.Usage = usageFromMetadata(resp.UsageMetadata)
		return out, nil
	}

	choices := make([]Choice, 0, len(resp.Candidates))
	for _, cand := range resp.Candidates {
		choices = append(choices, candidateToChoice(&cand))
	}
	out.Choices = choices
	out.Usage = usageFromMetadata(resp.UsageMetadata)
	return out, nil
}

func blockedChoice(reason string) Choice {
	contentFilter := "content_filter"
	msg := "blocked by upstream safety filter: " + reason
	return Choice{
		Index:        0,
		FinishReason: &contentFilter,
		Message:      ChoiceMessage{Role: "assistant", Content: &msg},
	}
}

func candidateToChoice(cand *GeminiCandidate) Choice {
	var textParts []string
	var toolCalls []ToolCall

	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			argsJSON, _ := json.Marshal(part.FunctionCall.Args)
			toolCalls = append(toolCalls, ToolCall{
				ID:   "call_" + uuid.NewString(),
				Type: "function",
				Function: ToolCallFunc{
					Name:      part.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}

	var content *string
	if len(textParts) > 0 {
		joined := strings.Join(textParts, "")
		content = &joined
	}

	return Choice{
		Index: cand.Index,
		Message: ChoiceMessage{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		FinishReason: mapFinishReason(cand.FinishReason, len(toolCalls) > 0),
		LogProbs:     nil,
	}
}

func usageFromMetadata(meta *GeminiUsageMetadata) *Usage {
	if meta == nil {
		return nil
	}
	total := meta.TotalTokenCount
	if total == 0 {
		total = meta.PromptTokenCount + meta.CandidatesTokenCount
	}
	return &Usage{
		PromptTokens:     meta.PromptTokenCount,
		CompletionTokens: meta.CandidatesTokenCount,
		TotalTokens:      total,
	}
}

// StreamState tracks what has already been emitted for one SSE stream so
// FromGeminiChunk knows when delta.role is owed (§4.G: "delta.role is
// emitted only on the first chunk").
type StreamState struct {
	id           string
	created      int64
	roleSent     bool
}

// NewStreamState begins tracking a new streamed completion.
func NewStreamState() *StreamState {
	return &StreamState{
		id:      "chatcmpl-" + uuid.NewString(),
		created: helper.GetTimestamp(),
	}
}

// FromGeminiChunk converts one parsed upstream object into an OpenAI
// streaming chunk.
func (s *StreamState) FromGeminiChunk(resp *GeminiResponse, requestedModel string) *ChatStreamChunk {
	chunk := &ChatStreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   requestedModel,
	}

	if len(resp.Candidates) == 0 {
		chunk.Choices = []StreamChoice{}
		return chunk
	}

	choices := make([]StreamChoice, 0, len(resp.Candidates))
	for _, cand := range resp.Candidates {
		choices = append(choices, s.candidateToStreamChoice(&cand))
	}
	chunk.Choices = choices
	return chunk
}

func (s *StreamState) candidateToStreamChoice(cand *GeminiCandidate) StreamChoice {
	var textParts []string
	var toolCalls []ToolCall

	for _, part := range cand.Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			argsJSON, _ := json.Marshal(part.FunctionCall.Args)
			toolCalls = append(toolCalls, ToolCall{
				ID:   "call_" + uuid.NewString(),
				Type: "function",
				Function: ToolCallFunc{
					Name:      part.FunctionCall.Name,
					Arguments: string(argsJSON),
				},
			})
		}
	}

	delta := StreamDelta{ToolCalls: toolCalls}
	if len(textParts) > 0 {
		joined := strings.Join(textParts, "")
		delta.Content = &joined
	}

	if !s.roleSent {
		delta.Role = "assistant"
		s.roleSent = true
	}

	var finish *string
	if cand.FinishReason != "" {
		finish = mapFinishReason(cand.FinishReason, len(toolCalls) > 0)
	}

	return StreamChoice{
		Index:        cand.Index,
		Delta:        delta,
		FinishReason: finish,
	}
}
