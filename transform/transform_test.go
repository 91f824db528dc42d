package transform

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGeminiMapsSystemMessageToSystemInstruction(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []ChatMessage{
			{Role: "system", Content: json.RawMessage(`"be concise"`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	out, err := ToGemini(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "be concise", out.SystemInstruction.Parts[0].Text)
	require.Len(t, out.Contents, 1)
	assert.Equal(t, "user", out.Contents[0].Role)
}

func TestToGeminiGemmaModelDemotesSystemToUserTurn(t *testing.T) {
	req := &ChatRequest{
		Model: "gemma-3-27b",
		Messages: []ChatMessage{
			{Role: "system", Content: json.RawMessage(`"be concise"`)},
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	out, err := ToGemini(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.Nil(t, out.SystemInstruction)
	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "be concise", out.Contents[0].Parts[0].Text)
}

func TestToGeminiSafetyDisabledEmitsAllCategories(t *testing.T) {
	req := &ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
	out, err := ToGemini(context.Background(), req, RequestOptions{SafetyDisabled: true})
	require.NoError(t, err)
	assert.Len(t, out.SafetySettings, len(AllSafetyCategories))
	for _, s := range out.SafetySettings {
		assert.Equal(t, BlockNone, s.Threshold)
	}
}

func TestToGeminiNonThinkingSuffixStripped(t *testing.T) {
	req := &ChatRequest{
		Model:    "gemini-2.5-pro:non-thinking",
		Messages: []ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}
	out, err := ToGemini(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.GenerationConfig)
	require.NotNil(t, out.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 0, out.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestToGeminiToolCallAssistantMessage(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []ChatMessage{
			{
				Role: "assistant",
				ToolCalls: []ToolCall{
					{ID: "call_1", Type: "function", Function: ToolCallFunc{Name: "get_weather", Arguments: `{"city":"NYC"}`}},
				},
			},
		},
	}
	out, err := ToGemini(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	require.Len(t, out.Contents, 1)
	require.Len(t, out.Contents[0].Parts, 1)
	require.NotNil(t, out.Contents[0].Parts[0].FunctionCall)
	assert.Equal(t, "get_weather", out.Contents[0].Parts[0].FunctionCall.Name)
	assert.Equal(t, "NYC", out.Contents[0].Parts[0].FunctionCall.Args["city"])
}

func TestToGeminiToolResultMessage(t *testing.T) {
	req := &ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []ChatMessage{
			{Role: "tool", Name: "get_weather", Content: json.RawMessage(`"{\"temp\":72}"`)},
		},
	}
	out, err := ToGemini(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	require.Len(t, out.Contents, 1)
	assert.Equal(t, "function", out.Contents[0].Role)
	require.NotNil(t, out.Contents[0].Parts[0].FunctionResponse)
	assert.Equal(t, "get_weather", out.Contents[0].Parts[0].FunctionResponse.Name)
}

func TestToGeminiDataURIImage(t *testing.T) {
	parts, err := convertContentParts(context.Background(), json.RawMessage(`[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,QUJD"}}
	]`))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "what is this", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MimeType)
	assert.Equal(t, "QUJD", parts[1].InlineData.Data)
}

func TestToGeminiGSURIImage(t *testing.T) {
	parts, err := convertContentParts(context.Background(), json.RawMessage(`[
		{"type":"image_url","image_url":{"url":"gs://bucket/obj.jpg"}}
	]`))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.NotNil(t, parts[0].FileData)
	assert.Equal(t, "image/jpeg", parts[0].FileData.MimeType)
	assert.Equal(t, "gs://bucket/obj.jpg", parts[0].FileData.FileURI)
}

func TestConvertToolChoiceVariants(t *testing.T) {
	none, err := convertToolChoice(json.RawMessage(`"none"`))
	require.NoError(t, err)
	assert.Equal(t, ModeNone, none.FunctionCallingConfig.Mode)

	auto, err := convertToolChoice(json.RawMessage(`"auto"`))
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, auto.FunctionCallingConfig.Mode)

	named, err := convertToolChoice(json.RawMessage(`{"type":"function","function":{"name":"get_weather"}}`))
	require.NoError(t, err)
	assert.Equal(t, ModeAny, named.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"get_weather"}, named.FunctionCallingConfig.AllowedFunctionNames)
}

func TestFromGeminiMapsFinishReasonAndUsage(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{
			{
				Index:        0,
				FinishReason: "STOP",
				Content:      GeminiContent{Parts: []GeminiPart{{Text: "hello there"}}},
			},
		},
		UsageMetadata: &GeminiUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}

	out, err := FromGemini(resp, "gemini-2.5-flash")
	require.NoError(t, err)
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, "stop", *out.Choices[0].FinishReason)
	require.NotNil(t, out.Choices[0].Message.Content)
	assert.Equal(t, "hello there", *out.Choices[0].Message.Content)
	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.TotalTokens)
}

func TestFromGeminiToolCallOverridesFinishReason(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{
			{
				FinishReason: "STOP",
				Content: GeminiContent{Parts: []GeminiPart{
					{FunctionCall: &GeminiFunctionCall{Name: "get_weather", Args: map[string]any{"city": "NYC"}}},
				}},
			},
		},
	}
	out, err := FromGemini(resp, "gemini-2.5-flash")
	require.NoError(t, err)
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, "tool_calls", *out.Choices[0].FinishReason)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
}

func TestFromGeminiBlockedPrompt(t *testing.T) {
	resp := &GeminiResponse{
		PromptFeedback: &GeminiPromptFeedback{BlockReason: "SAFETY"},
	}
	out, err := FromGemini(resp, "gemini-2.5-flash")
	require.NoError(t, err)
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].FinishReason)
	assert.Equal(t, "content_filter", *out.Choices[0].FinishReason)
}

func TestStreamStateEmitsRoleOnlyOnFirstChunk(t *testing.T) {
	state := NewStreamState()
	resp1 := &GeminiResponse{Candidates: []GeminiCandidate{{Content: GeminiContent{Parts: []GeminiPart{{Text: "hi"}}}}}}
	chunk1 := state.FromGeminiChunk(resp1, "gemini-2.5-flash")
	assert.Equal(t, "assistant", chunk1.Choices[0].Delta.Role)

	resp2 := &GeminiResponse{Candidates: []GeminiCandidate{{Content: GeminiContent{Parts: []GeminiPart{{Text: " there"}}}}}}
	chunk2 := state.FromGeminiChunk(resp2, "gemini-2.5-flash")
	assert.Empty(t, chunk2.Choices[0].Delta.Role)
}
