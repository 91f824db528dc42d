package transform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/laiskygw/geminigw/common/client"
	"github.com/laiskygw/geminigw/common/logger"
)

// RequestOptions carries the pieces of gateway state the pure wire-format
// fields don't include but the translation depends on (§4.G: safety
// disablement depends on the calling worker key; the gemma system-turn
// fallback is used when safety is disabled or the model id starts with
// "gemma").
type RequestOptions struct {
	SafetyDisabled     bool
	EnableGoogleSearch bool
}

// ToGemini converts an OpenAI chat-completions request into the upstream
// native request body. It may perform network I/O (downloading http(s)
// image references) via ctx.
func ToGemini(ctx context.Context, req *ChatRequest, opts RequestOptions) (*GeminiRequest, error) {
	modelID, thinkingBudget := stripNonThinkingSuffix(req.Model)
	useGemmaFallback := opts.SafetyDisabled || strings.HasPrefix(strings.ToLower(modelID), "gemma")

	out := &GeminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			text, err := flattenTextContent(msg.Content)
			if err != nil {
				return nil, err
			}
			if useGemmaFallback {
				out.Contents = append(out.Contents, GeminiContent{
					Role:  "user",
					Parts: []GeminiPart{{Text: text}},
				})
			} else {
				out.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: text}}}
			}
			continue
		}

		content, err := convertMessage(ctx, &msg)
		if err != nil {
			return nil, err
		}
		if content != nil {
			out.Contents = append(out.Contents, *content)
		}
	}

	if len(req.Tools) > 0 {
		out.Tools = append(out.Tools, GeminiTool{FunctionDeclarations: convertTools(req.Tools)})
	}
	if opts.EnableGoogleSearch {
		out.Tools = append(out.Tools, GeminiTool{GoogleSearch: &struct{}{}})
	}
	if len(req.ToolChoice) > 0 {
		tc, err := convertToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolConfig = tc
	}

	if opts.SafetyDisabled {
		settings := make([]GeminiSafetySetting, 0, len(AllSafetyCategories))
		for _, cat := range AllSafetyCategories {
			settings = append(settings, GeminiSafetySetting{Category: cat, Threshold: BlockNone})
		}
		out.SafetySettings = settings
	}

	genConfig := convertGenerationConfig(req)
	if thinkingBudget != nil {
		if genConfig == nil {
			genConfig = &GeminiGenConfig{}
		}
		genConfig.ThinkingConfig = &GeminiThinkingConf{ThinkingBudget: *thinkingBudget}
	}
	out.GenerationConfig = genConfig

	return out, nil
}

// NormalizedModel is the dispatch-ready decomposition of a client-facing
// model id synthesized by the model listing (§4.J): the base id upstream
// actually understands, plus which synthesized variant it was.
type NormalizedModel struct {
	ModelID     string
	IsVertex    bool
	WebSearch   bool
	NonThinking bool
}

// NormalizeModel strips the synthesized-id markers ("[v]" prefix,
// "-search" and ":non-thinking" suffixes) from a client-requested model
// id, returning the base id the upstream API understands.
func NormalizeModel(requested string) NormalizedModel {
	out := NormalizedModel{ModelID: requested}

	if strings.HasPrefix(out.ModelID, "[v]") {
		out.IsVertex = true
		out.ModelID = strings.TrimPrefix(out.ModelID, "[v]")
	}
	if strings.HasSuffix(out.ModelID, ":non-thinking") {
		out.NonThinking = true
		out.ModelID = strings.TrimSuffix(out.ModelID, ":non-thinking")
	}
	if strings.HasSuffix(out.ModelID, "-search") {
		out.WebSearch = true
		out.ModelID = strings.TrimSuffix(out.ModelID, "-search")
	}
	return out
}

// stripNonThinkingSuffix removes a trailing ":non-thinking" from modelID
// and, when present, returns a thinkingBudget of 0 (§4.G).
func stripNonThinkingSuffix(modelID string) (string, *int) {
	const suffix = ":non-thinking"
	if strings.HasSuffix(modelID, suffix) {
		budget := 0
		return strings.TrimSuffix(modelID, suffix), &budget
	}
	return modelID, nil
}

func flattenTextContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", errors.Wrap(err, "decode message content")
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

func convertMessage(ctx context.Context, msg *ChatMessage) (*GeminiContent, error) {
	switch msg.Role {
	case "tool":
		return convertToolResultMessage(msg)
	case "assistant":
		return convertAssistantMessage(ctx, msg)
	default: // "user"
		parts, err := convertContentParts(ctx, msg.Content)
		if err != nil {
			return nil, err
		}
		return &GeminiContent{Role: "user", Parts: parts}, nil
	}
}

func convertToolResultMessage(msg *ChatMessage) (*GeminiContent, error) {
	text, err := flattenTextContent(msg.Content)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		parsed = text
	}

	return &GeminiContent{
		Role: "function",
		Parts: []GeminiPart{{
			FunctionResponse: &GeminiFunctionResult{Name: msg.Name, Response: parsed},
		}},
	}, nil
}

func convertAssistantMessage(ctx context.Context, msg *ChatMessage) (*GeminiContent, error) {
	var parts []GeminiPart

	if len(msg.Content) > 0 {
		text, err := flattenTextContent(msg.Content)
		if err != nil {
			return nil, err
		}
		if text != "" {
			parts = append(parts, GeminiPart{Text: text})
		}
	}

	for _, call := range msg.ToolCalls {
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				return nil, errors.Wrapf(err, "decode tool call arguments for %s", call.Function.Name)
			}
		}
		parts = append(parts, GeminiPart{
			FunctionCall: &GeminiFunctionCall{Name: call.Function.Name, Args: args},
		})
	}

	return &GeminiContent{Role: "model", Parts: parts}, nil
}

func convertContentParts(ctx context.Context, raw json.RawMessage) ([]GeminiPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []GeminiPart{{Text: s}}, nil
	}

	var openaiParts []ContentPart
	if err := json.Unmarshal(raw, &openaiParts); err != nil {
		return nil, errors.Wrap(err, "decode message content parts")
	}

	parts := make([]GeminiPart, 0, len(openaiParts))
	for _, p := range openaiParts {
		switch p.Type {
		case "text":
			parts = append(parts, GeminiPart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			part, err := convertImageURL(ctx, p.ImageURL.URL)
			if err != nil {
				logger.Logger.Warn("falling back to text placeholder for unsupported image", zap.Error(err))
				parts = append(parts, GeminiPart{Text: "[unsupported image content]"})
				continue
			}
			parts = append(parts, *part)
		default:
			logger.Logger.Warn("unsupported content part type, using text placeholder", zap.String("type", p.Type))
			parts = append(parts, GeminiPart{Text: "[unsupported content]"})
		}
	}
	return parts, nil
}

func convertImageURL(ctx context.Context, url string) (*GeminiPart, error) {
	switch {
	case strings.HasPrefix(url, "data:"):
		mimeType, data, err := parseDataURI(url)
		if err != nil {
			return nil, err
		}
		return &GeminiPart{InlineData: &GeminiInlineData{MimeType: mimeType, Data: data}}, nil

	case strings.HasPrefix(url, "gs://"):
		mimeType := mimeTypeFromExtension(url)
		return &GeminiPart{FileData: &GeminiFileData{MimeType: mimeType, FileURI: url}}, nil

	case strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://"):
		return downloadImageAsInline(ctx, url)

	default:
		return nil, errors.Errorf("unsupported image URL scheme: %s", url)
	}
}

func parseDataURI(uri string) (mimeType, data string, err error) {
	// data:<mime>;base64,<payload>
	rest := strings.TrimPrefix(uri, "data:")
	idx := strings.Index(rest, ",")
	if idx < 0 {
		return "", "", errors.New("malformed data URI")
	}
	meta, payload := rest[:idx], rest[idx+1:]
	mimeType = strings.TrimSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, payload, nil
}

func mimeTypeFromExtension(p string) string {
	ext := path.Ext(p)
	if mt := mime.TypeByExtension(ext); mt != "" {
		return strings.Split(mt, ";")[0]
	}
	return "application/octet-stream"
}

func downloadImageAsInline(ctx context.Context, url string) (*GeminiPart, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build image download request")
	}

	resp, err := client.UserContentRequestHTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("image download returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read downloaded image")
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mimeTypeFromExtension(url)
	} else {
		mimeType = strings.Split(mimeType, ";")[0]
	}

	return &GeminiPart{InlineData: &GeminiInlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(body),
	}}, nil
}

func convertTools(tools []Tool) []GeminiFunctionDeclaration {
	decls := make([]GeminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		params := t.Function.Parameters
		if params != nil {
			delete(params, "$schema")
		}
		decls = append(decls, GeminiFunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	return decls
}

func convertToolChoice(raw json.RawMessage) (*GeminiToolConfig, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none":
			return &GeminiToolConfig{FunctionCallingConfig: GeminiFunctionCallingConfig{Mode: ModeNone}}, nil
		case "auto":
			return &GeminiToolConfig{FunctionCallingConfig: GeminiFunctionCallingConfig{Mode: ModeAuto}}, nil
		default:
			return &GeminiToolConfig{FunctionCallingConfig: GeminiFunctionCallingConfig{
				Mode: ModeAny, AllowedFunctionNames: []string{s},
			}}, nil
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, errors.Wrap(err, "decode tool_choice")
	}
	if obj.Function.Name == "" {
		return nil, errors.New("tool_choice object missing function.name")
	}
	return &GeminiToolConfig{FunctionCallingConfig: GeminiFunctionCallingConfig{
		Mode: ModeAny, AllowedFunctionNames: []string{obj.Function.Name},
	}}, nil
}

func convertGenerationConfig(req *ChatRequest) *GeminiGenConfig {
	cfg := &GeminiGenConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
	}

	if stops := decodeStop(req.Stop); len(stops) > 0 {
		cfg.StopSequences = stops
	}

	if cfg.Temperature == nil && cfg.TopP == nil && cfg.TopK == nil &&
		cfg.MaxOutputTokens == nil && len(cfg.StopSequences) == 0 {
		return nil
	}
	return cfg
}

func decodeStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
