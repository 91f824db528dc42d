package transform

// GeminiRequest is the upstream generateContent/streamGenerateContent
// request body.
type GeminiRequest struct {
	Contents          []GeminiContent       `json:"contents"`
	SystemInstruction *GeminiContent        `json:"systemInstruction,omitempty"`
	Tools             []GeminiTool          `json:"tools,omitempty"`
	ToolConfig        *GeminiToolConfig     `json:"toolConfig,omitempty"`
	SafetySettings    []GeminiSafetySetting `json:"safetySettings,omitempty"`
	GenerationConfig  *GeminiGenConfig      `json:"generationConfig,omitempty"`
}

// GeminiContent is one conversational turn.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a single part of a turn: exactly one of its fields is set.
type GeminiPart struct {
	Text             string                `json:"text,omitempty"`
	InlineData       *GeminiInlineData     `json:"inlineData,omitempty"`
	FileData         *GeminiFileData       `json:"fileData,omitempty"`
	FunctionCall     *GeminiFunctionCall   `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResult `json:"functionResponse,omitempty"`
}

// GeminiInlineData is a base64-inlined media blob.
type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeminiFileData is a reference to a gs:// object.
type GeminiFileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// GeminiFunctionCall is a model-issued tool invocation.
type GeminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// GeminiFunctionResult is the client's reply to a function call.
type GeminiFunctionResult struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

// GeminiTool declares one or more callable functions, or (exclusively)
// the built-in Google Search retrieval tool requested via a model id's
// "-search" suffix (§4.J model listing).
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}                   `json:"googleSearch,omitempty"`
}

// GeminiFunctionDeclaration is one tool schema.
type GeminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GeminiToolConfig controls function-calling mode.
type GeminiToolConfig struct {
	FunctionCallingConfig GeminiFunctionCallingConfig `json:"functionCallingConfig"`
}

// GeminiFunctionCallingConfig is the mode/allow-list pair for tool use.
type GeminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// Function-calling modes.
const (
	ModeNone = "NONE"
	ModeAuto = "AUTO"
	ModeAny  = "ANY"
)

// GeminiSafetySetting disables or adjusts one safety category.
type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Safety categories disabled when safety is turned off (§4.G).
var AllSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// BlockNone disables filtering entirely for a safety category.
const BlockNone = "BLOCK_NONE"

// GeminiGenConfig maps OpenAI's generation parameters.
type GeminiGenConfig struct {
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"topP,omitempty"`
	TopK             *int                `json:"topK,omitempty"`
	MaxOutputTokens  *int                `json:"maxOutputTokens,omitempty"`
	StopSequences    []string            `json:"stopSequences,omitempty"`
	ThinkingConfig   *GeminiThinkingConf `json:"thinkingConfig,omitempty"`
}

// GeminiThinkingConf carries the non-thinking-suffix hint (§4.G).
type GeminiThinkingConf struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

// GeminiResponse is one generateContent / streamGenerateContent object.
type GeminiResponse struct {
	Candidates     []GeminiCandidate     `json:"candidates"`
	PromptFeedback *GeminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *GeminiUsageMetadata  `json:"usageMetadata,omitempty"`
}

// GeminiCandidate is one generated completion.
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

// GeminiPromptFeedback carries prompt-level safety blocking info.
type GeminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// GeminiUsageMetadata is the upstream token accounting.
type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}
