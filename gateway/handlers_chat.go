package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/laiskygw/geminigw/common/config"
	"github.com/laiskygw/geminigw/common/ctxkey"
	"github.com/laiskygw/geminigw/common/logger"
	"github.com/laiskygw/geminigw/dispatch"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/selector"
	"github.com/laiskygw/geminigw/store"
	"github.com/laiskygw/geminigw/streaming"
	"github.com/laiskygw/geminigw/transform"
)

// exhaustedCategorySentinel pins a key's categoryUsage above any realistic
// cap once Handle429's escalation threshold is crossed (§4.D).
const exhaustedCategorySentinel = 1 << 30

var errNoKeyAvailable = &noKeyError{}

type noKeyError struct{}

func (*noKeyError) Error() string { return "no upstream key available under current quotas" }

// errVertexNotConfigured is returned for a "[v]"-prefixed model id when
// neither an express-mode API key nor a service-account JSON has been
// configured (§4.H).
var errVertexNotConfigured = &vertexNotConfiguredError{}

type vertexNotConfiguredError struct{}

func (*vertexNotConfiguredError) Error() string {
	return "alternate (Vertex) backend is not configured"
}

// handleChatCompletions implements `POST /v1/chat/completions` (§4.J):
// selection (F) -> request transform (G) -> dispatch (H) -> response
// transform/streaming (G/I), retried up to MaxRetry times against a
// freshly-selected key on a retryable upstream failure.
func (g *Gateway) handleChatCompletions(c *gin.Context) {
	var req transform.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeClientError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeClientError(c, http.StatusBadRequest, "model is required")
		return
	}

	wkVal, ok := c.Get(ctxkey.WorkerKey)
	wk, _ := wkVal.(*store.WorkerKey)
	if !ok || wk == nil {
		writeClientError(c, http.StatusUnauthorized, "missing worker key")
		return
	}

	normalized := transform.NormalizeModel(req.Model)

	transformModel := normalized.ModelID
	if normalized.NonThinking {
		transformModel += ":non-thinking"
	}
	transformReq := req
	transformReq.Model = transformModel

	opts := transform.RequestOptions{
		SafetyDisabled:     !wk.SafetyEnabled,
		EnableGoogleSearch: normalized.WebSearch,
	}

	ctx := c.Request.Context()
	keepAlive := req.Stream && !wk.SafetyEnabled && config.KeepAliveEnabled

	switch {
	case keepAlive:
		w, _ := g.openSSE(c)
		call := func(callCtx context.Context) (*transform.ChatResponse, error) {
			return g.dispatchNonStream(callCtx, &transformReq, opts, normalized, req.Model)
		}
		_ = streaming.KeepAlive(ctx, w, config.KeepAliveHeartbeatInterval, req.Model, call)

	case req.Stream:
		g.serveStream(c, ctx, &transformReq, opts, normalized, req.Model)

	default:
		resp, err := g.dispatchNonStream(ctx, &transformReq, opts, normalized, req.Model)
		if err != nil {
			writeUpstreamErrFromErr(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// openSSE sets the response headers for an SSE stream and returns a
// streaming.Writer bound to the gin ResponseWriter, flushing after every
// frame so the client sees bytes as they are produced (§6 SSE wire
// format).
func (g *Gateway) openSSE(c *gin.Context) (*streaming.Writer, bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher, canFlush := c.Writer.(interface{ Flush() })
	if !canFlush {
		return streaming.NewWriter(c.Writer, nil), false
	}
	return streaming.NewWriter(c.Writer, flusher), true
}

func (g *Gateway) serveStream(c *gin.Context, ctx context.Context, req *transform.ChatRequest, opts transform.RequestOptions, normalized transform.NormalizedModel, requestedModel string) {
	geminiReq, err := transform.ToGemini(ctx, req, opts)
	if err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}

	handle, err := g.dispatchRequest(ctx, geminiReq, normalized, true)
	w, _ := g.openSSE(c)
	if err != nil {
		_ = w.WriteError(err.Error())
		_ = w.Done()
		return
	}
	defer handle.Resp.Body.Close()

	state := transform.NewStreamState()
	if err := streaming.PumpUpstream(handle.Resp.Body, w, state, requestedModel); err != nil {
		logger.Logger.Warn("stream pump ended with error", zap.Error(err))
	}
}

// dispatchNonStream performs one (possibly retried) non-streaming
// upstream call and returns the translated OpenAI response.
func (g *Gateway) dispatchNonStream(ctx context.Context, req *transform.ChatRequest, opts transform.RequestOptions, normalized transform.NormalizedModel, requestedModel string) (*transform.ChatResponse, error) {
	geminiReq, err := transform.ToGemini(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	handle, err := g.dispatchRequest(ctx, geminiReq, normalized, false)
	if err != nil {
		return nil, err
	}
	defer handle.Resp.Body.Close()

	body, err := io.ReadAll(handle.Resp.Body)
	if err != nil {
		return nil, err
	}
	var geminiResp transform.GeminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, err
	}

	resp, err := transform.FromGemini(&geminiResp, requestedModel)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatchRequest routes geminiReq to either the Vertex alternate backend
// (when normalized carries the "[v]" prefix and Vertex is configured) or
// the standard pooled-upstream-key path, per §4.H: "the transformer rules
// still apply; the dispatcher merely uses a different SDK/transport."
// Vertex calls authenticate as the configured project, not a key from the
// rotated upstream-key pool, so they carry no per-key usage/quota bookkeeping.
func (g *Gateway) dispatchRequest(ctx context.Context, geminiReq *transform.GeminiRequest, normalized transform.NormalizedModel, stream bool) (*dispatch.Handle, error) {
	if normalized.IsVertex {
		if !config.VertexConfigured() {
			return nil, errVertexNotConfigured
		}
		return g.sendVertex(ctx, geminiReq, normalized.ModelID, stream)
	}

	category := g.categoryForModel(ctx, normalized.ModelID)
	handle, key, err := g.selectAndSend(ctx, geminiReq, normalized.ModelID, category, stream)
	if err != nil {
		return nil, err
	}
	if _, err := g.reg.IncrementUsage(ctx, key.ID, normalized.ModelID, category); err != nil {
		logger.Logger.Warn("failed to record upstream key usage", zap.Error(err))
	}
	return handle, nil
}

// sendVertex dispatches one request through the Vertex alternate backend
// and classifies a non-2xx response the same way selectAndSend does,
// without any key-rotation retry (there is no pool of Vertex credentials
// to rotate through).
func (g *Gateway) sendVertex(ctx context.Context, geminiReq *transform.GeminiRequest, modelID string, stream bool) (*dispatch.Handle, error) {
	url := dispatch.BuildVertexURL(modelID, stream, g.vertexConfig())

	handle, err := g.disp.SendVertex(ctx, url, geminiReq)
	if err != nil {
		return nil, err
	}
	if handle.StatusCode >= 200 && handle.StatusCode < 300 {
		return handle, nil
	}

	upstreamErr, classifyErr := dispatch.Classify(handle.Resp)
	handle.Resp.Body.Close()
	if classifyErr != nil {
		return nil, classifyErr
	}
	return nil, upstreamErr
}

func (g *Gateway) vertexConfig() dispatch.VertexConfig {
	return dispatch.VertexConfig{
		ProjectID:          config.VertexProjectID,
		Region:             config.VertexRegion,
		ServiceAccountJSON: config.VertexServiceAccountJSON,
		ExpressAPIKey:      config.VertexExpressAPIKey,
	}
}

// selectAndSend runs the select-dispatch-classify loop, retrying against
// a freshly-selected key up to MaxRetry times on a retryable failure
// (§4.H). On success it returns the live handle and the key that served
// it, unconsumed, so the caller decides how to read the body (buffered
// for non-stream, piped for stream).
func (g *Gateway) selectAndSend(ctx context.Context, geminiReq *transform.GeminiRequest, modelID, category string, stream bool) (*dispatch.Handle, *registry.Key, error) {
	url := dispatch.BuildURL(modelID, stream, g.overrideConfig())

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetry; attempt++ {
		key, err := g.sel.Select(ctx, modelID, selector.Options{AdvanceCursor: true})
		if err != nil {
			return nil, nil, err
		}
		if key == nil {
			return nil, nil, errNoKeyAvailable
		}

		handle, err := g.disp.Send(ctx, url, geminiReq, key)
		if err != nil {
			lastErr = err
			continue
		}

		if handle.StatusCode >= 200 && handle.StatusCode < 300 {
			return handle, key, nil
		}

		upstreamErr, classifyErr := dispatch.Classify(handle.Resp)
		handle.Resp.Body.Close()
		if classifyErr != nil {
			lastErr = classifyErr
			continue
		}
		lastErr = upstreamErr

		if !dispatch.IsRetryableForKeySwap(handle.StatusCode) {
			return nil, nil, upstreamErr
		}
		g.recordKeyFailure(ctx, key, modelID, category, handle.StatusCode)
	}

	return nil, nil, lastErr
}

func (g *Gateway) recordKeyFailure(ctx context.Context, key *registry.Key, modelID, category string, status int) {
	if status == http.StatusTooManyRequests {
		if _, err := g.reg.Handle429(ctx, key.ID, modelID, category, g.sel.Threshold(), exhaustedCategorySentinel); err != nil {
			logger.Logger.Warn("failed to record 429 escalation", zap.Error(err))
		}
		return
	}
	if err := g.reg.RecordError(ctx, key.ID, status); err != nil {
		logger.Logger.Warn("failed to record key error status", zap.Error(err))
	}
}

func (g *Gateway) categoryForModel(ctx context.Context, modelID string) string {
	entry, err := g.cat.Get(ctx, modelID)
	if err != nil {
		return store.CategoryFlash
	}
	return entry.Category
}

func (g *Gateway) overrideConfig() *dispatch.GatewayOverride {
	if !config.GatewayOverrideConfigured() {
		return nil
	}
	return &dispatch.GatewayOverride{ProjectID: config.GatewayOverrideProjectID, Name: config.GatewayOverrideName}
}

func writeUpstreamErrFromErr(c *gin.Context, err error) {
	if upErr, ok := err.(*dispatch.UpstreamError); ok {
		writeUpstreamError(c, upErr.Status, upErr.Body)
		return
	}
	if _, ok := err.(*noKeyError); ok {
		writeUpstreamError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	if _, ok := err.(*vertexNotConfiguredError); ok {
		writeUpstreamError(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeUpstreamError(c, http.StatusBadGateway, err.Error())
}
