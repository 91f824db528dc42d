package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatRouter(t *testing.T, g *Gateway) *gin.Engine {
	t.Helper()
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(g.WorkerAuth())
	v1.POST("/chat/completions", g.handleChatCompletions)
	return r
}

func TestHandleChatCompletionsRejectsMalformedBody(t *testing.T) {
	g := setupTestGateway(t)
	secret := seedWorkerKey(t, g, true)
	r := newChatRouter(t, g)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString("not json"))
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatCompletionsRequiresModel(t *testing.T) {
	g := setupTestGateway(t)
	secret := seedWorkerKey(t, g, true)
	r := newChatRouter(t, g)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatCompletionsRejectsMissingAuth(t *testing.T) {
	g := setupTestGateway(t)
	r := newChatRouter(t, g)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"gemini-1.5-flash","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChatCompletionsRejectsUnconfiguredVertexModel(t *testing.T) {
	g := setupTestGateway(t)
	secret := seedWorkerKey(t, g, true)
	r := newChatRouter(t, g)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"[v]gemini-1.5-pro","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Vertex")
}

func TestHandleChatCompletionsReturnsServiceUnavailableWithNoUpstreamKeys(t *testing.T) {
	g := setupTestGateway(t)
	secret := seedWorkerKey(t, g, true)
	r := newChatRouter(t, g)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"gemini-1.5-flash","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no upstream key available")
}
