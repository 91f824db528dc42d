package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/laiskygw/geminigw/catalog"
	"github.com/laiskygw/geminigw/common/config"
	"github.com/laiskygw/geminigw/common/helper"
	"github.com/laiskygw/geminigw/common/random"
	"github.com/laiskygw/geminigw/dispatch"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/store"
	"github.com/laiskygw/geminigw/transform"
)

// registerAdminRoutes mounts the admin operations tree: worker keys,
// upstream keys (single and batch add, delete, test, clear error, list
// with usage), models, category quotas, and a read-only view of the
// alternate-backend config. There is no route that reads or writes other
// system settings; keep-alive, retry and web-search come from the
// environment (common/config).
func (g *Gateway) registerAdminRoutes(r gin.IRoutes) {
	r.GET("/worker-keys", g.adminListWorkerKeys)
	r.POST("/worker-keys", g.adminCreateWorkerKey)
	r.DELETE("/worker-keys/:secret", g.adminDeleteWorkerKey)

	r.GET("/upstream-keys", g.adminListUpstreamKeys)
	r.POST("/upstream-keys", g.adminAddUpstreamKey)
	r.POST("/upstream-keys/batch", g.adminAddUpstreamKeyBatch)
	r.DELETE("/upstream-keys/errored", g.adminDeleteErroredUpstreamKeys)
	r.DELETE("/upstream-keys/:id", g.adminDeleteUpstreamKey)
	r.POST("/upstream-keys/:id/test", g.adminTestUpstreamKey)
	r.POST("/upstream-keys/:id/clear-error", g.adminClearUpstreamKeyError)
	r.POST("/upstream-keys/test-all", g.adminTestAllUpstreamKeys)

	r.GET("/models", g.adminListModels)
	r.PUT("/models/:id", g.adminUpsertModel)
	r.DELETE("/models/:id", g.adminDeleteModel)

	r.GET("/category-quotas", g.adminGetCategoryQuotas)
	r.PUT("/category-quotas", g.adminSetCategoryQuotas)

	r.GET("/backend-config", g.adminGetBackendConfig)
}

// --- worker keys ---

func (g *Gateway) adminListWorkerKeys(c *gin.Context) {
	var rows []store.WorkerKey
	if err := g.st.DB().WithContext(c.Request.Context()).Order("created_at asc").Find(&rows).Error; err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, "failed to list worker keys")
		return
	}
	c.JSON(http.StatusOK, rows)
}

type createWorkerKeyRequest struct {
	Description   string `json:"description"`
	SafetyEnabled *bool  `json:"safetyEnabled"`
}

func (g *Gateway) adminCreateWorkerKey(c *gin.Context) {
	var req createWorkerKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}
	safety := true
	if req.SafetyEnabled != nil {
		safety = *req.SafetyEnabled
	}
	wk := &store.WorkerKey{
		Secret:        "wk_" + random.ShortID(32),
		Description:   req.Description,
		SafetyEnabled: safety,
		CreatedAt:     helper.GetTimestamp(),
	}
	if err := g.st.WithTx(c.Request.Context(), func(tx *gorm.DB) error { return tx.Create(wk).Error }); err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, "failed to create worker key")
		return
	}
	c.JSON(http.StatusCreated, wk)
}

func (g *Gateway) adminDeleteWorkerKey(c *gin.Context) {
	secret := c.Param("secret")
	err := g.st.WithTx(c.Request.Context(), func(tx *gorm.DB) error {
		res := tx.Delete(&store.WorkerKey{}, "secret = ?", secret)
		return res.Error
	})
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, "failed to delete worker key")
		return
	}
	c.Status(http.StatusNoContent)
}

// --- upstream keys ---

func (g *Gateway) adminListUpstreamKeys(c *gin.Context) {
	rows, err := g.reg.ListWithUsage(c.Request.Context())
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, "failed to list upstream keys")
		return
	}
	c.JSON(http.StatusOK, rows)
}

type addUpstreamKeyRequest struct {
	Secret      string `json:"secret"`
	DisplayName string `json:"displayName"`
}

func (g *Gateway) adminAddUpstreamKey(c *gin.Context) {
	var req addUpstreamKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}
	key, err := g.reg.Add(c.Request.Context(), req.Secret, req.DisplayName)
	if err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusCreated, key)
}

type addUpstreamKeyBatchRequest struct {
	Secrets []string `json:"secrets"`
}

func (g *Gateway) adminAddUpstreamKeyBatch(c *gin.Context) {
	var req addUpstreamKeyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := g.reg.AddBatch(c.Request.Context(), req.Secrets)
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (g *Gateway) adminDeleteUpstreamKey(c *gin.Context) {
	if err := g.reg.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeUpstreamError(c, http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (g *Gateway) adminDeleteErroredUpstreamKeys(c *gin.Context) {
	count, ids, err := g.reg.DeleteAllWithError(c.Request.Context())
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deletedCount": count, "deletedIDs": ids})
}

type testKeyRequest struct {
	ModelID string `json:"modelId"`
}

func (g *Gateway) adminTestUpstreamKey(c *gin.Context) {
	var req testKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.ModelID == "" {
		req.ModelID = "gemini-2.5-flash"
	}
	category := g.categoryForModel(c.Request.Context(), req.ModelID)

	result, err := g.reg.Test(c.Request.Context(), c.Param("id"), req.ModelID, category, g.minimalTestCall)
	if err != nil {
		writeUpstreamError(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func (g *Gateway) adminTestAllUpstreamKeys(c *gin.Context) {
	var req testKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.ModelID == "" {
		req.ModelID = "gemini-2.5-flash"
	}
	category := g.categoryForModel(c.Request.Context(), req.ModelID)

	results, err := g.reg.RunAllTests(c.Request.Context(), req.ModelID, category, g.minimalTestCall)
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, results)
}

func (g *Gateway) adminClearUpstreamKeyError(c *gin.Context) {
	key, err := g.reg.ClearError(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeUpstreamError(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, key)
}

// minimalTestCall implements registry.TestFunc: a single-turn "ping"
// generation call against modelID, bypassing the selector since the
// caller already named the exact key to exercise.
func (g *Gateway) minimalTestCall(ctx context.Context, secret, modelID string) (int, string, error) {
	normalized := transform.NormalizeModel(modelID)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	geminiReq := &transform.GeminiRequest{
		Contents: []transform.GeminiContent{{Role: "user", Parts: []transform.GeminiPart{{Text: "ping"}}}},
	}
	url := dispatch.BuildURL(normalized.ModelID, false, g.overrideConfig())
	handle, err := g.disp.Send(ctx, url, geminiReq, &registry.Key{Secret: secret})
	if err != nil {
		return 0, "", err
	}
	defer handle.Resp.Body.Close()

	if handle.StatusCode >= 200 && handle.StatusCode < 300 {
		return handle.StatusCode, "ok", nil
	}
	upErr, err := dispatch.Classify(handle.Resp)
	if err != nil {
		return handle.StatusCode, "", err
	}
	return upErr.Status, upErr.Body, nil
}

// --- models / quotas ---

func (g *Gateway) adminListModels(c *gin.Context) {
	entries, err := g.cat.List(c.Request.Context())
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, entries)
}

type upsertModelRequest struct {
	Category        string `json:"category"`
	DailyQuota      *int64 `json:"dailyQuota"`
	IndividualQuota *int64 `json:"individualQuota"`
}

func (g *Gateway) adminUpsertModel(c *gin.Context) {
	var req upsertModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := g.cat.Upsert(c.Request.Context(), c.Param("id"), req.Category, req.DailyQuota, req.IndividualQuota)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidQuota) {
			writeClientError(c, http.StatusBadRequest, err.Error())
			return
		}
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (g *Gateway) adminDeleteModel(c *gin.Context) {
	if err := g.cat.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeUpstreamError(c, http.StatusNotFound, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (g *Gateway) adminGetCategoryQuotas(c *gin.Context) {
	q, err := g.cat.GetCategoryQuotas(c.Request.Context(), int64(config.DefaultProQuota), int64(config.DefaultFlashQuota))
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, q)
}

func (g *Gateway) adminSetCategoryQuotas(c *gin.Context) {
	var q catalog.CategoryQuotas
	if err := c.ShouldBindJSON(&q); err != nil {
		writeClientError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.cat.SetCategoryQuotas(c.Request.Context(), &q); err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, q)
}

// --- alternate-backend config (read-only) ---

func (g *Gateway) adminGetBackendConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"vertexConfigured":  config.VertexConfigured(),
		"vertexProjectId":   config.VertexProjectID,
		"vertexRegion":      config.VertexRegion,
		"gatewayOverride":   config.GatewayOverrideConfigured(),
		"gatewayProjectId":  config.GatewayOverrideProjectID,
		"gatewayName":       config.GatewayOverrideName,
		"webSearchEnabled":  config.WebSearchEnabled,
		"keepAliveEnabled":  config.KeepAliveEnabled,
		"maxRetry":          config.MaxRetry,
	})
}
