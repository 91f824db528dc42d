package gateway

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/laiskygw/geminigw/common/config"
	"github.com/laiskygw/geminigw/common/helper"
)

// modelListCacheKey is the single go-cache entry key; there is only ever
// one synthesized list (it does not vary per caller).
const modelListCacheKey = "models"

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

var gemini2PlusPattern = regexp.MustCompile(`^gemini-([2-9]|[1-9][0-9]+)(\.\d+)?`)
var flashPreviewPattern = regexp.MustCompile(`^gemini-2\.5-flash-preview`)

// handleListModels implements `GET /v1/models` (§4.J): the catalog's
// registered models plus synthesized ids for web-search, non-thinking,
// and (when configured) alternate-backend variants.
func (g *Gateway) handleListModels(c *gin.Context) {
	if cached, ok := g.modelListCache.Get(modelListCacheKey); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	entries, err := g.cat.List(c.Request.Context())
	if err != nil {
		writeUpstreamError(c, http.StatusInternalServerError, "failed to list models")
		return
	}

	created := helper.GetTimestamp()
	seen := make(map[string]bool, len(entries)*2)
	data := make([]modelEntry, 0, len(entries)*2)

	add := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		data = append(data, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "google"})
	}

	for _, e := range entries {
		if strings.HasPrefix(e.ModelID, "[v]") && !config.VertexConfigured() {
			continue
		}
		add(e.ModelID)
		if config.WebSearchEnabled && gemini2PlusPattern.MatchString(e.ModelID) {
			add(e.ModelID + "-search")
		}
		if flashPreviewPattern.MatchString(e.ModelID) {
			add(e.ModelID + ":non-thinking")
		}
	}

	resp := modelListResponse{Object: "list", Data: data}
	g.modelListCache.SetDefault(modelListCacheKey, resp)
	c.JSON(http.StatusOK, resp)
}
