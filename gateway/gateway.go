package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/laiskygw/geminigw/catalog"
	"github.com/laiskygw/geminigw/dispatch"
	"github.com/laiskygw/geminigw/mirror"
	"github.com/laiskygw/geminigw/proxypool"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/selector"
	"github.com/laiskygw/geminigw/store"
)

// Gateway wires every other component into the HTTP surface: the public
// `/v1` chat-completions API and the `/api/admin` operations tree.
type Gateway struct {
	st         *store.Store
	reg        *registry.Registry
	cat        *catalog.Catalog
	sel        *selector.Selector
	disp       *dispatch.Dispatcher
	proxies    *proxypool.Pool
	mir        *mirror.Mirror
	adminToken string

	// modelListCache holds the synthesized /v1/models response for a few
	// seconds so a burst of client polling doesn't round-trip the Store on
	// every request; it is never used for chat completion responses, so
	// the "no upstream response caching" non-goal stays intact.
	modelListCache *cache.Cache
}

// Deps bundles every collaborator Gateway needs.
type Deps struct {
	Store      *store.Store
	Registry   *registry.Registry
	Catalog    *catalog.Catalog
	Selector   *selector.Selector
	Dispatcher *dispatch.Dispatcher
	Proxies    *proxypool.Pool
	Mirror     *mirror.Mirror
	AdminToken string
}

// New constructs a Gateway from its collaborators.
func New(d Deps) *Gateway {
	return &Gateway{
		st:             d.Store,
		reg:            d.Registry,
		cat:            d.Catalog,
		sel:            d.Selector,
		disp:           d.Dispatcher,
		proxies:        d.Proxies,
		mir:            d.Mirror,
		adminToken:     d.AdminToken,
		modelListCache: cache.New(3*time.Second, time.Minute),
	}
}

// Router builds the gin engine. metricsEnabled gates the Prometheus
// endpoint; both it and the admin tree sit behind AdminAuth, mirroring
// the teacher's `server.GET("/metrics", middleware.AdminAuth(), ...)`
// pattern in main.go.
func (g *Gateway) Router(metricsEnabled bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(cors.Default())

	// gzip.Gzip will cause SSE not to work, so it must never wrap the
	// streaming chat-completions route; apply it only to the plain-JSON
	// surfaces.
	admin := r.Group("/api/admin")
	admin.Use(gzip.Gzip(gzip.DefaultCompression))
	admin.Use(g.AdminAuth())
	g.registerAdminRoutes(admin)

	if metricsEnabled {
		metricsHandler := gin.WrapH(promhttp.Handler())
		r.GET("/metrics", g.AdminAuth(), func(c *gin.Context) {
			g.RefreshMetrics()
			metricsHandler(c)
		})
	}

	v1 := r.Group("/v1")
	v1.Use(g.WorkerAuth())
	v1.GET("/models", gzip.Gzip(gzip.DefaultCompression), g.handleListModels)
	v1.POST("/chat/completions", g.handleChatCompletions)

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	return r
}
