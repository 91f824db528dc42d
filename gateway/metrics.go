package gateway

import (
	"context"

	"github.com/Laisky/zap"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/laiskygw/geminigw/common/logger"
)

// Prometheus gauges reporting per-key/category daily usage and the
// error-flagged key count (§12 supplemented features): ambient
// observability only, never the excluded billing/metering layer.
var (
	keyModelUsageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geminigw_upstream_key_model_usage_today",
		Help: "Today's request count for an upstream key against a model.",
	}, []string{"key_id", "model_id"})

	keyCategoryUsageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geminigw_upstream_key_category_usage_today",
		Help: "Today's request count for an upstream key against a category.",
	}, []string{"key_id", "category"})

	erroredKeyCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geminigw_upstream_keys_errored",
		Help: "Number of upstream keys currently flagged with an error status.",
	})
)

func init() {
	prometheus.MustRegister(keyModelUsageGauge, keyCategoryUsageGauge, erroredKeyCountGauge)
}

// RefreshMetrics recomputes the usage/error gauges from the registry. It
// is cheap enough to call on every /metrics scrape (a handful of rows at
// most, per §1's "pooled upstream keys" scale).
func (g *Gateway) RefreshMetrics() {
	rows, err := g.reg.ListWithUsage(g.metricsCtx())
	if err != nil {
		logger.Logger.Warn("failed to refresh metrics", zap.Error(err))
		return
	}

	erroredCount := 0
	keyModelUsageGauge.Reset()
	keyCategoryUsageGauge.Reset()
	for _, k := range rows {
		if k.ErrorStatus != nil {
			erroredCount++
		}
		for modelID, n := range k.ModelUsage {
			keyModelUsageGauge.WithLabelValues(k.ID, modelID).Set(float64(n))
		}
		for category, n := range k.CategoryUsage {
			keyCategoryUsageGauge.WithLabelValues(k.ID, category).Set(float64(n))
		}
	}
	erroredKeyCountGauge.Set(float64(erroredCount))
}

func (g *Gateway) metricsCtx() context.Context { return context.Background() }
