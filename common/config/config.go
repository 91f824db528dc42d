// Package config exposes process configuration as package-level vars,
// each resolved from the environment once at import time.
package config

import (
	"strings"
	"time"

	"github.com/laiskygw/geminigw/common/env"
)

var (
	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)

	// ServerPort is the HTTP listen port.
	ServerPort = env.String("PORT", "3000")
	// GinMode forces gin into release/debug/test mode without recompiling.
	GinMode = env.String("GIN_MODE", "release")

	// StorePath is the path to the embedded single-file relational store.
	StorePath = env.String("STORE_PATH", "data/gateway.db")

	// CivilTimezone is the fixed timezone used for all daily quota resets.
	CivilTimezone = env.String("CIVIL_TIMEZONE", "America/Los_Angeles")

	// DefaultProQuota / DefaultFlashQuota are the category quotas in effect
	// while no category_quotas settings row has been written; no row is
	// written at boot. 0 means unlimited.
	DefaultProQuota   = env.Int("DEFAULT_PRO_QUOTA", 50)
	DefaultFlashQuota = env.Int("DEFAULT_FLASH_QUOTA", 1500)

	// Consecutive429Threshold is the number of consecutive 429s on a single
	// model before a key is treated as quota-exhausted for that category for
	// the remainder of the civil day (see registry.Handle429).
	Consecutive429Threshold = env.Int("CONSECUTIVE_429_THRESHOLD", 3)

	// KeepAliveEnabled turns on keep-alive streaming mode (§4.I) when the
	// client requested a stream and the worker key has safety disabled.
	KeepAliveEnabled = env.Bool("KEEPALIVE", false)
	// KeepAliveHeartbeatInterval is how often an empty-delta SSE heartbeat
	// is written while waiting on the non-stream upstream call.
	KeepAliveHeartbeatInterval = env.Duration("KEEPALIVE_HEARTBEAT_INTERVAL", 5*time.Second)

	// MaxRetry bounds how many times the dispatcher will retry a request
	// against a freshly-selected key after a retryable upstream failure.
	MaxRetry = env.Int("MAX_RETRY", 2)

	// WebSearchEnabled gates whether "-search" suffixed model ids are
	// synthesized into the model list (§4.J).
	WebSearchEnabled = env.Bool("WEB_SEARCH", false)

	// UpstreamTimeout bounds a single upstream HTTP call.
	UpstreamTimeout = env.Duration("UPSTREAM_TIMEOUT", 300*time.Second)
	// ImageDownloadTimeout bounds fetching an http(s) image URL referenced
	// in a multimodal request before it is inlined as base64.
	ImageDownloadTimeout = env.Duration("IMAGE_DOWNLOAD_TIMEOUT", 10*time.Second)

	// ShutdownTimeout bounds graceful drain of in-flight SSE streams.
	ShutdownTimeout = env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second)

	// ProxyList is a comma-separated list of socks5://... URLs used for
	// outbound upstream calls, round-robin. Empty means no proxy.
	ProxyList = env.String("PROXY_LIST", "")

	// RemoteMirrorURL, when set, is the base URL of the remote backup
	// target the Remote Mirror debounces uploads to.
	RemoteMirrorURL = env.String("REMOTE_MIRROR_URL", "")
	// RemoteMirrorToken authenticates requests to RemoteMirrorURL.
	RemoteMirrorToken = env.String("REMOTE_MIRROR_TOKEN", "")
	// RemoteMirrorEncryptionKeyRaw, when non-empty, is hashed down to a
	// 32-byte AEAD key used to encrypt the mirrored store file at rest.
	RemoteMirrorEncryptionKeyRaw = env.String("REMOTE_MIRROR_ENCRYPTION_KEY", "")
	// RemoteMirrorSyncInterval is T_sync from §4.B: the debounce window
	// between successive mirror uploads.
	RemoteMirrorSyncInterval = env.Duration("REMOTE_MIRROR_SYNC_INTERVAL", 5*time.Minute)

	// VertexProjectID / VertexRegion / VertexServiceAccountJSON /
	// VertexExpressAPIKey configure the alternate ("Vertex") backend.
	// Models whose id carries the "[v]" prefix are routed there.
	VertexProjectID          = env.String("VERTEX_PROJECT_ID", "")
	VertexRegion             = env.String("VERTEX_REGION", "us-central1")
	VertexServiceAccountJSON = env.String("VERTEX_SERVICE_ACCOUNT_JSON", "")
	VertexExpressAPIKey      = env.String("VERTEX_EXPRESS_API_KEY", "")

	// GatewayOverrideProjectID / GatewayOverrideName, when both set, make
	// the dispatcher rewrite the public-API URL to route through a
	// gateway proxy rather than the standard upstream host (§4.H).
	GatewayOverrideProjectID = env.String("GATEWAY_OVERRIDE_PROJECT_ID", "")
	GatewayOverrideName      = env.String("GATEWAY_OVERRIDE_NAME", "")

	// AdminToken authenticates requests to /api/admin/*. The real
	// cookie/session login flow is an external collaborator (§1); this is
	// the minimal stand-in boundary the core exposes.
	AdminToken = env.String("ADMIN_TOKEN", "")

	// MetricsEnabled exposes the Prometheus /metrics endpoint.
	MetricsEnabled = env.Bool("METRICS_ENABLED", true)
)

// GatewayOverrideConfigured reports whether both override fields are set.
func GatewayOverrideConfigured() bool {
	return strings.TrimSpace(GatewayOverrideProjectID) != "" && strings.TrimSpace(GatewayOverrideName) != ""
}

// VertexConfigured reports whether the alternate backend has usable
// credentials (either express-mode API key or a service account).
func VertexConfigured() bool {
	return strings.TrimSpace(VertexExpressAPIKey) != "" || strings.TrimSpace(VertexServiceAccountJSON) != ""
}
