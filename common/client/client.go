// Package client holds shared outbound HTTP clients so timeouts and
// transport configuration stay in one place instead of being redeclared
// at every call site.
package client

import (
	"net/http"
	"time"

	"github.com/laiskygw/geminigw/common/config"
)

// UserContentRequestHTTPClient fetches user-supplied URLs (e.g. an http(s)
// image reference in a multimodal request) with a short, fixed timeout so a
// slow or hung remote host cannot stall a chat request indefinitely.
var UserContentRequestHTTPClient = &http.Client{
	Timeout: config.ImageDownloadTimeout,
}

// NewUpstreamHTTPClient builds the client used to call the upstream
// generative API (or Vertex), wired to transport (typically produced by
// the proxy pool) and bounded by the configured upstream timeout.
func NewUpstreamHTTPClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   config.UpstreamTimeout,
	}
}

// NewMirrorHTTPClient builds the client used for Remote Mirror uploads and
// downloads. Mirror calls have no request-path deadline (§5), so the only
// bound here guards against a fully hung TCP connection.
func NewMirrorHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 2 * time.Minute,
	}
}
