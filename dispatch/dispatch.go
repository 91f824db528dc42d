// Package dispatch implements component H: building the outbound
// request URL/auth for the selected upstream key and interpreting the
// response status code.
//
// Grounded on relay/adaptor/vertexai/adaptor.go's URL-building switch in
// the teacher repo, generalized from its many provider sub-adaptors down
// to the two backends this spec covers (the standard public API host and
// the alternate Vertex backend), and on relay/adaptor's
// SetupCommonRequestHeader convention for auth header placement.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/laiskygw/geminigw/common/client"
	"github.com/laiskygw/geminigw/common/logger"
	"github.com/laiskygw/geminigw/proxypool"
	"github.com/laiskygw/geminigw/registry"
)

const standardHost = "generativelanguage.googleapis.com"

// cloudPlatformScope is the OAuth2 scope Vertex AI's generateContent API
// requires from a service-account or ADC token (§4.H).
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// gatewayProjectIDPattern validates a "32-hex project id" per §4.H/§6.
var gatewayProjectIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// GatewayOverride rewrites outbound calls through a gateway proxy path
// instead of the standard upstream host.
type GatewayOverride struct {
	ProjectID string
	Name      string
}

// valid reports whether the override's project id is well-formed; an
// invalid override falls back to the standard host with a warning
// (§4.H).
func (g *GatewayOverride) valid() bool {
	return g != nil && gatewayProjectIDPattern.MatchString(g.ProjectID) && g.Name != ""
}

// BuildURL returns the outbound URL for modelID, stream mode, and an
// optional gateway override.
func BuildURL(modelID string, stream bool, override *GatewayOverride) string {
	suffix := "generateContent"
	if stream {
		suffix = "streamGenerateContent"
	}

	if override.valid() {
		return strings.Join([]string{
			"https://", standardHost, "/v1/", override.ProjectID, "/", override.Name,
			"/google-ai-studio/v1beta/models/", modelID, ":", suffix,
		}, "")
	}
	if override != nil {
		logger.Logger.Warn("ignoring malformed gateway override, using standard host",
			zap.String("projectId", override.ProjectID), zap.String("name", override.Name))
	}

	return "https://" + standardHost + "/v1beta/models/" + modelID + ":" + suffix
}

// VertexConfig configures the alternate ("Vertex") backend (§4.H): either
// an express-mode API key or a service-account JSON blob authorizes calls,
// and falls back to Application Default Credentials when neither is set
// but the caller still routes a request through it.
type VertexConfig struct {
	ProjectID          string
	Region             string
	ServiceAccountJSON string
	ExpressAPIKey      string
}

// requiresGlobalVertexEndpoint mirrors the teacher's
// vertexai.IsRequireGlobalEndpoint: gemini-2.5 models are only served from
// Vertex's global endpoint, not a regional one.
func requiresGlobalVertexEndpoint(modelID string) bool {
	return strings.HasPrefix(modelID, "gemini-2.5")
}

// BuildVertexURL returns the Vertex generateContent/streamGenerateContent
// URL for modelID under cfg (§4.H).
func BuildVertexURL(modelID string, stream bool, cfg VertexConfig) string {
	suffix := "generateContent"
	if stream {
		suffix = "streamGenerateContent"
	}

	region := cfg.Region
	if region == "" {
		region = "us-central1"
	}
	host := region + "-aiplatform.googleapis.com"
	if requiresGlobalVertexEndpoint(modelID) {
		region = "global"
		host = "aiplatform.googleapis.com"
	}

	return fmt.Sprintf("https://%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		host, cfg.ProjectID, region, modelID, suffix)
}

// Dispatcher sends translated requests to the selected upstream key and
// classifies the response.
type Dispatcher struct {
	proxies *proxypool.Pool
	vertex  VertexConfig

	vertexTransportOnce sync.Once
	vertexTransport     http.RoundTripper
	vertexTransportErr  error
}

// New constructs a Dispatcher. vertex configures the alternate backend;
// its zero value disables Vertex routing (SendVertex then always errors).
func New(proxies *proxypool.Pool, vertex VertexConfig) *Dispatcher {
	return &Dispatcher{proxies: proxies, vertex: vertex}
}

// ErrorKind tags the stable error category surfaced to callers (§7).
type ErrorKind string

const (
	ErrorKindClient   ErrorKind = "client"
	ErrorKindAuth     ErrorKind = "auth"
	ErrorKindCapacity ErrorKind = "capacity"
	ErrorKindUpstream ErrorKind = "upstream"
	ErrorKindSafety   ErrorKind = "safety"
	ErrorKindTransient ErrorKind = "transient"
)

// UpstreamError is the structured error surfaced on a non-2xx response.
type UpstreamError struct {
	Status int
	Body   string
	Kind   ErrorKind
}

func (e *UpstreamError) Error() string {
	return errors.Errorf("upstream error (%s): status=%d body=%s", e.Kind, e.Status, e.Body).Error()
}

// Handle wraps the live upstream HTTP response in both modes; it holds no
// parsed body, key id or category. The caller reads and parses the body
// (non-stream) or pipes it (stream).
type Handle struct {
	Resp       *http.Response
	StatusCode int
}

// Send dispatches body to the upstream URL using key's secret, routed
// through the next pooled proxy transport (or the direct transport when
// none are configured).
func (d *Dispatcher) Send(ctx context.Context, url string, body any, key *registry.Key) (*Handle, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", key.Secret)

	httpClient := client.NewUpstreamHTTPClient(d.transport())
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send upstream request")
	}

	return &Handle{Resp: resp, StatusCode: resp.StatusCode}, nil
}

func (d *Dispatcher) transport() http.RoundTripper {
	if d.proxies == nil {
		return nil
	}
	t := d.proxies.Next()
	if t == nil {
		return nil
	}
	return t
}

// SendVertex dispatches body to the Vertex alternate backend (§4.H),
// authenticating with the express-mode API key when configured, or
// otherwise a service-account/ADC-minted OAuth2 token layered over the
// same pooled proxy transport Send uses.
func (d *Dispatcher) SendVertex(ctx context.Context, url string, body any) (*Handle, error) {
	if strings.TrimSpace(d.vertex.ProjectID) == "" {
		return nil, errors.New("Vertex backend is not configured (missing project id)")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal upstream request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")

	var rt http.RoundTripper
	if key := strings.TrimSpace(d.vertex.ExpressAPIKey); key != "" {
		req.Header.Set("x-goog-api-key", key)
		rt = d.transport()
	} else {
		rt, err = d.vertexCredentialTransport(ctx)
		if err != nil {
			return nil, err
		}
	}

	httpClient := client.NewUpstreamHTTPClient(rt)
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send upstream request")
	}

	return &Handle{Resp: resp, StatusCode: resp.StatusCode}, nil
}

// vertexCredentialTransport wraps the pooled proxy transport with an
// OAuth2 credential layer, built once and reused across calls.
func (d *Dispatcher) vertexCredentialTransport(ctx context.Context) (http.RoundTripper, error) {
	d.vertexTransportOnce.Do(func() {
		ts, err := d.vertexTokenSource(ctx)
		if err != nil {
			d.vertexTransportErr = err
			return
		}
		rt, err := htransport.NewTransport(ctx, d.transport(), option.WithTokenSource(ts))
		if err != nil {
			d.vertexTransportErr = errors.Wrap(err, "build Vertex credential transport")
			return
		}
		d.vertexTransport = rt
	})
	return d.vertexTransport, d.vertexTransportErr
}

// vertexTokenSource mints an OAuth2 token source from the configured
// service-account JSON, falling through to Application Default
// Credentials when none is configured, matching the teacher's own ADC
// fallback for its Vertex adaptor.
func (d *Dispatcher) vertexTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if raw := strings.TrimSpace(d.vertex.ServiceAccountJSON); raw != "" {
		creds, err := google.CredentialsFromJSON(ctx, []byte(raw), cloudPlatformScope)
		if err != nil {
			return nil, errors.Wrap(err, "parse Vertex service-account credentials")
		}
		return creds.TokenSource, nil
	}

	ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, errors.Wrap(err, "find Application Default Credentials")
	}
	return ts, nil
}

// Classify maps a non-2xx status code to the stable error kind and reads
// the body text, per §4.H / §7.
func Classify(resp *http.Response) (*UpstreamError, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read upstream error body")
	}

	return &UpstreamError{Status: resp.StatusCode, Body: string(body), Kind: ErrorKindUpstream}, nil
}

// IsRetryableForKeySwap reports whether the status code should trigger
// registry bookkeeping (429 escalation / error flagging) and a retry
// against a different key, per §4.H.
func IsRetryableForKeySwap(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}
