// Package ctxkey centralizes the gin.Context keys used to pass
// request-scoped state between middleware and handlers.
package ctxkey

const (
	// WorkerKey holds the *store.WorkerKey that authenticated this request.
	// Set in: gateway auth middleware. Read by: chat completions handler to
	// decide whether safety filters are disabled for this request.
	WorkerKey = "worker_key"

	// RequestID is a per-request identifier used for logging correlation.
	RequestID = "request_id"
)
