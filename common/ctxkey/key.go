package ctxkey

const (
	// RequestId is the per-request identifier, also echoed as a response header.
	// Set in: middleware.RequestId.
	RequestId = "X-Grok2api-Request-Id"

	// RequestModel is the model name as sent by the client.
	// Set in: controller handlers after binding the body.
	RequestModel = "request_model"

	// Capability records the relaymode capability served by the request.
	// Set in: controller handlers; read by middleware for metrics labels.
	Capability = "capability"

	// TokenId is the id of the credential that served the request, for logs and metrics.
	// Set in: relay/dispatcher once a token has been acquired.
	TokenId = "token_id"

	// AdminAuthed marks requests that passed the admin key check.
	AdminAuthed = "admin_authed"

	// Meta caches the relay meta built for the request.
	// Set in: meta.GetByContext.
	Meta = "meta"
)
