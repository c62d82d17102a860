package helper

import (
	"fmt"

	gutils "github.com/Laisky/go-utils/v5"
)

const RequestIdKey = "X-Grok2api-Request-Id"

func GenRequestID() string {
	return gutils.UUID7()
}

// MessageWithRequestId appends the request id so users can quote it in bug reports.
func MessageWithRequestId(message string, id string) string {
	if id == "" {
		return message
	}
	return fmt.Sprintf("%s (request id: %s)", message, id)
}
