package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"
)

// Done is the OpenAI end-of-stream sentinel.
const Done = "[DONE]"

// SetEventStreamHeaders prepares the response for server-sent events.
func SetEventStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

// StringData writes one `data:` frame and flushes.
func StringData(c *gin.Context, str string) error {
	str = strings.TrimPrefix(str, "data: ")
	str = strings.TrimSuffix(str, "\r")
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", str); err != nil {
		return errors.Wrap(err, "write sse data")
	}
	c.Writer.Flush()
	return nil
}

// ObjectData marshals obj into one `data:` frame.
func ObjectData(c *gin.Context, obj any) error {
	jsonData, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "marshal sse object")
	}
	return StringData(c, string(jsonData))
}

// Event writes a named SSE event, as used by the image streaming API.
func Event(c *gin.Context, event string, obj any) error {
	jsonData, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrap(err, "marshal sse event")
	}
	if _, err = fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return errors.Wrap(err, "write sse event")
	}
	c.Writer.Flush()
	return nil
}

// DoneData writes the terminal sentinel.
func DoneData(c *gin.Context) error {
	return StringData(c, Done)
}
