package render

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestFrames(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	SetEventStreamHeaders(c)
	require.NoError(t, StringData(c, "data: hello"))
	require.NoError(t, ObjectData(c, map[string]int{"a": 1}))
	require.NoError(t, Event(c, "image_generation.completed", map[string]string{"b64_json": "x"}))
	require.NoError(t, DoneData(c))

	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t,
		"data: hello\n\n"+
			"data: {\"a\":1}\n\n"+
			"event: image_generation.completed\ndata: {\"b64_json\":\"x\"}\n\n"+
			"data: [DONE]\n\n",
		w.Body.String())
}
