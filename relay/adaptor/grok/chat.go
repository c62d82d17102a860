package grok

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/tidwall/gjson"

	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/retry"
	"github.com/chenyme/grok2api/relay/streaming"
)

// maxLineBytes bounds one NDJSON line; image frames can be large.
const maxLineBytes = 16 << 20

// ChatRequest is one app-chat conversation turn.
type ChatRequest struct {
	Message string
	// Model and Mode are sent as modelName and modelMode. An empty Mode is omitted.
	Model               string
	Mode                string
	FileAttachments     []string
	ToolOverrides       map[string]any
	ModelConfigOverride map[string]any
	DisableSearch       bool
	// ImageEdit reports generated images as edit results instead of chat images.
	ImageEdit bool
}

func (r ChatRequest) payload() map[string]any {
	attachments := r.FileAttachments
	if attachments == nil {
		attachments = []string{}
	}
	tools := r.ToolOverrides
	if tools == nil {
		tools = map[string]any{}
	}
	p := map[string]any{
		"temporary":                 true,
		"modelName":                 r.Model,
		"message":                   r.Message,
		"fileAttachments":           attachments,
		"imageAttachments":          []string{},
		"disableSearch":             r.DisableSearch,
		"enableImageGeneration":     true,
		"returnImageBytes":          false,
		"returnRawGrokInXaiRequest": false,
		"enableImageStreaming":      true,
		"imageGenerationCount":      2,
		"forceConcise":              false,
		"toolOverrides":             tools,
		"enableSideBySide":          true,
		"sendFinalMetadata":         true,
		"isReasoning":               false,
		"webpageUrls":               []string{},
		"disableTextFollowUps":      true,
		"responseMetadata": map[string]any{
			"requestModelDetails": map[string]any{"modelId": r.Model},
		},
		"disableMemory":   false,
		"forceSideBySide": false,
		"isAsyncChat":     false,
	}
	if r.Mode != "" {
		p["modelMode"] = r.Mode
	}
	if len(r.ModelConfigOverride) > 0 {
		p["modelConfigOverride"] = r.ModelConfigOverride
	}
	return p
}

// Chat opens an app-chat stream. The caller must Close the returned stream.
func (c *Client) Chat(ctx context.Context, tok *model.Token, req ChatRequest) (*ChatStream, error) {
	resp, err := c.postJSON(ctx, tok, pathAppChat, req.payload())
	if err != nil {
		return nil, err
	}
	gmw.GetLogger(ctx).Debug("app-chat stream opened",
		zap.String("model", req.Model), zap.String("mode", req.Mode))
	return newChatStream(resp.Body, req.ImageEdit), nil
}

// ChatStream decodes the app-chat NDJSON body into streaming events.
type ChatStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	imageEdit bool

	pending    []streaming.Event
	responseId string
	closeOnce  sync.Once
}

var _ streaming.Source = (*ChatStream)(nil)

func newChatStream(body io.ReadCloser, imageEdit bool) *ChatStream {
	return &ChatStream{
		body:      body,
		reader:    bufio.NewReaderSize(body, 64<<10),
		imageEdit: imageEdit,
	}
}

// Next returns the next decoded event, or io.EOF once the body is drained.
func (s *ChatStream) Next(ctx context.Context) (streaming.Event, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return streaming.Event{}, errors.WithStack(err)
		}
		line, err := s.readLine()
		if len(line) > 0 {
			s.pending = s.decode(line)
		}
		if err != nil && len(s.pending) == 0 {
			if errors.Is(err, io.EOF) {
				return streaming.Event{}, io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return streaming.Event{}, errors.WithStack(ctxErr)
			}
			return streaming.Event{}, &retry.UpstreamError{Code: "stream_read_failed", Err: errors.WithStack(err)}
		}
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *ChatStream) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, errors.New("upstream line too long")
		}
		if err != nil || !isPrefix {
			return bytes.TrimSpace(buf), err
		}
	}
}

// decode maps one NDJSON line to events. Lines that carry nothing of
// interest yield none.
func (s *ChatStream) decode(line []byte) []streaming.Event {
	if !gjson.ValidBytes(line) {
		return nil
	}
	doc := gjson.ParseBytes(line)

	if e := doc.Get("error"); e.Exists() {
		code := e.Get("code").String()
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return []streaming.Event{{Type: streaming.EventError, Err: &retry.UpstreamError{Code: code, Message: msg}}}
	}

	r := doc.Get("result.response")
	if !r.Exists() {
		return nil
	}

	var out []streaming.Event
	if id := r.Get("responseId").String(); id != "" && s.responseId == "" {
		s.responseId = id
		out = append(out, streaming.Event{Type: streaming.EventResponseId, ResponseId: id})
	}

	if v := r.Get("streamingVideoGenerationResponse"); v.Exists() {
		progress := int(v.Get("progress").Int())
		out = append(out, streaming.Event{Type: streaming.EventVideoProgress, Progress: progress})
		if url := v.Get("videoUrl").String(); progress >= 100 && url != "" {
			out = append(out, streaming.Event{
				Type:         streaming.EventVideoReady,
				URL:          url,
				ThumbnailURL: v.Get("thumbnailImageUrl").String(),
			})
		}
		return out
	}

	if v := r.Get("streamingImageGenerationResponse"); v.Exists() {
		if s.imageEdit {
			out = append(out, streaming.Event{
				Type:     streaming.EventImageProgress,
				Index:    int(v.Get("imageIndex").Int()),
				Progress: int(v.Get("progress").Int()),
			})
		}
		return out
	}

	if m := r.Get("modelResponse"); m.Exists() {
		for i, u := range m.Get("generatedImageUrls").Array() {
			if u.String() == "" {
				continue
			}
			if s.imageEdit {
				out = append(out, streaming.Event{Type: streaming.EventImageURL, URL: u.String(), Index: i})
			} else {
				out = append(out, streaming.Event{Type: streaming.EventGeneratedImage, URL: u.String()})
			}
		}
		return out
	}

	if tok := r.Get("token"); tok.Exists() && tok.String() != "" {
		out = append(out, streaming.Event{
			Type:     streaming.EventToken,
			Text:     tok.String(),
			Thinking: r.Get("isThinking").Bool(),
		})
	}
	return out
}

// Close releases the connection. A reader blocked in Next returns.
func (s *ChatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
