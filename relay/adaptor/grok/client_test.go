package grok

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/retry"
	"github.com/chenyme/grok2api/relay/streaming"
)

func testCtx() context.Context {
	return gmw.SetLogger(context.Background(), logger.Logger)
}

func testToken() *model.Token {
	return &model.Token{Id: "t1", Kind: model.TokenKindBasic, Secret: "secret-1"}
}

func newTestClient(t *testing.T, h http.Handler, mutate func(*config.Settings)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := config.DefaultSettings()
	if mutate != nil {
		mutate(s)
	}
	return NewClient(
		WithEndpoints(Endpoints{
			Base:   srv.URL,
			Assets: srv.URL,
			WS:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/imagine/listen",
		}),
		WithSettings(func() *config.Settings { return s }),
	)
}

func drain(t *testing.T, src streaming.Source) []streaming.Event {
	t.Helper()
	var out []streaming.Event
	for {
		ev, err := src.Next(testCtx())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func readBody(t *testing.T, r *http.Request) gjson.Result {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return gjson.ParseBytes(data)
}

func TestChatDecodesStream(t *testing.T) {
	var gotBody gjson.Result
	var gotCookie string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathAppChat, r.URL.Path)
		gotCookie = r.Header.Get("Cookie")
		gotBody = readBody(t, r)
		lines := []string{
			`{"result":{"response":{"responseId":"resp-1","token":"Let me think","isThinking":true}}}`,
			`not json`,
			`{"result":{"response":{"responseId":"resp-1","token":"Hello","isThinking":false}}}`,
			`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":0,"progress":50}}}}`,
			`{"result":{"response":{"modelResponse":{"generatedImageUrls":["users/u/generated/a/image.jpg"]}}}}`,
			`{"result":{"response":{"token":""}}}`,
		}
		_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
	}), nil)

	stream, err := c.Chat(testCtx(), testToken(), ChatRequest{Message: "hi", Model: "grok-3", Mode: "MODEL_MODE_FAST"})
	require.NoError(t, err)
	defer stream.Close()
	events := drain(t, stream)

	require.Len(t, events, 4)
	assert.Equal(t, streaming.EventResponseId, events[0].Type)
	assert.Equal(t, "resp-1", events[0].ResponseId)
	assert.Equal(t, streaming.Event{Type: streaming.EventToken, Text: "Let me think", Thinking: true}, events[1])
	assert.Equal(t, streaming.Event{Type: streaming.EventToken, Text: "Hello"}, events[2])
	assert.Equal(t, streaming.EventGeneratedImage, events[3].Type)
	assert.Equal(t, "users/u/generated/a/image.jpg", events[3].URL)

	assert.Equal(t, "sso=secret-1; sso-rw=secret-1", gotCookie)
	assert.Equal(t, "grok-3", gotBody.Get("modelName").String())
	assert.Equal(t, "MODEL_MODE_FAST", gotBody.Get("modelMode").String())
	assert.Equal(t, "hi", gotBody.Get("message").String())
	assert.False(t, gotBody.Get("modelConfigOverride").Exists())
}

func TestChatInBandError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"code":"content_blocked","message":"nope"}}`+"\n")
	}), nil)

	stream, err := c.Chat(testCtx(), testToken(), ChatRequest{Message: "hi", Model: "grok-3"})
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next(testCtx())
	require.NoError(t, err)
	require.Equal(t, streaming.EventError, ev.Type)
	var ue *retry.UpstreamError
	require.ErrorAs(t, ev.Err, &ue)
	assert.Equal(t, "content_blocked", ue.Code)
	assert.Equal(t, "nope", ue.Message)
}

func TestStatusErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantCode   string
		wantLimit  bool
		wantInText string
	}{
		{name: "rate limited", status: 429, body: "slow down", wantCode: "rate_limit_exceeded", wantLimit: true},
		{name: "json error", status: 403, body: `{"error":{"code":7,"message":"forbidden here"}}`, wantCode: "7", wantInText: "forbidden here"},
		{name: "plain", status: 502, body: "", wantInText: "Bad Gateway"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}), nil)

			_, err := c.Chat(testCtx(), testToken(), ChatRequest{Message: "hi", Model: "grok-3"})
			require.Error(t, err)
			var ue *retry.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tc.status, ue.StatusCode)
			assert.Equal(t, tc.wantCode, ue.Code)
			assert.Equal(t, tc.wantLimit, retry.IsRateLimited(err))
			if tc.wantInText != "" {
				assert.Contains(t, ue.Message, tc.wantInText)
			}
		})
	}
}

func TestVideoFlow(t *testing.T) {
	var chatBody gjson.Result
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathMediaPost:
			body := readBody(t, r)
			assert.Equal(t, MediaPostVideo, body.Get("mediaType").String())
			assert.Equal(t, "a cat", body.Get("prompt").String())
			_, _ = io.WriteString(w, `{"post":{"id":"post-9"}}`)
		case pathAppChat:
			chatBody = readBody(t, r)
			_, _ = io.WriteString(w, strings.Join([]string{
				`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":40}}}}`,
				`{"result":{"response":{"streamingVideoGenerationResponse":{"progress":100,"videoUrl":"users/u/generated/0123456789abcdef0123456789abcdef/generated_video.mp4","thumbnailImageUrl":"users/u/thumb.jpg"}}}}`,
			}, "\n"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}), nil)

	stream, err := c.Video(testCtx(), testToken(), VideoRequest{Prompt: "a cat"})
	require.NoError(t, err)
	defer stream.Close()
	events := drain(t, stream)

	require.Len(t, events, 3)
	assert.Equal(t, streaming.Event{Type: streaming.EventVideoProgress, Progress: 40}, events[0])
	assert.Equal(t, 100, events[1].Progress)
	assert.Equal(t, streaming.EventVideoReady, events[2].Type)
	assert.Equal(t, "users/u/thumb.jpg", events[2].ThumbnailURL)

	assert.Equal(t, "a cat --mode=normal", chatBody.Get("message").String())
	assert.True(t, chatBody.Get("toolOverrides.videoGen").Bool())
	cfg := chatBody.Get("modelConfigOverride.modelMap.videoGenModelConfig")
	assert.Equal(t, "post-9", cfg.Get("parentPostId").String())
	assert.Equal(t, "3:2", cfg.Get("aspectRatio").String())
	assert.Equal(t, "480p", cfg.Get("resolutionName").String())
	assert.EqualValues(t, 6, cfg.Get("videoLength").Int())
}

func TestEditFallsBackToParentFromURL(t *testing.T) {
	var chatBody gjson.Result
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathUploadFile:
			body := readBody(t, r)
			assert.Equal(t, "image/png", body.Get("fileMimeType").String())
			assert.NotEmpty(t, body.Get("content").String())
			_, _ = io.WriteString(w, `{"fileMetadataId":"f1","fileUri":"users/u1/abc-123/content"}`)
		case pathMediaPost:
			w.WriteHeader(http.StatusInternalServerError)
		case pathAppChat:
			chatBody = readBody(t, r)
			_, _ = io.WriteString(w, strings.Join([]string{
				`{"result":{"response":{"streamingImageGenerationResponse":{"imageIndex":1,"progress":30}}}}`,
				`{"result":{"response":{"modelResponse":{"generatedImageUrls":["users/u1/generated/x/image.jpg","users/u1/generated/y/image.jpg"]}}}}`,
			}, "\n"))
		}
	}), nil)

	stream, err := c.Edit(testCtx(), testToken(), EditRequest{
		Prompt: "make it blue",
		Model:  "imagine-image-edit",
		Images: []UploadFile{{Name: "a.png", MimeType: "image/png", Data: []byte("png")}},
	})
	require.NoError(t, err)
	defer stream.Close()
	events := drain(t, stream)

	require.Len(t, events, 3)
	assert.Equal(t, streaming.Event{Type: streaming.EventImageProgress, Index: 1, Progress: 30}, events[0])
	assert.Equal(t, streaming.Event{Type: streaming.EventImageURL, URL: "users/u1/generated/x/image.jpg"}, events[1])
	assert.Equal(t, 1, events[2].Index)

	cfg := chatBody.Get("modelConfigOverride.modelMap")
	assert.Equal(t, "imagine", cfg.Get("imageEditModel").String())
	assert.Equal(t, "abc-123", cfg.Get("imageEditModelConfig.parentPostId").String())
	refs := cfg.Get("imageEditModelConfig.imageReferences").Array()
	require.Len(t, refs, 1)
	assert.True(t, strings.HasSuffix(refs[0].String(), "/users/u1/abc-123/content"))
	assert.True(t, chatBody.Get("toolOverrides.imageGen").Bool())
}

func TestFetchQuota(t *testing.T) {
	cases := map[string]int{
		`{"remainingTokens":12,"remainingQueries":3}`: 12,
		`{"remainingQueries":42}`:                     42,
		`{}`:                                          -1,
	}
	for body, want := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, pathRateLimits, r.URL.Path)
			req := readBody(t, r)
			assert.Equal(t, "DEFAULT", req.Get("requestKind").String())
			_, _ = io.WriteString(w, body)
		}), nil)

		q, err := c.FetchQuota(testCtx(), testToken())
		require.NoError(t, err)
		assert.Equal(t, want, q.Remaining, body)
	}
}

func TestUpscaleVideo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := readBody(t, r)
		assert.Equal(t, "0123456789abcdef0123456789abcdef", body.Get("videoId").String())
		_, _ = io.WriteString(w, `{"hdMediaUrl":"https://assets.test/hd.mp4"}`)
	}), nil)

	hd, err := c.UpscaleVideo(testCtx(), testToken(),
		"https://assets.grok.com/users/u/generated/0123456789abcdef0123456789abcdef/generated_video.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://assets.test/hd.mp4", hd)

	_, err = c.UpscaleVideo(testCtx(), testToken(), "https://assets.grok.com/other.mp4")
	require.Error(t, err)
}

func TestFetchAsset(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users/u/a.png", r.URL.Path)
		assert.Contains(t, r.Header.Get("Cookie"), "sso=secret-1")
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "PNGDATA")
	}), nil)

	body, mimeType, err := c.FetchAsset(testCtx(), testToken(), "users/u/a.png")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "PNGDATA", string(data))
	assert.Equal(t, "image/png", mimeType)
}

func TestIdHelpers(t *testing.T) {
	assert.Equal(t, "0123456789abcdef0123456789abcdef",
		VideoId("/users/u/0123456789abcdef0123456789abcdef/generated_video.mp4"))
	assert.Empty(t, VideoId("/users/u/short/generated_video.mp4"))
	assert.Equal(t, "ab-12", ParentPostId("https://a/none", "https://a/users/u/generated/ab-12/img.jpg"))
	assert.Empty(t, ParentPostId("https://a/none"))
}

func TestProxyDialer(t *testing.T) {
	dial, proxyFunc, err := proxyDialer("")
	require.NoError(t, err)
	assert.Nil(t, dial)
	assert.Nil(t, proxyFunc)

	_, proxyFunc, err = proxyDialer("http://user:pw@127.0.0.1:8080")
	require.NoError(t, err)
	require.NotNil(t, proxyFunc)
	req := httptest.NewRequest(http.MethodGet, "https://grok.com/", nil)
	u, err := proxyFunc(req)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", u.Host)

	dial, _, err = proxyDialer("socks5://127.0.0.1:1080")
	require.NoError(t, err)
	assert.NotNil(t, dial)

	_, _, err = proxyDialer("ftp://127.0.0.1")
	require.Error(t, err)
}
