// Package streaming turns upstream events into the public streaming and
// non-streaming response formats.
package streaming

import (
	"context"
	"io"
	"net/http"

	"github.com/Laisky/errors/v2"

	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// EventType tags what an upstream Event carries.
type EventType int

const (
	// EventToken is a text delta; Thinking marks the reasoning channel.
	EventToken EventType = iota
	EventResponseId
	// EventGeneratedImage is an image produced inside a chat answer.
	EventGeneratedImage
	// EventImageBlob is one imagine frame: ImageId, URL and a base64 Blob.
	EventImageBlob
	// EventImageProgress is edit progress for slot Index.
	EventImageProgress
	// EventImageURL is a finished edit result for slot Index.
	EventImageURL
	EventVideoProgress
	// EventVideoReady carries URL and ThumbnailURL.
	EventVideoReady
	// EventError is an in-band upstream failure.
	EventError
)

// Event is one upstream occurrence, already decoded by the adaptor.
type Event struct {
	Type         EventType
	Text         string
	Thinking     bool
	ResponseId   string
	URL          string
	ThumbnailURL string
	ImageId      string
	Blob         string
	Index        int
	Progress     int
	Err          error
}

// Source yields upstream events until io.EOF.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Event, error)

func (f SourceFunc) Next(ctx context.Context) (Event, error) { return f(ctx) }

// SliceSource replays fixed events, then io.EOF.
func SliceSource(events ...Event) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) (Event, error) {
		if i >= len(events) {
			return Event{}, io.EOF
		}
		ev := events[i]
		i++
		return ev, nil
	})
}

// MediaResolver turns upstream media references into what the client receives.
type MediaResolver interface {
	// RenderImage renders an upstream image for a chat answer, e.g. as markdown.
	RenderImage(ctx context.Context, upstream string) (string, error)
	// ImageURL returns a client-facing URL for an upstream image path.
	ImageURL(ctx context.Context, upstream string) (string, error)
	// ImageBase64 fetches an upstream image and returns it base64 encoded.
	ImageBase64(ctx context.Context, upstream string) (string, error)
	// SaveImageBlob caches a base64 image payload and returns its URL.
	SaveImageBlob(ctx context.Context, imageId, blob string) (string, error)
	// RenderVideo renders a finished video in the configured video format.
	RenderVideo(ctx context.Context, video, thumbnail string) (string, error)
}

var (
	// ErrIdleTimeout means the upstream went quiet for longer than stream_timeout.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrClientGone means writing to the caller failed.
	ErrClientGone = errors.New("client disconnected")
)

// IdleTimeoutError is returned when nothing was streamed before the idle timeout.
func IdleTimeoutError() *relaymodel.ErrorWithStatusCode {
	return relaymodel.NewError(http.StatusGatewayTimeout, relaymodel.ErrorTypeUpstream, "",
		"stream_idle_timeout", "upstream stream idle timeout")
}
