package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/helper"
	"github.com/chenyme/grok2api/common/random"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

// ChatOptions configures a ChatTranslator.
type ChatOptions struct {
	Model string
	// Prompt is only used for usage accounting.
	Prompt        string
	ShowReasoning bool
	FilterTags    []string
	IdleTimeout   time.Duration
	Media         MediaResolver
	// Upscale, when set, replaces a finished video URL before rendering.
	Upscale func(ctx context.Context, videoURL string) string
}

// ChatTranslator produces chat.completion responses from app-chat events,
// including video generation, whose progress goes to the reasoning channel.
type ChatTranslator struct {
	opts     ChatOptions
	session  *Session
	id       string
	created  int64
	roleSent bool
	splitter ReasoningSplitter
	content  *TagFilter
	thought  *TagFilter
}

func NewChatTranslator(tokenId string, opts ChatOptions) *ChatTranslator {
	return &ChatTranslator{
		opts:    opts,
		session: NewSession(tokenId),
		id:      random.CompletionID(),
		created: helper.GetTimestamp(),
		content: NewTagFilter(opts.FilterTags),
		thought: NewTagFilter(opts.FilterTags),
	}
}

func (t *ChatTranslator) Session() *Session {
	return t.session
}

func (t *ChatTranslator) filter(segs []Segment) []Segment {
	out := segs[:0:0]
	for _, s := range segs {
		var text string
		if s.Reasoning {
			if !t.opts.ShowReasoning {
				continue
			}
			text = t.thought.Push(s.Text)
		} else {
			text = t.content.Push(s.Text)
		}
		if text == "" {
			continue
		}
		if s.Reasoning {
			t.session.openThinking()
			t.session.reasoning.WriteString(text)
		} else {
			t.session.closeThinking()
			t.session.output.WriteString(text)
		}
		out = append(out, Segment{Text: text, Reasoning: s.Reasoning})
	}
	return out
}

func (t *ChatTranslator) flush() []Segment {
	segs := t.filter(t.splitter.Flush())
	if text := t.thought.Flush(); text != "" && t.opts.ShowReasoning {
		t.session.reasoning.WriteString(text)
		segs = append(segs, Segment{Text: text, Reasoning: true})
	}
	if text := t.content.Flush(); text != "" {
		t.session.output.WriteString(text)
		segs = append(segs, Segment{Text: text})
	}
	t.session.closeThinking()
	return segs
}

// translate maps one upstream event onto output segments.
func (t *ChatTranslator) translate(ctx context.Context, ev Event) []Segment {
	lg := gmw.GetLogger(ctx)
	switch ev.Type {
	case EventToken:
		return t.filter(t.splitter.Push(ev.Text, ev.Thinking))
	case EventResponseId:
		if ev.ResponseId != "" && !t.session.Emitted() {
			t.id = "chatcmpl-" + ev.ResponseId
		}
	case EventGeneratedImage:
		rendered := "![image](" + ev.URL + ")"
		if t.opts.Media != nil {
			if out, err := t.opts.Media.RenderImage(ctx, ev.URL); err != nil {
				lg.Warn("render generated image", zap.String("url", ev.URL), zap.Error(err))
			} else {
				rendered = out
			}
		}
		return t.filter([]Segment{{Text: rendered + "\n"}})
	case EventVideoProgress:
		return t.filter([]Segment{{Text: fmt.Sprintf("Generating video, progress %d%%\n", ev.Progress), Reasoning: true}})
	case EventVideoReady:
		return t.filter([]Segment{{Text: t.renderVideo(ctx, ev)}})
	}
	return nil
}

func (t *ChatTranslator) renderVideo(ctx context.Context, ev Event) string {
	lg := gmw.GetLogger(ctx)
	videoURL := ev.URL
	if t.opts.Upscale != nil {
		videoURL = t.opts.Upscale(ctx, videoURL)
	}
	if t.opts.Media == nil {
		return videoURL + "\n"
	}
	rendered, err := t.opts.Media.RenderVideo(ctx, videoURL, ev.ThumbnailURL)
	if err != nil {
		lg.Warn("render video", zap.String("url", videoURL), zap.Error(err))
		return videoURL + "\n"
	}
	return rendered
}

func (t *ChatTranslator) chunk(delta relaymodel.Message, finish *string) *relaymodel.ChatCompletionsStreamResponse {
	return &relaymodel.ChatCompletionsStreamResponse{
		Id:      t.id,
		Object:  relaymodel.ObjectChatCompletionChunk,
		Created: t.created,
		Model:   t.opts.Model,
		Choices: []relaymodel.ChatCompletionsStreamResponseChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

func (t *ChatTranslator) send(sink Sink, segs []Segment) error {
	for _, s := range segs {
		delta := relaymodel.Message{}
		if !t.roleSent {
			delta.Role = "assistant"
			t.roleSent = true
		}
		if s.Reasoning {
			text := s.Text
			delta.ReasoningContent = &text
		} else {
			delta.Content = s.Text
		}
		if err := sink.Data(t.chunk(delta, nil)); err != nil {
			return err
		}
		t.session.markEmitted()
	}
	return nil
}

func (t *ChatTranslator) usage() relaymodel.Usage {
	return BuildUsage(t.opts.Prompt, t.session.Output(), t.session.Reasoning())
}

// Stream writes chat.completion.chunk frames to sink. A completed stream ends
// with a finish chunk carrying usage and the [DONE] marker. An idle timeout or
// cancellation after output started ends with exactly one finish chunk and no
// marker. Before any output, errors are returned untouched so the caller may
// retry or answer with a regular error response.
func (t *ChatTranslator) Stream(ctx context.Context, src Source, sink Sink) error {
	err := drive(ctx, t.session, src, t.opts.IdleTimeout, func(ev Event) error {
		return t.send(sink, t.translate(ctx, ev))
	})
	return t.finishStream(ctx, sink, err)
}

func (t *ChatTranslator) stopped(sink Sink) {
	stop := relaymodel.FinishReasonStop
	if err := sink.Data(t.chunk(relaymodel.Message{}, &stop)); err == nil {
		t.session.markEmitted()
	}
}

func (t *ChatTranslator) finishStream(ctx context.Context, sink Sink, err error) error {
	lg := gmw.GetLogger(ctx)
	switch {
	case err == nil:
		if serr := t.send(sink, t.flush()); serr != nil {
			t.session.finish(StateAborted)
			return serr
		}
		stop := relaymodel.FinishReasonStop
		final := t.chunk(relaymodel.Message{}, &stop)
		usage := t.usage()
		final.Usage = &usage
		if serr := sink.Data(final); serr != nil {
			t.session.finish(StateAborted)
			return serr
		}
		if serr := sink.Done(); serr != nil {
			t.session.finish(StateAborted)
			return serr
		}
		t.session.finish(StateCompleted)
		lg.Debug("chat stream completed",
			zap.Int("output_len", len(t.session.Output())),
			zap.Duration("reasoning", t.session.ReasoningDuration()))
		return nil

	case errors.Is(err, ErrIdleTimeout):
		if !t.session.Emitted() {
			t.session.finish(StateFailed)
			return err
		}
		_ = t.send(sink, t.flush())
		t.stopped(sink)
		t.session.finish(StateAborted)
		lg.Warn("chat stream idle timeout after partial output")
		return err

	case errors.Is(err, context.Canceled), errors.Is(err, ErrClientGone):
		if t.session.finish(StateAborted) && t.session.Emitted() && !errors.Is(err, ErrClientGone) {
			t.stopped(sink)
		}
		return err

	default:
		if !t.session.Emitted() {
			t.session.finish(StateFailed)
			return err
		}
		if serr := sink.Data(relaymodel.ErrorResponse{Error: relaymodel.Error{
			Message: err.Error(),
			Type:    relaymodel.ErrorTypeUpstream,
			Code:    "upstream_error",
		}}); serr != nil {
			lg.Debug("write stream error frame", zap.Error(serr))
		}
		t.session.finish(StateFailed)
		return err
	}
}

// Collect drains the source into one chat.completion. When the stream goes
// idle after producing output, the partial answer is returned together with
// ErrIdleTimeout.
func (t *ChatTranslator) Collect(ctx context.Context, src Source) (*relaymodel.TextResponse, error) {
	err := drive(ctx, t.session, src, t.opts.IdleTimeout, func(ev Event) error {
		t.translate(ctx, ev)
		return nil
	})
	t.flush()

	switch {
	case err == nil:
		t.session.finish(StateCompleted)
	case errors.Is(err, ErrIdleTimeout):
		if t.session.Output() == "" && t.session.Reasoning() == "" {
			t.session.finish(StateFailed)
			return nil, err
		}
		t.session.finish(StateAborted)
	case errors.Is(err, context.Canceled):
		t.session.finish(StateAborted)
		return nil, err
	default:
		t.session.finish(StateFailed)
		return nil, err
	}

	msg := relaymodel.Message{Role: "assistant", Content: t.session.Output()}
	if r := t.session.Reasoning(); r != "" {
		msg.ReasoningContent = &r
	}
	resp := &relaymodel.TextResponse{
		Id:      t.id,
		Object:  relaymodel.ObjectChatCompletion,
		Created: t.created,
		Model:   t.opts.Model,
		Choices: []relaymodel.TextResponseChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: relaymodel.FinishReasonStop,
		}},
		Usage: t.usage(),
	}
	return resp, err
}
