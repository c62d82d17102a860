package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	. "github.com/smartystreets/goconvey/convey"

	relaymodel "github.com/chenyme/grok2api/relay/model"
)

func newChat(opts ChatOptions) *ChatTranslator {
	if opts.Model == "" {
		opts.Model = "grok-4"
	}
	return NewChatTranslator("tok-1", opts)
}

func TestChatStream(t *testing.T) {
	ctx := testContext()

	Convey("chat stream translation", t, func() {
		sink := &RecordingSink{}

		Convey("reasoning precedes content and the stream ends with usage and DONE", func() {
			tr := newChat(ChatOptions{ShowReasoning: true, Prompt: "hi"})
			err := tr.Stream(ctx, SliceSource(
				Event{Type: EventResponseId, ResponseId: "r1"},
				Event{Type: EventToken, Text: "plan", Thinking: true},
				Event{Type: EventToken, Text: "answer"},
			), sink)
			So(err, ShouldBeNil)
			So(sink.Frames, ShouldHaveLength, 4)

			first := chunkOf(sink.Frames[0])
			So(first.Id, ShouldEqual, "chatcmpl-r1")
			So(first.Choices[0].Delta.Role, ShouldEqual, "assistant")
			So(*first.Choices[0].Delta.ReasoningContent, ShouldEqual, "plan")

			second := chunkOf(sink.Frames[1])
			So(second.Choices[0].Delta.Role, ShouldBeEmpty)
			So(second.Choices[0].Delta.Content, ShouldEqual, "answer")

			final := chunkOf(sink.Frames[2])
			So(*final.Choices[0].FinishReason, ShouldEqual, relaymodel.FinishReasonStop)
			So(final.Usage, ShouldNotBeNil)
			So(final.Usage.CompletionTokensDetails, ShouldNotBeNil)
			So(sink.Frames[3].Done, ShouldBeTrue)

			So(tr.Session().State(), ShouldEqual, StateCompleted)
			So(tr.Session().Output(), ShouldEqual, "answer")
			So(tr.Session().Reasoning(), ShouldEqual, "plan")
		})

		Convey("reasoning is dropped when disabled", func() {
			tr := newChat(ChatOptions{ShowReasoning: false})
			err := tr.Stream(ctx, SliceSource(
				Event{Type: EventToken, Text: "<think>hidden</think>", Thinking: false},
				Event{Type: EventToken, Text: "shown"},
			), sink)
			So(err, ShouldBeNil)
			So(tr.Session().Reasoning(), ShouldBeEmpty)
			So(tr.Session().Output(), ShouldEqual, "shown")
			for _, f := range sink.Frames {
				if c := chunkOf(f); c != nil {
					So(c.Choices[0].Delta.ReasoningContent, ShouldBeNil)
				}
			}
		})

		Convey("filtered tags are removed across chunk boundaries", func() {
			tr := newChat(ChatOptions{FilterTags: []string{"xaiartifact"}})
			err := tr.Stream(ctx, SliceSource(
				Event{Type: EventToken, Text: "Hello <xaiart"},
				Event{Type: EventToken, Text: "ifact id=1>secret</xaiartifact> world"},
			), sink)
			So(err, ShouldBeNil)
			So(tr.Session().Output(), ShouldEqual, "Hello  world")
		})

		Convey("video progress goes to the reasoning channel", func() {
			tr := newChat(ChatOptions{ShowReasoning: true})
			err := tr.Stream(ctx, SliceSource(
				Event{Type: EventVideoProgress, Progress: 50},
				Event{Type: EventVideoReady, URL: "https://assets/v.mp4"},
			), sink)
			So(err, ShouldBeNil)
			So(tr.Session().Reasoning(), ShouldEqual, "Generating video, progress 50%\n")
			So(tr.Session().Output(), ShouldEqual, "https://assets/v.mp4\n")
		})

		Convey("idle timeout after output ends with exactly one stop frame", func() {
			tr := newChat(ChatOptions{IdleTimeout: 50 * time.Millisecond})
			err := tr.Stream(ctx, stallAfter(Event{Type: EventToken, Text: "partial"}), sink)
			So(errors.Is(err, ErrIdleTimeout), ShouldBeTrue)
			So(sink.Frames, ShouldHaveLength, 2)

			stops := 0
			for _, f := range sink.Frames {
				So(f.Done, ShouldBeFalse)
				if c := chunkOf(f); c != nil && c.Choices[0].FinishReason != nil {
					stops++
				}
			}
			So(stops, ShouldEqual, 1)
			So(tr.Session().State(), ShouldEqual, StateAborted)
		})

		Convey("idle timeout before output writes nothing", func() {
			tr := newChat(ChatOptions{IdleTimeout: 30 * time.Millisecond})
			err := tr.Stream(ctx, stallAfter(), sink)
			So(errors.Is(err, ErrIdleTimeout), ShouldBeTrue)
			So(sink.Frames, ShouldBeEmpty)
			So(tr.Session().State(), ShouldEqual, StateFailed)
		})

		Convey("cancellation stops the stream", func() {
			cctx, cancel := context.WithCancel(ctx)
			defer cancel()
			calls := 0
			src := SourceFunc(func(c context.Context) (Event, error) {
				calls++
				if calls == 1 {
					return Event{Type: EventToken, Text: "x"}, nil
				}
				cancel()
				<-c.Done()
				return Event{}, c.Err()
			})
			tr := newChat(ChatOptions{})
			err := tr.Stream(cctx, src, sink)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(tr.Session().State(), ShouldEqual, StateAborted)
			So(sink.Frames, ShouldHaveLength, 2)
		})

		Convey("upstream failure before output is returned for retry", func() {
			tr := newChat(ChatOptions{})
			boom := errors.New("boom")
			err := tr.Stream(ctx, SliceSource(Event{Type: EventError, Err: boom}), sink)
			So(errors.Is(err, boom), ShouldBeTrue)
			So(sink.Frames, ShouldBeEmpty)
			So(tr.Session().Emitted(), ShouldBeFalse)
		})

		Convey("upstream failure after output writes an error frame", func() {
			tr := newChat(ChatOptions{})
			boom := errors.New("boom")
			err := tr.Stream(ctx, SliceSource(
				Event{Type: EventToken, Text: "a"},
				Event{Type: EventError, Err: boom},
			), sink)
			So(errors.Is(err, boom), ShouldBeTrue)
			So(sink.Frames, ShouldHaveLength, 2)
			_, isErr := sink.Frames[1].Data.(relaymodel.ErrorResponse)
			So(isErr, ShouldBeTrue)
			So(tr.Session().State(), ShouldEqual, StateFailed)
		})

		Convey("a gone client aborts without further frames", func() {
			sink.Err = errors.Wrap(ErrClientGone, "broken pipe")
			tr := newChat(ChatOptions{})
			err := tr.Stream(ctx, SliceSource(Event{Type: EventToken, Text: "a"}), sink)
			So(errors.Is(err, ErrClientGone), ShouldBeTrue)
			So(tr.Session().State(), ShouldEqual, StateAborted)
		})
	})
}

func TestChatCollect(t *testing.T) {
	ctx := testContext()

	Convey("non-stream collection", t, func() {
		Convey("joins both channels", func() {
			tr := newChat(ChatOptions{ShowReasoning: true, Prompt: "q"})
			resp, err := tr.Collect(ctx, SliceSource(
				Event{Type: EventToken, Text: "<think>why"},
				Event{Type: EventToken, Text: "</think>because"},
			))
			So(err, ShouldBeNil)
			So(resp.Object, ShouldEqual, relaymodel.ObjectChatCompletion)
			So(resp.Choices[0].Message.Content, ShouldEqual, "because")
			So(*resp.Choices[0].Message.ReasoningContent, ShouldEqual, "why")
			So(resp.Usage.TotalTokens, ShouldBeGreaterThan, 0)
		})

		Convey("returns the partial answer on idle timeout", func() {
			tr := newChat(ChatOptions{IdleTimeout: 30 * time.Millisecond})
			resp, err := tr.Collect(ctx, stallAfter(Event{Type: EventToken, Text: "half"}))
			So(errors.Is(err, ErrIdleTimeout), ShouldBeTrue)
			So(resp, ShouldNotBeNil)
			So(resp.Choices[0].Message.Content, ShouldEqual, "half")
			So(tr.Session().State(), ShouldEqual, StateAborted)
		})

		Convey("returns nothing when idle without output", func() {
			tr := newChat(ChatOptions{IdleTimeout: 30 * time.Millisecond})
			resp, err := tr.Collect(ctx, stallAfter())
			So(errors.Is(err, ErrIdleTimeout), ShouldBeTrue)
			So(resp, ShouldBeNil)
		})
	})
}
