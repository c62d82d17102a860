package streaming

import (
	"context"
	"strings"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/retry"
)

type fakeMedia struct {
	inlineErr error
	saved     []string
}

func (m *fakeMedia) RenderImage(_ context.Context, upstream string) (string, error) {
	return "![image](/files/" + upstream + ")", nil
}

func (m *fakeMedia) ImageURL(_ context.Context, upstream string) (string, error) {
	return "https://cdn.test/" + upstream, nil
}

func (m *fakeMedia) ImageBase64(_ context.Context, upstream string) (string, error) {
	if m.inlineErr != nil {
		return "", m.inlineErr
	}
	return "data:image/png;base64,QUJD", nil
}

func (m *fakeMedia) SaveImageBlob(_ context.Context, imageId, _ string) (string, error) {
	m.saved = append(m.saved, imageId)
	return "/files/" + imageId, nil
}

func (m *fakeMedia) RenderVideo(_ context.Context, video, _ string) (string, error) {
	return video, nil
}

func blob(id string, size int) Event {
	return Event{Type: EventImageBlob, ImageId: id, Blob: strings.Repeat("A", size)}
}

func imageOpts(n int, format string, media MediaResolver) ImageOptions {
	return ImageOptions{
		Model:          relaymodel.ImageGenerationModel,
		N:              n,
		ResponseFormat: format,
		Size:           relaymodel.DefaultImageSize,
		MediumMinBytes: 10,
		FinalMinBytes:  100,
		Media:          media,
	}
}

func TestClassifyStage(t *testing.T) {
	assert.Equal(t, StagePreview, ClassifyStage(5, 10, 100))
	assert.Equal(t, StagePreview, ClassifyStage(10, 10, 100))
	assert.Equal(t, StageMedium, ClassifyStage(50, 10, 100))
	assert.Equal(t, StageFinal, ClassifyStage(100, 10, 100))
}

func TestImageStreamPartialsThenFinal(t *testing.T) {
	sink := &RecordingSink{}
	tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, nil))
	err := tr.Stream(testContext(), SliceSource(
		blob("a", 5),
		blob("a", 6),
		blob("a", 50),
		blob("a", 200),
		blob("b", 300),
	), sink)
	require.NoError(t, err)
	require.Len(t, sink.Frames, 3)

	preview := sink.Frames[0].Data.(relaymodel.ImagePartialEvent)
	assert.Equal(t, relaymodel.EventImagePartial, sink.Frames[0].Event)
	assert.Equal(t, "preview", preview.Stage)
	assert.Equal(t, 0, preview.PartialImageIndex)
	assert.Empty(t, preview.B64Json)

	medium := sink.Frames[1].Data.(relaymodel.ImagePartialEvent)
	assert.Equal(t, 1, medium.PartialImageIndex)
	assert.Len(t, medium.B64Json, 50)

	done := sink.Frames[2].Data.(relaymodel.ImageCompletedEvent)
	assert.Equal(t, relaymodel.EventImageCompleted, sink.Frames[2].Event)
	assert.Equal(t, "a", done.ImageId)
	assert.Equal(t, "final", done.Stage)
	assert.Len(t, done.B64Json, 200)
	assert.Equal(t, StateCompleted, tr.Session().State())
}

func TestImageFallsBackToBestWhenTargetNeverFinishes(t *testing.T) {
	tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, nil))
	out, err := tr.Collect(testContext(), SliceSource(blob("a", 50), blob("b", 150)))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Len(t, out[0].B64Json, 150)
}

func TestImageCollectDeliversFinalsOnly(t *testing.T) {
	for _, tc := range []struct {
		name   string
		events []Event
	}{
		{"preview", []Event{blob("img-1", 5)}},
		{"medium", []Event{blob("img-1", 5), blob("img-1", 60)}},
		{"other preview", []Event{blob("a", 50), blob("b", 8)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, nil))
			out, err := tr.Collect(testContext(), SliceSource(tc.events...))
			require.ErrorIs(t, err, ErrNoFinalImage)
			assert.Empty(t, out)
			assert.Equal(t, StateFailed, tr.Session().State())
		})
	}
}

func TestImageStreamFallsBackToBestFrame(t *testing.T) {
	sink := &RecordingSink{}
	tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, nil))
	require.NoError(t, tr.Stream(testContext(), SliceSource(blob("a", 5), blob("a", 60)), sink))

	last := sink.Frames[len(sink.Frames)-1]
	require.Equal(t, relaymodel.EventImageCompleted, last.Event)
	done := last.Data.(relaymodel.ImageCompletedEvent)
	assert.Equal(t, "medium", done.Stage)
	assert.Len(t, done.B64Json, 60)
}

func TestImageCollectURLSlots(t *testing.T) {
	media := &fakeMedia{}
	tr := NewImageTranslator("tok", imageOpts(2, relaymodel.ResponseFormatURL, media))
	out, err := tr.Collect(testContext(), SliceSource(
		blob("a", 200),
		blob("b", 20),
		blob("c", 200),
		blob("b", 200),
	))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "/files/a-final", out[0].Url)
	assert.Equal(t, "/files/b-final", out[1].Url)
	assert.Equal(t, []string{"a", "b"}, tr.CollectedIds())
}

func TestImageNoFinal(t *testing.T) {
	tr := NewImageTranslator("tok", imageOpts(2, relaymodel.ResponseFormatB64JSON, nil))
	_, err := tr.Collect(testContext(), SliceSource(blob("a", 5), blob("b", 50)))
	require.ErrorIs(t, err, ErrNoFinalImage)

	tr = NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, nil))
	_, err = tr.Collect(testContext(), SliceSource())
	require.ErrorIs(t, err, ErrNoFinalImage)
	assert.Equal(t, StateFailed, tr.Session().State())
}

func TestImageErrorAfterPartial(t *testing.T) {
	sink := &RecordingSink{}
	tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, nil))
	upstream := retry.NewUpstreamError(0, "content_blocked", "moderated")
	err := tr.Stream(testContext(), SliceSource(
		blob("a", 5),
		Event{Type: EventError, Err: upstream},
	), sink)
	require.Error(t, err)

	var ue *retry.UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Len(t, sink.Frames, 2)
	assert.Equal(t, relaymodel.EventError, sink.Frames[1].Event)
	payload := sink.Frames[1].Data.(relaymodel.ErrorResponse)
	assert.Equal(t, "content_blocked", payload.Error.Code)
	assert.Equal(t, StateFailed, tr.Session().State())
}

func TestImageChatFormat(t *testing.T) {
	sink := &RecordingSink{}
	opts := imageOpts(1, relaymodel.ResponseFormatURL, &fakeMedia{})
	opts.ChatFormat = true
	tr := NewImageTranslator("tok", opts)
	require.NoError(t, tr.Stream(testContext(), SliceSource(blob("a", 50), blob("a", 200)), sink))

	require.Len(t, sink.Frames, 3)
	content := chunkOf(sink.Frames[0])
	require.NotNil(t, content)
	assert.Equal(t, "![image](/files/a-final)", content.Choices[0].Delta.Content)
	stop := chunkOf(sink.Frames[1])
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.True(t, sink.Frames[2].Done)
}

func TestImageEditEvents(t *testing.T) {
	sink := &RecordingSink{}
	tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, &fakeMedia{}))
	err := tr.Stream(testContext(), SliceSource(
		Event{Type: EventImageProgress, Index: 0, Progress: 40},
		Event{Type: EventImageProgress, Index: 1, Progress: 40},
		Event{Type: EventImageURL, URL: "users/u/generated/x/image.jpg"},
	), sink)
	require.NoError(t, err)
	require.Len(t, sink.Frames, 2)
	assert.Equal(t, relaymodel.EventImagePartial, sink.Frames[0].Event)
	done := sink.Frames[1].Data.(relaymodel.ImageCompletedEvent)
	assert.Equal(t, "QUJD", done.B64Json)
}

func TestImageEditInlineFallsBackToURL(t *testing.T) {
	media := &fakeMedia{inlineErr: errors.New("403")}
	tr := NewImageTranslator("tok", imageOpts(1, relaymodel.ResponseFormatB64JSON, media))
	out, err := tr.Collect(testContext(), SliceSource(Event{Type: EventImageURL, URL: "users/u/img.jpg"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "https://cdn.test/users/u/img.jpg", out[0].Url)
	assert.Empty(t, out[0].B64Json)
}
