package streaming

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/helper"
	"github.com/chenyme/grok2api/common/random"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/retry"
)

// ImageStage is how far an imagine frame has progressed, judged by payload size.
type ImageStage string

const (
	StagePreview ImageStage = "preview"
	StageMedium  ImageStage = "medium"
	StageFinal   ImageStage = "final"
)

// ClassifyStage buckets a base64 payload length.
func ClassifyStage(blobLen, mediumMin, finalMin int) ImageStage {
	switch {
	case blobLen >= finalMin:
		return StageFinal
	case blobLen > mediumMin:
		return StageMedium
	default:
		return StagePreview
	}
}

// ErrNoFinalImage means the upstream never delivered a usable image.
var ErrNoFinalImage = errors.New("no final image received")

// ImageOptions configures an ImageTranslator.
type ImageOptions struct {
	Model string
	N     int
	// ResponseFormat is url or b64_json.
	ResponseFormat string
	Size           string
	MediumMinBytes int
	FinalMinBytes  int
	IdleTimeout    time.Duration
	// ChatFormat emits chat.completion.chunk frames with markdown images
	// instead of image_generation events.
	ChatFormat bool
	Media      MediaResolver
}

type imageCandidate struct {
	id    string
	blob  string
	stage ImageStage
}

// better prefers a final frame, then the larger payload.
func (c *imageCandidate) better(than *imageCandidate) bool {
	if than == nil {
		return true
	}
	if (c.stage == StageFinal) != (than.stage == StageFinal) {
		return c.stage == StageFinal
	}
	return len(c.blob) > len(than.blob)
}

// ImageTranslator handles both imagine WebSocket frames and app-chat image
// edit events.
type ImageTranslator struct {
	opts    ImageOptions
	session *Session
	id      string
	created int64

	targetId    string
	indexes     map[string]int
	order       []string
	best        map[string]*imageCandidate
	partialSent map[string]int
	editURLs    []string
	chatEmitted bool
}

func NewImageTranslator(tokenId string, opts ImageOptions) *ImageTranslator {
	if opts.N <= 0 {
		opts.N = 1
	}
	return &ImageTranslator{
		opts:        opts,
		session:     NewSession(tokenId),
		id:          random.CompletionID(),
		created:     helper.GetTimestamp(),
		indexes:     map[string]int{},
		best:        map[string]*imageCandidate{},
		partialSent: map[string]int{},
	}
}

func (t *ImageTranslator) Session() *Session {
	return t.session
}

// slot returns the output index for an image id. A single-image request
// follows the first id it sees; otherwise ids take slots in arrival order.
func (t *ImageTranslator) slot(imageId string) (int, bool) {
	if t.opts.N == 1 {
		if t.targetId == "" {
			t.targetId = imageId
			t.order = append(t.order, imageId)
		}
		return 0, imageId == t.targetId
	}
	if idx, ok := t.indexes[imageId]; ok {
		return idx, true
	}
	if len(t.indexes) >= t.opts.N {
		return 0, false
	}
	idx := len(t.indexes)
	t.indexes[imageId] = idx
	t.order = append(t.order, imageId)
	return idx, true
}

func stripDataURI(b64 string) string {
	if i := strings.Index(b64, ","); i >= 0 && strings.HasPrefix(b64, "data:") {
		return b64[i+1:]
	}
	return b64
}

func wrapForChat(f finalImage) string {
	if f.isURL {
		return "![image](" + f.output + ")"
	}
	return "![image](data:image/jpeg;base64," + f.output + ")"
}

func (t *ImageTranslator) chatChunk(content string, index int, finish *string) *relaymodel.ChatCompletionsStreamResponse {
	delta := relaymodel.Message{Role: "assistant"}
	if content != "" {
		delta.Content = content
	}
	return &relaymodel.ChatCompletionsStreamResponse{
		Id:      t.id,
		Object:  relaymodel.ObjectChatCompletionChunk,
		Created: t.created,
		Model:   t.opts.Model,
		Choices: []relaymodel.ChatCompletionsStreamResponseChoice{{
			Index:        index,
			Delta:        delta,
			FinishReason: finish,
		}},
	}
}

// blobOutput converts a payload into the requested response format.
func (t *ImageTranslator) blobOutput(ctx context.Context, name, blob string) (string, error) {
	if t.opts.ResponseFormat != relaymodel.ResponseFormatURL {
		return stripDataURI(blob), nil
	}
	if t.opts.Media == nil {
		return "", errors.New("no media resolver for url output")
	}
	return t.opts.Media.SaveImageBlob(ctx, name, blob)
}

// urlOutput converts an upstream image path. isURL is set when the result is
// a link, including when inlining as base64 failed.
func (t *ImageTranslator) urlOutput(ctx context.Context, upstream string) (out string, isURL bool, err error) {
	if t.opts.Media == nil {
		return upstream, true, nil
	}
	if t.opts.ResponseFormat != relaymodel.ResponseFormatURL {
		b64, err := t.opts.Media.ImageBase64(ctx, upstream)
		if err == nil {
			return stripDataURI(b64), false, nil
		}
		gmw.GetLogger(ctx).Warn("inline edited image, falling back to url", zap.Error(err))
	}
	out, err = t.opts.Media.ImageURL(ctx, upstream)
	return out, true, err
}

// handle consumes one event; sink is nil when collecting.
func (t *ImageTranslator) handle(ctx context.Context, ev Event, sink Sink) error {
	switch ev.Type {
	case EventImageBlob:
		if ev.ImageId == "" {
			return nil
		}
		stage := ClassifyStage(len(ev.Blob), t.opts.MediumMinBytes, t.opts.FinalMinBytes)
		cand := &imageCandidate{id: ev.ImageId, blob: ev.Blob, stage: stage}
		if cand.better(t.best[ev.ImageId]) {
			t.best[ev.ImageId] = cand
		}
		idx, ok := t.slot(ev.ImageId)
		if !ok || sink == nil || stage == StageFinal || t.opts.ChatFormat {
			return nil
		}
		return t.sendPartial(ctx, sink, idx, cand)

	case EventImageProgress:
		if sink == nil || t.opts.ChatFormat {
			return nil
		}
		if t.opts.N == 1 && ev.Index != 0 {
			return nil
		}
		if err := sink.Event(relaymodel.EventImagePartial, relaymodel.ImagePartialEvent{
			Type:      relaymodel.EventImagePartial,
			CreatedAt: helper.GetTimestamp(),
			Size:      t.opts.Size,
			Index:     ev.Index,
			Stage:     "progress",
		}); err != nil {
			return err
		}
		t.session.markEmitted()

	case EventImageURL:
		if ev.URL != "" {
			t.editURLs = append(t.editURLs, ev.URL)
		}
	}
	return nil
}

// sendPartial emits the first frame of every image, and medium frames after
// it. Preview payloads are too small to be useful and are never sent.
func (t *ImageTranslator) sendPartial(ctx context.Context, sink Sink, idx int, cand *imageCandidate) error {
	prev, seen := t.partialSent[cand.id]
	partialIndex := 0
	if cand.stage == StageMedium {
		partialIndex = 1
	}
	if seen && (cand.stage == StagePreview || prev >= partialIndex) {
		return nil
	}
	t.partialSent[cand.id] = partialIndex

	ev := relaymodel.ImagePartialEvent{
		Type:              relaymodel.EventImagePartial,
		CreatedAt:         helper.GetTimestamp(),
		Size:              t.opts.Size,
		Index:             idx,
		PartialImageIndex: partialIndex,
		ImageId:           cand.id,
		Stage:             string(cand.stage),
	}
	if cand.stage == StageMedium {
		out, err := t.blobOutput(ctx, cand.id+"-medium", cand.blob)
		if err != nil {
			gmw.GetLogger(ctx).Warn("save partial image", zap.String("image_id", cand.id), zap.Error(err))
		} else if t.opts.ResponseFormat == relaymodel.ResponseFormatURL {
			ev.Url = out
		} else {
			ev.B64Json = out
		}
	}
	if err := sink.Event(relaymodel.EventImagePartial, ev); err != nil {
		return err
	}
	t.session.markEmitted()
	return nil
}

type finalImage struct {
	index   int
	imageId string
	output  string
	isURL   bool
	stage   ImageStage
}

// finals selects and converts the images to deliver, in slot order. When a
// single-image target never finished, another final stands in; anyStage lets
// the best frame of any stage stand in instead.
func (t *ImageTranslator) finals(ctx context.Context, anyStage bool) ([]finalImage, error) {
	var out []finalImage
	var lastErr error

	var picked []*imageCandidate
	if t.opts.N == 1 {
		if c := t.best[t.targetId]; c != nil && c.stage == StageFinal {
			picked = append(picked, c)
		} else {
			ids := make([]string, 0, len(t.best))
			for id := range t.best {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			var best *imageCandidate
			for _, id := range ids {
				c := t.best[id]
				if !anyStage && c.stage != StageFinal {
					continue
				}
				if c.better(best) {
					best = c
				}
			}
			if best != nil {
				picked = append(picked, best)
			}
		}
	} else {
		for _, id := range t.order {
			if c := t.best[id]; c != nil && c.stage == StageFinal {
				picked = append(picked, c)
			}
		}
	}

	for _, c := range picked {
		idx := 0
		if t.opts.N > 1 {
			idx = t.indexes[c.id]
		}
		output, err := t.blobOutput(ctx, c.id+"-final", c.blob)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, finalImage{
			index:   idx,
			imageId: c.id,
			output:  output,
			isURL:   t.opts.ResponseFormat == relaymodel.ResponseFormatURL,
			stage:   c.stage,
		})
	}

	for i, upstream := range t.editURLs {
		if t.opts.N == 1 && i > 0 {
			break
		}
		output, isURL, err := t.urlOutput(ctx, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, finalImage{index: i, output: output, isURL: isURL, stage: StageFinal})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].index < out[j].index })
	if len(out) == 0 {
		if lastErr != nil {
			return nil, errors.Wrap(lastErr, "deliver final image")
		}
		return nil, ErrNoFinalImage
	}
	return out, nil
}

// Stream writes image_generation events, or chat chunks in chat format.
func (t *ImageTranslator) Stream(ctx context.Context, src Source, sink Sink) error {
	err := drive(ctx, t.session, src, t.opts.IdleTimeout, func(ev Event) error {
		return t.handle(ctx, ev, sink)
	})
	if err == nil {
		var finals []finalImage
		if finals, err = t.finals(ctx, true); err == nil {
			err = t.sendFinals(sink, finals)
		}
		if err == nil {
			t.session.finish(StateCompleted)
			return nil
		}
	}
	return t.fail(ctx, sink, err)
}

func (t *ImageTranslator) sendFinals(sink Sink, finals []finalImage) error {
	for _, f := range finals {
		if t.opts.ChatFormat {
			if err := sink.Data(t.chatChunk(wrapForChat(f), f.index, nil)); err != nil {
				return err
			}
			t.chatEmitted = true
			t.session.markEmitted()
			continue
		}
		ev := relaymodel.ImageCompletedEvent{
			Type:      relaymodel.EventImageCompleted,
			CreatedAt: helper.GetTimestamp(),
			Size:      t.opts.Size,
			Index:     f.index,
			ImageId:   f.imageId,
			Stage:     string(f.stage),
		}
		if f.isURL {
			ev.Url = f.output
		} else {
			ev.B64Json = f.output
		}
		if err := sink.Event(relaymodel.EventImageCompleted, ev); err != nil {
			return err
		}
		t.session.markEmitted()
	}
	if t.opts.ChatFormat {
		stop := relaymodel.FinishReasonStop
		if err := sink.Data(t.chatChunk("", 0, &stop)); err != nil {
			return err
		}
		return sink.Done()
	}
	return nil
}

func errorCode(err error) string {
	var ue *retry.UpstreamError
	if errors.As(err, &ue) && ue.Code != "" {
		return ue.Code
	}
	if errors.Is(err, ErrNoFinalImage) {
		return "blocked_no_final_image"
	}
	if errors.Is(err, ErrIdleTimeout) {
		return "stream_idle_timeout"
	}
	return "upstream_error"
}

func (t *ImageTranslator) fail(ctx context.Context, sink Sink, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClientGone) {
		t.session.finish(StateAborted)
		return err
	}
	if !t.session.Emitted() {
		t.session.finish(StateFailed)
		return err
	}

	state := StateFailed
	if errors.Is(err, ErrIdleTimeout) {
		state = StateAborted
	}
	payload := relaymodel.ErrorResponse{Error: relaymodel.Error{
		Message: err.Error(),
		Type:    relaymodel.ErrorTypeServer,
		Code:    errorCode(err),
	}}
	var werr error
	if t.opts.ChatFormat {
		werr = sink.Data(payload)
	} else {
		werr = sink.Event(relaymodel.EventError, payload)
	}
	if werr != nil {
		gmw.GetLogger(ctx).Debug("write image error frame", zap.Error(werr))
	}
	t.session.finish(state)
	return err
}

// Collect drains the source and returns the delivered images in slot order.
func (t *ImageTranslator) Collect(ctx context.Context, src Source) ([]relaymodel.ImageData, error) {
	err := drive(ctx, t.session, src, t.opts.IdleTimeout, func(ev Event) error {
		return t.handle(ctx, ev, nil)
	})
	if err != nil && !(errors.Is(err, ErrIdleTimeout) && len(t.best)+len(t.editURLs) > 0) {
		if errors.Is(err, context.Canceled) {
			t.session.finish(StateAborted)
		} else {
			t.session.finish(StateFailed)
		}
		return nil, err
	}

	finals, ferr := t.finals(ctx, false)
	if ferr != nil {
		t.session.finish(StateFailed)
		return nil, ferr
	}
	out := make([]relaymodel.ImageData, 0, len(finals))
	for _, f := range finals {
		if f.isURL {
			out = append(out, relaymodel.ImageData{Url: f.output})
		} else {
			out = append(out, relaymodel.ImageData{B64Json: f.output})
		}
	}
	if err != nil {
		t.session.finish(StateAborted)
	} else {
		t.session.finish(StateCompleted)
	}
	return out, nil
}

// CollectedIds lists the distinct image ids seen, for de-duplication across calls.
func (t *ImageTranslator) CollectedIds() []string {
	return append([]string(nil), t.order...)
}
