package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chenyme/grok2api/common/helper"
	"github.com/chenyme/grok2api/common/random"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/meta"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/relaymode"
	"github.com/chenyme/grok2api/relay/retry"
	"github.com/chenyme/grok2api/relay/streaming"
)

const (
	// imagesPerCall is how many finals one imagine session is asked for.
	imagesPerCall = 6
	// editsPerCall is how many images one edit call returns.
	editsPerCall = 2
)

// ImageParams is a normalized image generation or edit request.
type ImageParams struct {
	Model          *meta.ModelConfig
	Prompt         string
	N              int
	Size           string
	ResponseFormat string
	// Images are the edit references, already loaded.
	Images []grok.UploadFile
}

func (p ImageParams) withN(n int) ImageParams {
	p.N = n
	return p
}

func (d *Dispatcher) imageOptions(p ImageParams, tok *model.Token, chat bool) streaming.ImageOptions {
	s := d.settings().Image
	return streaming.ImageOptions{
		Model:          p.Model.Id,
		N:              p.N,
		ResponseFormat: p.ResponseFormat,
		Size:           p.Size,
		MediumMinBytes: s.MediumMinBytes,
		FinalMinBytes:  s.FinalMinBytes,
		IdleTimeout:    s.IdleTimeout(),
		ChatFormat:     chat,
		Media:          d.media(tok),
	}
}

func (d *Dispatcher) imageSelector(cfg *meta.ModelConfig) pool.Selector {
	return pool.Selector{Kinds: meta.KindsFor(cfg), PreferNSFW: d.settings().Image.NSFW}
}

func (d *Dispatcher) imagineRequest(p ImageParams) grok.ImagineRequest {
	return grok.ImagineRequest{
		Prompt:      p.Prompt,
		AspectRatio: relaymodel.ResolveAspectRatio(p.Size),
		N:           p.N,
		NSFW:        d.settings().Image.NSFW,
	}
}

// StreamImages streams image_generation events for a generation request.
func (d *Dispatcher) StreamImages(ctx context.Context, p ImageParams, sink streaming.Sink) error {
	return d.streamImagine(ctx, p, sink, false)
}

func (d *Dispatcher) streamImagine(ctx context.Context, p ImageParams, sink streaming.Sink, chat bool) error {
	return d.dispatch(ctx, relaymode.ImageGenerate, d.imageSelector(p.Model), nil, func(ctx context.Context, tok *model.Token) (bool, error) {
		src, err := d.imagineStream(ctx, tok, p)
		if err != nil {
			return false, err
		}
		defer src.Close()
		tr := streaming.NewImageTranslator(tok.Id, d.imageOptions(p, tok, chat))
		err = tr.Stream(ctx, src, sink)
		return tr.Session().Emitted(), err
	})
}

func (d *Dispatcher) imagineStream(ctx context.Context, tok *model.Token, p ImageParams) (Stream, error) {
	octx, stop, cancel := opening(ctx, d.connectTimeout(relaymode.ImageGenerate))
	src, err := d.upstream.ImagineStream(octx, tok, d.imagineRequest(p))
	if timedOut := stop(); err != nil {
		cancel()
		return nil, openErr(err, timedOut)
	}
	return &cancelStream{Stream: src, cancel: cancel}, nil
}

// withoutTrailingErrors drops error events when the session produced images,
// so a socket closing early does not discard finals already received.
func withoutTrailingErrors(events []streaming.Event) []streaming.Event {
	blobs := 0
	for _, ev := range events {
		if ev.Type == streaming.EventImageBlob {
			blobs++
		}
	}
	if blobs == 0 {
		return events
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev.Type != streaming.EventError {
			out = append(out, ev)
		}
	}
	return out
}

func (d *Dispatcher) imagineBatch(ctx context.Context, p ImageParams, sel pool.Selector, used *tokenSet) ([]relaymodel.ImageData, error) {
	var images []relaymodel.ImageData
	err := d.dispatch(ctx, relaymode.ImageGenerate, sel, used, func(ctx context.Context, tok *model.Token) (bool, error) {
		events, err := d.upstream.Imagine(ctx, tok, d.imagineRequest(p))
		if err != nil {
			return false, err
		}
		tr := streaming.NewImageTranslator(tok.Id, d.imageOptions(p, tok, false))
		images, err = tr.Collect(ctx, streaming.SliceSource(withoutTrailingErrors(events)...))
		return false, err
	})
	return images, err
}

// imageSet gathers distinct images from concurrent batches up to a limit.
type imageSet struct {
	mu      sync.Mutex
	limit   int
	seen    map[string]struct{}
	images  []relaymodel.ImageData
	lastErr error
}

func newImageSet(limit int) *imageSet {
	return &imageSet{limit: limit, seen: map[string]struct{}{}}
}

func (s *imageSet) add(images []relaymodel.ImageData, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return
	}
	for _, img := range images {
		if len(s.images) >= s.limit {
			return
		}
		key := img.Url + img.B64Json
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.images = append(s.images, img)
	}
}

func (s *imageSet) missing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - len(s.images)
}

func batchSizes(n, per int) []int {
	var out []int
	for n > 0 {
		size := min(per, n)
		out = append(out, size)
		n -= size
	}
	return out
}

// GenerateImages collects n images. Requests above one session's yield run
// as parallel batches; when the upstream held images back, recovery batches
// run on tokens that have not served this request yet.
func (d *Dispatcher) GenerateImages(ctx context.Context, p ImageParams) ([]relaymodel.ImageData, error) {
	lg := gmw.GetLogger(ctx)
	s := d.settings().Image
	set := newImageSet(p.N)
	used := newTokenSet()
	sel := d.imageSelector(p.Model)

	var g errgroup.Group
	for _, size := range batchSizes(p.N, imagesPerCall) {
		g.Go(func() error {
			set.add(d.imagineBatch(ctx, p.withN(size), sel, used))
			return nil
		})
	}
	_ = g.Wait()

	attempts := min(max(s.BlockedParallelAttempts, 0), 10)
	if remaining := set.missing(); remaining > 0 && attempts > 0 && ctx.Err() == nil {
		lg.Warn("image finals insufficient, running recovery",
			zap.Int("missing", remaining),
			zap.Int("attempts", attempts),
			zap.Bool("parallel", s.BlockedParallelEnabled))
		batch := p.withN(min(imagesPerCall, remaining))
		if s.BlockedParallelEnabled {
			recovery := sel
			recovery.Exclude = used.snapshot()
			var rg errgroup.Group
			for range attempts {
				rg.Go(func() error {
					set.add(d.imagineBatch(ctx, batch, recovery, used))
					return nil
				})
			}
			_ = rg.Wait()
		} else {
			for range attempts {
				if set.missing() == 0 || ctx.Err() != nil {
					break
				}
				set.add(d.imagineBatch(ctx, batch, sel, used))
			}
		}
	}

	if ctx.Err() != nil {
		return nil, errors.WithStack(ctx.Err())
	}
	if missing := set.missing(); missing > 0 {
		if len(set.images) == 0 && set.lastErr != nil && !errors.Is(set.lastErr, streaming.ErrNoFinalImage) {
			return nil, set.lastErr
		}
		lg.Error("image generation short of finals",
			zap.Int("finals", p.N-missing), zap.Int("requested", p.N))
		return nil, retry.NewUpstreamError(0, grok.CodeBlocked,
			fmt.Sprintf("image generation blocked or no valid final image (%d/%d)", p.N-missing, p.N))
	}
	return set.images, nil
}

func (d *Dispatcher) editStream(ctx context.Context, tok *model.Token, p ImageParams) (Stream, error) {
	octx, stop, cancel := opening(ctx, d.connectTimeout(relaymode.ImageEdit))
	src, err := d.upstream.Edit(octx, tok, grok.EditRequest{
		Prompt: p.Prompt,
		Model:  p.Model.UpstreamModel,
		Images: p.Images,
	})
	if timedOut := stop(); err != nil {
		cancel()
		return nil, openErr(err, timedOut)
	}
	return &cancelStream{Stream: src, cancel: cancel}, nil
}

// cancelStream releases the attempt context together with the stream.
type cancelStream struct {
	Stream
	cancel func()
}

func (s *cancelStream) Close() error {
	err := s.Stream.Close()
	s.cancel()
	return err
}

// StreamEdit streams an image edit.
func (d *Dispatcher) StreamEdit(ctx context.Context, p ImageParams, sink streaming.Sink) error {
	return d.streamEdit(ctx, p, sink, false)
}

func (d *Dispatcher) streamEdit(ctx context.Context, p ImageParams, sink streaming.Sink, chat bool) error {
	return d.dispatch(ctx, relaymode.ImageEdit, d.imageSelector(p.Model), nil, func(ctx context.Context, tok *model.Token) (bool, error) {
		src, err := d.editStream(ctx, tok, p)
		if err != nil {
			return false, err
		}
		defer src.Close()
		tr := streaming.NewImageTranslator(tok.Id, d.imageOptions(p, tok, chat))
		err = tr.Stream(ctx, src, sink)
		return tr.Session().Emitted(), err
	})
}

func (d *Dispatcher) editBatch(ctx context.Context, p ImageParams) ([]relaymodel.ImageData, error) {
	var images []relaymodel.ImageData
	err := d.dispatch(ctx, relaymode.ImageEdit, d.imageSelector(p.Model), nil, func(ctx context.Context, tok *model.Token) (bool, error) {
		src, err := d.editStream(ctx, tok, p)
		if err != nil {
			return false, err
		}
		defer src.Close()
		images, err = streaming.NewImageTranslator(tok.Id, d.imageOptions(p, tok, false)).Collect(ctx, src)
		return false, err
	})
	return images, err
}

// EditImages collects n edited images. Every edit call yields up to two, so
// larger requests fan out. A short result is returned as is; an empty one
// fails with the most telling error seen, rate limits first.
func (d *Dispatcher) EditImages(ctx context.Context, p ImageParams) ([]relaymodel.ImageData, error) {
	sizes := batchSizes(p.N, editsPerCall)
	var (
		mu          sync.Mutex
		all         []relaymodel.ImageData
		lastErr     error
		rateLimited error
		g           errgroup.Group
	)
	for _, size := range sizes {
		g.Go(func() error {
			images, err := d.editBatch(ctx, p.withN(size))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				gmw.GetLogger(ctx).Warn("image edit call failed", zap.Error(err))
				lastErr = err
				if retry.IsRateLimited(err) {
					rateLimited = err
				}
				return nil
			}
			all = append(all, images...)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case len(all) > 0:
		return all[:min(len(all), p.N)], nil
	case rateLimited != nil:
		return nil, rateLimited
	case lastErr != nil:
		return nil, lastErr
	}
	return nil, retry.NewUpstreamError(0, "empty_result", "image edit returned no results")
}

// chatImageParams turns a chat request for an image model into image params.
func (d *Dispatcher) chatImageParams(p ChatParams, prompt string) (ImageParams, error) {
	cfg := relaymodel.ImageConfig{}
	if p.ImageConfig != nil {
		cfg = *p.ImageConfig
	}
	format, verr := relaymodel.ResolveResponseFormat(cfg.ResponseFormat,
		relaymodel.DefaultImageFormat(d.settings().App.ImageFormat))
	if verr != nil {
		return ImageParams{}, &InputError{Param: "image_config.response_format", Err: errors.New(verr.Error.Message)}
	}
	n := cfg.N
	if n <= 0 {
		n = 1
	}
	if n > relaymodel.MaxImagesPerRequest {
		return ImageParams{}, &InputError{Param: "image_config.n", Err: errors.New("n must be between 1 and 10")}
	}
	size := cfg.Size
	if size == "" {
		size = relaymodel.DefaultImageSize
	}
	return ImageParams{Model: p.Model, Prompt: prompt, N: n, Size: size, ResponseFormat: format}, nil
}

// imageChatResponse renders collected images as one markdown answer.
func imageChatResponse(modelId string, images []relaymodel.ImageData) *relaymodel.TextResponse {
	parts := make([]string, 0, len(images))
	for _, img := range images {
		if img.Url != "" {
			parts = append(parts, "![image]("+img.Url+")")
		} else {
			parts = append(parts, "![image](data:image/jpeg;base64,"+img.B64Json+")")
		}
	}
	return &relaymodel.TextResponse{
		Id:      random.CompletionID(),
		Object:  relaymodel.ObjectChatCompletion,
		Created: helper.GetTimestamp(),
		Model:   modelId,
		Choices: []relaymodel.TextResponseChoice{{
			Message:      relaymodel.Message{Role: "assistant", Content: strings.Join(parts, "\n")},
			FinishReason: relaymodel.FinishReasonStop,
		}},
	}
}

func (d *Dispatcher) chatImages(ctx context.Context, p ChatParams, prompt string, sink streaming.Sink) (*relaymodel.TextResponse, error) {
	ip, err := d.chatImageParams(p, prompt)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		return nil, d.streamImagine(ctx, ip, sink, true)
	}
	images, err := d.GenerateImages(ctx, ip)
	if err != nil {
		return nil, err
	}
	return imageChatResponse(p.Model.Id, images), nil
}

func (d *Dispatcher) chatEdit(ctx context.Context, p ChatParams, prompt string, refs []string, sink streaming.Sink) (*relaymodel.TextResponse, error) {
	if len(refs) == 0 {
		return nil, &InputError{Param: "messages", Err: errors.New("image edit requires at least one image")}
	}
	if len(refs) > relaymodel.MaxEditImages {
		refs = refs[len(refs)-relaymodel.MaxEditImages:]
	}
	ip, err := d.chatImageParams(p, prompt)
	if err != nil {
		return nil, err
	}
	if ip.Images, err = d.loadImages(ctx, "messages", refs); err != nil {
		return nil, err
	}
	if sink != nil {
		return nil, d.streamEdit(ctx, ip, sink, true)
	}
	images, err := d.EditImages(ctx, ip)
	if err != nil {
		return nil, err
	}
	return imageChatResponse(p.Model.Id, images), nil
}
