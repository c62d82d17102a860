package dispatcher

import (
	"context"
	"strings"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/meta"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/relaymode"
	"github.com/chenyme/grok2api/relay/streaming"
)

// ChatParams is a normalized /v1/chat/completions request.
type ChatParams struct {
	Model         *meta.ModelConfig
	Messages      []relaymodel.Message
	ShowReasoning bool
	ImageConfig   *relaymodel.ImageConfig
	VideoConfig   *relaymodel.VideoConfig
}

// Chat serves a chat completion. With a sink the answer is streamed and the
// returned response is nil; otherwise it is collected. Image and video models
// are routed to their own flows and answer in chat format.
func (d *Dispatcher) Chat(ctx context.Context, p ChatParams, sink streaming.Sink) (*relaymodel.TextResponse, error) {
	prompt, refs := relaymodel.ExtractPrompt(p.Messages)
	if strings.TrimSpace(prompt) == "" && p.Model.Capability != relaymode.Chat {
		return nil, &InputError{Param: "messages", Err: errors.New("prompt cannot be empty")}
	}

	switch p.Model.Capability {
	case relaymode.ImageGenerate:
		return d.chatImages(ctx, p, prompt, sink)
	case relaymode.ImageEdit:
		return d.chatEdit(ctx, p, prompt, refs, sink)
	case relaymode.VideoGenerate:
		return d.video(ctx, p, prompt, refs, sink)
	default:
		return d.chat(ctx, p, prompt, refs, sink)
	}
}

// loadImages resolves request image references once, before any token is taken.
func (d *Dispatcher) loadImages(ctx context.Context, param string, refs []string) ([]grok.UploadFile, error) {
	files := make([]grok.UploadFile, 0, len(refs))
	for _, ref := range refs {
		f, err := d.upstream.LoadImage(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.WithStack(ctx.Err())
			}
			return nil, &InputError{Param: param, Err: err}
		}
		files = append(files, f)
	}
	return files, nil
}

func (d *Dispatcher) chatOptions(p ChatParams, prompt string, tok *model.Token) streaming.ChatOptions {
	s := d.settings()
	return streaming.ChatOptions{
		Model:         p.Model.Id,
		Prompt:        prompt,
		ShowReasoning: p.ShowReasoning,
		FilterTags:    s.App.FilterTags,
		IdleTimeout:   s.Chat.IdleTimeout(),
		Media:         d.media(tok),
	}
}

// translate drives a chat translator over an open stream.
func translate(ctx context.Context, tr *streaming.ChatTranslator, src Stream, sink streaming.Sink, out **relaymodel.TextResponse) (bool, error) {
	defer src.Close()
	if sink != nil {
		err := tr.Stream(ctx, src, sink)
		return tr.Session().Emitted(), err
	}
	resp, err := tr.Collect(ctx, src)
	if resp != nil {
		*out = resp
		return true, err
	}
	return false, err
}

// collected keeps a partial answer when the stream went idle after output.
func collected(resp *relaymodel.TextResponse, err error) (*relaymodel.TextResponse, error) {
	if resp != nil && errors.Is(err, streaming.ErrIdleTimeout) {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) chat(ctx context.Context, p ChatParams, prompt string, refs []string, sink streaming.Sink) (*relaymodel.TextResponse, error) {
	files, err := d.loadImages(ctx, "messages", refs)
	if err != nil {
		return nil, err
	}

	var resp *relaymodel.TextResponse
	sel := pool.Selector{Kinds: meta.KindsFor(p.Model)}
	err = d.dispatch(ctx, relaymode.Chat, sel, nil, func(ctx context.Context, tok *model.Token) (bool, error) {
		octx, stop, cancel := opening(ctx, d.connectTimeout(relaymode.Chat))
		defer cancel()

		fileIds, err := d.upstream.Attach(octx, tok, files)
		if err != nil {
			return false, openErr(err, stop())
		}
		src, err := d.upstream.Chat(octx, tok, grok.ChatRequest{
			Message:         prompt,
			Model:           p.Model.UpstreamModel,
			Mode:            p.Model.UpstreamMode,
			FileAttachments: fileIds,
		})
		if timedOut := stop(); err != nil {
			return false, openErr(err, timedOut)
		}
		return translate(octx, streaming.NewChatTranslator(tok.Id, d.chatOptions(p, prompt, tok)), src, sink, &resp)
	})
	return collected(resp, err)
}

// upscaler returns the hook that turns a finished basic-token 720p video into
// its HD version. Failures keep the original URL.
func (d *Dispatcher) upscaler(tok *model.Token, cfg relaymodel.VideoConfig) func(ctx context.Context, videoURL string) string {
	if tok.Kind != model.TokenKindBasic || cfg.ResolutionName != "720p" {
		return nil
	}
	return func(ctx context.Context, videoURL string) string {
		lg := gmw.GetLogger(ctx)
		leave, err := d.enter(ctx, relaymode.VideoUpscale)
		if err != nil {
			return videoURL
		}
		defer leave()

		hd, err := d.upstream.UpscaleVideo(ctx, tok, videoURL)
		if err != nil || hd == "" {
			lg.Warn("video upscale failed, keeping original", zap.String("url", videoURL), zap.Error(err))
			return videoURL
		}
		lg.Info("video upscaled", zap.String("url", hd))
		return hd
	}
}

func (d *Dispatcher) video(ctx context.Context, p ChatParams, prompt string, refs []string, sink streaming.Sink) (*relaymodel.TextResponse, error) {
	var ref *grok.UploadFile
	if len(refs) > 0 {
		files, err := d.loadImages(ctx, "messages", refs[:1])
		if err != nil {
			return nil, err
		}
		ref = &files[0]
	}
	cfg := p.VideoConfig.WithDefaults()

	var resp *relaymodel.TextResponse
	sel := pool.Selector{Kinds: meta.KindsFor(p.Model)}
	err := d.dispatch(ctx, relaymode.VideoGenerate, sel, nil, func(ctx context.Context, tok *model.Token) (bool, error) {
		octx, stop, cancel := opening(ctx, d.connectTimeout(relaymode.VideoGenerate))
		defer cancel()

		src, err := d.upstream.Video(octx, tok, grok.VideoRequest{Prompt: prompt, Config: cfg, Image: ref})
		if timedOut := stop(); err != nil {
			return false, openErr(err, timedOut)
		}
		opts := d.chatOptions(p, prompt, tok)
		opts.IdleTimeout = d.settings().Video.IdleTimeout()
		opts.Upscale = d.upscaler(tok, cfg)
		return translate(octx, streaming.NewChatTranslator(tok.Id, opts), src, sink, &resp)
	})
	return collected(resp, err)
}
