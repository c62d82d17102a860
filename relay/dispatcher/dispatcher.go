// Package dispatcher binds relay requests to pooled tokens. Every upstream
// attempt runs under a per-capability gate, takes a slot on one token, and
// gives it back with an outcome once the translated response is written.
package dispatcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/adaptor/grok"
	"github.com/chenyme/grok2api/relay/asset"
	relaymodel "github.com/chenyme/grok2api/relay/model"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/relaymode"
	"github.com/chenyme/grok2api/relay/retry"
	"github.com/chenyme/grok2api/relay/streaming"
)

// Stream is an open upstream response.
type Stream interface {
	streaming.Source
	Close() error
}

// Upstream is everything the dispatcher asks of the upstream client.
type Upstream interface {
	Chat(ctx context.Context, tok *model.Token, req grok.ChatRequest) (Stream, error)
	Video(ctx context.Context, tok *model.Token, req grok.VideoRequest) (Stream, error)
	Edit(ctx context.Context, tok *model.Token, req grok.EditRequest) (Stream, error)
	Imagine(ctx context.Context, tok *model.Token, req grok.ImagineRequest) ([]streaming.Event, error)
	ImagineStream(ctx context.Context, tok *model.Token, req grok.ImagineRequest) (Stream, error)
	Attach(ctx context.Context, tok *model.Token, files []grok.UploadFile) ([]string, error)
	UpscaleVideo(ctx context.Context, tok *model.Token, videoURL string) (string, error)
	LoadImage(ctx context.Context, ref string) (grok.UploadFile, error)
	ResetSession()
}

// clientUpstream narrows the concrete stream types of grok.Client.
type clientUpstream struct {
	*grok.Client
}

// FromClient adapts a grok.Client to Upstream.
func FromClient(c *grok.Client) Upstream {
	return clientUpstream{Client: c}
}

func (u clientUpstream) Chat(ctx context.Context, tok *model.Token, req grok.ChatRequest) (Stream, error) {
	s, err := u.Client.Chat(ctx, tok, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (u clientUpstream) Video(ctx context.Context, tok *model.Token, req grok.VideoRequest) (Stream, error) {
	s, err := u.Client.Video(ctx, tok, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (u clientUpstream) Edit(ctx context.Context, tok *model.Token, req grok.EditRequest) (Stream, error) {
	s, err := u.Client.Edit(ctx, tok, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (u clientUpstream) ImagineStream(ctx context.Context, tok *model.Token, req grok.ImagineRequest) (Stream, error) {
	s, err := u.Client.ImagineStream(ctx, tok, req)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Metrics receives dispatcher events. The monitor package implements it.
type Metrics interface {
	ObserveRetry(capability relaymode.Capability, class retry.Class)
	ObserveRelease(capability relaymode.Capability, outcome pool.Outcome)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRetry(relaymode.Capability, retry.Class)    {}
func (noopMetrics) ObserveRelease(relaymode.Capability, pool.Outcome) {}

// InputError is a problem with what the caller sent, such as an image that
// cannot be decoded. It is never retried and never blamed on a token.
type InputError struct {
	Param string
	Err   error
}

func (e *InputError) Error() string {
	return e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

var (
	// errCommitted stops the retry loop once output reached the caller.
	errCommitted = errors.New("response already started")
	// errExhausted stops the retry loop when no other token is left to rotate to.
	errExhausted = errors.New("no token left to rotate to")
	// errConnectTimeout cancels an attempt that took too long to open.
	errConnectTimeout = errors.New("upstream connect timeout")
)

type gate struct {
	size int64
	sem  *semaphore.Weighted
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	pool     *pool.Pool
	upstream Upstream
	media    func(tok *model.Token) streaming.MediaResolver
	settings func() *config.Settings
	metrics  Metrics
	retryOpt []retry.Option

	mu    sync.Mutex
	gates map[relaymode.Capability]*gate
}

type Option func(*Dispatcher)

// WithAssets renders media through the asset service bound to each token.
func WithAssets(s *asset.Service) Option {
	return func(d *Dispatcher) {
		d.media = func(tok *model.Token) streaming.MediaResolver { return s.Bind(tok) }
	}
}

// WithMedia overrides how media resolvers are built.
func WithMedia(fn func(tok *model.Token) streaming.MediaResolver) Option {
	return func(d *Dispatcher) {
		d.media = fn
	}
}

func WithSettings(fn func() *config.Settings) Option {
	return func(d *Dispatcher) {
		d.settings = fn
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithRetryOptions passes options to every retry controller, e.g. a fake clock.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(d *Dispatcher) {
		d.retryOpt = append(d.retryOpt, opts...)
	}
}

func New(p *pool.Pool, upstream Upstream, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:     p,
		upstream: upstream,
		media:    func(*model.Token) streaming.MediaResolver { return nil },
		settings: config.Get,
		metrics:  noopMetrics{},
		gates:    map[relaymode.Capability]*gate{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) limit(c relaymode.Capability) int {
	s := d.settings()
	switch c {
	case relaymode.ImageGenerate, relaymode.ImageEdit:
		return s.Image.Concurrent
	case relaymode.VideoGenerate, relaymode.VideoUpscale:
		return s.Video.Concurrent
	default:
		return s.Chat.Concurrent
	}
}

// gate returns the semaphore for c, replacing it when the configured size
// changed. Holders of a replaced semaphore release into the old one.
func (d *Dispatcher) gate(c relaymode.Capability) *semaphore.Weighted {
	size := int64(max(d.limit(c), 1))
	d.mu.Lock()
	defer d.mu.Unlock()
	g := d.gates[c]
	if g == nil || g.size != size {
		g = &gate{size: size, sem: semaphore.NewWeighted(size)}
		d.gates[c] = g
	}
	return g.sem
}

// enter waits for a slot on the capability gate.
func (d *Dispatcher) enter(ctx context.Context, c relaymode.Capability) (func(), error) {
	sem := d.gate(c)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrapf(err, "wait for %s slot", c)
	}
	return func() { sem.Release(1) }, nil
}

func (d *Dispatcher) connectTimeout(c relaymode.Capability) time.Duration {
	s := d.settings()
	switch c {
	case relaymode.ImageGenerate, relaymode.ImageEdit:
		return s.Image.TimeoutDuration()
	case relaymode.VideoGenerate, relaymode.VideoUpscale:
		return s.Video.TimeoutDuration()
	default:
		return s.Chat.TimeoutDuration()
	}
}

// opening bounds the time until the upstream answers. The returned context
// must be used for the whole attempt and released with cancel. stop must be
// called once the upstream answered; it reports whether the timeout fired first.
func opening(ctx context.Context, timeout time.Duration) (octx context.Context, stop func() bool, cancel func()) {
	cctx, cancelCause := context.WithCancelCause(ctx)
	if timeout <= 0 {
		return cctx, func() bool { return false }, func() { cancelCause(nil) }
	}
	timer := time.AfterFunc(timeout, func() { cancelCause(errConnectTimeout) })
	stop = func() bool {
		if timer.Stop() {
			return false
		}
		return errors.Is(context.Cause(cctx), errConnectTimeout)
	}
	return cctx, stop, func() {
		timer.Stop()
		cancelCause(nil)
	}
}

// openErr turns a cancellation caused by the connect timer into a transient
// upstream error.
func openErr(err error, timedOut bool) error {
	if !timedOut {
		return err
	}
	return &retry.UpstreamError{Code: "connect_timeout", Message: "upstream connect timeout", Err: err}
}

// attemptFunc runs one upstream attempt on tok. emitted reports whether any
// output reached the caller, after which the request may not be retried.
type attemptFunc func(ctx context.Context, tok *model.Token) (emitted bool, err error)

// outcomeFor decides what a failed attempt means for the token.
func outcomeFor(class retry.Class, err error) pool.Outcome {
	var ie *InputError
	switch {
	case errors.As(err, &ie), errors.Is(err, streaming.ErrClientGone):
		return pool.OutcomeCanceled
	case class == retry.ClassCanceled:
		return pool.OutcomeCanceled
	case class == retry.ClassRateLimited:
		return pool.OutcomeRateLimited
	}
	var ue *retry.UpstreamError
	if errors.As(err, &ue) && ue.StatusCode == http.StatusUnauthorized {
		return pool.OutcomeUnauthorized
	}
	return pool.OutcomeFailure
}

// tokenSet records token ids across concurrent dispatches.
type tokenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newTokenSet() *tokenSet {
	return &tokenSet{ids: map[string]struct{}{}}
}

func (s *tokenSet) add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *tokenSet) snapshot() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.ids))
	for id := range s.ids {
		out[id] = struct{}{}
	}
	return out
}

// dispatch runs fn under the capability gate and the retry policy. Rate
// limits and session resets move the next attempt to another token; when
// none is left the last upstream failure is returned. used, when not nil,
// collects the ids of every token that served an attempt.
func (d *Dispatcher) dispatch(ctx context.Context, c relaymode.Capability, sel pool.Selector, used *tokenSet, fn attemptFunc) error {
	lg := gmw.GetLogger(ctx).With(zap.String("capability", c.String()))

	leave, err := d.enter(ctx, c)
	if err != nil {
		return err
	}
	defer leave()

	exclude := make(map[string]struct{}, len(sel.Exclude))
	for id := range sel.Exclude {
		exclude[id] = struct{}{}
	}
	sel.Exclude = exclude

	policy := retry.PolicyFromSettings(d.settings().Retry)
	ctrl := retry.NewController(policy, append([]retry.Option{
		retry.WithRetryHook(func(attempt int, class retry.Class, delay time.Duration, err error) {
			d.metrics.ObserveRetry(c, class)
			lg.Warn("upstream attempt failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.String("class", class.String()),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	}, d.retryOpt...)...)

	var final, lastErr error
	err = ctrl.Do(ctx, func(ctx context.Context, attempt int) error {
		h, err := d.pool.Acquire(sel)
		if err != nil {
			if attempt > 0 && lastErr != nil {
				lg.Info("no other token to retry on", zap.Int("excluded", len(exclude)))
				final = lastErr
				return errExhausted
			}
			return err
		}
		if used != nil {
			used.add(h.TokenId())
		}

		emitted, err := fn(ctx, h.Token())
		if err == nil {
			h.Release(pool.OutcomeSuccess, nil)
			d.metrics.ObserveRelease(c, pool.OutcomeSuccess)
			return nil
		}

		class := policy.Classify(err)
		outcome := outcomeFor(class, err)
		h.Release(outcome, err)
		d.metrics.ObserveRelease(c, outcome)
		if class == retry.ClassSessionReset {
			d.upstream.ResetSession()
		}
		if class.RotatesCredential() {
			exclude[h.TokenId()] = struct{}{}
		}
		if emitted {
			final = err
			return errCommitted
		}
		var ie *InputError
		if errors.As(err, &ie) {
			final = err
			return errCommitted
		}
		lastErr = err
		return err
	})
	if final != nil {
		return final
	}
	return err
}

// ErrorFor maps a dispatch failure onto the public error shape.
func ErrorFor(err error) *relaymodel.ErrorWithStatusCode {
	var (
		ie *InputError
		ue *retry.UpstreamError
	)
	switch {
	case errors.Is(err, pool.ErrNoEligibleToken):
		return relaymodel.NoTokenError()
	case errors.As(err, &ie):
		return relaymodel.ValidationError(ie.Param, "invalid_image", ie.Err.Error())
	case errors.Is(err, streaming.ErrIdleTimeout):
		return streaming.IdleTimeoutError()
	case retry.IsCanceled(err), errors.Is(err, streaming.ErrClientGone):
		return relaymodel.NewError(499, relaymodel.ErrorTypeGrok2api, "", "client_closed_request", "client closed request")
	case errors.As(err, &ue):
		if retry.IsRateLimited(err) {
			return relaymodel.NewError(http.StatusTooManyRequests, relaymodel.ErrorTypeRateLimit, "",
				"rate_limit_exceeded", ue.Error())
		}
		status := http.StatusBadGateway
		if ue.StatusCode >= http.StatusBadRequest && ue.StatusCode != http.StatusUnauthorized && ue.StatusCode != http.StatusForbidden {
			status = ue.StatusCode
		}
		code := ue.Code
		if code == "" {
			code = "upstream_error"
		}
		return relaymodel.NewError(status, relaymodel.ErrorTypeUpstream, "", code, ue.Error())
	case errors.Is(err, streaming.ErrNoFinalImage):
		return relaymodel.NewError(http.StatusBadGateway, relaymodel.ErrorTypeUpstream, "",
			grok.CodeBlocked, err.Error())
	default:
		return relaymodel.ErrorWrapper(err, "internal_error", http.StatusInternalServerError)
	}
}
