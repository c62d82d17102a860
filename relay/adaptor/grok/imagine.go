package grok

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/retry"
	"github.com/chenyme/grok2api/relay/streaming"
)

const (
	// CodeBlocked is reported when every attempt stalled before a final image.
	CodeBlocked = "blocked_no_final_image"

	defaultImaginePoll   = 5 * time.Second
	defaultImagineSettle = 10 * time.Second
	maxImagineAttempts   = 10
)

var imageIdRe = regexp.MustCompile(`/images/([a-f0-9-]+)\.(png|jpg|jpeg)`)

// ImagineRequest asks the imagine socket for N images.
type ImagineRequest struct {
	Prompt      string
	AspectRatio string
	N           int
	NSFW        bool
}

// WithImagineTiming overrides how often a quiet socket is checked and how
// long it may stay quiet after the first final image.
func WithImagineTiming(poll, settle time.Duration) Option {
	return func(c *Client) {
		c.imaginePoll = poll
		c.imagineSettle = settle
	}
}

// errBlocked marks an attempt that produced a medium frame but no final in time.
var errBlocked = errors.New("imagine stream blocked")

func blockedError() error {
	return retry.NewUpstreamError(0, CodeBlocked, "image generation blocked or no valid final image")
}

type imagineAttempt struct {
	events []streaming.Event
	finals int
}

// blockedRetries is how many more sessions a blocked attempt may start.
func (c *Client) blockedRetries() int {
	return min(max(c.settings().Image.BlockedParallelAttempts, 0), maxImagineAttempts-1)
}

// Imagine runs the image generation socket and returns every frame it
// produced in arrival order. A blocked attempt is retried up to
// image.blocked_parallel_attempts times, in parallel when enabled; the first
// retry that yields a final image wins.
func (c *Client) Imagine(ctx context.Context, tok *model.Token, req ImagineRequest) ([]streaming.Event, error) {
	res, err := c.imagineOnce(ctx, tok, req)
	if errors.Is(err, errBlocked) {
		res, err = c.recoverBlocked(ctx, tok, req, c.blockedRetries())
	}
	if err != nil {
		return nil, err
	}
	return res.events, nil
}

// recoverBlocked retries a blocked attempt up to n times and fails with
// CodeBlocked when none gets through.
func (c *Client) recoverBlocked(ctx context.Context, tok *model.Token, req ImagineRequest, n int) (imagineAttempt, error) {
	lg := gmw.GetLogger(ctx)
	if c.settings().Image.BlockedParallelEnabled {
		if n > 0 {
			lg.Warn("imagine blocked, launching parallel retries", zap.Int("retries", n))
		}
		if res, ok := c.imagineParallel(ctx, tok, req, n); ok {
			return res, nil
		}
		if ctx.Err() != nil {
			return imagineAttempt{}, errors.WithStack(ctx.Err())
		}
		return imagineAttempt{}, blockedError()
	}

	for attempt := range n {
		lg.Warn("imagine blocked, retrying", zap.Int("attempt", attempt+1), zap.Int("of", n))
		res, err := c.imagineOnce(ctx, tok, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, errBlocked) {
			return imagineAttempt{}, err
		}
	}
	return imagineAttempt{}, blockedError()
}

// imagineParallel returns the first attempt that reached a final image and
// cancels the rest.
func (c *Client) imagineParallel(ctx context.Context, tok *model.Token, req ImagineRequest, n int) (imagineAttempt, bool) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		winner *imagineAttempt
		g      errgroup.Group
	)
	for range n {
		g.Go(func() error {
			res, err := c.imagineOnce(pctx, tok, req)
			if err != nil || res.finals == 0 {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if winner == nil {
				winner = &res
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()
	if winner == nil {
		return imagineAttempt{}, false
	}
	return *winner, true
}

// imagineOnce drains one socket session. It returns errBlocked when a medium
// frame arrived but no final image followed within the grace period.
func (c *Client) imagineOnce(ctx context.Context, tok *model.Token, req ImagineRequest) (imagineAttempt, error) {
	sess, err := c.openImagine(ctx, tok, req)
	if err != nil {
		return imagineAttempt{}, err
	}
	defer sess.Close()

	var res imagineAttempt
	for {
		ev, err := sess.Next(ctx)
		if err != nil {
			res.finals = sess.finals
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, err
		}
		res.events = append(res.events, ev)
	}
}

// ImagineStream is a live imagine session: frames are returned as the socket
// delivers them. When the session stalls on a medium frame, the blocked
// retries run and the winning frames continue the image ids already sent.
type ImagineStream struct {
	c    *Client
	tok  *model.Token
	req  ImagineRequest
	sess *imagineSession
	left int

	ids       []string
	seen      map[string]bool
	remap     map[string]string
	replay    []streaming.Event
	delivered bool
}

// ImagineStream dials the socket and sends the request. Frames are read on
// demand through Next; Close ends the session.
func (c *Client) ImagineStream(ctx context.Context, tok *model.Token, req ImagineRequest) (*ImagineStream, error) {
	sess, err := c.openImagine(ctx, tok, req)
	if err != nil {
		return nil, err
	}
	return &ImagineStream{
		c:    c,
		tok:  tok,
		req:  req,
		sess: sess,
		left: c.blockedRetries(),
		seen: map[string]bool{},
	}, nil
}

func (s *ImagineStream) Next(ctx context.Context) (streaming.Event, error) {
	for {
		if len(s.replay) > 0 {
			ev := s.replay[0]
			s.replay = s.replay[1:]
			return s.track(ev), nil
		}
		if s.sess == nil {
			return streaming.Event{}, io.EOF
		}

		ev, err := s.sess.Next(ctx)
		switch {
		case err == nil:
			if ev.Type == streaming.EventError && s.delivered {
				gmw.GetLogger(ctx).Debug("imagine ended after final image", zap.Error(ev.Err))
				s.closeSession()
				return streaming.Event{}, io.EOF
			}
			return s.track(ev), nil

		case errors.Is(err, errBlocked):
			s.closeSession()
			res, rerr := s.c.recoverBlocked(ctx, s.tok, s.req, s.left)
			s.left = 0
			if rerr != nil {
				return streaming.Event{}, rerr
			}
			s.remapOnto(res.events)
			s.replay = res.events

		default:
			return streaming.Event{}, err
		}
	}
}

// remapOnto maps the distinct image ids of a recovered attempt onto the ids
// already sent, in order of first appearance.
func (s *ImagineStream) remapOnto(events []streaming.Event) {
	s.remap = map[string]string{}
	next := 0
	for _, ev := range events {
		if ev.Type != streaming.EventImageBlob {
			continue
		}
		if _, ok := s.remap[ev.ImageId]; ok {
			continue
		}
		if next < len(s.ids) {
			s.remap[ev.ImageId] = s.ids[next]
			next++
		} else {
			s.remap[ev.ImageId] = ev.ImageId
		}
	}
}

func (s *ImagineStream) track(ev streaming.Event) streaming.Event {
	if ev.Type != streaming.EventImageBlob {
		return ev
	}
	if id, ok := s.remap[ev.ImageId]; ok {
		ev.ImageId = id
	}
	if !s.seen[ev.ImageId] {
		s.seen[ev.ImageId] = true
		s.ids = append(s.ids, ev.ImageId)
	}
	img := s.c.settings().Image
	if streaming.ClassifyStage(len(ev.Blob), img.MediumMinBytes, img.FinalMinBytes) == streaming.StageFinal {
		s.delivered = true
	}
	return ev
}

func (s *ImagineStream) closeSession() {
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
}

func (s *ImagineStream) Close() error {
	s.closeSession()
	return nil
}

func imagineMessage(req ImagineRequest) map[string]any {
	return map[string]any{
		"type":      "conversation.item.create",
		"timestamp": time.Now().UnixMilli(),
		"item": map[string]any{
			"type": "message",
			"content": []map[string]any{{
				"requestId": uuid.NewString(),
				"text":      req.Prompt,
				"type":      "input_text",
				"properties": map[string]any{
					"section_count":  0,
					"is_kids_mode":   false,
					"enable_nsfw":    req.NSFW,
					"skip_upsampler": false,
					"is_initial":     false,
					"aspect_ratio":   req.AspectRatio,
				},
			}},
		},
	}
}

type wsFrame struct {
	data []byte
	err  error
}

func (c *Client) dialImagine(ctx context.Context, tok *model.Token) (*websocket.Conn, error) {
	dialer, err := c.wsDialer()
	if err != nil {
		return nil, err
	}
	conn, resp, err := dialer.DialContext(ctx, c.endpoints.WS, BuildWSHeaders(c.settings(), tok))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		ue := &retry.UpstreamError{Code: "connection_failed", Err: errors.Wrap(err, "dial imagine socket")}
		if resp != nil {
			_ = resp.Body.Close()
			ue.StatusCode = resp.StatusCode
			if resp.StatusCode == http.StatusTooManyRequests {
				ue.Code = "rate_limit_exceeded"
			}
		}
		return nil, ue
	}
	return conn, nil
}

// imagineSession is one open socket. Next yields frames in arrival order and
// io.EOF once enough finals arrived, the socket settled after a final, or the
// attempt timed out.
type imagineSession struct {
	conn   *websocket.Conn
	frames chan wsFrame
	done   chan struct{}
	once   sync.Once

	ticker   *time.Ticker
	deadline *time.Timer
	settle   time.Duration
	grace    time.Duration
	wait     time.Duration
	medium   int
	final    int
	want     int

	finalIds     map[string]bool
	finals       int
	events       int
	lastActivity time.Time
	mediumAt     time.Time
	pending      error
	ended        bool
}

func (c *Client) openImagine(ctx context.Context, tok *model.Token, req ImagineRequest) (*imagineSession, error) {
	conn, err := c.dialImagine(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err = conn.WriteJSON(imagineMessage(req)); err != nil {
		_ = conn.Close()
		return nil, &retry.UpstreamError{Code: "connection_failed", Err: errors.Wrap(err, "send imagine request")}
	}

	s := c.settings().Image
	poll := c.imaginePoll
	if poll <= 0 {
		poll = defaultImaginePoll
	}
	settle := c.imagineSettle
	if settle <= 0 {
		settle = defaultImagineSettle
	}
	sess := &imagineSession{
		conn:         conn,
		frames:       make(chan wsFrame, 8),
		done:         make(chan struct{}),
		ticker:       time.NewTicker(poll),
		deadline:     time.NewTimer(s.TimeoutDuration()),
		settle:       settle,
		grace:        s.BlockedGrace(),
		wait:         s.FinalWait(),
		medium:       s.MediumMinBytes,
		final:        s.FinalMinBytes,
		want:         max(req.N, 1),
		finalIds:     map[string]bool{},
		lastActivity: time.Now(),
	}
	go sess.read()
	return sess, nil
}

func (s *imagineSession) read() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case s.frames <- wsFrame{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *imagineSession) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.ticker.Stop()
		s.deadline.Stop()
	})
}

func (s *imagineSession) stalled(now time.Time, limit time.Duration) bool {
	return !s.mediumAt.IsZero() && s.finals == 0 && now.Sub(s.mediumAt) > limit
}

func (s *imagineSession) Next(ctx context.Context) (streaming.Event, error) {
	if s.pending != nil {
		err := s.pending
		s.pending = nil
		s.ended = true
		return streaming.Event{}, err
	}
	if s.ended {
		return streaming.Event{}, io.EOF
	}
	lg := gmw.GetLogger(ctx)

	for {
		select {
		case <-ctx.Done():
			return streaming.Event{}, errors.WithStack(ctx.Err())

		case <-s.deadline.C:
			lg.Info("imagine attempt reached its timeout", zap.Int("finals", s.finals))
			s.ended = true
			return streaming.Event{}, io.EOF

		case <-s.ticker.C:
			now := time.Now()
			if s.stalled(now, s.grace) {
				lg.Warn("imagine stream looks blocked: medium frame without final", zap.Duration("grace", s.grace))
				s.ended = true
				return streaming.Event{}, errBlocked
			}
			if s.finals > 0 && now.Sub(s.lastActivity) > s.settle {
				s.ended = true
				return streaming.Event{}, io.EOF
			}

		case f, ok := <-s.frames:
			if !ok || f.err != nil {
				msg := "websocket closed"
				if f.err != nil {
					msg = f.err.Error()
				}
				s.ended = true
				return streaming.Event{
					Type: streaming.EventError,
					Err:  retry.NewUpstreamError(0, "ws_closed", msg),
				}, nil
			}
			s.lastActivity = time.Now()
			if !gjson.ValidBytes(f.data) {
				lg.Debug("imagine frame is not json, skipped")
				continue
			}
			msg := gjson.ParseBytes(f.data)

			switch msg.Get("type").String() {
			case "image":
				ev, ok := imageEvent(msg.Get("url").String(), msg.Get("blob").String())
				if !ok {
					continue
				}
				stage := streaming.ClassifyStage(len(ev.Blob), s.medium, s.final)
				if stage == streaming.StageMedium && s.mediumAt.IsZero() {
					s.mediumAt = s.lastActivity
				}
				if stage == streaming.StageFinal && !s.finalIds[ev.ImageId] {
					s.finalIds[ev.ImageId] = true
					s.finals++
				}
				s.events++
				if s.finals >= s.want {
					s.ended = true
				} else if s.stalled(time.Now(), s.wait) {
					lg.Warn("imagine final image timed out", zap.Duration("final_timeout", s.wait))
					s.pending = errBlocked
				}
				return ev, nil

			case "error":
				code := msg.Get("err_code").String()
				text := msg.Get("err_msg").String()
				lg.Warn("imagine error frame", zap.String("code", code), zap.String("msg", text))
				ue := retry.NewUpstreamError(0, code, text)
				s.ended = true
				if s.events == 0 {
					return streaming.Event{}, ue
				}
				return streaming.Event{Type: streaming.EventError, Err: ue}, nil
			}

			if s.stalled(time.Now(), s.wait) {
				lg.Warn("imagine final image timed out", zap.Duration("final_timeout", s.wait))
				s.ended = true
				return streaming.Event{}, errBlocked
			}
		}
	}
}

func imageEvent(url, blob string) (streaming.Event, bool) {
	if url == "" || blob == "" {
		return streaming.Event{}, false
	}
	id := ""
	if m := imageIdRe.FindStringSubmatch(url); m != nil {
		id = m[1]
	} else {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return streaming.Event{Type: streaming.EventImageBlob, ImageId: id, URL: url, Blob: blob}, true
}
