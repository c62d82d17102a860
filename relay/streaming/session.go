package streaming

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
)

// State is the lifecycle of a Session. Only running may transition, once.
type State int32

const (
	StateRunning State = iota
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session tracks one upstream stream being translated.
type Session struct {
	TokenId   string
	StartedAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
	emitted      atomic.Int64

	output    strings.Builder
	reasoning strings.Builder

	thinkingOpen   bool
	reasoningStart time.Time
	reasoningEnd   time.Time
}

func NewSession(tokenId string) *Session {
	now := time.Now()
	s := &Session{TokenId: tokenId, StartedAt: now}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// finish moves a running session into a terminal state. Later calls are no-ops.
func (s *Session) finish(to State) bool {
	return s.state.CompareAndSwap(int32(StateRunning), int32(to))
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is when the last upstream event arrived.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) markEmitted() {
	s.emitted.Add(1)
}

// Emitted reports whether any frame reached the caller. Until then a failed
// attempt can still be retried transparently.
func (s *Session) Emitted() bool {
	return s.emitted.Load() > 0
}

func (s *Session) Output() string {
	return s.output.String()
}

func (s *Session) Reasoning() string {
	return s.reasoning.String()
}

func (s *Session) openThinking() {
	if s.thinkingOpen {
		return
	}
	s.thinkingOpen = true
	if s.reasoningStart.IsZero() {
		s.reasoningStart = time.Now()
	}
}

func (s *Session) closeThinking() {
	if !s.thinkingOpen {
		return
	}
	s.thinkingOpen = false
	s.reasoningEnd = time.Now()
}

// ReasoningDuration is how long the reasoning channel was open.
func (s *Session) ReasoningDuration() time.Duration {
	if s.reasoningStart.IsZero() {
		return 0
	}
	end := s.reasoningEnd
	if s.thinkingOpen || end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.reasoningStart)
}

type pumped struct {
	ev  Event
	err error
}

// drive feeds upstream events to handle in arrival order. It returns nil at
// io.EOF, ErrIdleTimeout when nothing arrives within idle, the context error
// on cancellation, or the first error from the source or handle.
//
// The source is read on its own goroutine so a blocked read cannot outlive
// the idle timer; that goroutine exits once drive returns.
func drive(ctx context.Context, s *Session, src Source, idle time.Duration, handle func(Event) error) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan pumped)
	go func() {
		defer close(ch)
		for {
			ev, err := src.Next(pctx)
			select {
			case ch <- pumped{ev: ev, err: err}:
			case <-pctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var timer *time.Timer
	var timeout <-chan time.Time
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return ErrIdleTimeout
		case p, ok := <-ch:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if p.err != nil {
				if errors.Is(p.err, io.EOF) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return p.err
			}
			s.touch()
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(idle)
			}
			if p.ev.Type == EventError && p.ev.Err != nil {
				return p.ev.Err
			}
			if err := handle(p.ev); err != nil {
				return err
			}
		}
	}
}
