package streaming

import (
	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/chenyme/grok2api/common/render"
)

// Sink receives public stream frames.
type Sink interface {
	// Data writes one unnamed data frame.
	Data(obj any) error
	// Event writes one named event.
	Event(name string, obj any) error
	// Done writes the end-of-stream marker.
	Done() error
}

// SSESink writes to a gin response. Headers go out with the first frame so a
// failure before any output can still be answered with a JSON error.
type SSESink struct {
	c       *gin.Context
	started bool
}

func NewSSESink(c *gin.Context) *SSESink {
	return &SSESink{c: c}
}

func (s *SSESink) start() {
	if s.started {
		return
	}
	s.started = true
	render.SetEventStreamHeaders(s.c)
}

// Started reports whether anything was written.
func (s *SSESink) Started() bool {
	return s.started
}

func (s *SSESink) Data(obj any) error {
	s.start()
	if err := render.ObjectData(s.c, obj); err != nil {
		return errors.Wrap(ErrClientGone, err.Error())
	}
	return nil
}

func (s *SSESink) Event(name string, obj any) error {
	s.start()
	if err := render.Event(s.c, name, obj); err != nil {
		return errors.Wrap(ErrClientGone, err.Error())
	}
	return nil
}

func (s *SSESink) Done() error {
	s.start()
	if err := render.DoneData(s.c); err != nil {
		return errors.Wrap(ErrClientGone, err.Error())
	}
	return nil
}

// Frame is one frame captured by a RecordingSink.
type Frame struct {
	Event string
	Data  any
	Done  bool
}

// RecordingSink keeps frames in memory.
type RecordingSink struct {
	Frames []Frame
	Err    error
}

func (r *RecordingSink) Data(obj any) error {
	if r.Err != nil {
		return r.Err
	}
	r.Frames = append(r.Frames, Frame{Data: obj})
	return nil
}

func (r *RecordingSink) Event(name string, obj any) error {
	if r.Err != nil {
		return r.Err
	}
	r.Frames = append(r.Frames, Frame{Event: name, Data: obj})
	return nil
}

func (r *RecordingSink) Done() error {
	if r.Err != nil {
		return r.Err
	}
	r.Frames = append(r.Frames, Frame{Done: true})
	return nil
}
