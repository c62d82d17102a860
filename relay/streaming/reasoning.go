package streaming

import (
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Segment is a run of text on one channel.
type Segment struct {
	Text      string
	Reasoning bool
}

// ReasoningSplitter routes text onto the reasoning or content channel. The
// upstream marks thinking tokens with a flag, and some models also inline
// <think>...</think> markers, which may be split across chunks.
type ReasoningSplitter struct {
	inline  bool
	pending string
}

// Push splits one chunk. flagged forces the whole chunk onto the reasoning channel.
func (r *ReasoningSplitter) Push(text string, flagged bool) []Segment {
	var segs []Segment
	emit := func(s string, reasoning bool) {
		if s == "" {
			return
		}
		if n := len(segs); n > 0 && segs[n-1].Reasoning == reasoning {
			segs[n-1].Text += s
			return
		}
		segs = append(segs, Segment{Text: s, Reasoning: reasoning})
	}

	data := r.pending + text
	r.pending = ""
	for len(data) > 0 {
		marker := thinkOpen
		if r.inline {
			marker = thinkClose
		}
		if i := strings.Index(data, marker); i >= 0 {
			emit(data[:i], r.inline || flagged)
			data = data[i+len(marker):]
			r.inline = !r.inline
			continue
		}
		keep := partialSuffix(data, marker)
		emit(data[:len(data)-keep], r.inline || flagged)
		r.pending = data[len(data)-keep:]
		break
	}
	return segs
}

// Flush returns text held back while waiting for a marker to complete.
func (r *ReasoningSplitter) Flush() []Segment {
	if r.pending == "" {
		return nil
	}
	s := Segment{Text: r.pending, Reasoning: r.inline}
	r.pending = ""
	return []Segment{s}
}
