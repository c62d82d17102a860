package streaming

import (
	"strings"
)

// TagFilter removes <tag ...>...</tag> blocks, and self-closing <tag .../>,
// from a text stream whose chunks may split a tag anywhere.
type TagFilter struct {
	tags    []string
	pending string
	inside  string
}

func NewTagFilter(tags []string) *TagFilter {
	var clean []string
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return &TagFilter{tags: clean}
}

type openMatch int

const (
	openNone openMatch = iota
	openPartial
	openFull
)

// matchOpen checks whether data, which starts with '<', opens a filtered tag.
func (f *TagFilter) matchOpen(data string) (string, openMatch) {
	result := openNone
	for _, tag := range f.tags {
		prefix := "<" + tag
		if len(data) <= len(prefix) {
			if strings.HasPrefix(prefix, data) {
				result = openPartial
			}
			continue
		}
		if !strings.HasPrefix(data, prefix) {
			continue
		}
		switch data[len(prefix)] {
		case '>', '/', ' ', '\t', '\n', '\r':
			return tag, openFull
		}
	}
	return "", result
}

// partialSuffix is the length of the longest suffix of data that is a proper
// prefix of marker.
func partialSuffix(data, marker string) int {
	n := min(len(data), len(marker)-1)
	for ; n > 0; n-- {
		if strings.HasSuffix(data, marker[:n]) {
			return n
		}
	}
	return 0
}

// Push filters one chunk. Text that might still turn into a filtered tag is
// held back until the next Push or Flush.
func (f *TagFilter) Push(chunk string) string {
	if len(f.tags) == 0 {
		return chunk
	}
	data := f.pending + chunk
	f.pending = ""

	var out strings.Builder
	for len(data) > 0 {
		if f.inside != "" {
			closing := "</" + f.inside + ">"
			if i := strings.Index(data, closing); i >= 0 {
				data = data[i+len(closing):]
				f.inside = ""
				continue
			}
			keep := partialSuffix(data, closing)
			f.pending = data[len(data)-keep:]
			return out.String()
		}

		i := strings.IndexByte(data, '<')
		if i < 0 {
			out.WriteString(data)
			break
		}
		out.WriteString(data[:i])
		data = data[i:]

		tag, m := f.matchOpen(data)
		switch m {
		case openNone:
			out.WriteByte('<')
			data = data[1:]
		case openPartial:
			f.pending = data
			return out.String()
		case openFull:
			end := strings.IndexByte(data, '>')
			if end < 0 {
				f.pending = data
				return out.String()
			}
			selfClosing := data[end-1] == '/'
			data = data[end+1:]
			if !selfClosing {
				f.inside = tag
			}
		}
	}
	return out.String()
}

// Flush releases held-back text at the end of the stream. An unterminated
// filtered block is dropped.
func (f *TagFilter) Flush() string {
	out := f.pending
	f.pending = ""
	if f.inside != "" {
		f.inside = ""
		return ""
	}
	if _, m := f.matchOpen(out); m == openFull {
		return ""
	}
	return out
}
