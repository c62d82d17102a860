package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func runFilter(f *TagFilter, chunks ...string) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(f.Push(c))
	}
	sb.WriteString(f.Flush())
	return sb.String()
}

func TestTagFilter(t *testing.T) {
	tags := []string{"xaiartifact", "grok:render"}
	cases := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"passthrough", []string{"a < b and c > d"}, "a < b and c > d"},
		{"whole block", []string{"x<xaiartifact a=1>drop</xaiartifact>y"}, "xy"},
		{"split open tag", []string{"x<xai", "artifact>drop</xaiartifact>y"}, "xy"},
		{"split close tag", []string{"x<grok:render>drop</grok:", "render>y"}, "xy"},
		{"self closing", []string{"x<grok:render id=\"1\"/>y"}, "xy"},
		{"similar prefix kept", []string{"<xaiartifacts>keep"}, "<xaiartifacts>keep"},
		{"dangling open kept", []string{"tail <xai"}, "tail <xai"},
		{"unterminated dropped", []string{"x<xaiartifact>never closed"}, "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, runFilter(NewTagFilter(tags), tc.chunks...))
		})
	}
}

func TestTagFilterWithoutTags(t *testing.T) {
	f := NewTagFilter([]string{" ", ""})
	assert.Equal(t, "<xaiartifact>", f.Push("<xaiartifact>"))
}

func TestReasoningSplitter(t *testing.T) {
	var r ReasoningSplitter
	var segs []Segment
	for _, c := range []string{"<thi", "nk>a", "b</th", "ink>c"} {
		segs = append(segs, r.Push(c, false)...)
	}
	segs = append(segs, r.Flush()...)

	var reasoning, content strings.Builder
	for _, s := range segs {
		if s.Reasoning {
			reasoning.WriteString(s.Text)
		} else {
			content.WriteString(s.Text)
		}
	}
	assert.Equal(t, "ab", reasoning.String())
	assert.Equal(t, "c", content.String())

	var flagged ReasoningSplitter
	assert.Equal(t, []Segment{{Text: "x", Reasoning: true}}, flagged.Push("x", true))
}

func TestBuildUsage(t *testing.T) {
	u := BuildUsage("prompt text", "answer", "")
	assert.Equal(t, u.PromptTokens+u.CompletionTokens, u.TotalTokens)
	assert.Nil(t, u.CompletionTokensDetails)

	u = BuildUsage("p", "answer", "thinking hard")
	if assert.NotNil(t, u.CompletionTokensDetails) {
		assert.Equal(t, u.CompletionTokens, u.CompletionTokensDetails.ReasoningTokens+u.CompletionTokensDetails.TextTokens)
	}
	assert.Zero(t, CountTokens(""))
}
