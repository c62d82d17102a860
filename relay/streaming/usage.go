package streaming

import (
	"sync"

	"github.com/Laisky/zap"
	"github.com/pkoukk/tiktoken-go"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/common/logger"
	relaymodel "github.com/chenyme/grok2api/relay/model"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

func tokenEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("o200k_base")
		if err != nil {
			logger.Logger.Warn("tiktoken encoder unavailable, falling back to length estimate; "+
				"set TIKTOKEN_CACHE_DIR in offline environments",
				zap.Error(err))
			return
		}
		encoder = enc
	})
	return encoder
}

// InitTokenEncoder loads the tokenizer vocabulary up front so the first
// request does not pay for it.
func InitTokenEncoder() {
	if config.ApproximateTokenEnabled {
		return
	}
	if tokenEncoder() != nil {
		logger.Logger.Info("token encoder initialized")
	}
}

// CountTokens estimates how many tokens text costs.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if config.ApproximateTokenEnabled {
		return approximateTokens(text)
	}
	enc := tokenEncoder()
	if enc == nil {
		return approximateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func approximateTokens(text string) int {
	n := int(float64(len(text)) * 0.38)
	if n == 0 {
		n = 1
	}
	return n
}

// BuildUsage fills a chat usage block from the prompt and both output channels.
func BuildUsage(prompt, content, reasoning string) relaymodel.Usage {
	promptTokens := CountTokens(prompt)
	textTokens := CountTokens(content)
	reasoningTokens := CountTokens(reasoning)
	u := relaymodel.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: textTokens + reasoningTokens,
		TotalTokens:      promptTokens + textTokens + reasoningTokens,
	}
	if reasoningTokens > 0 {
		u.CompletionTokensDetails = &relaymodel.UsageCompletionTokensDetails{
			ReasoningTokens: reasoningTokens,
			TextTokens:      textTokens,
		}
	}
	return u
}
