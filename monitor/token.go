package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/common/graceful"
	"github.com/chenyme/grok2api/common/logger"
	"github.com/chenyme/grok2api/common/message"
	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/pool"
)

// notifier is swapped in tests.
var notifier = message.SendMessage

func notifyAdmin(ctx context.Context, subject, content string) {
	if !message.Enabled() {
		return
	}
	if err := notifier(ctx, subject, content, content); err != nil {
		logger.Logger.Error("failed to send message", zap.String("subject", subject), zap.Error(err))
	}
}

// needsAttention is true for transitions an operator has to act on.
// Rate limits recover on their own and are only counted.
func needsAttention(change pool.StatusChange) bool {
	return change.To == model.TokenStatusDisabled || change.To == model.TokenStatusExpired
}

func describe(change pool.StatusChange) (subject, content string) {
	short := change.TokenId
	if len(short) > 12 {
		short = short[:12]
	}
	switch change.To {
	case model.TokenStatusExpired:
		subject = "Token Expired"
		content = fmt.Sprintf("%s token %s was rejected by the upstream and marked expired (%s). "+
			"Replace its cookie or delete it.", change.Kind, short, change.Reason)
	default:
		subject = "Token Disabled"
		content = fmt.Sprintf("%s token %s has been disabled (%s). "+
			"Re-enable it from the admin API once the cause is fixed.", change.Kind, short, change.Reason)
	}
	return subject, content
}

// StatusHook returns the pool hook that counts token status changes and
// notifies the operator when a token drops out for good. m may be nil.
func StatusHook(m *Metrics) pool.StatusHook {
	return func(change pool.StatusChange) {
		if m != nil {
			m.ObserveStatusChange(change)
		}
		if !needsAttention(change) {
			return
		}

		logger.Logger.Warn("token removed from rotation",
			zap.String("token_id", change.TokenId),
			zap.String("kind", string(change.Kind)),
			zap.String("status", string(change.To)),
			zap.String("reason", change.Reason))

		subject, content := describe(change)
		graceful.GoCritical(context.Background(), "notifyTokenStatus", func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			notifyAdmin(ctx, subject, content)
		})
	}
}
