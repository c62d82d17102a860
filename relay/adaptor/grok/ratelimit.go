package grok

import (
	"context"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/model"
	"github.com/chenyme/grok2api/relay/pool"
)

// quotaProbeModel is the model whose limits stand in for the token's quota.
const quotaProbeModel = "grok-4-1-thinking-1129"

var _ pool.Refresher = (*Client)(nil)

// FetchQuota asks the upstream how many queries the token has left.
func (c *Client) FetchQuota(ctx context.Context, tok *model.Token) (pool.Quota, error) {
	resp, err := c.postJSON(ctx, tok, pathRateLimits, map[string]any{
		"requestKind": "DEFAULT",
		"modelName":   quotaProbeModel,
	})
	if err != nil {
		return pool.Quota{}, errors.Wrap(err, "fetch rate limits")
	}
	var out struct {
		RemainingTokens  *int `json:"remainingTokens"`
		RemainingQueries *int `json:"remainingQueries"`
	}
	if err = decodeJSON(resp, &out); err != nil {
		return pool.Quota{}, err
	}

	q := pool.Quota{Remaining: -1}
	switch {
	case out.RemainingTokens != nil:
		q.Remaining = *out.RemainingTokens
	case out.RemainingQueries != nil:
		q.Remaining = *out.RemainingQueries
	}
	gmw.GetLogger(ctx).Debug("quota fetched",
		zap.String("token_id", tok.Id), zap.Int("remaining", q.Remaining))
	return q, nil
}
