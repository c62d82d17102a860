package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenyme/grok2api/model"
)

func TestAddMergesExisting(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic})
	ctx := context.Background()
	id := f.ids["token-a"]

	h, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	h.Release(OutcomeSuccess, nil)

	note := "primary"
	added, err := f.pool.Add(ctx, []TokenInput{
		{Kind: model.TokenKindBasic, Secret: "sso=token-a", Note: &note},
		{Kind: model.TokenKindSuper, Secret: " token-b "},
	})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	tok, ok := f.pool.Get(id)
	require.True(t, ok)
	require.Equal(t, "primary", tok.Note)
	require.Equal(t, 1, tok.RequestsUsed)

	b, ok := f.pool.Get(model.TokenID("token-b"))
	require.True(t, ok)
	require.Equal(t, model.TokenKindSuper, b.Kind)
	require.Equal(t, "token-b", b.Secret)
	require.NotNil(t, f.storage.stored(b.Id))

	// admin writes are immediately visible to the next acquire
	h, err = f.pool.Acquire(Selector{Kinds: []model.TokenKind{model.TokenKindSuper}})
	require.NoError(t, err)
	require.Equal(t, b.Id, h.TokenId())
}

func TestReplaceDropsUnlisted(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{
		"token-a": model.TokenKindBasic,
		"token-b": model.TokenKindBasic,
	})
	ctx := context.Background()

	require.NoError(t, f.pool.Replace(ctx, []TokenInput{
		{Kind: model.TokenKindSuper, Secret: "token-b"},
		{Kind: model.TokenKindBasic, Secret: "token-c"},
	}))

	list := f.pool.List()
	require.Len(t, list, 2)
	_, ok := f.pool.Get(f.ids["token-a"])
	require.False(t, ok)
	require.Nil(t, f.storage.stored(f.ids["token-a"]))

	b, _ := f.pool.Get(f.ids["token-b"])
	require.Equal(t, model.TokenKindSuper, b.Kind)
	require.Equal(t, testSettings().Token.SuperConcurrency, b.ConcurrencyLimit)
}

func TestPruneAndEnable(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{
		"token-a": model.TokenKindBasic,
		"token-b": model.TokenKindBasic,
		"token-c": model.TokenKindBasic,
	})
	ctx := context.Background()

	n, err := f.pool.SetStatus(ctx, []string{f.ids["token-a"], "missing"}, model.TokenStatusDisabled)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = f.pool.SetStatus(ctx, []string{f.ids["token-b"]}, model.TokenStatusExpired)
	require.NoError(t, err)

	_, err = f.pool.SetStatus(ctx, []string{f.ids["token-a"]}, model.TokenStatusActive)
	require.NoError(t, err)

	pruned, err := f.pool.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{f.ids["token-b"]}, pruned)
	require.Len(t, f.pool.List(), 2)

	stats := f.pool.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.ByStatus[model.TokenKindBasic][model.TokenStatusActive])
}

func TestResolveIds(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic})
	id := f.ids["token-a"]

	got := f.pool.ResolveIds([]string{id, "token-a", "sso=token-a", "unknown"})
	require.Equal(t, []string{id}, got)
}
