package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"

	"github.com/chenyme/grok2api/common/config"
	"github.com/chenyme/grok2api/model"
)

// memStorage is an in-process model.Storage with failure injection.
type memStorage struct {
	mu         sync.Mutex
	tokens     map[string]*model.Token
	generation int64
	upserts    int
	flushes    map[string][]model.UsageDelta
	flushErr   error
	loadErr    error
}

func newMemStorage() *memStorage {
	return &memStorage{
		tokens:  map[string]*model.Token{},
		flushes: map[string][]model.UsageDelta{},
	}
}

func (m *memStorage) Type() string { return "memory" }

func (m *memStorage) LoadAll(ctx context.Context) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	snap := &model.Snapshot{Generation: m.generation}
	for _, tok := range m.tokens {
		snap.Tokens = append(snap.Tokens, tok.Clone())
	}
	return snap, nil
}

func (m *memStorage) UpsertToken(ctx context.Context, t *model.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	stored := t.Clone()
	stored.InFlight = 0
	stored.UsageDirty = false
	m.tokens[t.Id] = stored
	return nil
}

func (m *memStorage) DeleteTokens(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.tokens, id)
	}
	return nil
}

func (m *memStorage) MarkGeneration(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return m.generation, nil
}

func (m *memStorage) FlushUsage(ctx context.Context, id string, delta model.UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushErr != nil {
		return m.flushErr
	}
	tok, ok := m.tokens[id]
	if !ok {
		return model.ErrTokenNotFound
	}
	delta.Apply(tok)
	m.flushes[id] = append(m.flushes[id], delta)
	return nil
}

func (m *memStorage) LoadConfig(ctx context.Context) ([]byte, error) { return nil, nil }

func (m *memStorage) SaveConfig(ctx context.Context, doc []byte) error { return nil }

func (m *memStorage) Close() error { return nil }

func (m *memStorage) stored(id string) *model.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[id]; ok {
		return tok.Clone()
	}
	return nil
}

// external simulates another process editing the backend.
func (m *memStorage) external(fn func(tokens map[string]*model.Token)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.tokens)
	m.generation++
}

type testClock struct {
	ms atomic.Int64
}

func (c *testClock) Now() int64 { return c.ms.Add(1) }

func (c *testClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

func testSettings() *config.Settings {
	s := config.DefaultSettings()
	s.Token.FailThreshold = 3
	s.Token.SaveDelayMs = int(time.Hour / time.Millisecond)
	return s
}

type fixture struct {
	pool    *Pool
	storage *memStorage
	clock   *testClock
	ids     map[string]string
}

func newFixture(t *testing.T, s *config.Settings, kinds map[string]model.TokenKind, opts ...Option) *fixture {
	t.Helper()
	st := newMemStorage()
	clock := &testClock{}
	clock.ms.Store(1_700_000_000_000)

	ids := map[string]string{}
	for secret, kind := range kinds {
		tok, err := model.NewToken(secret, kind)
		require.NoError(t, err)
		tok.WindowStartedAt = clock.ms.Load()
		tok.LastRefreshedAt = clock.ms.Load()
		st.tokens[tok.Id] = tok
		ids[secret] = tok.Id
	}
	st.generation = 1

	opts = append([]Option{
		WithSettings(func() *config.Settings { return s }),
		WithClock(clock.Now),
	}, opts...)
	p := New(st, opts...)
	require.NoError(t, p.Load(context.Background()))
	return &fixture{pool: p, storage: st, clock: clock, ids: ids}
}

var basicOnly = Selector{Kinds: []model.TokenKind{model.TokenKindBasic}}

func TestAcquirePrefersLeastLoaded(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{
		"token-a": model.TokenKindBasic,
		"token-b": model.TokenKindBasic,
	})

	h1, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	h2, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	require.NotEqual(t, h1.TokenId(), h2.TokenId())

	// both at one in flight: the one used longest ago wins
	h3, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	require.Equal(t, h1.TokenId(), h3.TokenId())

	h4, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	require.Equal(t, h2.TokenId(), h4.TokenId())

	// concurrency limit 2 reached on both
	_, err = f.pool.Acquire(basicOnly)
	require.ErrorIs(t, err, ErrNoEligibleToken)

	h1.Release(OutcomeSuccess, nil)
	h5, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	require.Equal(t, h1.TokenId(), h5.TokenId())
}

func TestAcquireRaceNeverExceedsLimit(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{
		"token-a": model.TokenKindBasic,
		"token-b": model.TokenKindBasic,
		"token-c": model.TokenKindBasic,
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*Handle
		misses  atomic.Int32
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.pool.Acquire(basicOnly)
			if err != nil {
				misses.Add(1)
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, handles, 6)
	require.EqualValues(t, 58, misses.Load())
	perToken := map[string]int{}
	for _, h := range handles {
		perToken[h.TokenId()]++
	}
	for _, n := range perToken {
		require.Equal(t, 2, n)
	}

	for _, h := range handles {
		h.Release(OutcomeCanceled, nil)
	}
	require.Zero(t, f.pool.Stats().InFlight)
}

func TestReleaseCountsOnce(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic})

	h, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	h.Release(OutcomeSuccess, nil)
	h.Release(OutcomeSuccess, nil)
	h.Release(OutcomeFailure, errors.New("late"))

	tok, ok := f.pool.Get(h.TokenId())
	require.True(t, ok)
	require.Zero(t, tok.InFlight)
	require.Equal(t, 1, tok.RequestsUsed)
	require.Zero(t, tok.ConsecutiveFailures)
}

func TestFailThresholdDisablesImmediately(t *testing.T) {
	var changes []StatusChange
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic},
		WithStatusHook(func(c StatusChange) { changes = append(changes, c) }))
	id := f.ids["token-a"]

	for i := range 3 {
		h, err := f.pool.Acquire(basicOnly)
		require.NoError(t, err, "attempt %d", i)
		h.Release(OutcomeFailure, errors.New("upstream status 400"))
	}

	tok, _ := f.pool.Get(id)
	require.Equal(t, model.TokenStatusDisabled, tok.Status)
	require.Equal(t, 3, tok.ConsecutiveFailures)

	// persisted without waiting for save_delay or the flush loop
	stored := f.storage.stored(id)
	require.Equal(t, model.TokenStatusDisabled, stored.Status)
	require.Equal(t, 3, stored.ConsecutiveFailures)
	require.EqualValues(t, 2, f.pool.Generation())

	require.Len(t, changes, 1)
	require.Equal(t, model.TokenStatusActive, changes[0].From)
	require.Equal(t, model.TokenStatusDisabled, changes[0].To)

	_, err := f.pool.Acquire(basicOnly)
	require.ErrorIs(t, err, ErrNoEligibleToken)
}

func TestSuccessResetsFailures(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic})

	for _, outcome := range []Outcome{OutcomeFailure, OutcomeFailure, OutcomeSuccess, OutcomeFailure} {
		h, err := f.pool.Acquire(basicOnly)
		require.NoError(t, err)
		h.Release(outcome, errors.New("x"))
	}
	tok, _ := f.pool.Get(f.ids["token-a"])
	require.Equal(t, model.TokenStatusActive, tok.Status)
	require.Equal(t, 1, tok.ConsecutiveFailures)
}

func TestUnauthorizedExpires(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic})

	h, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	h.Release(OutcomeUnauthorized, errors.New("upstream status 401"))

	require.Equal(t, model.TokenStatusExpired, f.storage.stored(h.TokenId()).Status)
}

func TestRateLimitedIsDebounced(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{"token-a": model.TokenKindBasic})
	id := f.ids["token-a"]

	h, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	h.Release(OutcomeRateLimited, errors.New("upstream status 429"))

	tok, _ := f.pool.Get(id)
	require.Equal(t, model.TokenStatusLimited, tok.Status)
	require.Equal(t, model.TokenStatusActive, f.storage.stored(id).Status)

	require.NoError(t, f.pool.SaveDirty(context.Background()))
	require.Equal(t, model.TokenStatusLimited, f.storage.stored(id).Status)
}

func TestQuotaWindowRollsOver(t *testing.T) {
	s := testSettings()
	s.Token.BasicQuota = 1
	f := newFixture(t, s, map[string]model.TokenKind{"token-a": model.TokenKindBasic})

	h, err := f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	h.Release(OutcomeSuccess, nil)

	_, err = f.pool.Acquire(basicOnly)
	require.ErrorIs(t, err, ErrNoEligibleToken)

	f.clock.Advance(time.Duration(s.Token.BasicWindowHours*float64(time.Hour)) + time.Second)
	h, err = f.pool.Acquire(basicOnly)
	require.NoError(t, err)
	tok, _ := f.pool.Get(h.TokenId())
	require.Zero(t, tok.RequestsUsed)
}

func TestSelectorKindsExcludeAndNSFW(t *testing.T) {
	f := newFixture(t, testSettings(), map[string]model.TokenKind{
		"token-basic": model.TokenKindBasic,
		"token-super": model.TokenKindSuper,
		"token-spicy": model.TokenKindBasic,
	})
	ctx := context.Background()
	_, err := f.pool.SetNSFW(ctx, []string{f.ids["token-spicy"]}, true)
	require.NoError(t, err)

	h, err := f.pool.Acquire(Selector{Kinds: []model.TokenKind{model.TokenKindSuper, model.TokenKindBasic}})
	require.NoError(t, err)
	require.Equal(t, f.ids["token-super"], h.TokenId())
	h.Release(OutcomeCanceled, nil)

	h, err = f.pool.Acquire(Selector{
		Kinds:   []model.TokenKind{model.TokenKindSuper, model.TokenKindBasic},
		Exclude: map[string]struct{}{f.ids["token-super"]: {}},
	})
	require.NoError(t, err)
	require.Equal(t, model.TokenKindBasic, h.Token().Kind)
	h.Release(OutcomeCanceled, nil)

	h, err = f.pool.Acquire(Selector{Kinds: []model.TokenKind{model.TokenKindBasic}, PreferNSFW: true})
	require.NoError(t, err)
	require.Equal(t, f.ids["token-spicy"], h.TokenId())
	h.Release(OutcomeCanceled, nil)
}
