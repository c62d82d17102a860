package model

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/Laisky/errors/v2"
	"github.com/go-redis/redis/v8"

	"github.com/chenyme/grok2api/common"
)

const (
	redisKeyConfig      = "grok2api:config"
	redisKeyPools       = "grok2api:pools"
	redisKeyGeneration  = "grok2api:generation"
	redisPrefixPoolSet  = "grok2api:pool:"
	redisPrefixTokenMap = "grok2api:token:"
)

func redisPoolKey(kind TokenKind) string {
	return redisPrefixPoolSet + string(kind)
}

func redisTokenKey(id string) string {
	return redisPrefixTokenMap + id
}

// RedisStorage keeps every token in its own hash, indexed by one set per kind.
// Hash values are JSON encoded so numbers stay usable with HINCRBY.
type RedisStorage struct {
	rdb redis.UniversalClient
}

func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	rdb, err := common.NewRedisClient(ctx, url)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &RedisStorage{rdb: rdb}, nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(rdb redis.UniversalClient) *RedisStorage {
	return &RedisStorage{rdb: rdb}
}

func (s *RedisStorage) Type() string {
	return StorageTypeRedis
}

// tokenToHash encodes every JSON field of t as its own hash field.
func tokenToHash(t *Token) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal token")
	}
	fields := map[string]json.RawMessage{}
	if err = json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "split token fields")
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = string(v)
	}
	return out, nil
}

func hashToToken(fields map[string]string) (*Token, error) {
	doc := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if json.Valid([]byte(v)) {
			doc[k] = json.RawMessage(v)
			continue
		}
		// tolerate plain strings written by other tools
		quoted, _ := json.Marshal(v)
		doc[k] = quoted
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "join token fields")
	}
	t := &Token{}
	if err = json.Unmarshal(raw, t); err != nil {
		return nil, errors.Wrap(err, "unmarshal token")
	}
	return t, nil
}

func (s *RedisStorage) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	gen, err := s.rdb.Get(ctx, redisKeyGeneration).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "get generation")
	}
	snap.Generation = gen

	pools, err := s.rdb.SMembers(ctx, redisKeyPools).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list pools")
	}
	if len(pools) == 0 {
		return snap, nil
	}

	type entry struct {
		kind TokenKind
		cmd  *redis.StringSliceCmd
	}
	var members []entry
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, pool := range pools {
			kind, kerr := ParseTokenKind(pool)
			if kerr != nil {
				continue
			}
			members = append(members, entry{kind: kind, cmd: pipe.SMembers(ctx, redisPoolKey(kind))})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list pool members")
	}

	type pending struct {
		kind TokenKind
		cmd  *redis.StringStringMapCmd
	}
	var hashes []pending
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			for _, id := range m.cmd.Val() {
				hashes = append(hashes, pending{kind: m.kind, cmd: pipe.HGetAll(ctx, redisTokenKey(id))})
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "load token hashes")
	}

	for _, h := range hashes {
		fields := h.cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := hashToToken(fields)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		t.Kind = h.kind
		snap.Tokens = append(snap.Tokens, t)
	}
	return snap, nil
}

func (s *RedisStorage) UpsertToken(ctx context.Context, t *Token) error {
	if t == nil || t.Id == "" {
		return errors.New("token id is required")
	}
	fields, err := tokenToHash(t)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisKeyPools, string(t.Kind))
		for _, kind := range []TokenKind{TokenKindBasic, TokenKindSuper} {
			if kind != t.Kind {
				pipe.SRem(ctx, redisPoolKey(kind), t.Id)
			}
		}
		pipe.SAdd(ctx, redisPoolKey(t.Kind), t.Id)
		pipe.HSet(ctx, redisTokenKey(t.Id), fields)
		return nil
	})
	return errors.Wrapf(err, "upsert token %s", t.Id)
}

func (s *RedisStorage) DeleteTokens(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = redisTokenKey(id)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redisPoolKey(TokenKindBasic), members...)
		pipe.SRem(ctx, redisPoolKey(TokenKindSuper), members...)
		pipe.Del(ctx, keys...)
		return nil
	})
	return errors.Wrap(err, "delete tokens")
}

func (s *RedisStorage) MarkGeneration(ctx context.Context) (int64, error) {
	gen, err := s.rdb.Incr(ctx, redisKeyGeneration).Result()
	if err != nil {
		return 0, errors.Wrap(err, "bump generation")
	}
	return gen, nil
}

func (s *RedisStorage) FlushUsage(ctx context.Context, id string, delta UsageDelta) error {
	key := redisTokenKey(id)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "check token hash")
	}
	if exists == 0 {
		return errors.Wrap(ErrTokenNotFound, id)
	}

	lastError, _ := json.Marshal(delta.LastError)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if delta.Requests != 0 {
			pipe.HIncrBy(ctx, key, "total_requests", delta.Requests)
		}
		if delta.Failures != 0 {
			pipe.HIncrBy(ctx, key, "total_failures", delta.Failures)
		}
		values := map[string]any{
			"requests_used":        strconv.Itoa(delta.RequestsUsed),
			"window_started_at":    strconv.FormatInt(delta.WindowStartedAt, 10),
			"consecutive_failures": strconv.Itoa(delta.ConsecutiveFailures),
		}
		if delta.LastUsedAt > 0 {
			values["last_used_at"] = strconv.FormatInt(delta.LastUsedAt, 10)
		}
		if delta.LastError != "" {
			values["last_error"] = string(lastError)
		}
		pipe.HSet(ctx, key, values)
		return nil
	})
	return errors.Wrapf(err, "flush usage for %s", id)
}

func (s *RedisStorage) LoadConfig(ctx context.Context) ([]byte, error) {
	flat, err := s.rdb.HGetAll(ctx, redisKeyConfig).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load config hash")
	}
	return unflattenConfig(flat)
}

func (s *RedisStorage) SaveConfig(ctx context.Context, doc []byte) error {
	flat, err := flattenConfig(doc)
	if err != nil {
		return errors.WithStack(err)
	}
	values := make(map[string]any, len(flat))
	for k, v := range flat {
		values[k] = v
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKeyConfig)
		if len(values) > 0 {
			pipe.HSet(ctx, redisKeyConfig, values)
		}
		return nil
	})
	return errors.Wrap(err, "save config hash")
}

func (s *RedisStorage) Close() error {
	return errors.WithStack(s.rdb.Close())
}
